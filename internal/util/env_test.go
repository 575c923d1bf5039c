package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FF_STR", "value")
	t.Setenv("FF_EMPTY", "")
	t.Setenv("FF_NUM", "2.5")
	t.Setenv("FF_BAD_NUM", "x")
	t.Setenv("FF_BOOL", "1")
	t.Setenv("FF_DUR", "90s")

	if got := GetEnv("FF_STR"); got != "value" {
		t.Fatalf("GetEnv = %q", got)
	}
	if got := GetEnv("FF_MISSING"); got != "" {
		t.Fatalf("GetEnv missing = %q", got)
	}
	if got := GetEnvString("FF_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("GetEnvString empty = %q", got)
	}
	if got := GetEnvNumeric("FF_NUM", 1); got != 2.5 {
		t.Fatalf("GetEnvNumeric = %v", got)
	}
	if got := GetEnvInt("FF_BAD_NUM", 7); got != 7 {
		t.Fatalf("GetEnvInt bad = %v", got)
	}
	if !GetEnvBool("FF_BOOL", false) {
		t.Fatal("GetEnvBool should parse 1 as true")
	}
	if got := GetEnvDuration("FF_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration = %v", got)
	}
}

func TestLoadEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FF_LOADED=from-file\nFF_KEEP=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FF_KEEP", "from-process")
	t.Cleanup(func() { os.Unsetenv("FF_LOADED") })

	LoadEnv(path)

	if got := os.Getenv("FF_LOADED"); got != "from-file" {
		t.Fatalf("FF_LOADED = %q", got)
	}
	if got := os.Getenv("FF_KEEP"); got != "from-process" {
		t.Fatalf("FF_KEEP = %q", got)
	}
}
