package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
)

// result renders a tool result as the JSON text handed back to the model.
func result(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(b)
}

func errorResult(format string, args ...any) string {
	return result(map[string]any{"error": fmt.Sprintf(format, args...)})
}

type request struct {
	method  string
	url     string
	headers map[string]string
	params  map[string]any
	body    any
}

// do sends req and decodes a JSON response. Non-JSON bodies come back as
// {"content": text}; HTML pages are reduced to their readable text.
func do(ctx context.Context, client *http.Client, req request) (any, error) {
	u, err := url.Parse(req.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if len(req.params) > 0 {
		q := u.Query()
		for k, v := range req.params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	method := strings.ToUpper(req.method)
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		hreq.Header.Set(k, v)
	}

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded, nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		if article, err := readability.FromReader(bytes.NewReader(raw), u); err == nil {
			var sb strings.Builder
			if err := article.RenderText(&sb); err == nil {
				return map[string]any{"content": sb.String()}, nil
			}
		}
	}
	return map[string]any{"content": string(raw)}, nil
}
