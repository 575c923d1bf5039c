// Package store persists submitted workflow definitions and their last
// compile outcome in Postgres.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("workflow not found")

type Status string

const (
	StatusQueued    Status = "queued"
	StatusGenerated Status = "generated"
	StatusError     Status = "error"
)

type Workflow struct {
	ID         string                 `json:"id"`
	Status     Status                 `json:"status"`
	Hash       string                 `json:"hash"`
	Message    string                 `json:"message,omitempty"`
	Definition common.GraphDefinition `json:"-"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db dbConn
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Hash fingerprints a definition so repeated submissions can be recognized.
func Hash(def common.GraphDefinition) (string, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

const upsertWorkflowSQL = `
INSERT INTO workflows (id, status, hash, message, definition)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    hash = EXCLUDED.hash,
    message = EXCLUDED.message,
    definition = EXCLUDED.definition,
    updated_at = now()
`

// Upsert writes the definition and status for w.ID, filling w.Hash when empty.
func (s *Store) Upsert(ctx context.Context, w Workflow) error {
	raw, err := json.Marshal(w.Definition)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	if w.Hash == "" {
		if w.Hash, err = Hash(w.Definition); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(ctx, upsertWorkflowSQL, w.ID, string(w.Status), w.Hash, w.Message, string(raw)); err != nil {
		return fmt.Errorf("upsert workflow %s: %w", w.ID, err)
	}
	return nil
}

const setStatusSQL = `
UPDATE workflows SET status = $2, message = $3, updated_at = now()
WHERE id = $1
`

func (s *Store) SetStatus(ctx context.Context, id string, status Status, message string) error {
	tag, err := s.db.Exec(ctx, setStatusSQL, id, string(status), message)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const getWorkflowSQL = `
SELECT id, status, hash, message, definition, created_at, updated_at
FROM workflows WHERE id = $1
`

func (s *Store) Get(ctx context.Context, id string) (Workflow, error) {
	var (
		w      Workflow
		status string
		raw    []byte
	)
	err := s.db.QueryRow(ctx, getWorkflowSQL, id).Scan(&w.ID, &status, &w.Hash, &w.Message, &raw, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	w.Status = Status(status)
	if err := json.Unmarshal(raw, &w.Definition); err != nil {
		return Workflow{}, fmt.Errorf("decode definition %s: %w", id, err)
	}
	return w, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}
