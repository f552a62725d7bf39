// Package playbooks mines action templates from resolved cases and
// retrieves them for new ones. Retrieval scores decay with disuse and
// discount playbooks learned under a different policy regime.
package playbooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned for unknown playbook ids.
var ErrNotFound = errors.New("playbook not found")

// Store persists mined playbooks.
type Store struct {
	db    *sql.DB
	clock contracts.Clock
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, clock: contracts.WallClock{}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) WithClock(c contracts.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS playbooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL,
		pattern JSON NOT NULL,
		action_template JSON NOT NULL,
		use_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		policy_snapshot JSON NOT NULL,
		last_used_at TEXT,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert stores a newly mined playbook.
func (s *Store) Insert(ctx context.Context, p *contracts.Playbook) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	patternJSON, _ := json.Marshal(p.Pattern)
	templateJSON, _ := json.Marshal(p.ActionTemplate)
	snapshotJSON, _ := json.Marshal(p.PolicySnapshot)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playbooks
		(id, name, domain, pattern, action_template, use_count, success_count,
		 policy_snapshot, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Domain, string(patternJSON), string(templateJSON),
		p.Stats.UseCount, p.Stats.SuccessCount, string(snapshotJSON),
		tsp(p.LastUsedAt), ts(p.CreatedAt))
	return err
}

// ByID fetches one playbook.
func (s *Store) ByID(ctx context.Context, id string) (*contracts.Playbook, error) {
	return scanPlaybook(s.db.QueryRowContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id))
}

// List returns every playbook, optionally restricted to a domain.
func (s *Store) List(ctx context.Context, domain string) ([]contracts.Playbook, error) {
	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordUse bumps the usage counters and the freshness timestamp.
func (s *Store) RecordUse(ctx context.Context, id string, success bool) error {
	successDelta := 0
	if success {
		successDelta = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE playbooks
		SET use_count = use_count + 1,
		    success_count = success_count + ?,
		    last_used_at = ?
		WHERE id = ?`,
		successDelta, ts(s.clock.Now()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const playbookColumns = `id, name, domain, pattern, action_template, use_count,
	success_count, policy_snapshot, last_used_at, created_at`

type scanner interface{ Scan(dest ...any) error }

func scanPlaybook(row scanner) (*contracts.Playbook, error) {
	var (
		p                              contracts.Playbook
		patternJSON, templateJSON, snap string
		lastUsed                       sql.NullString
		created                        string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Domain, &patternJSON, &templateJSON,
		&p.Stats.UseCount, &p.Stats.SuccessCount, &snap, &lastUsed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(patternJSON), &p.Pattern)
	_ = json.Unmarshal([]byte(templateJSON), &p.ActionTemplate)
	_ = json.Unmarshal([]byte(snap), &p.PolicySnapshot)
	if lastUsed.Valid {
		t := parseTS(lastUsed.String)
		p.LastUsedAt = &t
	}
	p.CreatedAt = parseTS(created)
	return &p, nil
}

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func tsp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
