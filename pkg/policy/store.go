package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned for unknown policy ids.
var ErrNotFound = errors.New("policy not found")

// Store persists policies. The normalized text hash is the natural key:
// re-seeding the same text is a no-op.
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
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		text_hash TEXT NOT NULL UNIQUE,
		conditions JSON NOT NULL,
		effects JSON NOT NULL,
		cel_expression TEXT,
		effective_from TEXT NOT NULL,
		effective_to TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Upsert inserts the policy if its text hash is new, returning the stored
// policy either way.
func (s *Store) Upsert(ctx context.Context, p contracts.Policy) (*contracts.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.EffectiveFrom.IsZero() {
		p.EffectiveFrom = s.clock.Now()
	}
	hash := TextHash(p.Text)
	condJSON, _ := json.Marshal(p.Conditions)
	effJSON, _ := json.Marshal(p.Effects)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, type, text, text_hash, conditions, effects, cel_expression, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(text_hash) DO NOTHING`,
		p.ID, p.Type, p.Text, hash, string(condJSON), string(effJSON),
		nullStr(p.CELExpression), ts(p.EffectiveFrom), tsp(p.EffectiveTo))
	if err != nil {
		return nil, err
	}
	return s.ByHash(ctx, hash)
}

// ByHash fetches a policy by its text hash.
func (s *Store) ByHash(ctx context.Context, hash string) (*contracts.Policy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE text_hash = ?`, hash))
}

// ByID fetches a policy by id.
func (s *Store) ByID(ctx context.Context, id string) (*contracts.Policy, error) {
	return scanPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id))
}

// Active returns the policies in effect at t.
func (s *Store) Active(ctx context.Context, t time.Time) ([]contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY text`, ts(t), ts(t))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Retire ends a policy's effect window at the current clock.
func (s *Store) Retire(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET effective_to = ? WHERE id = ? AND effective_to IS NULL`,
		ts(s.clock.Now()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const policyColumns = `id, type, text, conditions, effects, cel_expression, effective_from, effective_to`

type scanner interface{ Scan(dest ...any) error }

func scanPolicy(row scanner) (*contracts.Policy, error) {
	var (
		p                contracts.Policy
		condJSON, effJSON string
		cel, effTo       sql.NullString
		effFrom          string
	)
	err := row.Scan(&p.ID, &p.Type, &p.Text, &condJSON, &effJSON, &cel, &effFrom, &effTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(condJSON), &p.Conditions)
	_ = json.Unmarshal([]byte(effJSON), &p.Effects)
	p.CELExpression = cel.String
	p.EffectiveFrom = parseTS(effFrom)
	if effTo.Valid {
		t := parseTS(effTo.String)
		p.EffectiveTo = &t
	}
	return &p, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in the validity-window predicate.
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
