package packets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned when no packet exists for a case.
var ErrNotFound = errors.New("decision packet not found")

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists sealed packets, one per case, insert-only.
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
	CREATE TABLE IF NOT EXISTS decision_packets (
		case_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		payload JSON NOT NULL,
		sealed_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save seals the packet for its case. A second save for the same case is
// rejected: packets are immutable.
func (s *Store) Save(ctx context.Context, p *contracts.DecisionPacket) error {
	if p.ContentHash == "" {
		return fmt.Errorf("packet has no content hash")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_packets (case_id, content_hash, payload, sealed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id) DO NOTHING`,
		p.CaseID, p.ContentHash, string(payload),
		s.clock.Now().UTC().Format(tsLayout))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("packet for case %s already sealed", p.CaseID)
	}
	return nil
}

// ByCase loads the sealed packet for a case.
func (s *Store) ByCase(ctx context.Context, caseID string) (*contracts.DecisionPacket, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM decision_packets WHERE case_id = ?`, caseID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p contracts.DecisionPacket
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
