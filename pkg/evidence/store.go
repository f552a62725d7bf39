// Package evidence implements the immutable, content-addressed evidence
// store. Raw bytes live at <root>/<sha256>.bin; index rows live in SQLite
// keyed by the unique triple (source_system, source_ref, content_sha256).
package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned when an evidence id is unknown.
var ErrNotFound = errors.New("evidence not found")

var hashRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store persists evidence rows and their raw payloads. Rows and bytes are
// never updated or deleted once written.
type Store struct {
	db    *sql.DB
	root  string
	clock contracts.Clock
}

// NewStore opens the store over db with raw bytes under root.
func NewStore(db *sql.DB, root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence root: %w", err)
	}
	s := &Store{db: db, root: root, clock: contracts.WallClock{}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(c contracts.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		source_system TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		content_sha256 TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		retrieved_at TEXT NOT NULL,
		event_time_start TEXT,
		event_time_end TEXT,
		excerpt TEXT,
		meta JSON,
		UNIQUE(source_system, source_ref, content_sha256)
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence(source_system, source_ref);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// PutInput is the provenance tuple accepted by Put.
type PutInput struct {
	SourceSystem   string
	SourceRef      string
	ContentType    string
	Payload        []byte
	EventTimeStart *time.Time
	EventTimeEnd   *time.Time
	Meta           map[string]any
}

// Put ingests raw bytes. It is idempotent: re-ingesting identical bytes
// for the same (source, ref) returns the existing row id. A failed write
// is fatal for this put; callers route it through a
// MissingEvidenceRequest.
func (s *Store) Put(ctx context.Context, in PutInput) (*contracts.Evidence, error) {
	if in.SourceSystem == "" || in.SourceRef == "" {
		return nil, fmt.Errorf("source_system and source_ref are required")
	}
	sha := HashBytes(in.Payload)

	if existing, err := s.lookup(ctx, in.SourceSystem, in.SourceRef, sha); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.writeBlob(sha, in.Payload); err != nil {
		return nil, fmt.Errorf("write evidence blob: %w", err)
	}

	now := s.clock.Now()
	row := &contracts.Evidence{
		ID:             uuid.New().String(),
		SourceSystem:   in.SourceSystem,
		SourceRef:      in.SourceRef,
		ContentSHA256:  sha,
		ContentType:    in.ContentType,
		RetrievedAt:    now,
		EventTimeStart: in.EventTimeStart,
		EventTimeEnd:   in.EventTimeEnd,
		Excerpt:        Excerpt(in.Payload, in.ContentType),
		Meta:           in.Meta,
	}
	if row.ContentType == "" {
		row.ContentType = "application/octet-stream"
	}
	if row.EventTimeStart == nil {
		row.EventTimeStart = &now
	}

	metaJSON, _ := json.Marshal(row.Meta)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence
		(id, source_system, source_ref, content_sha256, content_type, retrieved_at,
		 event_time_start, event_time_end, excerpt, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_system, source_ref, content_sha256) DO NOTHING`,
		row.ID, row.SourceSystem, row.SourceRef, row.ContentSHA256, row.ContentType,
		fmtTime(&row.RetrievedAt), fmtTime(row.EventTimeStart), fmtTime(row.EventTimeEnd),
		row.Excerpt, string(metaJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert evidence row: %w", err)
	}
	// A concurrent identical ingestion may have won the conflict; the
	// lookup keyed by the triple makes Put linearizable either way.
	return s.lookup(ctx, in.SourceSystem, in.SourceRef, sha)
}

// Get returns the row and raw bytes for a known id. It never fails for an
// id previously returned by Put, short of storage corruption.
func (s *Store) Get(ctx context.Context, id string) (*contracts.Evidence, []byte, error) {
	row, err := s.queryOne(ctx, `SELECT `+columns+` FROM evidence WHERE id = ?`, id)
	if err != nil {
		return nil, nil, err
	}
	payload, err := s.readBlob(row.ContentSHA256)
	if err != nil {
		return nil, nil, fmt.Errorf("read evidence blob %s: %w", row.ContentSHA256, err)
	}
	return row, payload, nil
}

// BySource streams rows for a source system, optionally filtered by ref.
func (s *Store) BySource(ctx context.Context, source, ref string) ([]contracts.Evidence, error) {
	query := `SELECT ` + columns + ` FROM evidence WHERE source_system = ?`
	args := []any{source}
	if ref != "" {
		query += ` AND source_ref = ?`
		args = append(args, ref)
	}
	query += ` ORDER BY retrieved_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Evidence
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// ByIDs returns the rows for the given ids, skipping unknown ones.
func (s *Store) ByIDs(ctx context.Context, ids []string) ([]contracts.Evidence, error) {
	var out []contracts.Evidence
	for _, id := range ids {
		row, err := s.queryOne(ctx, `SELECT `+columns+` FROM evidence WHERE id = ?`, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, nil
}

const columns = `id, source_system, source_ref, content_sha256, content_type,
	retrieved_at, event_time_start, event_time_end, excerpt, meta`

func (s *Store) lookup(ctx context.Context, source, ref, sha string) (*contracts.Evidence, error) {
	return s.queryOne(ctx,
		`SELECT `+columns+` FROM evidence
		 WHERE source_system = ? AND source_ref = ? AND content_sha256 = ?`,
		source, ref, sha)
}

type scanner interface{ Scan(dest ...any) error }

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*contracts.Evidence, error) {
	return scanRow(s.db.QueryRowContext(ctx, query, args...))
}

func scanRow(row scanner) (*contracts.Evidence, error) {
	var (
		e                       contracts.Evidence
		retrieved               string
		evStart, evEnd, metaStr sql.NullString
		excerpt                 sql.NullString
	)
	err := row.Scan(&e.ID, &e.SourceSystem, &e.SourceRef, &e.ContentSHA256, &e.ContentType,
		&retrieved, &evStart, &evEnd, &excerpt, &metaStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RetrievedAt, _ = time.Parse(time.RFC3339Nano, retrieved)
	e.EventTimeStart = parseTime(evStart)
	e.EventTimeEnd = parseTime(evEnd)
	e.Excerpt = excerpt.String
	if metaStr.Valid && metaStr.String != "" && metaStr.String != "null" {
		_ = json.Unmarshal([]byte(metaStr.String), &e.Meta)
	}
	return &e, nil
}

// blobPath validates the hash and keeps the path under root.
func (s *Store) blobPath(sha string) (string, error) {
	sha = strings.ToLower(sha)
	if !hashRe.MatchString(sha) {
		return "", fmt.Errorf("invalid content hash %q", sha)
	}
	path := filepath.Join(s.root, sha+".bin")
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(pathAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("evidence path escapes store root")
	}
	return pathAbs, nil
}

func (s *Store) writeBlob(sha string, payload []byte) error {
	path, err := s.blobPath(sha)
	if err != nil {
		return err
	}
	// Content-addressed: same hash means same content, never overwrite.
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, payload, 0o644)
}

func (s *Store) readBlob(sha string) ([]byte, error) {
	path, err := s.blobPath(sha)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
