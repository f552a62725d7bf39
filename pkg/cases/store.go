// Package cases persists disruption cases and everything scoped to them:
// governed actions, execution outcomes, the ordered workflow trace, and
// missing-evidence requests.
package cases

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("case row not found")

// Store holds the case-scoped tables.
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
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		case_type TEXT NOT NULL,
		scope JSON NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL REFERENCES cases(id),
		type TEXT NOT NULL,
		args JSON,
		risk_level TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'PROPOSED',
		approved_by TEXT,
		approved_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_case ON actions(case_id);

	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL REFERENCES actions(id),
		success INTEGER NOT NULL,
		payload JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_action ON outcomes(action_id);

	CREATE TABLE IF NOT EXISTS trace_events (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL REFERENCES cases(id),
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		ref_type TEXT,
		ref_id TEXT,
		meta JSON,
		created_at TEXT NOT NULL,
		UNIQUE(case_id, seq)
	);

	CREATE TABLE IF NOT EXISTS missing_evidence_requests (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL REFERENCES cases(id),
		source_system TEXT NOT NULL,
		request_type TEXT NOT NULL,
		params JSON,
		reason TEXT NOT NULL,
		criticality TEXT NOT NULL,
		non_retryable INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by_evidence TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_missing_case ON missing_evidence_requests(case_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// --- cases -----------------------------------------------------------------

// CreateCase opens a new case for the given scope.
func (s *Store) CreateCase(ctx context.Context, caseType contracts.CaseType, scope map[string]any) (*contracts.Case, error) {
	c := &contracts.Case{
		ID:        uuid.New().String(),
		CaseType:  caseType,
		Scope:     scope,
		Status:    contracts.CaseOpen,
		CreatedAt: s.clock.Now(),
	}
	scopeJSON, _ := json.Marshal(scope)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, case_type, scope, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, string(c.CaseType), string(scopeJSON), string(c.Status), ts(c.CreatedAt))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCase fetches a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*contracts.Case, error) {
	return scanCase(s.db.QueryRowContext(ctx,
		`SELECT id, case_type, scope, status, created_at, resolved_at FROM cases WHERE id = ?`, id))
}

// ListCases returns cases, optionally filtered by status, newest first.
func (s *Store) ListCases(ctx context.Context, status contracts.CaseStatus) ([]contracts.Case, error) {
	query := `SELECT id, case_type, scope, status, created_at, resolved_at FROM cases`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCaseStatus transitions the case. A RESOLVED case is append-only and
// admits no further status changes.
func (s *Store) SetCaseStatus(ctx context.Context, id string, status contracts.CaseStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cases WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if contracts.CaseStatus(current) == contracts.CaseResolved {
		return fmt.Errorf("case %s is RESOLVED and cannot change status", id)
	}

	var resolvedAt any
	if status == contracts.CaseResolved {
		resolvedAt = ts(s.clock.Now())
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cases SET status = ?, resolved_at = COALESCE(?, resolved_at) WHERE id = ?`,
		string(status), resolvedAt, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- actions ---------------------------------------------------------------

// InsertAction records a proposed action. State transitions go through
// the governance package, not this store.
func (s *Store) InsertAction(ctx context.Context, a *contracts.Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State == "" {
		a.State = contracts.ActionProposed
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	argsJSON, _ := json.Marshal(a.Args)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, case_id, type, args, risk_level, requires_approval, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CaseID, string(a.Type), string(argsJSON), string(a.RiskLevel),
		boolInt(a.RequiresApproval), string(a.State), ts(a.CreatedAt))
	return err
}

// GetAction fetches an action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*contracts.Action, error) {
	return scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
}

// ActionsForCase lists a case's actions in creation order.
func (s *Store) ActionsForCase(ctx context.Context, caseID string) ([]contracts.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE case_id = ? ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CompareAndSetActionState flips the action state only if it still holds
// the expected value, returning whether the swap happened. Approval
// metadata rides along on the APPROVED transition.
func (s *Store) CompareAndSetActionState(ctx context.Context, id string, from, to contracts.ActionState, approvedBy string) (bool, error) {
	var approvedAt any
	var approver any
	if to == contracts.ActionApproved {
		approvedAt = ts(s.clock.Now())
		approver = approvedBy
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions
		SET state = ?, approved_by = COALESCE(?, approved_by), approved_at = COALESCE(?, approved_at)
		WHERE id = ? AND state = ?`,
		string(to), approver, approvedAt, id, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- outcomes --------------------------------------------------------------

// InsertOutcome records an execution result for an action.
func (s *Store) InsertOutcome(ctx context.Context, actionID string, success bool, payload map[string]any) (*contracts.Outcome, error) {
	o := &contracts.Outcome{
		ID:        uuid.New().String(),
		ActionID:  actionID,
		Success:   success,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	}
	payloadJSON, _ := json.Marshal(payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (id, action_id, success, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.ActionID, boolInt(o.Success), string(payloadJSON), ts(o.CreatedAt))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// OutcomesForAction lists outcomes in creation order.
func (s *Store) OutcomesForAction(ctx context.Context, actionID string) ([]contracts.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, success, payload, created_at
		FROM outcomes WHERE action_id = ? ORDER BY created_at, id`, actionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Outcome
	for rows.Next() {
		var (
			o           contracts.Outcome
			success     int
			payloadJSON sql.NullString
			created     string
		)
		if err := rows.Scan(&o.ID, &o.ActionID, &success, &payloadJSON, &created); err != nil {
			return nil, err
		}
		o.Success = success != 0
		o.CreatedAt = parseTS(created)
		if payloadJSON.Valid && payloadJSON.String != "null" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &o.Payload)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- trace -----------------------------------------------------------------

// AppendTrace appends a trace event with the next sequence number for the
// case. The (case_id, seq) unique index keeps the order strict.
func (s *Store) AppendTrace(ctx context.Context, caseID string, eventType contracts.TraceEventType, refType, refID string, meta map[string]any) (*contracts.TraceEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM trace_events WHERE case_id = ?`, caseID).Scan(&seq); err != nil {
		return nil, err
	}

	ev := &contracts.TraceEvent{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Seq:       seq,
		EventType: eventType,
		RefType:   refType,
		RefID:     refID,
		Meta:      meta,
		CreatedAt: s.clock.Now(),
	}
	metaJSON, _ := json.Marshal(meta)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trace_events (id, case_id, seq, event_type, ref_type, ref_id, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CaseID, ev.Seq, string(ev.EventType),
		nullStr(ev.RefType), nullStr(ev.RefID), string(metaJSON), ts(ev.CreatedAt)); err != nil {
		return nil, err
	}
	return ev, tx.Commit()
}

// TraceForCase returns the case trace in sequence order.
func (s *Store) TraceForCase(ctx context.Context, caseID string) ([]contracts.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, seq, event_type, ref_type, ref_id, meta, created_at
		FROM trace_events WHERE case_id = ? ORDER BY seq`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.TraceEvent
	for rows.Next() {
		var (
			ev               contracts.TraceEvent
			refType, refID   sql.NullString
			metaJSON         sql.NullString
			created          string
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Seq, &ev.EventType,
			&refType, &refID, &metaJSON, &created); err != nil {
			return nil, err
		}
		ev.RefType = refType.String
		ev.RefID = refID.String
		ev.CreatedAt = parseTS(created)
		if metaJSON.Valid && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &ev.Meta)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- missing evidence ------------------------------------------------------

// RecordMissing registers a missing-evidence request for a failed or
// impossible fetch.
func (s *Store) RecordMissing(ctx context.Context, req *contracts.MissingEvidenceRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock.Now()
	}
	paramsJSON, _ := json.Marshal(req.Params)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missing_evidence_requests
		(id, case_id, source_system, request_type, params, reason, criticality, non_retryable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.CaseID, req.SourceSystem, req.RequestType, string(paramsJSON),
		req.Reason, string(req.Criticality), boolInt(req.NonRetryable), ts(req.CreatedAt))
	return err
}

// ResolveMissing closes a request with the evidence that satisfied it.
// Resolution is explicit; ingesting matching evidence does not resolve a
// request by itself.
func (s *Store) ResolveMissing(ctx context.Context, id, evidenceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missing_evidence_requests
		SET resolved_at = ?, resolved_by_evidence = ?
		WHERE id = ? AND resolved_at IS NULL`,
		ts(s.clock.Now()), evidenceID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("missing-evidence request %s not found or already resolved", id)
	}
	return nil
}

// MissingForCase lists the case's requests, open ones first.
func (s *Store) MissingForCase(ctx context.Context, caseID string, openOnly bool) ([]contracts.MissingEvidenceRequest, error) {
	query := `
		SELECT id, case_id, source_system, request_type, params, reason, criticality,
		       non_retryable, created_at, resolved_at, resolved_by_evidence
		FROM missing_evidence_requests WHERE case_id = ?`
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.MissingEvidenceRequest
	for rows.Next() {
		var (
			req                  contracts.MissingEvidenceRequest
			paramsJSON           sql.NullString
			nonRetryable         int
			created              string
			resolvedAt, resolvedBy sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.CaseID, &req.SourceSystem, &req.RequestType,
			&paramsJSON, &req.Reason, &req.Criticality, &nonRetryable,
			&created, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		req.NonRetryable = nonRetryable != 0
		req.CreatedAt = parseTS(created)
		if resolvedAt.Valid {
			t := parseTS(resolvedAt.String)
			req.ResolvedAt = &t
		}
		req.ResolvedByEvidence = resolvedBy.String
		if paramsJSON.Valid && paramsJSON.String != "null" {
			_ = json.Unmarshal([]byte(paramsJSON.String), &req.Params)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// OpenBlocking reports whether the case has any open BLOCKING request.
func (s *Store) OpenBlocking(ctx context.Context, caseID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM missing_evidence_requests
		WHERE case_id = ? AND resolved_at IS NULL AND criticality = ?`,
		caseID, string(contracts.CriticalityBlocking)).Scan(&n)
	return n > 0, err
}

// --- scanning --------------------------------------------------------------

const actionColumns = `id, case_id, type, args, risk_level, requires_approval,
	state, approved_by, approved_at, created_at`

type scanner interface{ Scan(dest ...any) error }

func scanCase(row scanner) (*contracts.Case, error) {
	var (
		c          contracts.Case
		scopeJSON  string
		created    string
		resolvedAt sql.NullString
	)
	err := row.Scan(&c.ID, &c.CaseType, &scopeJSON, &c.Status, &created, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(scopeJSON), &c.Scope)
	c.CreatedAt = parseTS(created)
	if resolvedAt.Valid {
		t := parseTS(resolvedAt.String)
		c.ResolvedAt = &t
	}
	return &c, nil
}

func scanAction(row scanner) (*contracts.Action, error) {
	var (
		a                    contracts.Action
		argsJSON             sql.NullString
		requiresApproval     int
		approvedBy, approved sql.NullString
		created              string
	)
	err := row.Scan(&a.ID, &a.CaseID, &a.Type, &argsJSON, &a.RiskLevel,
		&requiresApproval, &a.State, &approvedBy, &approved, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.RequiresApproval = requiresApproval != 0
	a.ApprovedBy = approvedBy.String
	if approved.Valid {
		t := parseTS(approved.String)
		a.ApprovedAt = &t
	}
	a.CreatedAt = parseTS(created)
	if argsJSON.Valid && argsJSON.String != "null" {
		_ = json.Unmarshal([]byte(argsJSON.String), &a.Args)
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
