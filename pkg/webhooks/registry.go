package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned for unknown webhook ids.
var ErrNotFound = errors.New("webhook not found")

// Event types subscribers can register for.
const (
	EventPostureChange     = "POSTURE_CHANGE"
	EventActionExecuted    = "ACTION_EXECUTED"
	EventCaseResolved      = "CASE_RESOLVED"
	EventSLABreachImminent = "SLA_BREACH_IMMINENT"
	EventCaseBlocked       = "CASE_BLOCKED"
	EventActionPending     = "ACTION_PENDING_APPROVAL"
)

// Webhook is one registered subscriber endpoint.
type Webhook struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Secret     string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscribed reports whether the hook wants the event type.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, t := range w.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// Delivery is one logged delivery attempt outcome.
type Delivery struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	EventType  string    `json:"event_type"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry persists webhook registrations and the delivery log.
type Registry struct {
	db      *sql.DB
	clock   contracts.Clock
	resolve Resolver
}

func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, clock: contracts.WallClock{}}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) WithClock(c contracts.Clock) *Registry {
	r.clock = c
	return r
}

// WithResolver overrides DNS resolution for the SSRF guard.
func (r *Registry) WithResolver(res Resolver) *Registry {
	r.resolve = res
	return r
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		event_types JSON NOT NULL,
		secret TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL REFERENCES webhooks(id),
		event_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		status_code INTEGER,
		attempts INTEGER NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON webhook_deliveries(webhook_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Register validates the URL against the SSRF guard and stores the hook.
func (r *Registry) Register(ctx context.Context, url, secret string, eventTypes []string) (*Webhook, error) {
	if err := ValidateURL(url, r.resolve); err != nil {
		return nil, err
	}
	if len(eventTypes) == 0 {
		eventTypes = []string{"*"}
	}
	w := &Webhook{
		ID:         uuid.New().String(),
		URL:        url,
		EventTypes: eventTypes,
		Secret:     secret,
		Active:     true,
		CreatedAt:  r.clock.Now(),
	}
	typesJSON, _ := json.Marshal(eventTypes)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, event_types, secret, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		w.ID, w.URL, string(typesJSON), w.Secret, ts(w.CreatedAt))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Deactivate turns a hook off without losing its delivery history.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE webhooks SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Active lists hooks subscribed to the event type.
func (r *Registry) Active(ctx context.Context, eventType string) ([]Webhook, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, event_types, secret, active, created_at
		FROM webhooks WHERE active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Webhook
	for rows.Next() {
		var (
			w         Webhook
			typesJSON string
			active    int
			created   string
		)
		if err := rows.Scan(&w.ID, &w.URL, &typesJSON, &w.Secret, &active, &created); err != nil {
			return nil, err
		}
		w.Active = active != 0
		w.CreatedAt = parseTS(created)
		_ = json.Unmarshal([]byte(typesJSON), &w.EventTypes)
		if w.Subscribed(eventType) {
			out = append(out, w)
		}
	}
	return out, rows.Err()
}

// LogDelivery appends one delivery outcome.
func (r *Registry) LogDelivery(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.clock.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
		(id, webhook_id, event_type, success, status_code, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventType, boolInt(d.Success), d.StatusCode,
		d.Attempts, d.Error, ts(d.CreatedAt))
	return err
}

// Deliveries lists the delivery log for a hook, newest first.
func (r *Registry) Deliveries(ctx context.Context, webhookID string) ([]Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, success, status_code, attempts, error, created_at
		FROM webhook_deliveries WHERE webhook_id = ?
		ORDER BY created_at DESC, id`, webhookID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		var (
			d        Delivery
			success  int
			status   sql.NullInt64
			errMsg   sql.NullString
			created  string
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &success,
			&status, &d.Attempts, &errMsg, &created); err != nil {
			return nil, err
		}
		d.Success = success != 0
		d.StatusCode = int(status.Int64)
		d.Error = errMsg.String
		d.CreatedAt = parseTS(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tsLayout keeps a fixed-width fraction so lexical order matches time
// order in SQL comparisons.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
