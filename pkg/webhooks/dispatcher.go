package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	deliveryTimeout = 5 * time.Second
	maxAttempts     = 3
	retryBackoff    = 200 * time.Millisecond

	// Per-endpoint delivery rate: sustained 1/s with small bursts.
	perHookRate  = rate.Limit(1)
	perHookBurst = 5
)

// Dispatcher fans events out to subscribed hooks. Each endpoint gets its
// own rate limiter; a slow or failing endpoint never blocks the others.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	log      *slog.Logger
	resolve  Resolver
	backoff  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: deliveryTimeout},
		log:      log,
		backoff:  retryBackoff,
		limiters: map[string]*rate.Limiter{},
	}
}

// WithResolver overrides DNS resolution for the pre-delivery SSRF check.
func (d *Dispatcher) WithResolver(res Resolver) *Dispatcher {
	d.resolve = res
	return d
}

// WithClient overrides the HTTP client, for tests.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

func (d *Dispatcher) limiter(webhookID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[webhookID]
	if !ok {
		l = rate.NewLimiter(perHookRate, perHookBurst)
		d.limiters[webhookID] = l
	}
	return l
}

// Dispatch delivers the event to every subscribed hook, logging each
// outcome. Delivery failures are recorded, not returned: event emission
// must never fail the case workflow.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload any) {
	hooks, err := d.registry.Active(ctx, eventType)
	if err != nil {
		d.log.Error("webhook lookup failed", "event_type", eventType, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"data":       payload,
	})
	if err != nil {
		d.log.Error("webhook payload marshal failed", "event_type", eventType, "error", err)
		return
	}
	for _, hook := range hooks {
		d.deliver(ctx, hook, eventType, body)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook Webhook, eventType string, body []byte) {
	delivery := &Delivery{WebhookID: hook.ID, EventType: eventType}

	// DNS may have changed since registration; re-check before connecting.
	if err := ValidateURL(hook.URL, d.resolve); err != nil {
		delivery.Error = err.Error()
		d.finish(ctx, delivery)
		return
	}
	if err := d.limiter(hook.ID).Wait(ctx); err != nil {
		delivery.Error = err.Error()
		d.finish(ctx, delivery)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivery.Attempts = attempt
		status, err := d.post(ctx, hook, body)
		delivery.StatusCode = status
		if err == nil && status >= 200 && status < 300 {
			delivery.Success = true
			delivery.Error = ""
			break
		}
		if err != nil {
			delivery.Error = err.Error()
		} else {
			delivery.Error = fmt.Sprintf("endpoint returned %d", status)
		}
		// 4xx will not improve on retry.
		if status >= 400 && status < 500 {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				delivery.Error = ctx.Err().Error()
				d.finish(ctx, delivery)
				return
			case <-time.After(d.backoff * time.Duration(attempt)):
			}
		}
	}
	d.finish(ctx, delivery)
}

func (d *Dispatcher) post(ctx context.Context, hook Webhook, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set("X-Gateposture-Signature", Sign(hook.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func (d *Dispatcher) finish(ctx context.Context, delivery *Delivery) {
	if !delivery.Success {
		d.log.Warn("webhook delivery failed",
			"webhook_id", delivery.WebhookID, "event_type", delivery.EventType,
			"attempts", delivery.Attempts, "error", delivery.Error)
	}
	if err := d.registry.LogDelivery(ctx, delivery); err != nil {
		d.log.Error("delivery log write failed", "webhook_id", delivery.WebhookID, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 payload signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
