// Package sources defines the signal-source boundary: every external
// feed implements Fetcher, and the registry runs planned fetches in a
// bounded pool with per-fetch timeouts and error classification.
package sources

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/signals"
)

// fetchTimeout bounds a single source fetch.
const fetchTimeout = 10 * time.Second

// DefaultPoolSize is the default number of concurrent fetches.
const DefaultPoolSize = 5

// Result is one fetched payload with its parsed observation. Exactly one
// of the typed fields is set, matching the source.
type Result struct {
	Source      string
	SourceRef   string
	ContentType string
	Payload     []byte

	FAAStatus *signals.FAAStatus
	Weather   *signals.WeatherObservation
	Forecast  *signals.WeatherForecast
	Alerts    []signals.Alert
	Movement  *signals.MovementSample
}

// Fetcher is one signal source.
type Fetcher interface {
	// Source is the source system name recorded on evidence (FAA, METAR, ...).
	Source() string
	// Tool is the planner tool name that triggers this fetcher.
	Tool() string
	Fetch(ctx context.Context, airportICAO string) (*Result, error)
}

// Registry holds the configured fetchers keyed by tool name.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	poolSize int
}

func NewRegistry(poolSize int) *Registry {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Registry{fetchers: map[string]Fetcher{}, poolSize: poolSize}
}

// Register binds a fetcher to its tool name.
func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.Tool()] = f
}

// Fetcher looks up a fetcher by tool name.
func (r *Registry) Fetcher(tool string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[tool]
	return f, ok
}

// Outcome pairs one requested tool with its result or classified error.
type Outcome struct {
	Tool   string
	Source string
	Result *Result
	Err    *contracts.SourceError
}

// FetchAll runs the requested tools concurrently, bounded by the pool
// size, each under its own timeout. Failures are classified, not
// propagated: the caller turns them into missing-evidence requests.
func (r *Registry) FetchAll(ctx context.Context, airportICAO string, tools []string) []Outcome {
	outcomes := make([]Outcome, len(tools))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.poolSize)

	for i, tool := range tools {
		g.Go(func() error {
			outcomes[i] = r.fetchOne(gctx, airportICAO, tool)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Registry) fetchOne(ctx context.Context, airportICAO, tool string) Outcome {
	f, ok := r.Fetcher(tool)
	if !ok {
		return Outcome{Tool: tool, Err: &contracts.SourceError{
			Source: tool,
			Kind:   contracts.SourcePermanent,
			Err:    errors.New("no fetcher configured"),
		}}
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	result, err := f.Fetch(fctx, airportICAO)
	if err != nil {
		return Outcome{Tool: tool, Source: f.Source(), Err: Classify(f.Source(), err)}
	}
	return Outcome{Tool: tool, Source: f.Source(), Result: result}
}

// Classify wraps a fetch error with its retry classification. Timeouts
// and cancellations are transient; anything a source reports as
// malformed or unauthorized is permanent for this case.
func Classify(source string, err error) *contracts.SourceError {
	var se *contracts.SourceError
	if errors.As(err, &se) {
		return se
	}
	kind := contracts.SourcePermanent
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = contracts.SourceTransient
	}
	var transient interface{ Temporary() bool }
	if errors.As(err, &transient) && transient.Temporary() {
		kind = contracts.SourceTransient
	}
	return &contracts.SourceError{Source: source, Kind: kind, Err: err}
}
