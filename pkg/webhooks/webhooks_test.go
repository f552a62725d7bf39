package webhooks

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// publicResolver pins every host to a public address so tests never
// touch real DNS.
func publicResolver(host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("203.0.113.10")}, nil
}

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := NewRegistry(db)
	require.NoError(t, err)
	return reg.
		WithClock(contracts.FixedClock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}).
		WithResolver(publicResolver)
}

func TestGuardRejectsPrivateTargets(t *testing.T) {
	bad := []string{
		"http://127.0.0.1/hook",
		"http://localhost/hook",
		"http://10.1.2.3/hook",
		"http://172.16.0.1/hook",
		"http://192.168.1.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/hook",
		"ftp://example.com/hook",
		"http:///nohost",
	}
	for _, url := range bad {
		assert.Error(t, ValidateURL(url, publicResolver), url)
	}

	assert.NoError(t, ValidateURL("https://hooks.example.com/gateposture", publicResolver))
	assert.NoError(t, ValidateURL("http://203.0.113.10/hook", nil))
}

func TestGuardChecksResolvedIPs(t *testing.T) {
	internal := func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("203.0.113.10"), net.ParseIP("10.0.0.5")}, nil
	}
	err := ValidateURL("https://rebound.example.com/hook", internal)
	assert.Error(t, err)
}

func TestRegisterAndSubscribe(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	hook, err := reg.Register(ctx, "https://hooks.example.com/a", "s3cret",
		[]string{EventCaseResolved, EventPostureChange})
	require.NoError(t, err)

	_, err = reg.Register(ctx, "http://169.254.169.254/x", "", nil)
	require.Error(t, err)

	subscribed, err := reg.Active(ctx, EventCaseResolved)
	require.NoError(t, err)
	require.Len(t, subscribed, 1)
	assert.Equal(t, hook.ID, subscribed[0].ID)

	other, err := reg.Active(ctx, EventActionPending)
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, reg.Deactivate(ctx, hook.ID))
	subscribed, err = reg.Active(ctx, EventCaseResolved)
	require.NoError(t, err)
	assert.Empty(t, subscribed)
}

// rerouteClient sends every request to the test server regardless of the
// registered hostname, standing in for DNS.
func rerouteClient(server *httptest.Server) *http.Client {
	addr := server.Listener.Addr().String()
	return &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
}

func TestDispatchDeliversAndSigns(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	var gotSignature atomic.Value
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotSignature.Store(r.Header.Get("X-Gateposture-Signature"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	hook, err := reg.Register(ctx, "http://hooks.example.com/hook", "s3cret", []string{"*"})
	require.NoError(t, err)

	d := NewDispatcher(reg, nil).WithResolver(publicResolver).WithClient(rerouteClient(server))
	d.Dispatch(ctx, EventCaseResolved, map[string]any{"case_id": "case-1"})

	assert.Equal(t, int32(1), calls.Load())
	sig, _ := gotSignature.Load().(string)
	assert.NotEmpty(t, sig)
	assert.Contains(t, sig, "sha256=")

	deliveries, err := reg.Deliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, http.StatusNoContent, deliveries[0].StatusCode)
	assert.Equal(t, 1, deliveries[0].Attempts)
}

func TestDispatchRetriesServerErrors(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook, err := reg.Register(ctx, "http://hooks.example.com/retry", "", []string{"*"})
	require.NoError(t, err)

	d := NewDispatcher(reg, nil).WithResolver(publicResolver).WithClient(rerouteClient(server))
	d.backoff = time.Millisecond
	d.Dispatch(ctx, EventCaseBlocked, nil)

	assert.Equal(t, int32(3), calls.Load())
	deliveries, err := reg.Deliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, 3, deliveries[0].Attempts)
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	reg := setupRegistry(t)
	ctx := context.Background()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	hook, err := reg.Register(ctx, "http://hooks.example.com/gone", "", []string{"*"})
	require.NoError(t, err)

	d := NewDispatcher(reg, nil).WithResolver(publicResolver).WithClient(rerouteClient(server))
	d.Dispatch(ctx, EventCaseBlocked, nil)

	assert.Equal(t, int32(1), calls.Load())
	deliveries, err := reg.Deliveries(ctx, hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.False(t, deliveries[0].Success)
	assert.Equal(t, http.StatusGone, deliveries[0].StatusCode)
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("secret", []byte(`{"x":1}`))
	b := Sign("secret", []byte(`{"x":1}`))
	c := Sign("other", []byte(`{"x":1}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
