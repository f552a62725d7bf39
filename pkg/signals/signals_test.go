package signals

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/graph"
)

func TestWeatherSeverity(t *testing.T) {
	cases := []struct {
		name string
		obs  WeatherObservation
		want string
	}{
		{"lifr", WeatherObservation{FlightCategory: "LIFR"}, SeverityHigh},
		{"ifr", WeatherObservation{FlightCategory: "IFR"}, SeverityHigh},
		{"thunderstorm", WeatherObservation{FlightCategory: "VFR", WxCodes: []string{"+TSRA"}}, SeverityHigh},
		{"vicinity thunderstorm", WeatherObservation{FlightCategory: "VFR", WxCodes: []string{"VCTS"}}, SeverityHigh},
		{"hail", WeatherObservation{FlightCategory: "VFR", WxCodes: []string{"GR"}}, SeverityHigh},
		{"strong gusts", WeatherObservation{FlightCategory: "VFR", GustKt: 35}, SeverityHigh},
		{"strong wind", WeatherObservation{FlightCategory: "VFR", WindKt: 25}, SeverityHigh},
		{"mvfr", WeatherObservation{FlightCategory: "MVFR"}, SeverityMedium},
		{"moderate gusts", WeatherObservation{FlightCategory: "VFR", GustKt: 25}, SeverityMedium},
		{"moderate wind", WeatherObservation{FlightCategory: "VFR", WindKt: 15}, SeverityMedium},
		{"low visibility", WeatherObservation{FlightCategory: "VFR", VisibilitySM: 2.5}, SeverityMedium},
		{"low ceiling", WeatherObservation{FlightCategory: "VFR", CeilingFt: 900}, SeverityMedium},
		{"clear", WeatherObservation{FlightCategory: "VFR", VisibilitySM: 10, CeilingFt: 25000, WindKt: 8}, SeverityLow},
		{"light rain", WeatherObservation{FlightCategory: "VFR", WxCodes: []string{"-RA"}, VisibilitySM: 6}, SeverityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WeatherSeverity(tc.obs))
		})
	}
}

func TestMovementCollapse(t *testing.T) {
	assert.Equal(t, 150, MovementBaseline("KJFK"))
	assert.Equal(t, 180, MovementBaseline("KATL"))
	assert.Equal(t, 100, MovementBaseline("EGLL"))

	// Strictly below half the baseline.
	assert.True(t, MovementCollapsed(74, 150))
	assert.False(t, MovementCollapsed(75, 150))
	assert.False(t, MovementCollapsed(76, 150))
	assert.True(t, MovementCollapsed(0, 100))
}

func TestLoadBaselines(t *testing.T) {
	t.Cleanup(func() {
		delete(movementBaselines, "EDDF")
		movementBaselines["KSEA"] = 80
		defaultBaseline = 100
	})

	path := filepath.Join(t.TempDir(), "baselines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"default: 90\nbaselines:\n  EDDF: 130\n  KSEA: 95\n"), 0o644))
	require.NoError(t, LoadBaselines(path))

	assert.Equal(t, 130, MovementBaseline("EDDF"))
	assert.Equal(t, 95, MovementBaseline("KSEA"))
	assert.Equal(t, 90, MovementBaseline("EGLL"))
	// Untouched entries keep their built-in values.
	assert.Equal(t, 150, MovementBaseline("KJFK"))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("baselines:\n  KLAX: -5\n"), 0o644))
	assert.Error(t, LoadBaselines(bad))
	assert.Error(t, LoadBaselines(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestCriticality(t *testing.T) {
	assert.Equal(t, contracts.CriticalityBlocking, Criticality(SourceFAA))
	assert.Equal(t, contracts.CriticalityBlocking, Criticality(SourceMETAR))
	assert.Equal(t, contracts.CriticalityDegraded, Criticality(SourceNWS))
	assert.Equal(t, contracts.CriticalityDegraded, Criticality(SourceTAF))
	assert.Equal(t, contracts.CriticalityInformational, Criticality(SourceADSB))
	assert.Equal(t, contracts.CriticalityInformational, Criticality("UNKNOWN"))
}

type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func setupGraph(t *testing.T) (*graph.Store, *tickClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := graph.NewStore(db)
	require.NoError(t, err)
	clock := &tickClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return store.WithClock(clock), clock
}

func TestDeriveSupersedesPriorSignal(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	ctx := context.Background()

	first, err := deriver.DeriveFAAStatus(ctx, FAAStatus{
		Airport: "KJFK", Status: "NORMAL",
	}, "ev-1")
	require.NoError(t, err)

	second, err := deriver.DeriveFAAStatus(ctx, FAAStatus{
		Airport: "KJFK", Status: "GROUND_STOP", Reason: "WX",
	}, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.SupersedesEdgeID)

	node, err := g.NodeByIdentity(ctx, "AIRPORT", "KJFK")
	require.NoError(t, err)
	now := clock.t
	edges, err := g.Neighbors(ctx, node.ID, now, now)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, second.ID, edges[0].ID)
	assert.Equal(t, "GROUND_STOP", edges[0].Attrs["status"])
}

func TestDeriveForecastValidityWindow(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	ctx := context.Background()

	validFrom := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validTo := validFrom.Add(6 * time.Hour)
	edge, err := deriver.DeriveForecast(ctx, WeatherForecast{
		Station: "KJFK", FlightCategory: "IFR", WxCodes: []string{"TSRA"},
		ValidFrom: validFrom, ValidTo: validTo, IssuedAt: validFrom,
	}, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, EdgeHasForecast, edge.Type)
	assert.Equal(t, SeverityHigh, edge.Attrs["severity"])
	assert.Equal(t, SourceTAF, edge.SourceSystem)

	node, err := g.NodeByIdentity(ctx, "AIRPORT", "KJFK")
	require.NoError(t, err)
	ingest := clock.t

	during, err := g.Neighbors(ctx, node.ID, validFrom.Add(3*time.Hour), ingest)
	require.NoError(t, err)
	require.Len(t, during, 1)
	assert.Equal(t, edge.ID, during[0].ID)

	// The window is half-open: the forecast is gone at the valid_to instant.
	after, err := g.Neighbors(ctx, node.ID, validTo, ingest)
	require.NoError(t, err)
	assert.Empty(t, after)

	amended, err := deriver.DeriveForecast(ctx, WeatherForecast{
		Station: "KJFK", FlightCategory: "MVFR",
		ValidFrom: validFrom, ValidTo: validTo, IssuedAt: validFrom.Add(time.Hour),
	}, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, edge.ID, amended.SupersedesEdgeID)
}

func TestDeriveAlertsGradesSeverity(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	ctx := context.Background()

	edges, err := deriver.DeriveAlerts(ctx, "KJFK", []Alert{
		{Event: "Severe Thunderstorm Warning", Severity: "Severe"},
		{Event: "Wind Advisory", Severity: "Moderate"},
	}, "ev-1")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, contracts.StatusFact, edges[0].Status)
	assert.Equal(t, contracts.StatusDraft, edges[1].Status)
}

func TestDetectFAAWeatherMismatch(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	detector := NewDetector(g).WithClock(clock)
	ctx := context.Background()

	_, err := deriver.DeriveFAAStatus(ctx, FAAStatus{Airport: "KJFK", Status: "NORMAL"}, "ev-1")
	require.NoError(t, err)
	_, err = deriver.DeriveWeather(ctx, WeatherObservation{
		Station: "KJFK", FlightCategory: "LIFR",
	}, "ev-2")
	require.NoError(t, err)

	found, err := detector.Detect(ctx, "KJFK")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ContradictionFAAWeather, found[0].Kind)
	assert.Equal(t, SeverityHigh, found[0].Severity)

	// Idempotent re-scan.
	again, err := detector.Detect(ctx, "KJFK")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, found[0].ID, again[0].ID)

	open, err := g.OpenContradictions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestDetectMovementPatterns(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	detector := NewDetector(g).WithClock(clock)
	ctx := context.Background()

	_, err := deriver.DeriveFAAStatus(ctx, FAAStatus{Airport: "KORD", Status: "NORMAL"}, "ev-1")
	require.NoError(t, err)
	_, err = deriver.DeriveWeather(ctx, WeatherObservation{
		Station: "KORD", FlightCategory: "VFR", VisibilitySM: 10,
	}, "ev-2")
	require.NoError(t, err)
	_, err = deriver.DeriveMovement(ctx, MovementSample{
		Airport: "KORD", Count: 40, WindowMinutes: 60,
	}, "ev-3")
	require.NoError(t, err)

	found, err := detector.Detect(ctx, "KORD")
	require.NoError(t, err)

	kinds := map[string]bool{}
	for _, c := range found {
		kinds[c.Kind] = true
	}
	// 40 < 160*0.5: NORMAL status and LOW weather both contradict the collapse.
	assert.True(t, kinds[ContradictionFAAMovement])
	assert.True(t, kinds[ContradictionWeatherMovement])
	assert.False(t, kinds[ContradictionFAAWeather])
}

func TestDetectStaleFAA(t *testing.T) {
	g, clock := setupGraph(t)
	deriver := NewDeriver(g).WithClock(clock)
	detector := NewDetector(g).WithClock(clock)
	ctx := context.Background()

	_, err := deriver.DeriveFAAStatus(ctx, FAAStatus{Airport: "KBOS", Status: "GROUND_STOP"}, "ev-1")
	require.NoError(t, err)

	// Weather arrives 20 minutes later.
	clock.t = clock.t.Add(20 * time.Minute)
	_, err = deriver.DeriveWeather(ctx, WeatherObservation{
		Station: "KBOS", FlightCategory: "VFR", VisibilitySM: 10,
	}, "ev-2")
	require.NoError(t, err)

	found, err := detector.Detect(ctx, "KBOS")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ContradictionStaleFAA, found[0].Kind)
	assert.Equal(t, SeverityMedium, found[0].Severity)
}

func TestDetectUnknownAirport(t *testing.T) {
	g, clock := setupGraph(t)
	detector := NewDetector(g).WithClock(clock)

	found, err := detector.Detect(context.Background(), "XXXX")
	require.NoError(t, err)
	assert.Empty(t, found)
}
