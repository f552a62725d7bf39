package simulation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/sources"
)

func TestBuiltinScenariosAreComplete(t *testing.T) {
	for name, sc := range Builtin() {
		assert.Equal(t, name, sc.Name)
		assert.NotEmpty(t, sc.Airport, name)
		assert.False(t, sc.BaseTime.IsZero(), name)
		assert.Len(t, Fetchers(sc), 5, name)
	}
}

func TestFetchReturnsParsedSignals(t *testing.T) {
	sc := Builtin()["ground_stop_storm"]
	reg := sources.NewRegistry(0)
	Register(reg, sc)

	outcomes := reg.FetchAll(context.Background(), "KJFK",
		[]string{"fetch_faa_status", "fetch_weather", "fetch_taf", "fetch_alerts", "fetch_opensky"})
	require.Len(t, outcomes, 5)

	byTool := map[string]sources.Outcome{}
	for _, o := range outcomes {
		require.Nil(t, o.Err, o.Tool)
		byTool[o.Tool] = o
	}

	faa := byTool["fetch_faa_status"].Result
	require.NotNil(t, faa.FAAStatus)
	assert.Equal(t, "GROUND_STOP", faa.FAAStatus.Status)
	assert.NotEmpty(t, faa.Payload)
	assert.Equal(t, "sim:ground_stop_storm:fetch_faa_status:KJFK", faa.SourceRef)

	wx := byTool["fetch_weather"].Result
	require.NotNil(t, wx.Weather)
	assert.Equal(t, "IFR", wx.Weather.FlightCategory)
	assert.Equal(t, 41.0, wx.Weather.GustKt)

	taf := byTool["fetch_taf"].Result
	require.NotNil(t, taf.Forecast)
	assert.Equal(t, "IFR", taf.Forecast.FlightCategory)
	assert.Equal(t, sc.BaseTime, taf.Forecast.ValidFrom)
	assert.Equal(t, sc.BaseTime.Add(6*time.Hour), taf.Forecast.ValidTo)

	require.Len(t, byTool["fetch_alerts"].Result.Alerts, 1)
	assert.Equal(t, 12, byTool["fetch_opensky"].Result.Movement.Count)
}

func TestFetchIsDeterministic(t *testing.T) {
	sc := Builtin()["normal_ops"]
	f := Fetchers(sc)[0]

	a, err := f.Fetch(context.Background(), "KJFK")
	require.NoError(t, err)
	b, err := f.Fetch(context.Background(), "KJFK")
	require.NoError(t, err)
	assert.Equal(t, a.Payload, b.Payload)
	assert.Equal(t, a.FAAStatus.ObservedAt, b.FAAStatus.ObservedAt)
}

func TestScriptedFailuresAreClassified(t *testing.T) {
	reg := sources.NewRegistry(0)
	Register(reg, Builtin()["missing_weather"])

	outcomes := reg.FetchAll(context.Background(), "KLAX", []string{"fetch_weather"})
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, contracts.SourcePermanent, outcomes[0].Err.Kind)
	assert.Equal(t, "METAR", outcomes[0].Err.Source)

	reg = sources.NewRegistry(0)
	Register(reg, Builtin()["adsb_outage"])
	outcomes = reg.FetchAll(context.Background(), "KATL", []string{"fetch_opensky"})
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, contracts.SourceTransient, outcomes[0].Err.Kind)
}

func TestFetchRejectsWrongAirport(t *testing.T) {
	f := Fetchers(Builtin()["normal_ops"])[0]
	_, err := f.Fetch(context.Background(), "EGLL")
	var se *contracts.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, contracts.SourcePermanent, se.Kind)
}

func TestUnknownToolIsPermanentError(t *testing.T) {
	reg := sources.NewRegistry(0)
	outcomes := reg.FetchAll(context.Background(), "KJFK", []string{"fetch_tea_leaves"})
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Err)
	assert.Equal(t, contracts.SourcePermanent, outcomes[0].Err.Kind)
}

func TestClassifyTreatsTimeoutsAsTransient(t *testing.T) {
	se := sources.Classify("FAA", context.DeadlineExceeded)
	assert.Equal(t, contracts.SourceTransient, se.Kind)

	se = sources.Classify("FAA", errors.New("401 unauthorized"))
	assert.Equal(t, contracts.SourcePermanent, se.Kind)

	wrapped := &contracts.SourceError{Source: "NWS", Kind: contracts.SourceTransient, Err: ErrFeedDown}
	assert.Same(t, wrapped, sources.Classify("ignored", wrapped))
}

func TestLoadFile(t *testing.T) {
	doc := `
scenarios:
  - name: custom_fog
    airport: KSFO
    base_time: 2026-03-15T14:00:00Z
    faa:
      status: GROUND_DELAY
      reason: FOG
    weather:
      flight_category: LIFR
      visibility_sm: 0.25
      ceiling_ft: 200
    movement:
      count: 30
`
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	scs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, scs, 1)
	assert.Equal(t, "custom_fog", scs[0].Name)
	assert.Equal(t, "KSFO", scs[0].Airport)
	require.NotNil(t, scs[0].FAA)
	assert.Equal(t, "GROUND_DELAY", scs[0].FAA.Status)
	assert.Nil(t, scs[0].Alerts)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFileRequiresNameAndAirport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  - airport: KSEA\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
