package autosteer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/banshee-data/autosteer/internal/monitoring"
	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/timeutil"
	"github.com/banshee-data/autosteer/internal/vehicle"
)

const tol = 1e-9

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// linearModel returns gain*curvature radians regardless of speed and roll.
type linearModel struct {
	gain float64
}

func (m linearModel) SteerAngleFromCurvature(curvature, speed, roll float64) float64 {
	return m.gain * curvature
}

type staticSource vehicle.Context

func (s staticSource) VehicleContext() vehicle.Context { return vehicle.Context(s) }

func f64(v float64) *float64 { return &v }

func active(wireDistance float64) sensorfeed.Reading {
	return sensorfeed.Reading{Active: true, WireDistance: f64(wireDistance)}
}

func newTestController(t *testing.T, speed float64) (*Controller, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewController(linearModel{gain: 20}, staticSource{EgoSpeed: speed}, clock), clock
}

func TestNewController_ZeroState(t *testing.T) {
	c, _ := newTestController(t, 10)

	assert.Equal(t, ControlState{}, c.State())
	curvature, steer, angle := c.GetSteering()
	assert.Zero(t, curvature)
	assert.Zero(t, steer)
	assert.Zero(t, angle)
	assert.Zero(t, c.GetAcceleration(1))
}

func TestMaxCurvature(t *testing.T) {
	assert.InDelta(t, 0.025, MaxCurvature(10), tol)
	// the speed floor keeps the bound finite near standstill
	assert.InDelta(t, 0.5, MaxCurvature(0), tol)
	assert.InDelta(t, 0.5, MaxCurvature(1), tol)

	prev := MaxCurvature(math.Sqrt(MinSpeedSquared))
	for v := 3.0; v <= 60; v += 0.5 {
		got := MaxCurvature(v)
		assert.False(t, math.IsInf(got, 0) || math.IsNaN(got))
		assert.LessOrEqual(t, got, prev, "speed %v", v)
		prev = got
	}
}

func TestCalculateSteering_ProportionalRegion(t *testing.T) {
	c, _ := newTestController(t, 10)

	angle, curvature, steer := c.CalculateSteering(1.5, vehicle.Context{EgoSpeed: 10})

	assert.InDelta(t, 0.5, steer, tol)
	assert.InDelta(t, -0.0125, curvature, tol)
	maxAngleDeg := vehicle.Degrees(20 * 0.025)
	assert.InDelta(t, 0.5*maxAngleDeg, angle, tol)
}

func TestCalculateSteering_Saturates(t *testing.T) {
	c, _ := newTestController(t, 10)

	_, curvature, steer := c.CalculateSteering(5, vehicle.Context{EgoSpeed: 10})
	assert.Equal(t, 1.0, steer)
	assert.InDelta(t, -0.025, curvature, tol)

	_, curvature, steer = c.CalculateSteering(-100, vehicle.Context{EgoSpeed: 10})
	assert.Equal(t, -1.0, steer)
	assert.InDelta(t, 0.025, curvature, tol)
}

func TestCalculateSteering_Bounds(t *testing.T) {
	c, _ := newTestController(t, 0)

	for _, speed := range []float64{0, 1, 2.2, 5, 13.9, 30} {
		for _, wd := range []float64{-50, -3, -1.2, -0.01, 0, 0.01, 0.7, 3, 9} {
			_, curvature, steer := c.CalculateSteering(wd, vehicle.Context{EgoSpeed: speed})
			assert.LessOrEqual(t, math.Abs(steer), 1.0)
			assert.LessOrEqual(t, math.Abs(curvature), MaxCurvature(speed)+tol)
			if wd > 0 {
				assert.Less(t, curvature, 0.0)
			}
			if wd < 0 {
				assert.Greater(t, curvature, 0.0)
			}
			if wd == 0 {
				assert.True(t, scalar.EqualWithinAbs(curvature, 0, tol))
			}
		}
	}
}

func TestCalculateSteering_NegativeSpeedIsStandstill(t *testing.T) {
	c, _ := newTestController(t, 0)

	_, atRest, _ := c.CalculateSteering(1, vehicle.Context{EgoSpeed: 0})
	_, reversed, _ := c.CalculateSteering(1, vehicle.Context{EgoSpeed: -12})
	assert.InDelta(t, atRest, reversed, tol)
}

func TestApply_ActiveReadingUpdatesSteering(t *testing.T) {
	c, clock := newTestController(t, 10)

	state := c.Apply(active(1.5))

	assert.True(t, state.IsActive)
	assert.InDelta(t, 0.5, state.Steer, tol)
	assert.InDelta(t, -0.0125, state.Curvature, tol)
	assert.Equal(t, clock.Now(), state.LastUpdated)
	assert.Equal(t, uint64(1), state.Readings)
	assert.Equal(t, state, c.State())
}

func TestApply_InactiveReadingIgnoresWireDistance(t *testing.T) {
	c, _ := newTestController(t, 10)

	state := c.Apply(sensorfeed.Reading{Active: false, WireDistance: f64(2)})

	assert.False(t, state.IsActive)
	assert.Zero(t, state.Steer)
	assert.Zero(t, state.Curvature)
	assert.Zero(t, state.SteeringAngleDeg)
}

func TestApply_DeactivationKeepsLastCommand(t *testing.T) {
	c, clock := newTestController(t, 10)

	c.Apply(active(1.5))
	clock.Advance(time.Second)
	state := c.Apply(sensorfeed.Reading{Active: false, WireDistance: f64(-3)})

	assert.False(t, state.IsActive)
	assert.InDelta(t, 0.5, state.Steer, tol)
	assert.Equal(t, clock.Now(), state.LastUpdated)

	curvature, steer, _ := c.GetSteering()
	assert.InDelta(t, -0.0125, curvature, tol)
	assert.InDelta(t, 0.5, steer, tol)
}

func TestApply_MissingWireDistanceKeepsSteering(t *testing.T) {
	c, _ := newTestController(t, 10)

	c.Apply(active(3))
	state := c.Apply(sensorfeed.Reading{Active: true})

	assert.True(t, state.IsActive)
	assert.Equal(t, 1.0, state.Steer)
}

func TestApply_InvalidVehicleContextSkipsSteering(t *testing.T) {
	store := vehicle.NewStore()
	require.NoError(t, store.Update(vehicle.Context{EgoSpeed: 10}, time.Now()))
	c := NewController(linearModel{gain: 20}, store, nil)
	c.Apply(active(1.5))

	nanSource := staticSource{EgoSpeed: math.NaN()}
	c.vehicle = nanSource
	state := c.Apply(active(3))

	assert.True(t, state.IsActive)
	assert.InDelta(t, 0.5, state.Steer, tol)
	assert.Equal(t, uint64(2), state.Readings)
}

func TestApply_InvalidVehicleContextLoggedOnce(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	c := NewController(linearModel{gain: 20}, staticSource{EgoSpeed: math.Inf(1)}, nil)
	for i := 0; i < 100; i++ {
		c.Apply(active(1.5))
	}
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "skipping steering updates")

	c.vehicle = staticSource{EgoSpeed: 10}
	c.Apply(active(1.5))
	c.Apply(active(1.5))
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "resuming")

	c.vehicle = staticSource{EgoSpeed: 10, RoadRoll: math.NaN()}
	c.Apply(active(1.5))
	assert.Len(t, lines, 3)
}

func TestSubscribe_ReceivesEveryState(t *testing.T) {
	c, _ := newTestController(t, 10)
	id, updates := c.Subscribe()

	c.Apply(active(1.5))
	c.Apply(active(-3))
	c.Apply(sensorfeed.Reading{Active: false})

	for want := uint64(1); want <= 3; want++ {
		st := <-updates
		assert.Equal(t, want, st.Readings)
	}
	assert.Empty(t, updates)

	c.Unsubscribe(id)
	_, ok := <-updates
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	c.Unsubscribe(id)
	c.Apply(active(1))
}

func TestSubscribe_SlowSubscriberKeepsNewest(t *testing.T) {
	c, _ := newTestController(t, 10)
	id, updates := c.Subscribe()
	defer c.Unsubscribe(id)

	total := SubscriberBuffer + 6
	for i := 0; i < total; i++ {
		c.Apply(active(1))
	}

	require.Len(t, updates, SubscriberBuffer)
	first := <-updates
	assert.Equal(t, uint64(total-SubscriberBuffer+1), first.Readings)
	var last ControlState
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, uint64(total), last.Readings)
}

func TestApply_MetadataSetsAccelerationStub(t *testing.T) {
	c, _ := newTestController(t, 10)

	state := c.Apply(sensorfeed.Reading{Active: true, Metadata: json.RawMessage(`{"lead_distance": 12}`)})
	assert.Zero(t, state.Acceleration)
}

func TestGetAcceleration_CapsAtMax(t *testing.T) {
	c, _ := newTestController(t, 10)
	c.state.Store(&ControlState{Acceleration: 0.5})

	assert.Equal(t, 0.3, c.GetAcceleration(0.3))
	assert.Equal(t, 0.5, c.GetAcceleration(2))
	assert.Equal(t, -1.0, c.GetAcceleration(-1))
}

func TestGetSteering_Idempotent(t *testing.T) {
	c, _ := newTestController(t, 10)
	c.Apply(active(-0.9))

	c1, s1, a1 := c.GetSteering()
	c2, s2, a2 := c.GetSteering()
	assert.Equal(t, c1, c2)
	assert.Equal(t, s1, s2)
	assert.Equal(t, a1, a2)
}

func TestControlState_IsSnapshot(t *testing.T) {
	c, _ := newTestController(t, 10)
	c.Apply(active(1.5))

	s := c.State()
	s.Steer = 42
	assert.InDelta(t, 0.5, c.State().Steer, tol)
}

func TestCalculateSteering_BicycleModel(t *testing.T) {
	model, err := vehicle.NewBicycleModel(vehicle.DefaultParams())
	require.NoError(t, err)
	c := NewController(model, staticSource{EgoSpeed: 20}, nil)

	angle, curvature, steer := c.CalculateSteering(1.5, vehicle.Context{EgoSpeed: 20})

	want := vehicle.Degrees(model.SteerAngleFromCurvature(MaxCurvature(20), 20, 0))
	assert.InDelta(t, 0.5, steer, tol)
	assert.InDelta(t, -0.5*MaxCurvature(20), curvature, tol)
	assert.InDelta(t, 0.5*want, angle, tol)
	assert.Greater(t, angle, 0.0)
}

func TestCalculateSteering_BicycleModelHighwaySpeed(t *testing.T) {
	model, err := vehicle.NewBicycleModel(vehicle.DefaultParams())
	require.NoError(t, err)
	c := NewController(model, staticSource{}, nil)

	for _, speed := range []float64{30, 33.17, 40, 60} {
		for _, roll := range []float64{-0.05, 0, 0.05} {
			vc := vehicle.Context{EgoSpeed: speed, RoadRoll: roll}

			angle, curvature, steer := c.CalculateSteering(1.5, vc)
			assert.InDelta(t, 0.5, steer, tol)
			assert.Less(t, curvature, 0.0, "speed %g roll %g", speed, roll)
			assert.Greater(t, angle, 0.0, "speed %g roll %g", speed, roll)

			angle, curvature, _ = c.CalculateSteering(-1.5, vc)
			assert.Greater(t, curvature, 0.0, "speed %g roll %g", speed, roll)
			assert.Less(t, angle, 0.0, "speed %g roll %g", speed, roll)
		}
	}
}
