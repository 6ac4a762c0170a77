package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autosteer/internal/autosteer"
	"github.com/banshee-data/autosteer/internal/db"
	"github.com/banshee-data/autosteer/internal/monitoring"
	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/timeutil"
	"github.com/banshee-data/autosteer/internal/vehicle"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fixedModel struct{}

// SteerAngleFromCurvature returns 10 rad per unit curvature.
func (fixedModel) SteerAngleFromCurvature(curvature, speed, roll float64) float64 {
	return 10 * curvature
}

type fakeLink struct {
	stats autosteer.LinkStats
}

func (f fakeLink) Stats() autosteer.LinkStats { return f.stats }

type testEnv struct {
	server     *Server
	controller *autosteer.Controller
	vehicles   *vehicle.Store
	db         *db.DB
	clock      *timeutil.MockClock
	handler    http.Handler
}

func newTestEnv(t *testing.T, withDB bool) *testEnv {
	t.Helper()

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	vehicles := vehicle.NewStore()
	require.NoError(t, vehicles.Update(vehicle.Context{EgoSpeed: 10}, clock.Now()))
	controller := autosteer.NewController(fixedModel{}, vehicles, clock)

	var database *db.DB
	if withDB {
		var err error
		database, err = db.NewDB(filepath.Join(t.TempDir(), "api_test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		require.NoError(t, database.MigrateUp())
	}

	s := NewServer(controller, vehicles, fakeLink{stats: autosteer.LinkStats{Connected: true, Readings: 7}}, database)
	s.clock = clock
	s.listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB0"}, nil }
	s.keepaliveInterval = time.Second

	return &testEnv{
		server:     s,
		controller: controller,
		vehicles:   vehicles,
		db:         database,
		clock:      clock,
		handler:    LoggingMiddleware(s.ServeMux()),
	}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func wire(active bool, distance float64) sensorfeed.Reading {
	return sensorfeed.Reading{Active: active, WireDistance: &distance}
}

func TestHandleSteering(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/steering", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SteeringResponse](t, rec)
	assert.False(t, got.IsActive)
	assert.Zero(t, got.Readings)

	env.controller.Apply(wire(true, 1.5))

	rec = env.do(t, http.MethodGet, "/api/steering", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[SteeringResponse](t, rec)
	assert.True(t, got.IsActive)
	assert.InDelta(t, 0.5, got.Steer, 1e-9)
	assert.InDelta(t, -0.0125, got.Curvature, 1e-9)
	assert.InDelta(t, 0.5*vehicle.Degrees(10*0.025), got.SteeringAngleDeg, 1e-9)
	assert.True(t, env.clock.Now().Equal(got.LastUpdated))
	assert.Equal(t, uint64(1), got.Readings)

	rec = env.do(t, http.MethodPost, "/api/steering", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestHandleAcceleration(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/acceleration?max=0.3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]float64](t, rec)
	assert.Equal(t, 0.0, got["acceleration"])
	assert.Equal(t, 0.3, got["max"])

	rec = env.do(t, http.MethodGet, "/api/acceleration?max=-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, -1.0, decode[map[string]float64](t, rec)["acceleration"])

	rec = env.do(t, http.MethodGet, "/api/acceleration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decode[map[string]float64](t, rec)["acceleration"])

	for _, bad := range []string{"abc", "NaN", "Inf"} {
		rec = env.do(t, http.MethodGet, "/api/acceleration?max="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestHandleVehicle(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/vehicle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[VehicleResponse](t, rec)
	assert.Equal(t, 10.0, got.EgoSpeed)
	require.NotNil(t, got.UpdatedAt)

	env.clock.Advance(time.Second)
	rec = env.do(t, http.MethodPost, "/api/vehicle", `{"ego_speed": 20, "road_roll": 0.02}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[VehicleResponse](t, rec)
	assert.Equal(t, 20.0, got.EgoSpeed)
	assert.Equal(t, 0.02, got.RoadRoll)
	assert.True(t, env.clock.Now().Equal(*got.UpdatedAt))
	assert.Equal(t, vehicle.Context{EgoSpeed: 20, RoadRoll: 0.02}, env.vehicles.VehicleContext())

	// the controller reads the new snapshot on the next reading
	state := env.controller.Apply(wire(true, 3))
	assert.InDelta(t, -autosteer.MaxCurvature(20), state.Curvature, 1e-9)
}

func TestHandleVehicle_Rejects(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"missing roll", `{"ego_speed": 3}`},
		{"unknown field", `{"ego_speed": 3, "road_roll": 0, "yaw": 1}`},
		{"wrong type", `{"ego_speed": "fast", "road_roll": 0}`},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, "/api/vehicle", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}
	assert.Equal(t, 10.0, env.vehicles.VehicleContext().EgoSpeed)

	rec := env.do(t, http.MethodDelete, "/api/vehicle", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleLink(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.db.RecordLinkEvent("s1", autosteer.EventOpened, "", env.clock.Now()))

	rec := env.do(t, http.MethodGet, "/api/link", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[LinkResponse](t, rec)
	assert.True(t, got.Connected)
	assert.Equal(t, uint64(7), got.Readings)
	assert.Equal(t, map[string]int{autosteer.EventOpened: 1}, got.EventCounts)
}

func TestHandleLink_NoLoop(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.link = nil

	rec := env.do(t, http.MethodGet, "/api/link", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleLinkEvents(t *testing.T) {
	env := newTestEnv(t, true)
	for i, kind := range []string{autosteer.EventOpened, autosteer.EventDecodeFault, autosteer.EventTransportFault} {
		require.NoError(t, env.db.RecordLinkEvent("s1", kind, "", env.clock.Now().Add(time.Duration(i)*time.Second)))
	}

	rec := env.do(t, http.MethodGet, "/api/link/events?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]db.LinkEvent](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, autosteer.EventTransportFault, events[0].Kind)
	assert.Equal(t, autosteer.EventDecodeFault, events[1].Kind)

	rec = env.do(t, http.MethodGet, "/api/link/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]db.LinkEvent](t, rec), 3)

	rec = env.do(t, http.MethodGet, "/api/link/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleLinkEvents_NoDB(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/api/link/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleSerialPorts(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/api/serial/ports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, decode[[]string](t, rec))

	env.server.listPorts = func() ([]string, error) { return nil, errors.New("no sysfs") }
	rec = env.do(t, http.MethodGet, "/api/serial/ports", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSteeringStream(t *testing.T) {
	env := newTestEnv(t, false)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/steering/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan SteeringResponse, 8)
	pings := make(chan struct{}, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == ": ping" {
				pings <- struct{}{}
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev SteeringResponse
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
		close(events)
	}()

	<-pings
	first := <-events
	assert.Zero(t, first.Readings)

	// readings applied back to back each produce their own event
	env.controller.Apply(wire(true, -3))
	env.controller.Apply(wire(true, 1.5))
	env.controller.Apply(wire(false, 0))
	for want := uint64(1); want <= 3; want++ {
		ev, ok := <-events
		require.True(t, ok)
		assert.Equal(t, want, ev.Readings)
	}

	env.clock.Advance(2 * time.Second)
	select {
	case <-pings:
	case <-ctx.Done():
		t.Fatal("no keepalive ping after the clock advanced")
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	env := newTestEnv(t, false)
	env.controller.Apply(wire(true, 0.75))

	mux := http.NewServeMux()
	env.server.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/autosteer", nil)
	req.RemoteAddr = "127.0.0.1:4321"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "active")
	assert.Contains(t, body, "0.2500")
	assert.Contains(t, body, "link connected")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
