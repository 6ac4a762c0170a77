// Package api exposes the controller state, the vehicle state feed and the
// link journal over HTTP.
package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/autosteer/internal/autosteer"
	"github.com/banshee-data/autosteer/internal/db"
	"github.com/banshee-data/autosteer/internal/httputil"
	"github.com/banshee-data/autosteer/internal/monitoring"
	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/timeutil"
	"github.com/banshee-data/autosteer/internal/vehicle"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const defaultKeepaliveInterval = 15 * time.Second

var logf = monitoring.Componentf("api")

// ControlSource is the read side of the steering controller.
type ControlSource interface {
	State() autosteer.ControlState
	GetAcceleration(maxAcceleration float64) float64
	Subscribe() (string, <-chan autosteer.ControlState)
	Unsubscribe(id string)
}

// LinkMonitor reports sensor link counters.
type LinkMonitor interface {
	Stats() autosteer.LinkStats
}

type Server struct {
	controller ControlSource
	vehicles   *vehicle.Store
	link       LinkMonitor
	db         *db.DB
	clock      timeutil.Clock

	listPorts         func() ([]string, error)
	keepaliveInterval time.Duration
}

// NewServer builds the HTTP surface. link and database may be nil; the
// endpoints that need them then answer 503.
func NewServer(controller ControlSource, vehicles *vehicle.Store, link LinkMonitor, database *db.DB) *Server {
	return &Server{
		controller:        controller,
		vehicles:          vehicles,
		link:              link,
		db:                database,
		clock:             timeutil.RealClock{},
		listPorts:         sensorfeed.ListPorts,
		keepaliveInterval: defaultKeepaliveInterval,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs status, method, request URI and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/steering", s.handleSteering)
	mux.HandleFunc("/api/steering/stream", s.handleSteeringStream)
	mux.HandleFunc("/api/acceleration", s.handleAcceleration)
	mux.HandleFunc("/api/vehicle", s.handleVehicle)
	mux.HandleFunc("/api/link", s.handleLink)
	mux.HandleFunc("/api/link/events", s.handleLinkEvents)
	mux.HandleFunc("/api/serial/ports", s.handleSerialPorts)
	mux.HandleFunc("/api/serial/configs", s.handleSerialConfigsOrCreate)
	mux.HandleFunc("/api/serial/configs/", s.handleSerialConfigByID)
	return mux
}

// SteeringResponse is the body of GET /api/steering.
type SteeringResponse struct {
	IsActive         bool      `json:"is_active"`
	Curvature        float64   `json:"curvature"`
	Steer            float64   `json:"steer"`
	SteeringAngleDeg float64   `json:"steering_angle_deg"`
	LastUpdated      time.Time `json:"last_updated"`
	Readings         uint64    `json:"readings"`
}

func steeringResponse(st autosteer.ControlState) SteeringResponse {
	return SteeringResponse{
		IsActive:         st.IsActive,
		Curvature:        st.Curvature,
		Steer:            st.Steer,
		SteeringAngleDeg: st.SteeringAngleDeg,
		LastUpdated:      st.LastUpdated,
		Readings:         st.Readings,
	}
}

func (s *Server) handleSteering(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, steeringResponse(s.controller.State()))
}

func (s *Server) handleAcceleration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	resp := map[string]interface{}{}
	maxAcceleration := math.MaxFloat64
	if raw := r.URL.Query().Get("max"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			httputil.BadRequest(w, "max must be a finite number")
			return
		}
		maxAcceleration = v
		resp["max"] = v
	}
	resp["acceleration"] = s.controller.GetAcceleration(maxAcceleration)
	httputil.WriteJSONOK(w, resp)
}

// VehicleRequest is the body of POST /api/vehicle. Both fields are required.
type VehicleRequest struct {
	EgoSpeed *float64 `json:"ego_speed"`
	RoadRoll *float64 `json:"road_roll"`
}

// VehicleResponse reports the stored vehicle snapshot.
type VehicleResponse struct {
	vehicle.Context
	UpdatedAt *time.Time `json:"updated_at"`
}

func (s *Server) vehicleResponse() VehicleResponse {
	resp := VehicleResponse{Context: s.vehicles.VehicleContext()}
	if at := s.vehicles.UpdatedAt(); !at.IsZero() {
		resp.UpdatedAt = &at
	}
	return resp
}

func (s *Server) handleVehicle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.vehicleResponse())

	case http.MethodPost:
		var req VehicleRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.EgoSpeed == nil || req.RoadRoll == nil {
			httputil.BadRequest(w, "ego_speed and road_roll are required")
			return
		}
		c := vehicle.Context{EgoSpeed: *req.EgoSpeed, RoadRoll: *req.RoadRoll}
		if err := s.vehicles.Update(c, s.clock.Now()); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.vehicleResponse())

	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// LinkResponse is the body of GET /api/link.
type LinkResponse struct {
	autosteer.LinkStats
	EventCounts map[string]int `json:"event_counts,omitempty"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.link == nil {
		httputil.ServiceUnavailable(w, "sensor link is not running")
		return
	}

	resp := LinkResponse{LinkStats: s.link.Stats()}
	if s.db != nil {
		counts, err := s.db.LinkEventCounts()
		if err != nil {
			logf("failed to count link events: %v", err)
			httputil.InternalServerError(w, "failed to count link events")
			return
		}
		resp.EventCounts = counts
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleLinkEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "link journal is not configured")
		return
	}

	limit := db.DefaultLinkEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.db.RecentLinkEvents(limit)
	if err != nil {
		logf("failed to list link events: %v", err)
		httputil.InternalServerError(w, "failed to list link events")
		return
	}
	httputil.WriteJSONOK(w, events)
}
