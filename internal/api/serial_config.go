package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/autosteer/internal/db"
	"github.com/banshee-data/autosteer/internal/httputil"
)

// SerialConfigRequest is the body for creating or updating a stored serial
// configuration. Stored configurations are picked up on the next start.
type SerialConfigRequest struct {
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

func (req SerialConfigRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.PortPath == "" {
		return "port_path is required"
	}
	if !isValidPortPath(req.PortPath) {
		return "invalid port_path: must start with /dev/tty or /dev/serial"
	}
	return ""
}

func (req SerialConfigRequest) toConfig(id int) *db.SerialConfig {
	return &db.SerialConfig{
		ID:          id,
		Name:        req.Name,
		PortPath:    req.PortPath,
		BaudRate:    req.BaudRate,
		DataBits:    req.DataBits,
		StopBits:    req.StopBits,
		Parity:      req.Parity,
		Enabled:     req.Enabled,
		Description: req.Description,
	}
}

// isValidPortPath validates that a port path is in an allowed format
func isValidPortPath(path string) bool {
	return strings.HasPrefix(path, "/dev/tty") || strings.HasPrefix(path, "/dev/serial")
}

func (s *Server) handleSerialPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	ports, err := s.listPorts()
	if err != nil {
		logf("failed to enumerate serial ports: %v", err)
		httputil.InternalServerError(w, "failed to enumerate serial ports")
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, ports)
}

// handleSerialConfigsOrCreate handles GET and POST to /api/serial/configs
func (s *Server) handleSerialConfigsOrCreate(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "database is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		configs, err := s.db.GetSerialConfigs()
		if err != nil {
			logf("failed to fetch serial configs: %v", err)
			httputil.InternalServerError(w, "failed to fetch serial configurations")
			return
		}
		if configs == nil {
			configs = []db.SerialConfig{}
		}
		httputil.WriteJSONOK(w, configs)

	case http.MethodPost:
		var req SerialConfigRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if msg := req.validate(); msg != "" {
			httputil.BadRequest(w, msg)
			return
		}

		config := req.toConfig(0)
		if _, err := s.db.CreateSerialConfig(config); err != nil {
			s.writeSerialConfigError(w, err)
			return
		}
		created, err := s.db.GetSerialConfig(config.ID)
		if err != nil || created == nil {
			logf("failed to fetch created serial config %d: %v", config.ID, err)
			httputil.InternalServerError(w, "configuration created but failed to fetch")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, created)

	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleSerialConfigByID handles GET/PUT/DELETE /api/serial/configs/:id
func (s *Server) handleSerialConfigByID(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "database is not configured")
		return
	}

	idPart := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/serial/configs/"), "/")
	if idPart == "" {
		httputil.BadRequest(w, "missing config ID")
		return
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		httputil.BadRequest(w, "invalid config ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		config, err := s.db.GetSerialConfig(id)
		if err != nil {
			logf("failed to fetch serial config %d: %v", id, err)
			httputil.InternalServerError(w, "failed to fetch serial configuration")
			return
		}
		if config == nil {
			httputil.WriteJSONError(w, http.StatusNotFound, "configuration not found")
			return
		}
		httputil.WriteJSONOK(w, config)

	case http.MethodPut:
		var req SerialConfigRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if msg := req.validate(); msg != "" {
			httputil.BadRequest(w, msg)
			return
		}
		if err := s.db.UpdateSerialConfig(req.toConfig(id)); err != nil {
			s.writeSerialConfigError(w, err)
			return
		}
		updated, err := s.db.GetSerialConfig(id)
		if err != nil || updated == nil {
			httputil.InternalServerError(w, "configuration updated but failed to fetch")
			return
		}
		httputil.WriteJSONOK(w, updated)

	case http.MethodDelete:
		if err := s.db.DeleteSerialConfig(id); err != nil {
			s.writeSerialConfigError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) writeSerialConfigError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		httputil.WriteJSONError(w, http.StatusConflict, "configuration with this name already exists")
	case strings.Contains(msg, "not found"):
		httputil.WriteJSONError(w, http.StatusNotFound, "configuration not found")
	case strings.Contains(msg, "invalid serial config"):
		httputil.BadRequest(w, msg)
	default:
		logf("serial config write failed: %v", err)
		httputil.InternalServerError(w, "failed to save serial configuration")
	}
}
