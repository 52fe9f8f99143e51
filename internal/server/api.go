// Package server implements the status API over the device ledger.
package server

import (
	"bytes"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/api"
	"github.com/rsclarke/droidrig/internal/db"
	"github.com/rsclarke/droidrig/internal/logging"
	"github.com/rsclarke/droidrig/internal/models"
	"github.com/rsclarke/droidrig/internal/plugins"
)

// APIServer serves device history from the ledger.
type APIServer struct {
	DB      *sql.DB
	Logger  *zap.Logger
	Plugins plugins.PluginRegistry
	// Token, when set, is required as a bearer token on every request.
	Token string
}

// AuthMiddleware enforces the bearer token when one is configured.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /v1/devices/{serial}", s.handleGetDevice)
	mux.HandleFunc("DELETE /v1/devices/{serial}", s.handleDeleteDevice)
	mux.HandleFunc("GET /v1/devices/{serial}/events", s.handleGetEvents)
	mux.HandleFunc("GET /v1/devices/{serial}/artifacts", s.handleGetArtifacts)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/plugins", s.handleListPlugins)

	return s.AuthMiddleware(mux)
}

func (s *APIServer) log() *zap.Logger {
	return logging.OrNop(s.Logger)
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func (s *APIServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := db.ListDevices(s.DB)
	if err != nil {
		s.log().Error("list devices", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}

	resp := api.ListDevicesResponse{
		Devices: make([]api.DeviceInfo, 0, len(devices)),
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, api.DeviceInfo{
			Serial:        d.Serial,
			Model:         d.Model,
			FirstSeen:     formatTime(d.FirstSeen),
			LastSeen:      formatTime(d.LastSeen),
			EventCount:    d.EventCount,
			ArtifactCount: d.ArtifactCount,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// lookupDevice resolves the {serial} path value, writing the error response
// and returning nil when it cannot.
func (s *APIServer) lookupDevice(w http.ResponseWriter, r *http.Request) *models.Device {
	serial := r.PathValue("serial")
	if serial == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "serial required"})
		return nil
	}

	dev, err := db.GetDeviceBySerial(s.DB, serial)
	if err != nil {
		s.log().Error("get device", zap.String("serial", serial), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return nil
	}
	if dev == nil {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "device not found"})
		return nil
	}
	return dev
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev := s.lookupDevice(w, r)
	if dev == nil {
		return
	}

	detail := api.DeviceDetail{
		Serial:    dev.Serial,
		Model:     dev.Model,
		FirstSeen: formatTime(dev.FirstSeen),
		LastSeen:  formatTime(dev.LastSeen),
	}
	b, err := db.GetBuild(s.DB, dev.ID)
	if err != nil {
		s.log().Error("failed to get device build",
			zap.String("serial", dev.Serial),
			zap.Error(err))
	}
	if b != nil {
		detail.Build = &api.BuildInfo{
			BuildID:   b.BuildID,
			BuildType: b.BuildType,
			Labels:    b.Labels,
			UpdatedAt: formatTime(b.UpdatedAt),
		}
	}

	writeJSON(w, http.StatusOK, detail)
}

func (s *APIServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	dev := s.lookupDevice(w, r)
	if dev == nil {
		return
	}

	evs, err := db.GetLifecycleEvents(s.DB, dev.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}

	resp := api.GetEventsResponse{
		Serial: dev.Serial,
		Events: make([]api.LifecycleEvent, 0, len(evs)),
	}
	for _, e := range evs {
		resp.Events = append(resp.Events, api.LifecycleEvent{
			ID:         e.ID,
			RunID:      e.RunID,
			Op:         e.Op,
			State:      e.State,
			Error:      e.Error,
			OccurredAt: formatMillis(e.OccurredAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	dev := s.lookupDevice(w, r)
	if dev == nil {
		return
	}

	arts, err := db.GetArtifacts(s.DB, dev.ID, r.URL.Query().Get("kind"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}

	resp := api.GetArtifactsResponse{
		Serial:    dev.Serial,
		Artifacts: make([]api.Artifact, 0, len(arts)),
	}
	for _, a := range arts {
		resp.Artifacts = append(resp.Artifacts, api.Artifact{
			ID:        a.ID,
			RunID:     a.RunID,
			Kind:      a.Kind,
			Path:      a.Path,
			Label:     a.Label,
			CreatedAt: formatMillis(a.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev := s.lookupDevice(w, r)
	if dev == nil {
		return
	}

	if err := db.DeleteDevice(s.DB, dev.Serial); err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "failed to delete device"})
		return
	}

	writeJSON(w, http.StatusOK, api.DeleteDeviceResponse{Deleted: true})
}

func (s *APIServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := db.GetRun(s.DB, r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "database error"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "run not found"})
		return
	}

	info := api.RunInfo{
		ID:        run.ID,
		Command:   run.Command,
		StartedAt: formatTime(run.StartedAt),
		Error:     run.Error,
	}
	if run.FinishedAt != nil {
		finished := formatTime(*run.FinishedAt)
		info.FinishedAt = &finished
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *APIServer) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	resp := api.ListPluginsResponse{Plugins: []plugins.PluginInfo{}}
	if s.Plugins != nil {
		resp.Plugins = s.Plugins.ListPlugins()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
