package api

import (
	"encoding/json"
	"net/http"

	"github.com/sydlexius/tidepool/internal/logging"
)

func (r *Router) handleGetLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}
	writeJSON(w, http.StatusOK, r.logManager.Config())
}

func (r *Router) handleUpdateLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}

	var cfg logging.Config
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if cfg.Level != "" && !logging.ValidLevel(cfg.Level) {
		writeError(w, http.StatusBadRequest, "invalid level; must be debug, info, warn, or error")
		return
	}
	if cfg.Format != "" && !logging.ValidFormat(cfg.Format) {
		writeError(w, http.StatusBadRequest, "invalid format; must be text or json")
		return
	}

	// Merge with current config: only overwrite fields that are provided
	current := r.logManager.Config()
	if cfg.Level == "" {
		cfg.Level = current.Level
	}
	if cfg.Format == "" {
		cfg.Format = current.Format
	}
	if cfg.FilePath == "" {
		cfg.FilePath = current.FilePath
	}

	r.logManager.Reconfigure(cfg)
	r.logger.Info("logging reconfigured", "level", cfg.Level, "format", cfg.Format)

	writeJSON(w, http.StatusOK, cfg)
}
