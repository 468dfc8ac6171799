package api

import (
	"net/http"

	"github.com/sydlexius/tidepool/internal/api/middleware"
	"github.com/sydlexius/tidepool/internal/crawl"
)

func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	force := req.URL.Query().Get("force") == "true"

	ds, err := r.settingsService.Get(req.Context(), userID)
	if err != nil {
		r.logger.Error("loading drive settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status, err := r.coordinator.StartBackground(req.Context(), userID, ds.RootPath, force)
	if err != nil {
		r.logger.Error("starting scan", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start scan")
		return
	}

	switch status {
	case crawl.StatusStarted, crawl.StatusResumed:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
	case crawl.StatusAlreadyRunning:
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(status)})
	case crawl.StatusLocked:
		writeJSON(w, http.StatusLocked, map[string]string{"status": string(status)})
	default:
		writeError(w, http.StatusInternalServerError, "unknown scan state")
	}
}

func (r *Router) handleResumeScan(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())

	ds, err := r.settingsService.Get(req.Context(), userID)
	if err != nil {
		r.logger.Error("loading drive settings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status, err := r.coordinator.Resume(req.Context(), userID, ds.RootPath)
	if err != nil {
		r.logger.Error("resuming scan", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume scan")
		return
	}

	switch status {
	case crawl.StatusResumed:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
	case crawl.StatusNotResumable, crawl.StatusAlreadyRunning:
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(status)})
	case crawl.StatusLocked:
		writeJSON(w, http.StatusLocked, map[string]string{"status": string(status)})
	default:
		writeError(w, http.StatusInternalServerError, "unknown scan state")
	}
}

func (r *Router) handleStopScan(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.coordinator.Stop(req.Context(), userID); err != nil {
		r.logger.Error("stopping scan", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stop scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (r *Router) handleClearScan(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	if err := r.coordinator.Clear(req.Context(), userID); err != nil {
		r.logger.Error("clearing scan state", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear scan state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (r *Router) handleScanStatus(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	status, err := r.coordinator.Status(req.Context(), userID)
	if err != nil {
		r.logger.Error("reading scan status", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read scan status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleScanProgress(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	r.notifier.Stream(w, req, userID)
}
