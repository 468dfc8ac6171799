package api

import (
	"encoding/json"
	"net/http"

	"github.com/sydlexius/tidepool/internal/api/middleware"
)

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	ds, err := r.settingsService.Get(req.Context(), userID)
	if err != nil {
		r.logger.Error("loading drive settings", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (r *Router) handleSetRootPath(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())

	var body struct {
		RootPath string `json:"root_path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := r.settingsService.SetRootPath(req.Context(), userID, body.RootPath)
	if err != nil {
		r.logger.Error("updating root path", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update root path")
		return
	}

	// A new root invalidates everything indexed under the old one.
	if changed {
		if err := r.coordinator.Clear(req.Context(), userID); err != nil {
			r.logger.Error("clearing index after root change", "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to reset index")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "index_cleared": changed})
}

func (r *Router) handleSetToken(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := r.settingsService.SetRefreshToken(req.Context(), userID, body.RefreshToken); err != nil {
		r.logger.Error("storing refresh token", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
