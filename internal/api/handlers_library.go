package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sydlexius/tidepool/internal/api/middleware"
	"github.com/sydlexius/tidepool/internal/library"
)

func (r *Router) handleLibraryFolders(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	folders, err := r.libraryService.Folders(req.Context(), userID)
	if err != nil {
		r.logger.Error("listing indexed folders", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list folders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (r *Router) handleLibraryBrowse(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	folderPath := req.URL.Query().Get("path")

	record, err := r.libraryService.Browse(req.Context(), userID, folderPath)
	if errors.Is(err, library.ErrFolderNotIndexed) {
		writeError(w, http.StatusNotFound, "folder not indexed")
		return
	}
	if err != nil {
		r.logger.Error("browsing folder", "user", userID, "path", folderPath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to browse folder")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Router) handleLibrarySearch(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	query := req.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := r.libraryService.Search(req.Context(), userID, query, limit)
	if err != nil {
		r.logger.Error("searching library", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (r *Router) handleLibraryStats(w http.ResponseWriter, req *http.Request) {
	userID := middleware.UserIDFromContext(req.Context())
	stats, err := r.libraryService.Stats(req.Context(), userID)
	if err != nil {
		r.logger.Error("computing library stats", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleFileStream(w http.ResponseWriter, req *http.Request) {
	if r.downloader == nil {
		writeError(w, http.StatusServiceUnavailable, "drive client not configured")
		return
	}

	userID := middleware.UserIDFromContext(req.Context())
	itemID := req.PathValue("id")

	entry, err := r.libraryService.FindFile(req.Context(), userID, itemID)
	if errors.Is(err, library.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "file not indexed")
		return
	}
	if err != nil {
		r.logger.Error("looking up file", "user", userID, "item", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up file")
		return
	}

	body, contentType, err := r.downloader.Download(req.Context(), itemID)
	if err != nil {
		r.logger.Error("downloading file", "item", itemID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to fetch file from drive")
		return
	}
	defer body.Close() //nolint:errcheck

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if entry.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		r.logger.Debug("streaming file interrupted", "item", itemID, "error", err)
	}
}
