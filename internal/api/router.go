// Package api wires the HTTP surface: routing, handlers, and middleware.
package api

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"

	"github.com/sydlexius/tidepool/internal/api/middleware"
	"github.com/sydlexius/tidepool/internal/auth"
	"github.com/sydlexius/tidepool/internal/crawl"
	"github.com/sydlexius/tidepool/internal/library"
	"github.com/sydlexius/tidepool/internal/logging"
	"github.com/sydlexius/tidepool/internal/progress"
	"github.com/sydlexius/tidepool/internal/settings"
	"github.com/sydlexius/tidepool/internal/webhook"
)

// Downloader streams a single file's content from the remote drive.
type Downloader interface {
	Download(ctx context.Context, itemID string) (io.ReadCloser, string, error)
}

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	AuthService       *auth.Service
	SettingsService   *settings.Service
	Coordinator       *crawl.Coordinator
	Notifier          *progress.Notifier
	LibraryService    *library.Service
	WebhookService    *webhook.Service
	WebhookDispatcher *webhook.Dispatcher
	LogManager        *logging.Manager
	Downloader        Downloader
	DB                *sql.DB
	Logger            *slog.Logger
	BasePath          string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	authService       *auth.Service
	settingsService   *settings.Service
	coordinator       *crawl.Coordinator
	notifier          *progress.Notifier
	libraryService    *library.Service
	webhookService    *webhook.Service
	webhookDispatcher *webhook.Dispatcher
	logManager        *logging.Manager
	downloader        Downloader
	db                *sql.DB
	logger            *slog.Logger
	basePath          string
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		authService:       deps.AuthService,
		settingsService:   deps.SettingsService,
		coordinator:       deps.Coordinator,
		notifier:          deps.Notifier,
		libraryService:    deps.LibraryService,
		webhookService:    deps.WebhookService,
		webhookDispatcher: deps.WebhookDispatcher,
		logManager:        deps.LogManager,
		downloader:        deps.Downloader,
		db:                deps.DB,
		logger:            deps.Logger,
		basePath:          deps.BasePath,
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
func (r *Router) Handler() http.Handler {
	authMw := middleware.Auth(r.authService)
	loginLimiter := middleware.NewLoginRateLimiter()
	mux := http.NewServeMux()
	bp := r.basePath

	// Public routes (no auth)
	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)
	mux.Handle("POST "+bp+"/api/v1/auth/login", loginLimiter.Middleware(http.HandlerFunc(r.handleLogin)))
	mux.Handle("POST "+bp+"/api/v1/auth/setup", loginLimiter.Middleware(http.HandlerFunc(r.handleSetup)))

	// Protected routes (auth required)
	mux.HandleFunc("POST "+bp+"/api/v1/auth/logout", wrapAuth(r.handleLogout, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/auth/me", wrapAuth(r.handleMe, authMw))

	// Scan routes
	mux.HandleFunc("POST "+bp+"/api/v1/scan", wrapAuth(r.handleStartScan, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/scan/resume", wrapAuth(r.handleResumeScan, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/scan/stop", wrapAuth(r.handleStopScan, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/scan", wrapAuth(r.handleClearScan, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/scan/status", wrapAuth(r.handleScanStatus, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/scan/progress", wrapAuth(r.handleScanProgress, authMw))

	// Library routes
	mux.HandleFunc("GET "+bp+"/api/v1/library/folders", wrapAuth(r.handleLibraryFolders, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/library/browse", wrapAuth(r.handleLibraryBrowse, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/library/search", wrapAuth(r.handleLibrarySearch, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/library/stats", wrapAuth(r.handleLibraryStats, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/library/files/{id}/stream", wrapAuth(r.handleFileStream, authMw))

	// Drive settings routes
	mux.HandleFunc("GET "+bp+"/api/v1/settings", wrapAuth(r.handleGetSettings, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/settings/root-path", wrapAuth(r.handleSetRootPath, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/settings/token", wrapAuth(r.handleSetToken, authMw))

	// Webhook routes
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks", wrapAuth(r.handleListWebhooks, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks", wrapAuth(r.handleCreateWebhook, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleGetWebhook, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleUpdateWebhook, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleDeleteWebhook, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks/{id}/test", wrapAuth(r.handleTestWebhook, authMw))

	// Logging routes
	mux.HandleFunc("GET "+bp+"/api/v1/logging", wrapAuth(r.handleGetLogging, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/logging", wrapAuth(r.handleUpdateLogging, authMw))

	// Apply logging and security headers to all requests
	return middleware.Logging(r.logger)(middleware.SecurityHeaders(mux))
}

// wrapAuth wraps a handler function with auth middleware.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMw(fn).ServeHTTP(w, r)
	}
}
