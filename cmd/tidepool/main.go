package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/sydlexius/tidepool/internal/api"
	"github.com/sydlexius/tidepool/internal/auth"
	"github.com/sydlexius/tidepool/internal/config"
	"github.com/sydlexius/tidepool/internal/crawl"
	"github.com/sydlexius/tidepool/internal/database"
	"github.com/sydlexius/tidepool/internal/drive"
	"github.com/sydlexius/tidepool/internal/encryption"
	"github.com/sydlexius/tidepool/internal/event"
	"github.com/sydlexius/tidepool/internal/library"
	"github.com/sydlexius/tidepool/internal/logging"
	"github.com/sydlexius/tidepool/internal/progress"
	"github.com/sydlexius/tidepool/internal/settings"
	"github.com/sydlexius/tidepool/internal/store"
	"github.com/sydlexius/tidepool/internal/version"
	"github.com/sydlexius/tidepool/internal/watcher"
	"github.com/sydlexius/tidepool/internal/webhook"
)

func main() {
	// Handle subcommands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "reset-credentials":
			if err := resetCredentials(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("TP_CONFIG_PATH"); p != "" {
		return p
	}
	return "/data/config.yaml"
}

func run() error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Set up structured logging via the logging Manager
	logManager, logger := logging.NewManager(logging.Config{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		FilePath: cfg.Logging.FilePath,
	})
	defer logManager.Close() //nolint:errcheck
	slog.SetDefault(logger)

	// Open database
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", slog.String("path", cfg.Database.Path))

	// Select the crawl state backend
	var st store.Store
	switch cfg.Storage.Backend {
	case "file":
		st, err = store.NewFileStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("creating file store: %w", err)
		}
	case "", "sqlite":
		st = store.NewSQLiteStore(db)
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	defer st.Close() //nolint:errcheck

	// Resolve encryption key: config/env > file > generate new
	encKey, err := resolveEncryptionKey(cfg, logger)
	if err != nil {
		return fmt.Errorf("resolving encryption key: %w", err)
	}
	encryptor, _, err := encryption.NewEncryptor(encKey)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}

	// Initialize services
	authService := auth.NewService(db)
	settingsService := settings.NewService(db, encryptor)
	libraryService := library.NewService(st)

	// Initialize event bus
	eventBus := event.NewBus(logger, 256)
	go eventBus.Start()
	defer eventBus.Stop()

	// Initialize webhook service and dispatcher
	webhookService := webhook.NewService(db)
	webhookDispatcher := webhook.NewDispatcher(webhookService, logger)
	webhookDispatcher.Attach(eventBus)

	// Drive client with a token source backed by the stored refresh token
	tokens := &driveTokens{db: db, settings: settingsService, drive: cfg.Drive}
	driveClient := drive.NewClient(cfg.Drive.BaseURL, tokens, logger)

	// Crawl machinery
	checkpoints := crawl.NewCheckpoints(st)
	engine := crawl.NewEngine(driveClient, checkpoints, st, logger,
		time.Duration(cfg.Crawl.FolderDelayMS)*time.Millisecond,
		time.Duration(cfg.Crawl.SubtreeDelayMS)*time.Millisecond,
	)
	coordinator := crawl.NewCoordinator(engine, checkpoints, st, eventBus, logger,
		time.Duration(cfg.Crawl.LockTTLMinutes)*time.Minute,
		time.Duration(cfg.Crawl.StalledAfterSec)*time.Second,
	)
	notifier := progress.NewNotifier(coordinator, logger, 0, 0)

	logger.Info("starting tidepool",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	// Set up HTTP router
	router := api.NewRouter(api.RouterDeps{
		AuthService:       authService,
		SettingsService:   settingsService,
		Coordinator:       coordinator,
		Notifier:          notifier,
		LibraryService:    libraryService,
		WebhookService:    webhookService,
		WebhookDispatcher: webhookDispatcher,
		LogManager:        logManager,
		Downloader:        driveClient,
		DB:                db,
		Logger:            logger,
		BasePath:          cfg.Server.BasePath,
	})

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // progress streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	// Start session cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := authService.CleanExpiredSessions(ctx); err != nil {
					logger.Error("session cleanup failed", "error", err)
				}
			}
		}
	}()

	// Watch the config file for logging changes
	watcherService := watcher.NewService(cfgPath, logManager, logger)
	go watcherService.Start(ctx)

	go func() {
		logger.Info("server starting", slog.String("addr", addr), slog.String("base_path", cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// driveTokens adapts the per-user refresh token stored in settings to the
// drive.TokenSource interface. The inner OAuth source is rebuilt whenever the
// stored refresh token changes, so a token saved through the API takes effect
// without a restart.
type driveTokens struct {
	db       *sql.DB
	settings *settings.Service
	drive    config.DriveConfig

	mu    sync.Mutex
	inner *drive.OAuthTokenSource
	seed  string
}

func (d *driveTokens) source(ctx context.Context) (drive.TokenSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var userID string
	err := d.db.QueryRowContext(ctx, "SELECT id FROM users ORDER BY created_at LIMIT 1").Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no user account configured")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	refreshToken, err := d.settings.RefreshToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("no drive refresh token configured")
	}

	if d.inner == nil || d.seed != refreshToken {
		d.inner = drive.NewOAuthTokenSource(d.drive.ClientID, d.drive.ClientSecret, d.drive.TokenURL, refreshToken)
		d.seed = refreshToken
	}
	return d.inner, nil
}

func (d *driveTokens) Token(ctx context.Context) (string, error) {
	src, err := d.source(ctx)
	if err != nil {
		return "", err
	}
	return src.Token(ctx)
}

func (d *driveTokens) Refresh(ctx context.Context) (string, error) {
	src, err := d.source(ctx)
	if err != nil {
		return "", err
	}
	return src.Refresh(ctx)
}

// resolveEncryptionKey determines the encryption key to use.
// Priority: TP_ENCRYPTION_KEY env var / config > /data/encryption.key file >
// generate new.
func resolveEncryptionKey(cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Encryption.Key != "" {
		return cfg.Encryption.Key, nil
	}

	dataDir := filepath.Dir(cfg.Database.Path)
	keyFile := filepath.Join(dataDir, "encryption.key")

	// Try loading from file
	data, err := os.ReadFile(keyFile) //nolint:gosec // G304: path derived from trusted config
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key != "" {
			logger.Debug("loaded encryption key from file", slog.String("path", keyFile))
			return key, nil
		}
	}

	// Generate a new key
	_, key, err := encryption.NewEncryptor("")
	if err != nil {
		return "", fmt.Errorf("generating encryption key: %w", err)
	}

	// Persist to file
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		logger.Warn("could not create data directory for encryption key",
			slog.String("path", dataDir), slog.Any("error", err))
		return key, nil
	}

	if err := os.WriteFile(keyFile, []byte(key+"\n"), 0o600); err != nil {
		logger.Warn("could not save encryption key to file",
			slog.String("path", keyFile), slog.Any("error", err))
	} else {
		logger.Warn("generated new encryption key -- back up this file",
			slog.String("path", keyFile))
	}

	return key, nil
}

// resetCredentials interactively replaces the admin account's username and
// password and revokes all sessions. This is an offline recovery flow for a
// lost password.
func resetCredentials() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Current username: ")
	oldUsername, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading username: %w", err)
	}
	oldUsername = strings.TrimSpace(oldUsername)

	fmt.Print("New username (blank to keep current): ")
	newUsername, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading username: %w", err)
	}
	newUsername = strings.TrimSpace(newUsername)
	if newUsername == "" {
		newUsername = oldUsername
	}

	fmt.Print("New password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	authService := auth.NewService(db)
	if err := authService.ResetCredentials(context.Background(), oldUsername, newUsername, string(password)); err != nil {
		return fmt.Errorf("resetting credentials: %w", err)
	}

	fmt.Println("Credentials updated. All sessions have been revoked.")
	return nil
}
