// Package settings stores per-user drive configuration: the root path to
// index and the OAuth refresh token, which is encrypted at rest.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sydlexius/tidepool/internal/encryption"
)

// DriveSettings is one user's drive configuration.
type DriveSettings struct {
	UserID    string    `json:"user_id"`
	RootPath  string    `json:"root_path"`
	UpdatedAt time.Time `json:"updated_at"`

	// HasToken reports whether a refresh token is stored. The token itself
	// never leaves the service in API responses.
	HasToken bool `json:"has_token"`
}

// Service manages drive settings.
type Service struct {
	db        *sql.DB
	encryptor *encryption.Encryptor
}

// NewService creates a settings service.
func NewService(db *sql.DB, encryptor *encryption.Encryptor) *Service {
	return &Service{db: db, encryptor: encryptor}
}

// Get returns the user's drive settings, or defaults when none are stored.
func (s *Service) Get(ctx context.Context, userID string) (*DriveSettings, error) {
	var rootPath, token, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT root_path, refresh_token, updated_at FROM drive_settings WHERE user_id = ?
	`, userID).Scan(&rootPath, &token, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &DriveSettings{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying drive settings: %w", err)
	}

	ds := &DriveSettings{
		UserID:   userID,
		RootPath: rootPath,
		HasToken: token != "",
	}
	ds.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return ds, nil
}

// SetRootPath updates the user's root path. Returns true when the path
// actually changed, which signals the caller to invalidate the index.
func (s *Service) SetRootPath(ctx context.Context, userID, rootPath string) (bool, error) {
	rootPath = normalizePath(rootPath)

	current, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if current.RootPath == rootPath {
		return false, nil
	}

	if err := s.upsert(ctx, userID, "root_path", rootPath); err != nil {
		return false, err
	}
	return true, nil
}

// SetRefreshToken stores the user's OAuth refresh token encrypted.
func (s *Service) SetRefreshToken(ctx context.Context, userID, token string) error {
	encrypted, err := s.encryptor.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}
	return s.upsert(ctx, userID, "refresh_token", encrypted)
}

// RefreshToken returns the user's decrypted refresh token, or empty when
// none is stored.
func (s *Service) RefreshToken(ctx context.Context, userID string) (string, error) {
	var encrypted string
	err := s.db.QueryRowContext(ctx, `
		SELECT refresh_token FROM drive_settings WHERE user_id = ?
	`, userID).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying refresh token: %w", err)
	}
	if encrypted == "" {
		return "", nil
	}

	token, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypting refresh token: %w", err)
	}
	return token, nil
}

// upsert writes one column of the user's settings row, creating it on first
// write. column is internal and never caller-supplied.
func (s *Service) upsert(ctx context.Context, userID, column, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf(`
		INSERT INTO drive_settings (user_id, %s, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at
	`, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, userID, value, now); err != nil {
		return fmt.Errorf("writing drive settings: %w", err)
	}
	return nil
}

// normalizePath trims surrounding whitespace and slashes so that "Music/",
// "/Music" and "Music" address the same drive folder.
func normalizePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}
