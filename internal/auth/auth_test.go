package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/sydlexius/tidepool/internal/database"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestSetupAndLogin(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	created, err := svc.Setup(ctx, "admin", "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected initial setup to create the account")
	}

	// Second setup is a no-op.
	created, err = svc.Setup(ctx, "intruder", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("setup created a second account")
	}

	token, err := svc.Login(ctx, "admin", "correct horse battery staple")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	userID, err := svc.ValidateSession(ctx, token)
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if userID == "" {
		t.Error("empty user ID from valid session")
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	if _, err := svc.Setup(ctx, "admin", "right"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "ghost", "right"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogout(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	if _, err := svc.Setup(ctx, "admin", "pw"); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "admin", "pw")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Logout(ctx, token); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateSession(ctx, token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("ValidateSession() error = %v, want ErrInvalidSession", err)
	}
}

func TestResetCredentials(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	if _, err := svc.Setup(ctx, "admin", "old-pass"); err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "admin", "old-pass")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.ResetCredentials(ctx, "admin", "root", "new-pass"); err != nil {
		t.Fatal(err)
	}

	// Existing sessions are revoked.
	if _, err := svc.ValidateSession(ctx, token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("old session still valid after reset: %v", err)
	}
	// Old credentials no longer work.
	if _, err := svc.Login(ctx, "admin", "old-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old credentials still valid: %v", err)
	}
	if _, err := svc.Login(ctx, "root", "new-pass"); err != nil {
		t.Errorf("new credentials rejected: %v", err)
	}

	if err := svc.ResetCredentials(ctx, "ghost", "x", "y"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("ResetCredentials() error = %v, want ErrUserNotFound", err)
	}
}

func TestLongPasswordsSupported(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	long := make([]byte, 200)
	for i := range long {
		long[i] = byte('a' + i%26)
	}

	if _, err := svc.Setup(ctx, "admin", string(long)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "admin", string(long)); err != nil {
		t.Errorf("Login() with long password error = %v", err)
	}
}
