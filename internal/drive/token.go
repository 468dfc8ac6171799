package drive

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenSource supplies bearer tokens for drive API calls. Refresh discards
// any cached token and obtains a fresh one; the client calls it exactly
// once per authorization failure.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// OAuthTokenSource implements TokenSource over the OAuth2 refresh-token
// grant.
type OAuthTokenSource struct {
	cfg          *oauth2.Config
	refreshToken string

	mu      sync.Mutex
	current *oauth2.Token
}

// NewOAuthTokenSource creates a token source for the given OAuth2 endpoint
// and stored refresh token.
func NewOAuthTokenSource(clientID, clientSecret, tokenURL, refreshToken string) *OAuthTokenSource {
	return &OAuthTokenSource{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		refreshToken: refreshToken,
	}
}

// Token returns a cached access token, exchanging the refresh token if no
// valid one is held.
func (s *OAuthTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Valid() {
		return s.current.AccessToken, nil
	}
	return s.exchangeLocked(ctx)
}

// Refresh drops the cached token and exchanges the refresh token again.
func (s *OAuthTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	return s.exchangeLocked(ctx)
}

func (s *OAuthTokenSource) exchangeLocked(ctx context.Context) (string, error) {
	tok, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("exchanging refresh token: %w", err)
	}

	s.current = tok
	// The provider may rotate the refresh token on use.
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	}
	return tok.AccessToken, nil
}

// StaticTokenSource returns fixed tokens; Refresh moves to the next one.
// Used in tests.
type StaticTokenSource struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewStaticTokenSource creates a StaticTokenSource over the given tokens.
func NewStaticTokenSource(tokens ...string) *StaticTokenSource {
	return &StaticTokenSource{tokens: tokens}
}

// Token returns the current token.
func (s *StaticTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.tokens) {
		return "", fmt.Errorf("token source exhausted")
	}
	return s.tokens[s.idx], nil
}

// Refresh advances to the next token.
func (s *StaticTokenSource) Refresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx+1 < len(s.tokens) {
		s.idx++
	}
	return s.tokens[s.idx], nil
}
