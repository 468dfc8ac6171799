// Package drive is the client for the remote file-store listing API: a
// Graph-style drive exposing paginated children listings addressed by path
// and content download addressed by item id.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AuthError indicates an authorization failure that survived one token
// refresh attempt.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string { return fmt.Sprintf("drive: unauthorized: %v", e.Cause) }
func (e *AuthError) Unwrap() error { return e.Cause }

// UnavailableError indicates a transport-level failure (network error or an
// unexpected HTTP status).
type UnavailableError struct {
	Status int
	Cause  error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("drive: unexpected HTTP %d", e.Status)
	}
	return fmt.Sprintf("drive: request failed: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// errPageNotFound is internal: a 404 on a listing page means the path does
// not exist, which callers observe as an empty folder.
var errPageNotFound = errors.New("drive: page not found")

// Client calls the drive API with bearer-token auth and request rate
// limiting. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger
	baseURL    string
}

// NewClient creates a drive client. Requests are limited to ~10/s with a
// small burst; the crawl engine applies its own coarser pacing on top.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(10), 2),
		logger:     logger.With(slog.String("component", "drive")),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// ListAllChildren lists every child of the folder at path, draining
// pagination before returning; callers never observe a partial page set.
// An empty path addresses the drive root. A path that does not exist
// yields an empty slice, not an error.
func (c *Client) ListAllChildren(ctx context.Context, path string) ([]Item, error) {
	var items []Item

	next := c.childrenURL(path)
	for next != "" {
		page, err := c.fetchPage(ctx, next)
		if errors.Is(err, errPageNotFound) {
			// A missing path is an empty folder: a user's configured root
			// can legitimately not exist yet.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		items = append(items, page.Value...)
		next = page.NextLink
	}

	return items, nil
}

// Download streams the content of an item by id. The caller must close the
// returned body.
func (c *Client) Download(ctx context.Context, itemID string) (io.ReadCloser, string, error) {
	reqURL := c.baseURL + "/items/" + url.PathEscape(itemID) + "/content"

	resp, err := c.do(ctx, reqURL)
	if err != nil {
		return nil, "", err
	}

	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil, "", &UnavailableError{Status: http.StatusNotFound}
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, "", &UnavailableError{Status: resp.StatusCode}
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// childrenURL builds the listing URL for a path. The root uses the
// root-children endpoint; any other path uses the path-addressed variant.
// The branching is load-bearing: the root endpoint omits the path segment
// entirely rather than addressing an empty path.
func (c *Client) childrenURL(path string) string {
	if path == "" {
		return c.baseURL + "/root/children"
	}

	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.baseURL + "/root:/" + strings.Join(segments, "/") + ":/children"
}

// fetchPage fetches one listing page. On a 401 it refreshes the token once
// and retries the same page URL, so an expiring token mid-pagination does
// not restart the whole listing.
func (c *Client) fetchPage(ctx context.Context, pageURL string) (*listResponse, error) {
	resp, err := c.do(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)

		if _, err := c.tokens.Refresh(ctx); err != nil {
			return nil, &AuthError{Cause: err}
		}
		c.logger.Debug("token refreshed, retrying page", slog.String("url", pageURL))

		resp, err = c.do(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, &AuthError{Cause: fmt.Errorf("still unauthorized after refresh")}
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		return nil, errPageNotFound
	case resp.StatusCode != http.StatusOK:
		drain(resp)
		return nil, &UnavailableError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, &UnavailableError{Cause: fmt.Errorf("reading page: %w", err)}
	}
	if closeErr != nil {
		return nil, &UnavailableError{Cause: closeErr}
	}

	var page listResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parsing listing page: %w", err)
	}
	return &page, nil
}

// do executes a rate-limited GET with the current bearer token.
func (c *Client) do(ctx context.Context, reqURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UnavailableError{Cause: fmt.Errorf("rate limiter: %w", err)}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &AuthError{Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G107: URL built from the configured base
	if err != nil {
		return nil, &UnavailableError{Cause: err}
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
