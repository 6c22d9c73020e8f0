// Package backend talks to the REST backend that owns accounts, courses
// and live-session scheduling. The signaling server trusts the session
// token this backend issues.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// maxAuthAttempts bounds how many times a single call will retry after
// an auth failure. One refresh, one retry; a second rejection means the
// refresh token itself is dead.
const maxAuthAttempts = 2

var (
	// ErrUnauthorized means the session is gone and cannot be
	// refreshed. The stored token has been cleared; the user must log
	// in again.
	ErrUnauthorized = errors.New("backend: session expired, log in again")

	// ErrNotLoggedIn means no session token exists at all.
	ErrNotLoggedIn = errors.New("backend: not logged in")
)

// TokenStore persists the session token between runs.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
	ClearToken() error
}

// Client is the REST backend client.
type Client struct {
	baseURL string
	http    *http.Client
	store   TokenStore
	log     *zap.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// User is the authenticated account as the backend reports it.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// LiveSession is a scheduled live class.
type LiveSession struct {
	ID       string    `json:"id"`
	CourseID string    `json:"courseId"`
	RoomID   string    `json:"roomId"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"startsAt"`
	Status   string    `json:"status"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type apiError struct {
	Message string `json:"message"`
}

// NewClient creates a backend client. baseURL should not end with a
// slash, e.g. "https://api.example.com/api".
func NewClient(baseURL string, store TokenStore, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		store:   store,
		log:     logger.Named("backend"),
	}
}

// Login exchanges credentials for a session token and persists it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp tokenResponse
	err := c.post(ctx, "/auth/login", loginRequest{Email: email, Password: password}, &resp, false)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return c.adoptToken(&resp)
}

// SessionToken returns a session token good for the signaling
// handshake, refreshing first when the stored one has expired.
func (c *Client) SessionToken(ctx context.Context) (string, error) {
	tok, err := c.currentToken()
	if err != nil {
		return "", err
	}
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	refreshed, err := c.RefreshSession(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// RefreshSession trades the refresh token for a new session token. On a
// definitive rejection the stored token is cleared so the next run goes
// straight to login.
func (c *Client) RefreshSession(ctx context.Context) (*oauth2.Token, error) {
	tok, err := c.currentToken()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		c.dropToken()
		return nil, ErrUnauthorized
	}

	var resp tokenResponse
	err = c.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, &resp, false)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.dropToken()
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if err := c.adoptToken(&resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// CurrentUser fetches the authenticated account.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/users/me", &u); err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return &u, nil
}

// LiveSessionForCourse fetches the active live session of a course, if
// one is running.
func (c *Client) LiveSessionForCourse(ctx context.Context, courseID string) (*LiveSession, error) {
	var ls LiveSession
	path := fmt.Sprintf("/courses/%s/live-session", courseID)
	if err := c.get(ctx, path, &ls); err != nil {
		return nil, fmt.Errorf("live session for course %s: %w", courseID, err)
	}
	return &ls, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.authed(ctx, http.MethodGet, path, nil, out)
}

// authed issues an authenticated request, refreshing the session and
// retrying once when the backend rejects the token.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxAuthAttempts; attempt++ {
		tok, err := c.currentToken()
		if err != nil {
			return err
		}
		lastErr = c.roundTrip(ctx, method, path, body, out, tok.AccessToken)
		if !errors.Is(lastErr, ErrUnauthorized) {
			return lastErr
		}
		if attempt+1 == maxAuthAttempts {
			break
		}

		c.log.Info("session token rejected, refreshing", zap.String("path", path))
		if _, err := c.RefreshSession(ctx); err != nil {
			return err
		}
	}
	c.dropToken()
	return lastErr
}

// post issues a request without the refresh loop. When authed is false
// no bearer token is attached, which is what the auth endpoints need.
func (c *Client) post(ctx context.Context, path string, body, out any, withToken bool) error {
	token := ""
	if withToken {
		tok, err := c.currentToken()
		if err != nil {
			return err
		}
		token = tok.AccessToken
	}
	return c.roundTrip(ctx, http.MethodPost, path, body, out, token)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// currentToken returns the in-memory token, falling back to the store.
func (c *Client) currentToken() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil {
		return c.token, nil
	}
	tok, err := c.store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, err)
	}
	c.token = tok
	return tok, nil
}

func (c *Client) adoptToken(resp *tokenResponse) error {
	tok := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	if err := c.store.SaveToken(tok); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// dropToken forgets the session everywhere.
func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	if err := c.store.ClearToken(); err != nil {
		c.log.Warn("clear stored token", zap.Error(err))
	}
}
