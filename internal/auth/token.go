// Package auth manages the credential pair used against the fleet
// controller: a short-lived access token plus the refresh token that
// renews it. The manager satisfies both the REST client's TokenProvider
// and the realtime transport's TokenSource.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// refreshSkew renews the access token slightly before its exp claim so
// an in-flight request never carries a token that expires mid-call.
const refreshSkew = 30 * time.Second

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Manager holds the current token pair and renews it on demand.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	username   string
	password   string
	logger     *slog.Logger

	// onLogout is invoked when the session is no longer recoverable.
	onLogout func()

	// now is swappable in tests.
	now func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time
}

// NewManager creates a Manager that authenticates against the controller
// at baseURL with the given credentials. onLogout may be nil.
func NewManager(baseURL, username, password string, onLogout func(), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		username:   username,
		password:   password,
		logger:     logger,
		onLogout:   onLogout,
		now:        time.Now,
	}
}

// Login exchanges the configured credentials for a fresh token pair.
func (m *Manager) Login(ctx context.Context) error {
	pair, err := m.post(ctx, "/auth/login", loginRequest{Username: m.username, Password: m.password})
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	m.store(pair)
	return nil
}

// Token returns a currently valid access token, refreshing first when the
// stored one is expired or about to expire.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	access, expiry := m.access, m.expiry
	m.mu.Unlock()

	if access == "" {
		return "", fmt.Errorf("not logged in")
	}
	if expiry.IsZero() || m.now().Before(expiry.Add(-refreshSkew)) {
		return access, nil
	}
	return m.Refresh(ctx)
}

// Refresh renews the token pair using the stored refresh token.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refresh := m.refresh
	m.mu.Unlock()

	if refresh == "" {
		return "", fmt.Errorf("no refresh token")
	}
	pair, err := m.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: refresh})
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	m.store(pair)
	return pair.AccessToken, nil
}

// ForceLogout discards both tokens and notifies the owner. Called when a
// refresh is rejected upstream and the user must re-authenticate.
func (m *Manager) ForceLogout() {
	m.mu.Lock()
	m.access = ""
	m.refresh = ""
	m.expiry = time.Time{}
	m.mu.Unlock()

	m.logger.Warn("session ended, credentials discarded")
	if m.onLogout != nil {
		m.onLogout()
	}
}

// LoggedIn reports whether an access token is currently held.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access != ""
}

func (m *Manager) store(pair *tokenPair) {
	expiry := tokenExpiry(pair.AccessToken)
	m.mu.Lock()
	m.access = pair.AccessToken
	if pair.RefreshToken != "" {
		m.refresh = pair.RefreshToken
	}
	m.expiry = expiry
	m.mu.Unlock()
}

func (m *Manager) post(ctx context.Context, path string, payload interface{}) (*tokenPair, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth request failed: status %d", resp.StatusCode)
	}

	var pair tokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if pair.AccessToken == "" {
		return nil, fmt.Errorf("auth response missing access token")
	}
	return &pair, nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// controller signed the token, we only schedule its renewal. A token with
// no readable exp gets a zero expiry and is used until the server rejects it.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
