// Package auth gates the browser-facing WebSocket endpoints when the
// operator has enabled authentication in settings. There is a single
// shared secret (config's passwordHash), not per-user accounts: anyone
// who supplies the right password may attach a session token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const defaultTokenTTL = 24 * time.Hour

// tokenCookieName is the cookie the browser client presents on every
// subsequent WebSocket upgrade once authenticated.
const tokenCookieName = "midterm_session"

// Gate decides whether a request may proceed, based on config's
// authenticationEnabled/passwordHash fields and a set of short-lived
// session tokens issued on successful login.
type Gate struct {
	mu       sync.RWMutex
	enabled  bool
	hash     string
	ttl      time.Duration
	sessions map[string]time.Time
}

// NewGate builds a Gate from the current config values. Call Update
// whenever config is hot-reloaded.
func NewGate(enabled bool, passwordHash string) *Gate {
	g := &Gate{
		ttl:      defaultTokenTTL,
		sessions: make(map[string]time.Time),
	}
	g.Update(enabled, passwordHash)
	return g
}

// Update applies a new authenticationEnabled/passwordHash pair, e.g. after
// a config hot-reload. Disabling auth clears all issued tokens.
func (g *Gate) Update(enabled bool, passwordHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	g.hash = passwordHash
	if !enabled {
		g.sessions = make(map[string]time.Time)
	}
}

// Enabled reports whether authentication is currently required.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// CheckPassword compares password against the configured bcrypt hash
// using bcrypt's constant-time comparison.
func (g *Gate) CheckPassword(password string) bool {
	g.mu.RLock()
	hash := g.hash
	g.mu.RUnlock()
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken mints a new session token valid for the configured TTL.
func (g *Gate) IssueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	g.mu.Lock()
	g.sessions[token] = time.Now().Add(g.ttl)
	g.mu.Unlock()
	return token, nil
}

// ValidToken reports whether token is a live, unexpired session token,
// using a constant-time lookup so comparison time does not leak which
// prefix of a guessed token matched.
func (g *Gate) ValidToken(token string) bool {
	if token == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for known, expires := range g.sessions {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return time.Now().Before(expires)
		}
	}
	return false
}

// Authorized reports whether r may proceed: either auth is disabled, or
// it carries a valid session token cookie.
func (g *Gate) Authorized(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return false
	}
	return g.ValidToken(cookie.Value)
}

// SetTokenCookie attaches a session cookie to the login response.
func (g *Gate) SetTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(g.ttl.Seconds()),
	})
}

// RequireHTTP wraps an HTTP handler, rejecting with 401 before upgrade
// when auth is enabled and the request carries no valid session token,
// per the browser mux endpoint's "HTTP 401 before upgrade" rule.
func RequireHTTP(g *Gate, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.Authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
