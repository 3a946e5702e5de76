// Package session keeps the signed-in user's GitHub token in a signed
// cookie, plus the short-lived OAuth state cookie used during sign-in.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "alphatest_session"
	// DefaultTTL is how long a session stays valid.
	DefaultTTL = 7 * 24 * time.Hour

	stateCookieName = "alphatest_oauth_state"
	stateTTL        = 10 * time.Minute
	issuer          = "alphatest"
)

// ErrNoSession is returned when the request carries no valid session.
var ErrNoSession = errors.New("no session")

type claims struct {
	jwt.RegisteredClaims
	Token string `json:"tok"`
}

// Manager signs and verifies session cookies with HS256.
type Manager struct {
	secret []byte
	name   string
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSecure marks cookies Secure, for deployments served over HTTPS.
func WithSecure(secure bool) Option {
	return func(m *Manager) { m.secure = secure }
}

// WithClock sets the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager signing with secret. An empty secret is
// replaced by a random one, so sessions do not survive a restart.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	m := &Manager{
		secret: key,
		name:   DefaultCookieName,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Set issues a session holding token.
func (m *Manager) Set(w http.ResponseWriter, token string) error {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Token: token,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, m.cookie(m.name, signed, now.Add(m.ttl)))
	return nil
}

// Token returns the GitHub token stored in r's session.
func (m *Manager) Token(r *http.Request) (string, error) {
	ck, err := r.Cookie(m.name)
	if err != nil || ck.Value == "" {
		return "", ErrNoSession
	}

	var c claims
	_, err = jwt.ParseWithClaims(ck.Value, &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if c.Token == "" {
		return "", ErrNoSession
	}
	return c.Token, nil
}

// Clear removes the session cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	ck := m.cookie(m.name, "", time.Unix(0, 0))
	ck.MaxAge = -1
	http.SetCookie(w, ck)
}

// NewState issues a random OAuth state value and remembers it in a cookie.
func (m *Manager) NewState(w http.ResponseWriter) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)
	http.SetCookie(w, m.cookie(stateCookieName, state, m.now().Add(stateTTL)))
	return state, nil
}

// CheckState reports whether state matches the cookie set by NewState,
// and clears that cookie.
func (m *Manager) CheckState(w http.ResponseWriter, r *http.Request, state string) bool {
	ck, err := r.Cookie(stateCookieName)
	expired := m.cookie(stateCookieName, "", time.Unix(0, 0))
	expired.MaxAge = -1
	http.SetCookie(w, expired)
	return err == nil && ck.Value != "" && ck.Value == state
}

func (m *Manager) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
