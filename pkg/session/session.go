// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session stores the browser session in an encrypted cookie.
// The payload is sealed with XChaCha20-Poly1305 so it is both
// confidential and tamper-evident; the gateway keeps no server-side
// session storage.
package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// CookieName is the session cookie set on the gateway origin.
const CookieName = "nexus_session"

// payloadVersion prefixes every sealed payload so the format can
// evolve without breaking live sessions.
const payloadVersion = 0x01

// DefaultTTL bounds the session lifetime. It is enforced both by the
// cookie Max-Age and by the sealed issued-at timestamp, since clients
// are free to ignore Max-Age.
const DefaultTTL = time.Hour

// ErrNoSession is returned when the request carries no usable session.
// Expired, tampered, or otherwise undecryptable cookies all collapse
// into this error; the caller treats them exactly like a missing
// cookie.
var ErrNoSession = errors.New("no valid session")

// State is the sealed session payload. Claims derived from the token
// are never stored here; every request re-validates the raw token.
type State struct {
	// Token is the caller's access token as issued by the auth service.
	Token string `json:"token,omitempty"`

	// IssuedAt is when this session was established. It is preserved
	// across re-seals so refreshing cached preferences cannot extend
	// the session lifetime.
	IssuedAt time.Time `json:"issued_at"`

	// OAuthState and NextURL carry the login flow between /login and
	// /auth-callback. Both are cleared once the flow completes.
	OAuthState string `json:"oauth_state,omitempty"`
	NextURL    string `json:"next_url,omitempty"`

	// Cached user preferences, refreshed from the preferences service
	// at most once per cache window.
	Theme         string    `json:"theme,omitempty"`
	ColorTheme    string    `json:"color_theme,omitempty"`
	HomePage      string    `json:"home_page,omitempty"`
	PrefsCachedAt time.Time `json:"prefs_cached_at,omitempty"`
}

// ClearPrefs drops the cached preferences so the next request fetches
// them again.
func (s *State) ClearPrefs() {
	s.Theme = ""
	s.ColorTheme = ""
	s.HomePage = ""
	s.PrefsCachedAt = time.Time{}
}

// Store seals and opens session cookies.
type Store struct {
	aead   cipher.AEAD
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewStore derives the sealing key from the cookie secret. The secret
// is hashed so operators can supply any sufficiently long string
// without worrying about the AEAD's exact key size. secure marks the
// cookie Secure and should be set whenever the gateway terminates TLS.
func NewStore(secret string, secure bool) (*Store, error) {
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session cipher: %w", err)
	}
	return &Store{
		aead:   aead,
		ttl:    DefaultTTL,
		secure: secure,
		now:    time.Now,
	}, nil
}

// Seal encrypts the state into a cookie value: a version byte, a
// random 24-byte nonce, and the ciphertext, base64url encoded.
func (s *Store) Seal(state *State) (string, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session state: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate session nonce: %w", err)
	}

	payload := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	payload = append(payload, payloadVersion)
	payload = append(payload, nonce...)
	payload = s.aead.Seal(payload, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Open decrypts a cookie value. Any defect maps to ErrNoSession: the
// gateway never distinguishes a tampered cookie from a missing one.
func (s *Store) Open(value string) (*State, error) {
	payload, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrNoSession
	}
	if len(payload) < 1+s.aead.NonceSize() || payload[0] != payloadVersion {
		return nil, ErrNoSession
	}

	nonce := payload[1 : 1+s.aead.NonceSize()]
	ciphertext := payload[1+s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrNoSession
	}

	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, ErrNoSession
	}
	if state.IssuedAt.IsZero() || s.now().After(state.IssuedAt.Add(s.ttl)) {
		return nil, ErrNoSession
	}
	return &state, nil
}

// Get extracts the session from the request cookie.
func (s *Store) Get(r *http.Request) (*State, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	return s.Open(c.Value)
}

// Cookie seals the state into a ready-to-send cookie. A zero IssuedAt
// is stamped with the current time, establishing a new session. Most
// callers want Set; Cookie exists for response paths that only have
// access to a header map, like a reverse proxy's response hook.
func (s *Store) Cookie(state *State) (*http.Cookie, error) {
	if state.IssuedAt.IsZero() {
		state.IssuedAt = s.now()
	}

	value, err := s.Seal(state)
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Set seals the state and writes the session cookie.
func (s *Store) Set(w http.ResponseWriter, state *State) error {
	c, err := s.Cookie(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// Clear expires the session cookie.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
