// Package session keeps server-side session state keyed by an opaque id that
// travels in a signed cookie.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"vilniustech/student-portal/internal/identity"
)

const (
	idBytes         = 32
	csrfSecretBytes = 32
)

const (
	FlashSuccess = "success"
	FlashError   = "error"
)

// User is the snapshot of the signed-in account kept in the session.
type User struct {
	ID                int64         `json:"id"`
	Username          string        `json:"username"`
	Email             *string       `json:"email,omitempty"`
	Role              identity.Role `json:"role"`
	AvatarURL         *string       `json:"avatar_url,omitempty"`
	FirstName         *string       `json:"first_name,omitempty"`
	LastName          *string       `json:"last_name,omitempty"`
	PreferredLanguage string        `json:"preferred_language"`
}

func (u *User) Identity() identity.Candidate {
	c := identity.Candidate{Username: u.Username}
	if u.Email != nil {
		c.Email = *u.Email
	}
	return c
}

type Flash struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Data struct {
	User              *User   `json:"user,omitempty"`
	CSRFSecret        string  `json:"csrf_secret,omitempty"`
	PreferredLanguage string  `json:"preferred_language,omitempty"`
	Flashes           []Flash `json:"flashes,omitempty"`
}

type Session struct {
	ID        string
	Data      Data
	ExpiresAt time.Time

	isNew       bool
	regenerated bool
	destroyed   bool
	// loaded is the encoded Data as read from the store; a session is only
	// written back when its encoding differs.
	loaded []byte
}

func newSession() (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	s := &Session{ID: id, isNew: true}
	s.loaded, _ = json.Marshal(s.Data)
	return s, nil
}

func (s *Session) IsNew() bool { return s.isNew }

func (s *Session) Authenticated() bool { return s.Data.User != nil }

func (s *Session) AddFlash(kind, message string) {
	s.Data.Flashes = append(s.Data.Flashes, Flash{Kind: kind, Message: message})
}

// PopFlashes returns the queued flashes and clears the queue.
func (s *Session) PopFlashes() []Flash {
	out := s.Data.Flashes
	s.Data.Flashes = nil
	return out
}

// EnsureCSRFSecret returns the session's CSRF secret, creating it on first use.
func (s *Session) EnsureCSRFSecret() (string, error) {
	if s.Data.CSRFSecret != "" {
		return s.Data.CSRFSecret, nil
	}
	b := make([]byte, csrfSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf secret: %w", err)
	}
	s.Data.CSRFSecret = hex.EncodeToString(b)
	return s.Data.CSRFSecret, nil
}

// Language prefers the signed-in user's language over the session's own.
func (s *Session) Language() string {
	if s.Data.User != nil && s.Data.User.PreferredLanguage != "" {
		return identity.NormalizeLanguage(s.Data.User.PreferredLanguage)
	}
	return identity.NormalizeLanguage(s.Data.PreferredLanguage)
}

func (s *Session) dirty() (bool, []byte, error) {
	b, err := json.Marshal(s.Data)
	if err != nil {
		return false, nil, fmt.Errorf("encode session: %w", err)
	}
	return s.regenerated || string(b) != string(s.loaded), b, nil
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeData(b []byte, d *Data) error {
	if err := json.Unmarshal(b, d); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	return nil
}
