package chat

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinrag/clinrag/internal/platform/llm"
)

const sessionCookie = "clinrag_session"

// Session is one conversation: its message history, the active patient, and
// a lock serializing turns. Handlers lock mu around reads and writes; the
// engine relies on the caller holding it.
type Session struct {
	ID string

	mu        sync.Mutex
	PatientID string
	Messages  []llm.Message
}

func NewSession(id string) *Session {
	return &Session{ID: id}
}

// SessionStore owns session lifecycle. Identity travels as a signed cookie
// (HS256 JWT carrying the session id) or, for programmatic clients, a bare
// X-Session-Id header.
type SessionStore struct {
	mu       sync.Mutex
	secret   []byte
	sessions map[string]*Session
}

// NewSessionStore signs cookies with secret. An empty secret gets a random
// per-process one; existing cookies stop verifying across restarts, which
// is acceptable outside production.
func NewSessionStore(secret string) *SessionStore {
	if secret == "" {
		secret = uuid.NewString()
	}
	return &SessionStore{secret: []byte(secret), sessions: map[string]*Session{}}
}

// Resolve finds the caller's session, minting one (and setting the cookie)
// on first contact. The X-Session-Id header wins over the cookie so tests
// and scripted clients can pin a session without a cookie jar.
func (s *SessionStore) Resolve(c echo.Context) *Session {
	if id := c.Request().Header.Get("X-Session-Id"); id != "" {
		return s.get(id)
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		if id := s.verify(cookie.Value); id != "" {
			return s.get(id)
		}
	}

	id := uuid.NewString()
	if token, err := s.sign(id); err == nil {
		c.SetCookie(&http.Cookie{
			Name:     sessionCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return s.get(id)
}

func (s *SessionStore) get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = NewSession(id)
		s.sessions[id] = sess
	}
	return sess
}

func (s *SessionStore) sign(id string) (string, error) {
	claims := jwt.MapClaims{"sid": id, "iat": jwt.NewNumericDate(time.Now())}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// verify returns the session id carried by the token, or "" when the token
// is malformed, tampered with, or signed by another key.
func (s *SessionStore) verify(token string) string {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sid, _ := claims["sid"].(string)
	return sid
}
