// Package auth joins the credential store and the session manager, and
// provides the HTTP guard that puts the signed-in user on the request context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nasdrive/internal/common"
	"nasdrive/internal/logging"
)

const CookieName = "nasdrive_session"

type ctxKey string

const userKey ctxKey = "nasdrive.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// Verifier checks a password, e.g. *credentials.Store.
type Verifier interface {
	Verify(username, password string) bool
}

// Sessions issues and validates tokens, e.g. *session.Manager.
type Sessions interface {
	Issue(username string) (string, error)
	Validate(token string) (string, error)
	TTL() time.Duration
}

type Service struct {
	creds    Verifier
	sessions Sessions
	logger   logging.Logger
}

func NewService(creds Verifier, sessions Sessions, logger logging.Logger) *Service {
	return &Service{creds: creds, sessions: sessions, logger: logger.With("module", "auth")}
}

// Authenticate checks the password and returns a fresh session token. A
// wrong password and an unknown user are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	if !s.creds.Verify(username, password) {
		s.logger.Warn(ctx, "login failed", "user", username)
		return "", common.ErrAuthInvalid
	}
	token, err := s.sessions.Issue(username)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "login", "user", username)
	return token, nil
}

// CheckSession returns the user bound to token.
func (s *Service) CheckSession(ctx context.Context, token string) (string, error) {
	return s.sessions.Validate(token)
}

// SetCookie stores token in the session cookie.
func (s *Service) SetCookie(w http.ResponseWriter, token string, secure bool) {
	ttl := s.sessions.TTL()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the session cookie. The token itself stays valid
// until it expires.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Deny writes the response for a failed authentication.
type Deny func(w http.ResponseWriter, r *http.Request, err error)

// RequireAuth lets a request through only with a valid session cookie or,
// for clients that cannot hold cookies (WebDAV), valid Basic credentials.
func (s *Service) RequireAuth(next http.Handler, deny Deny) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.identify(r)
		if err != nil {
			deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (s *Service) identify(r *http.Request) (string, error) {
	ctx := r.Context()
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		user, err := s.CheckSession(ctx, c.Value)
		if err == nil {
			return user, nil
		}
		// fall through to Basic so a stale cookie does not lock out DAV clients
		if r.Header.Get("Authorization") == "" {
			return "", err
		}
	}
	u, p, ok := basicCredentials(r)
	if !ok {
		return "", common.ErrAuthInvalid
	}
	if !s.creds.Verify(u, p) {
		s.logger.Warn(ctx, "basic auth failed", "user", u)
		return "", common.ErrAuthInvalid
	}
	return u, nil
}

// Challenge sets the header that makes browsers and DAV clients prompt for
// Basic credentials.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="nasdrive", charset="UTF-8"`)
}

// IsAuthError reports whether err is one of the session errors.
func IsAuthError(err error) bool {
	return errors.Is(err, common.ErrAuthInvalid) || errors.Is(err, common.ErrAuthExpired)
}

// basicCredentials reads Basic credentials, refusing usernames that can
// never appear in the credential file.
func basicCredentials(r *http.Request) (user, pass string, ok bool) {
	user, pass, ok = r.BasicAuth()
	if !ok || user == "" || strings.ContainsAny(user, ";\r\n\x00") || strings.Contains(pass, "\x00") {
		return "", "", false
	}
	return user, pass, true
}
