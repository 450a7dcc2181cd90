package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Session is the state carried by the signed session cookie
type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// SessionManager issues and verifies session cookies signed with a shared
// secret. Nothing is kept in process memory, so sessions survive restarts
// and work across instances sharing the secret.
type SessionManager struct {
	secret        []byte
	duration      time.Duration
	cookieName    string
	secureCookies bool
	now           func() time.Time
}

// NewSessionManager creates a new session manager
func NewSessionManager(secret []byte, duration time.Duration, secureCookies bool) *SessionManager {
	return &SessionManager{
		secret:        secret,
		duration:      duration,
		cookieName:    "cadenza_session",
		secureCookies: secureCookies,
		now:           time.Now,
	}
}

// CookieName returns the name of the session cookie
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// CreateSession creates a new session for the user
func (sm *SessionManager) CreateSession(userID string) *Session {
	return &Session{
		UserID:    userID,
		ExpiresAt: sm.now().Add(sm.duration).Truncate(time.Second),
	}
}

// Encode serializes a session into its signed cookie value.
func (sm *SessionManager) Encode(session *Session) string {
	payload := session.UserID + "." + strconv.FormatInt(session.ExpiresAt.Unix(), 10)
	return payload + "." + sm.sign(payload)
}

// Decode verifies a cookie value and returns the session it carries.
func (sm *SessionManager) Decode(value string) (*Session, bool) {
	idx := strings.LastIndex(value, ".")
	if idx <= 0 {
		return nil, false
	}
	payload, signature := value[:idx], value[idx+1:]
	if !hmac.Equal([]byte(signature), []byte(sm.sign(payload))) {
		return nil, false
	}

	userID, expiresStr, ok := strings.Cut(payload, ".")
	if !ok || userID == "" {
		return nil, false
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return nil, false
	}

	session := &Session{UserID: userID, ExpiresAt: time.Unix(expires, 0)}
	// Check if session is expired
	if sm.now().After(session.ExpiresAt) {
		return nil, false
	}
	return session, true
}

// SetSessionCookie sets the session cookie on the response
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, session *Session) {
	cookie := &http.Cookie{
		Name:     sm.cookieName,
		Value:    sm.Encode(session),
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}

	http.SetCookie(w, cookie)
}

// ClearSessionCookie removes the session cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	cookie := &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sm.secureCookies,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	}

	http.SetCookie(w, cookie)
}

// GetSessionFromRequest extracts session from request cookie
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return nil, false
	}

	return sm.Decode(cookie.Value)
}

// RefreshSession re-issues the cookie with a new expiry (sliding sessions).
func (sm *SessionManager) RefreshSession(w http.ResponseWriter, session *Session) {
	sm.SetSessionCookie(w, sm.CreateSession(session.UserID))
}

func (sm *SessionManager) sign(payload string) string {
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
