package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cadenza/internal/auth"
	"cadenza/pkg/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextKey string

// UserContextKey holds the authenticated *models.User on the request context
const UserContextKey contextKey = "user"

// userFromContext returns the user set by authMiddleware
func userFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(UserContextKey).(*models.User)
	return user
}

// responseWriter wraps http.ResponseWriter to capture status code & size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(data)
	rw.size += size
	return size, err
}

// requestLoggingMiddleware logs HTTP requests (if enabled) with latency & size.
func (ms *MusicServer) requestLoggingMiddleware(next http.Handler) http.Handler {
	if !ms.config.Logging.RequestLogging {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		if !shouldLogRequest(r.URL.Path) {
			return
		}
		ms.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"status":   rw.statusCode,
			"size":     formatBytes(rw.size),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("Request handled")
	})
}

// corsMiddleware adds Access-Control-Allow-Origin when enabled.
func (ms *MusicServer) corsMiddleware(next http.Handler) http.Handler {
	if !ms.config.Server.EnableCORS {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// shouldLogRequest filters noisy paths from request logging output.
func shouldLogRequest(path string) bool {
	skipPaths := []string{
		"/static/",
		"/favicon.ico",
		"/health",
	}

	for _, skipPath := range skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return false
		}
	}
	return true
}

// formatBytes provides a simple approximate human-readable size.
func formatBytes(bytes int) string {
	if bytes == 0 {
		return "0B"
	}

	const unit = 1024
	if bytes < unit {
		return "< 1KB"
	}

	div, exp := int64(unit), 0
	for n := int64(bytes) / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB"}
	if exp >= len(units) {
		exp = len(units) - 1
	}

	return fmt.Sprintf("%d%s", int64(bytes)/div, units[exp])
}

// panicRecoveryMiddleware turns a handler panic into a 500 response.
func (ms *MusicServer) panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				ms.logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"panic":  rec,
				}).Error("Recovered from panic")
				ms.respondWithError(w, r, http.StatusInternalServerError, "Internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware loads the session user, refreshes the cookie and stores
// the user on the request context. Browsers without a session are sent
// to /login; API clients get 401.
func (ms *MusicServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionManager := ms.authService.GetSessionManager()
		session, valid := sessionManager.GetSessionFromRequest(r)
		if !valid {
			ms.requireLogin(w, r)
			return
		}

		user, err := ms.authService.UserByID(session.UserID)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				ms.respondWithError(w, r, http.StatusServiceUnavailable, "Identity service unavailable", err)
				return
			}
			// Account no longer exists
			sessionManager.ClearSessionCookie(w)
			ms.requireLogin(w, r)
			return
		}

		sessionManager.RefreshSession(w, session)

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminMiddleware rejects users without the admin flag. It must run
// inside authMiddleware.
func (ms *MusicServer) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		if user == nil {
			ms.requireLogin(w, r)
			return
		}
		if !user.IsAdmin {
			ms.logger.WithFields(logrus.Fields{
				"username": user.Username,
				"path":     r.URL.Path,
			}).Warn("Non-admin user denied")
			ms.respondWithError(w, r, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamAuthMiddleware lets a request with a valid expires+signature pair
// through without a session; everything else goes through authMiddleware.
func (ms *MusicServer) streamAuthMiddleware(next http.Handler) http.Handler {
	withSession := ms.authMiddleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		signature := q.Get("signature")
		if signature == "" {
			withSession.ServeHTTP(w, r)
			return
		}

		filename := mux.Vars(r)["filename"]
		if !ms.store.VerifySignature(filename, q.Get("expires"), signature) {
			ms.respondWithError(w, r, http.StatusForbidden, "Invalid or expired signature", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireLogin answers an unauthenticated request
func (ms *MusicServer) requireLogin(w http.ResponseWriter, r *http.Request) {
	if isBrowserRequest(r) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	ms.respondWithError(w, r, http.StatusUnauthorized, "Authentication required", nil)
}

// isBrowserRequest checks if the request is from a browser (vs API client)
func isBrowserRequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
