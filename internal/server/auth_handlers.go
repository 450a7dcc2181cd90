package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"

	"cadenza/internal/auth"
	"cadenza/pkg/models"

	"github.com/sirupsen/logrus"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// isJSONRequest reports whether the body is JSON rather than a form post
func isJSONRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// readCredentials accepts a JSON body or a url-encoded/multipart form
func readCredentials(r *http.Request) (credentials, error) {
	var c credentials
	if isJSONRequest(r) {
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			return c, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return c, err
		}
		c.Username = r.PostFormValue("username")
		c.Password = r.PostFormValue("password")
	}
	c.Username = sanitizeInput(c.Username)
	return c, nil
}

// handleLoginPage serves the login page, or sends a signed-in user home
func (ms *MusicServer) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if _, valid := ms.authService.GetSessionManager().GetSessionFromRequest(r); valid {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.ServeFile(w, r, filepath.Join(ms.config.Server.StaticDir, "login.html"))
}

// handleRegisterPage serves the registration page
func (ms *MusicServer) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	if !ms.authService.IsRegistrationAllowed() {
		ms.respondWithError(w, r, http.StatusForbidden, "Registration is disabled", nil)
		return
	}
	http.ServeFile(w, r, filepath.Join(ms.config.Server.StaticDir, "register.html"))
}

// handleAuthLogin handles login requests
func (ms *MusicServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(r)
	if err != nil {
		ms.respondWithError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateCredentials(creds.Username, creds.Password); len(errs) > 0 {
		ms.authFailed(w, r, "/login", errs)
		return
	}

	user, err := ms.authService.Login(creds.Username, creds.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnavailable):
			ms.respondWithError(w, r, http.StatusServiceUnavailable, "Login service unavailable. Please try again later.", err)
		default:
			ms.logger.WithField("username", creds.Username).Warn("Failed login attempt")
			ms.authRejected(w, r, "/login", http.StatusUnauthorized, "Invalid credentials")
		}
		return
	}

	ms.startSession(w, r, user)
	ms.logger.WithField("username", user.Username).Info("User logged in successfully")
}

// handleAuthRegister creates a non-admin account and signs it in
func (ms *MusicServer) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(r)
	if err != nil {
		ms.respondWithError(w, r, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if errs := validateCredentials(creds.Username, creds.Password); len(errs) > 0 {
		ms.authFailed(w, r, "/register", errs)
		return
	}

	user, err := ms.authService.Register(creds.Username, creds.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnavailable):
			ms.respondWithError(w, r, http.StatusServiceUnavailable, "Registration service unavailable. Please try again.", err)
		case errors.Is(err, auth.ErrRegistrationDisabled):
			ms.authRejected(w, r, "/register", http.StatusForbidden, "Registration is disabled")
		case errors.Is(err, auth.ErrUserExists):
			ms.authRejected(w, r, "/register", http.StatusConflict, "Username already exists")
		default:
			ms.respondWithError(w, r, http.StatusInternalServerError, "Registration failed", err)
		}
		return
	}

	ms.startSession(w, r, user)
	ms.logger.WithField("username", user.Username).Info("User registered")
}

// handleAuthLogout clears the session cookie
func (ms *MusicServer) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	sessionManager := ms.authService.GetSessionManager()
	if session, valid := sessionManager.GetSessionFromRequest(r); valid {
		ms.logger.WithField("user_id", session.UserID).Info("User logged out")
	}
	sessionManager.ClearSessionCookie(w)

	if r.Method == http.MethodGet || isBrowserRequest(r) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	ms.respondJSON(w, map[string]string{"status": "success"})
}

// startSession sets the cookie and answers with the user (JSON) or a
// redirect to the player (form post).
func (ms *MusicServer) startSession(w http.ResponseWriter, r *http.Request, user *models.User) {
	sessionManager := ms.authService.GetSessionManager()
	sessionManager.SetSessionCookie(w, sessionManager.CreateSession(user.ID))

	if !isJSONRequest(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	ms.respondJSON(w, map[string]interface{}{
		"status": "success",
		"user":   user,
	})
}

// authFailed reports validation errors as JSON, or bounces a form post
// back to its page with the first message.
func (ms *MusicServer) authFailed(w http.ResponseWriter, r *http.Request, page string, errs []ValidationError) {
	if isJSONRequest(r) {
		ms.respondWithValidationError(w, r, errs)
		return
	}
	redirectWithError(w, r, page, errs[0].Message)
}

func (ms *MusicServer) authRejected(w http.ResponseWriter, r *http.Request, page string, status int, message string) {
	if isJSONRequest(r) {
		ms.respondWithError(w, r, status, message, nil)
		return
	}
	ms.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	}).Debug(message)
	redirectWithError(w, r, page, message)
}

func redirectWithError(w http.ResponseWriter, r *http.Request, page, message string) {
	http.Redirect(w, r, page+"?error="+url.QueryEscape(message), http.StatusSeeOther)
}
