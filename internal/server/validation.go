package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

const (
	maxUsernameLength = 64
	maxPasswordBytes  = 72 // bcrypt ignores input past 72 bytes
	maxFilenameLength = 255
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (ms *MusicServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	ms.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	ms.respondJSONStatus(w, http.StatusBadRequest, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (ms *MusicServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := ms.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	ms.respondJSONStatus(w, statusCode, map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

// respondJSON writes v as a 200 JSON response
func (ms *MusicServer) respondJSON(w http.ResponseWriter, v interface{}) {
	ms.respondJSONStatus(w, http.StatusOK, v)
}

func (ms *MusicServer) respondJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ms.logger.WithError(err).Debug("Failed to write JSON response")
	}
}

// validateFilename checks a filename taken from the URL path
func validateFilename(name string) *ValidationError {
	if name == "" {
		return &ValidationError{
			Field:   "filename",
			Message: "Filename is required",
			Code:    "MISSING_FILENAME",
		}
	}

	if len(name) > maxFilenameLength {
		return &ValidationError{
			Field:   "filename",
			Message: "Filename too long (max 255 characters)",
			Code:    "FILENAME_TOO_LONG",
		}
	}

	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return &ValidationError{
			Field:   "filename",
			Message: "Filename contains invalid characters",
			Code:    "INVALID_FILENAME",
		}
	}

	return nil
}

// validateCredentials checks a username/password pair before it reaches
// the auth service.
func validateCredentials(username, password string) []ValidationError {
	var errs []ValidationError

	switch {
	case username == "":
		errs = append(errs, ValidationError{
			Field:   "username",
			Message: "Username is required",
			Code:    "MISSING_USERNAME",
		})
	case len(username) > maxUsernameLength:
		errs = append(errs, ValidationError{
			Field:   "username",
			Message: "Username too long (max 64 characters)",
			Code:    "USERNAME_TOO_LONG",
		})
	case strings.IndexFunc(username, unicode.IsControl) >= 0 || strings.ContainsAny(username, " \t"):
		errs = append(errs, ValidationError{
			Field:   "username",
			Message: "Username contains invalid characters",
			Code:    "INVALID_USERNAME_CHARACTERS",
		})
	}

	switch {
	case password == "":
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password is required",
			Code:    "MISSING_PASSWORD",
		})
	case len(password) > maxPasswordBytes:
		errs = append(errs, ValidationError{
			Field:   "password",
			Message: "Password too long (max 72 bytes)",
			Code:    "PASSWORD_TOO_LONG",
		})
	}

	return errs
}

// sanitizeInput sanitizes user input to prevent injection attacks
func sanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Trim whitespace
	input = strings.TrimSpace(input)

	return input
}
