package server

import (
	"net/http"

	"cadenza/internal/media"
	"cadenza/pkg/models"
)

// ConfigResponse is the client configuration sent to the frontend
type ConfigResponse struct {
	User   *models.User         `json:"user"`
	Auth   AuthConfigResponse   `json:"auth"`
	Upload UploadConfigResponse `json:"upload"`
}

// AuthConfigResponse represents auth-related configuration for the frontend
type AuthConfigResponse struct {
	AllowRegistration bool `json:"allow_registration"`
}

// UploadConfigResponse lets the upload form enforce limits before sending
type UploadConfigResponse struct {
	Enabled           bool     `json:"enabled"`
	MaxBatchFiles     int      `json:"max_batch_files"`
	MaxUploadSize     int64    `json:"max_upload_size_mb"`
	AllowedExtensions []string `json:"allowed_extensions"`
}

// handleGetConfig returns the signed-in user and the limits the frontend
// needs.
func (ms *MusicServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	ms.respondJSON(w, ConfigResponse{
		User: user,
		Auth: AuthConfigResponse{
			AllowRegistration: ms.authService.IsRegistrationAllowed(),
		},
		Upload: UploadConfigResponse{
			Enabled:           user != nil && user.IsAdmin,
			MaxBatchFiles:     ms.config.Storage.MaxBatchFiles,
			MaxUploadSize:     ms.config.Storage.MaxUploadSizeMB,
			AllowedExtensions: media.AllowedExtensions(),
		},
	})
}
