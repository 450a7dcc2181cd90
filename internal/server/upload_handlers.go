package server

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"cadenza/internal/media"
	"cadenza/pkg/models"

	"github.com/sirupsen/logrus"
)

// Per-file upload outcomes
const (
	UploadSaved         = "saved"
	UploadInvalidType   = "invalid_type"
	UploadStorageFailed = "storage_failed"
	UploadCatalogFailed = "catalog_failed"
)

// multipartMemory is how much of a form is held in memory before spilling
// to temp files
const multipartMemory = 32 << 20

// UploadResult reports what happened to one file of a batch
type UploadResult struct {
	Filename  string `json:"filename"`
	StoredAs  string `json:"stored_as,omitempty"`
	Status    string `json:"status"`
	PublicURL string `json:"public_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UploadResponse summarizes a batch upload
type UploadResponse struct {
	Success bool           `json:"success"`
	Saved   int            `json:"saved"`
	Failed  int            `json:"failed"`
	Results []UploadResult `json:"results"`
}

// handleUpload stores a batch of audio files and records each in the
// catalog. Batches over the configured cap are refused before anything is
// written.
func (ms *MusicServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	maxSize := ms.config.Storage.MaxUploadSizeMB * 1024 * 1024 // Convert MB to bytes
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ms.respondWithError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d MB", ms.config.Storage.MaxUploadSizeMB), err)
			return
		}
		ms.respondWithError(w, r, http.StatusBadRequest, "Failed to parse upload form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := append(r.MultipartForm.File["file"], r.MultipartForm.File["files"]...)
	if len(files) == 0 {
		ms.respondWithError(w, r, http.StatusBadRequest, "No file provided", nil)
		return
	}
	// Only files of an allowed type count toward the cap; the rest are
	// reported per file.
	if accepted, limit := countAllowed(files), ms.config.Storage.MaxBatchFiles; accepted > limit {
		ms.respondWithError(w, r, http.StatusBadRequest, fmt.Sprintf("Too many files: %d (max %d per upload)", accepted, limit), nil)
		return
	}

	resp := UploadResponse{Results: make([]UploadResult, 0, len(files))}
	for _, header := range files {
		result := ms.storeUpload(header, user)
		if result.Status == UploadSaved {
			resp.Saved++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Success = resp.Saved > 0

	ms.logger.WithFields(logrus.Fields{
		"username": user.Username,
		"files":    len(files),
		"saved":    resp.Saved,
		"failed":   resp.Failed,
	}).Info("Processed upload batch")

	ms.respondJSONStatus(w, uploadStatus(resp), resp)
}

// storeUpload runs one file through type check, storage and catalog.
func (ms *MusicServer) storeUpload(header *multipart.FileHeader, user *models.User) UploadResult {
	result := UploadResult{Filename: header.Filename}
	logEntry := ms.logger.WithField("filename", header.Filename)

	if !media.IsAllowed(header.Filename) {
		result.Status = UploadInvalidType
		result.Error = "Invalid file type. Supported formats: " + strings.Join(media.AllowedExtensions(), ", ")
		logEntry.Warn("Rejected upload with unsupported type")
		return result
	}

	key, err := ms.store.UniqueKey(header.Filename)
	if err != nil {
		return storageFailure(result, logEntry, err)
	}

	file, err := header.Open()
	if err != nil {
		return storageFailure(result, logEntry, err)
	}
	size, err := ms.store.Put(key, file)
	file.Close()
	if err != nil {
		return storageFailure(result, logEntry, err)
	}

	result.StoredAs = key
	result.PublicURL = ms.store.URL(key)

	// The bytes stay in storage even if recording them fails
	if _, err := ms.registerFile(key, size, user.ID); err != nil {
		result.Status = UploadCatalogFailed
		result.Error = "Upload successful, but failed to record in catalog"
		logEntry.WithError(err).Error("Failed to insert uploaded song into catalog")
		return result
	}

	result.Status = UploadSaved
	logEntry.WithFields(logrus.Fields{
		"username":  user.Username,
		"stored_as": key,
		"size":      size,
	}).Info("File uploaded and added to catalog")
	return result
}

func countAllowed(files []*multipart.FileHeader) int {
	n := 0
	for _, header := range files {
		if media.IsAllowed(header.Filename) {
			n++
		}
	}
	return n
}

func storageFailure(result UploadResult, logEntry *logrus.Entry, err error) UploadResult {
	result.Status = UploadStorageFailed
	result.Error = "Failed to upload to storage"
	logEntry.WithError(err).Error("Failed to store uploaded file")
	return result
}

// uploadStatus is 200 when anything was saved, otherwise the status of
// the worst failure in the batch.
func uploadStatus(resp UploadResponse) int {
	if resp.Saved > 0 {
		return http.StatusOK
	}
	status := http.StatusBadRequest
	for _, res := range resp.Results {
		switch res.Status {
		case UploadStorageFailed:
			return http.StatusInternalServerError
		case UploadCatalogFailed:
			status = http.StatusServiceUnavailable
		}
	}
	return status
}
