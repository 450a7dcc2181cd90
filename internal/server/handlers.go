package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"cadenza/internal/config"
	"cadenza/internal/media"
	"cadenza/internal/storage"
	"cadenza/pkg/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// handleHome serves the player page from the configured static dir.
func (ms *MusicServer) handleHome(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Join(ms.config.Server.StaticDir, "index.html"))
}

// filenameVar pulls {filename} from the route and validates it. On failure
// the response has been written.
func (ms *MusicServer) filenameVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	filename := mux.Vars(r)["filename"]
	if verr := validateFilename(filename); verr != nil {
		ms.respondWithValidationError(w, r, []ValidationError{*verr})
		return "", false
	}
	return filename, true
}

// handleStream streams a stored file whole or as a single byte range.
func (ms *MusicServer) handleStream(w http.ResponseWriter, r *http.Request) {
	filename, ok := ms.filenameVar(w, r)
	if !ok {
		return
	}

	rng, err := media.ParseRange(r.Header.Get("Range"))
	if err != nil {
		ms.logger.WithFields(logrus.Fields{
			"filename": filename,
			"range":    r.Header.Get("Range"),
		}).Warn("Malformed Range header, serving full file")
		rng = nil
	}

	stream, err := ms.streamer.Open(filename, rng)
	if err != nil {
		var rangeErr *media.RangeError
		switch {
		case errors.Is(err, media.ErrNotFound):
			ms.respondWithError(w, r, http.StatusNotFound, "Audio file not found", nil)
		case errors.As(err, &rangeErr):
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
			ms.respondWithError(w, r, http.StatusRequestedRangeNotSatisfiable, "Range Not Satisfiable", nil)
		default:
			ms.respondWithError(w, r, http.StatusInternalServerError, "Error opening audio file", err)
		}
		return
	}
	defer stream.Close()

	written, err := stream.Send(w)
	if err != nil {
		// Usually the client went away mid-stream
		ms.logger.WithFields(logrus.Fields{
			"filename": filename,
			"written":  written,
			"error":    err.Error(),
		}).Debug("Stream interrupted")
		return
	}

	ms.logger.WithFields(logrus.Fields{
		"filename": filename,
		"status":   stream.Status,
		"bytes":    written,
	}).Debug("Streamed audio")
}

// handleArtwork serves cover art from the fallback chain. It always
// answers with an image.
func (ms *MusicServer) handleArtwork(w http.ResponseWriter, r *http.Request) {
	filename, ok := ms.filenameVar(w, r)
	if !ok {
		return
	}

	art := ms.artwork.Resolve(r.Context(), filename)

	w.Header().Set("Content-Type", art.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600") // Cache for 1 hour
	w.Header().Set("X-Artwork-Source", art.Source)
	w.Write(art.Data)
}

// handleMetadata returns {"title","artist"} for a file. Catalogued files
// answer from their record; anything else is read from the file's tags.
func (ms *MusicServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	filename, ok := ms.filenameVar(w, r)
	if !ok {
		return
	}

	if song, err := ms.catalog.GetSongByFilename(filename); err == nil && song.Title != "" && song.Artist != "" {
		ms.respondJSON(w, models.TrackMetadata{Title: song.Title, Artist: song.Artist})
		return
	}
	ms.respondJSON(w, ms.resolver.Metadata(filename))
}

// handleListSongs returns the catalog, newest first.
func (ms *MusicServer) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := ms.catalog.ListSongs()
	if err != nil {
		ms.respondWithError(w, r, http.StatusServiceUnavailable, "Could not fetch songs", err)
		return
	}
	ms.respondJSON(w, songs)
}

// SignedURLResponse is returned by the signed-url endpoint
type SignedURLResponse struct {
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleSignedURL issues a stream URL usable without a session cookie.
func (ms *MusicServer) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	filename, ok := ms.filenameVar(w, r)
	if !ok {
		return
	}

	if _, err := ms.store.Stat(filename); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ms.respondWithError(w, r, http.StatusNotFound, "Audio file not found", nil)
			return
		}
		ms.respondWithError(w, r, http.StatusInternalServerError, "Error reading file info", err)
		return
	}

	ttl := config.Duration(ms.config.Storage.SignedURLTTL, time.Hour)
	ms.respondJSON(w, SignedURLResponse{
		Filename:  filename,
		URL:       ms.store.SignedURL(filename, ttl),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
}

// AdminListing is the /admin response: every file in the upload root
type AdminListing struct {
	Files []storage.Object `json:"files"`
	Count int              `json:"count"`
}

// handleAdmin lists stored files for administrators.
func (ms *MusicServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	objects, err := ms.store.List()
	if err != nil {
		ms.respondWithError(w, r, http.StatusServiceUnavailable, "Could not list stored files", err)
		return
	}
	ms.respondJSON(w, AdminListing{Files: objects, Count: len(objects)})
}
