// Package metadata reads track details and cover art for stored audio
// files, degrading to fixed defaults whenever a file has nothing usable.
package metadata

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"cadenza/internal/storage"
	"cadenza/pkg/models"

	"github.com/dhowden/tag"
	"github.com/sirupsen/logrus"
)

// UnknownArtist is reported when a file carries no artist tag
const UnknownArtist = "Unknown Artist"

// Details is the catalog view of a file: tags plus duration in seconds.
type Details struct {
	Title    string
	Artist   string
	Album    string
	Duration int
}

// Resolver reads tags from files in a store
type Resolver struct {
	store  storage.Store
	logger *logrus.Logger
}

// NewResolver creates a resolver over store
func NewResolver(store storage.Store, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Resolver{store: store, logger: logger}
}

// Metadata returns title and artist for filename. It never fails: missing
// or unreadable tags yield the filename stem and UnknownArtist.
func (r *Resolver) Metadata(filename string) models.TrackMetadata {
	d := r.Describe(filename)
	return models.TrackMetadata{Title: d.Title, Artist: d.Artist}
}

// Describe is Metadata plus album and duration.
func (r *Resolver) Describe(filename string) Details {
	startTime := time.Now()
	details := Details{Title: TitleFromFilename(filename), Artist: UnknownArtist}

	file, err := r.store.Open(filename)
	if err != nil {
		r.logOutcome(filename, err, "Cannot open file for metadata, using defaults")
		return details
	}
	defer file.Close()

	if duration, err := Duration(file, filename); err != nil {
		r.logger.WithFields(logrus.Fields{
			"filename": filename,
			"error":    err.Error(),
		}).Debug("Failed to calculate duration, setting to 0")
	} else {
		details.Duration = duration
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		r.logOutcome(filename, err, "Failed to rewind file")
		return details
	}

	tags, err := tag.ReadFrom(file)
	if err != nil {
		r.logOutcome(filename, err, "Failed to read tags, using filename")
		return details
	}

	if title := strings.TrimSpace(tags.Title()); title != "" {
		details.Title = title
	}
	if artist := strings.TrimSpace(tags.Artist()); artist != "" {
		details.Artist = artist
	}
	details.Album = strings.TrimSpace(tags.Album())

	r.logger.WithFields(logrus.Fields{
		"filename":       filename,
		"title":          details.Title,
		"artist":         details.Artist,
		"duration":       details.Duration,
		"processingTime": time.Since(startTime),
	}).Debug("Successfully extracted metadata")

	return details
}

// logOutcome logs expected outcomes (no tags, no file) at debug and
// anything else at warn.
func (r *Resolver) logOutcome(filename string, err error, msg string) {
	entry := r.logger.WithFields(logrus.Fields{
		"filename": filename,
		"error":    err.Error(),
	})
	if isExpected(err) {
		entry.Debug(msg)
		return
	}
	entry.Warn(msg)
}

func isExpected(err error) bool {
	return errors.Is(err, tag.ErrNoTagsFound) || errors.Is(err, storage.ErrNotFound)
}

// TitleFromFilename strips the extension from filename
func TitleFromFilename(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
