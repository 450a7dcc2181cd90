package metadata

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"cadenza/internal/cache"
	"cadenza/internal/storage"
	"cadenza/pkg/models"

	"github.com/dhowden/tag"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrNoArtwork is the empty outcome of a source: it had nothing for the
// file. Any other error from a source is unexpected.
var ErrNoArtwork = errors.New("no artwork available")

// Artwork sources
const (
	SourceEmbedded = "embedded"
	SourceRemote   = "remote"
	SourceDefault  = "default"
)

// maxImageBytes caps how much of a remote image is read
const maxImageBytes = 10 << 20

//go:embed assets/default.png
var defaultPNG []byte

// ArtworkSource is one tier of the artwork chain
type ArtworkSource interface {
	Name() string
	Lookup(ctx context.Context, filename string) (models.Artwork, error)
}

// EmbeddedSource returns the picture stored in a file's tags
type EmbeddedSource struct {
	store storage.Store
}

// NewEmbeddedSource reads pictures from files in store
func NewEmbeddedSource(store storage.Store) *EmbeddedSource {
	return &EmbeddedSource{store: store}
}

func (s *EmbeddedSource) Name() string { return SourceEmbedded }

func (s *EmbeddedSource) Lookup(ctx context.Context, filename string) (models.Artwork, error) {
	file, err := s.store.Open(filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Artwork{}, ErrNoArtwork
		}
		return models.Artwork{}, err
	}
	defer file.Close()

	tags, err := tag.ReadFrom(file)
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			return models.Artwork{}, ErrNoArtwork
		}
		return models.Artwork{}, fmt.Errorf("failed to read tags: %w", err)
	}

	picture := tags.Picture()
	if picture == nil || len(picture.Data) == 0 {
		return models.Artwork{}, ErrNoArtwork
	}
	return models.Artwork{Data: picture.Data, MimeType: "image/jpeg", Source: SourceEmbedded}, nil
}

// searchResponse is the subset of the iTunes search reply we read
type searchResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		ArtworkURL100 string `json:"artworkUrl100"`
	} `json:"results"`
}

// RemoteSource searches a music catalog (iTunes search API) by the
// filename stem and downloads the first result's cover.
type RemoteSource struct {
	searchURL string
	client    *http.Client
}

// NewRemoteSource creates a lookup against searchURL. The client timeout
// bounds each request on top of the per-tier context deadline.
func NewRemoteSource(searchURL string, timeout time.Duration) *RemoteSource {
	return &RemoteSource{
		searchURL: searchURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *RemoteSource) Name() string { return SourceRemote }

func (s *RemoteSource) Lookup(ctx context.Context, filename string) (models.Artwork, error) {
	term := TitleFromFilename(filename)
	if term == "" {
		return models.Artwork{}, ErrNoArtwork
	}

	params := url.Values{}
	params.Set("term", term)
	params.Set("media", "music")
	params.Set("limit", "1")

	body, err := s.get(ctx, s.searchURL+"?"+params.Encode())
	if err != nil {
		return models.Artwork{}, fmt.Errorf("search failed: %w", err)
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return models.Artwork{}, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(result.Results) == 0 || result.Results[0].ArtworkURL100 == "" {
		return models.Artwork{}, ErrNoArtwork
	}

	img, err := s.get(ctx, result.Results[0].ArtworkURL100)
	if err != nil {
		return models.Artwork{}, fmt.Errorf("artwork download failed: %w", err)
	}
	if len(img) == 0 {
		return models.Artwork{}, ErrNoArtwork
	}
	return models.Artwork{Data: img, MimeType: "image/jpeg", Source: SourceRemote}, nil
}

func (s *RemoteSource) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

// DefaultArtwork returns the bundled placeholder cover
func DefaultArtwork() models.Artwork {
	return models.Artwork{Data: defaultPNG, MimeType: "image/png", Source: SourceDefault}
}

// LoadDefaultArtwork reads a PNG from path to use as the placeholder. An
// empty path selects the bundled image.
func LoadDefaultArtwork(path string) (models.Artwork, error) {
	if path == "" {
		return DefaultArtwork(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Artwork{}, fmt.Errorf("failed to read default artwork: %w", err)
	}
	return models.Artwork{Data: data, MimeType: "image/png", Source: SourceDefault}, nil
}

// ArtworkResolver walks its sources in order and returns the first hit,
// or the placeholder when every source comes up empty.
type ArtworkResolver struct {
	sources  []ArtworkSource
	fallback models.Artwork
	timeout  time.Duration
	cache    *cache.ArtworkCache
	group    singleflight.Group
	logger   *logrus.Logger
}

// NewArtworkResolver builds the chain. A nil artCache disables caching and
// a zero timeout leaves tiers bounded only by the caller's context.
func NewArtworkResolver(sources []ArtworkSource, fallback models.Artwork, timeout time.Duration, artCache *cache.ArtworkCache, logger *logrus.Logger) *ArtworkResolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &ArtworkResolver{
		sources:  sources,
		fallback: fallback,
		timeout:  timeout,
		cache:    artCache,
		logger:   logger,
	}
}

// Resolve returns cover art for filename. It always produces an image.
func (r *ArtworkResolver) Resolve(ctx context.Context, filename string) models.Artwork {
	if r.cache != nil {
		if art, ok := r.cache.GetArtwork(filename); ok {
			return art
		}
	}

	// the lookup is shared between callers, so one caller going away must
	// not cancel it for the rest
	shared := context.WithoutCancel(ctx)
	v, _, _ := r.group.Do(filename, func() (interface{}, error) {
		if r.cache != nil {
			if art, ok := r.cache.GetArtwork(filename); ok {
				return lookupResult{art: art, ok: true}, nil
			}
		}
		art, ok := r.lookup(shared, filename)
		if ok && r.cache != nil {
			r.cache.SetArtwork(filename, art)
		}
		return lookupResult{art: art, ok: ok}, nil
	})

	res := v.(lookupResult)
	if !res.ok {
		return r.fallback
	}
	return res.art
}

// Forget drops any cached art for filename
func (r *ArtworkResolver) Forget(filename string) {
	if r != nil && r.cache != nil {
		r.cache.Delete(filename)
	}
}

type lookupResult struct {
	art models.Artwork
	ok  bool
}

func (r *ArtworkResolver) lookup(ctx context.Context, filename string) (models.Artwork, bool) {
	for _, source := range r.sources {
		art, err := r.try(ctx, source, filename)
		if err == nil {
			r.logger.WithFields(logrus.Fields{
				"filename": filename,
				"source":   source.Name(),
				"bytes":    len(art.Data),
			}).Debug("Resolved artwork")
			return art, true
		}

		entry := r.logger.WithFields(logrus.Fields{
			"filename": filename,
			"source":   source.Name(),
		})
		if errors.Is(err, ErrNoArtwork) {
			entry.Debug("No artwork from source")
		} else {
			entry.WithError(err).Warn("Artwork source failed")
		}
	}
	return models.Artwork{}, false
}

func (r *ArtworkResolver) try(ctx context.Context, source ArtworkSource, filename string) (models.Artwork, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return source.Lookup(ctx, filename)
}
