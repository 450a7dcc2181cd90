package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"cadenza/internal/auth"
	"cadenza/internal/config"
	"cadenza/internal/media"
	"cadenza/internal/metadata"
	"cadenza/internal/ngrok"
	"cadenza/internal/storage"
	"cadenza/pkg/models"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Catalog is the song table the server reads and writes.
// *database.Database implements it.
type Catalog interface {
	Ping() error
	InsertSong(song models.Song) (int, error)
	ListSongs() ([]models.Song, error)
	CountSongs() (int, error)
	GetSongByFilename(filename string) (*models.Song, error)
	SongExists(filename string) (bool, error)
	RemoveSongByFilename(filename string) error
}

// Dependencies are the collaborators a MusicServer is built from
type Dependencies struct {
	Catalog  Catalog
	Auth     *auth.Service
	Store    storage.Store
	Metadata *metadata.Resolver
	Artwork  *metadata.ArtworkResolver
	Tunnel   *ngrok.Service
}

// MusicServer serves the catalog, audio streams and the admin endpoints
type MusicServer struct {
	config       *config.Config
	catalog      Catalog
	authService  *auth.Service
	store        storage.Store
	streamer     *media.Streamer
	resolver     *metadata.Resolver
	artwork      *metadata.ArtworkResolver
	ngrokService *ngrok.Service
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewMusicServer wires the routes over deps
func NewMusicServer(cfg *config.Config, deps Dependencies, logger *logrus.Logger) *MusicServer {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	ms := &MusicServer{
		config:       cfg,
		catalog:      deps.Catalog,
		authService:  deps.Auth,
		store:        deps.Store,
		streamer:     media.NewStreamer(deps.Store),
		resolver:     deps.Metadata,
		artwork:      deps.Artwork,
		ngrokService: deps.Tunnel,
		logger:       logger,
	}
	ms.setupRoutes()
	ms.httpServer = &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      ms.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
	return ms
}

// Handler returns the root HTTP handler
func (ms *MusicServer) Handler() http.Handler {
	return ms.router
}

func (ms *MusicServer) setupRoutes() {
	r := mux.NewRouter()
	r.Use(ms.panicRecoveryMiddleware, ms.requestLoggingMiddleware, ms.corsMiddleware)

	// Public routes
	r.HandleFunc("/health", ms.handleHealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/login", ms.handleLoginPage).Methods(http.MethodGet)
	r.HandleFunc("/login", ms.handleAuthLogin).Methods(http.MethodPost)
	r.HandleFunc("/register", ms.handleRegisterPage).Methods(http.MethodGet)
	r.HandleFunc("/register", ms.handleAuthRegister).Methods(http.MethodPost)
	r.HandleFunc("/logout", ms.handleAuthLogout).Methods(http.MethodGet, http.MethodPost)
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(ms.config.Server.StaticDir))))

	// Streams accept a signed URL in place of a session
	r.Handle("/stream/{filename}", ms.streamAuthMiddleware(http.HandlerFunc(ms.handleStream))).
		Methods(http.MethodGet, http.MethodHead)

	// Authenticated routes
	r.Handle("/", ms.authMiddleware(http.HandlerFunc(ms.handleHome))).Methods(http.MethodGet)
	r.Handle("/art/{filename}", ms.authMiddleware(http.HandlerFunc(ms.handleArtwork))).Methods(http.MethodGet)
	r.Handle("/metadata/{filename}", ms.authMiddleware(http.HandlerFunc(ms.handleMetadata))).Methods(http.MethodGet)
	r.Handle("/songs", ms.authMiddleware(http.HandlerFunc(ms.handleListSongs))).Methods(http.MethodGet)
	r.Handle("/songs/{filename}/signed-url", ms.authMiddleware(http.HandlerFunc(ms.handleSignedURL))).Methods(http.MethodGet)
	r.Handle("/api/config", ms.authMiddleware(http.HandlerFunc(ms.handleGetConfig))).Methods(http.MethodGet)

	// Admin routes
	r.Handle("/upload", ms.authMiddleware(ms.adminMiddleware(http.HandlerFunc(ms.handleUpload)))).Methods(http.MethodPost)
	r.Handle("/admin", ms.authMiddleware(ms.adminMiddleware(http.HandlerFunc(ms.handleAdmin)))).Methods(http.MethodGet)

	ms.router = r
}

// SyncReport counts the catalog changes made by SyncCatalog
type SyncReport struct {
	Added   int
	Removed int
}

// SyncCatalog registers stored files that have no catalog row and drops
// rows whose file is gone. Metadata extraction runs on a worker pool.
func (ms *MusicServer) SyncCatalog(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	objects, err := ms.store.List()
	if err != nil {
		return report, fmt.Errorf("failed to list stored files: %w", err)
	}

	stored := make(map[string]bool, len(objects))
	var pending []storage.Object
	for _, obj := range objects {
		if !media.IsAllowed(obj.Key) {
			continue
		}
		stored[obj.Key] = true
		exists, err := ms.catalog.SongExists(obj.Key)
		if err != nil {
			return report, fmt.Errorf("failed to check catalog: %w", err)
		}
		if !exists {
			pending = append(pending, obj)
		}
	}

	var wg sync.WaitGroup
	var added int64
	jobs := make(chan storage.Object)

	numWorkers := runtime.NumCPU()
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range jobs {
				if _, err := ms.registerFile(obj.Key, obj.Size, ""); err != nil {
					ms.logger.WithError(err).WithField("filename", obj.Key).Error("Error adding file to catalog")
					continue
				}
				atomic.AddInt64(&added, 1)
			}
		}()
	}

enqueue:
	for _, obj := range pending {
		select {
		case jobs <- obj:
		case <-ctx.Done():
			break enqueue
		}
	}
	close(jobs)
	wg.Wait()
	report.Added = int(added)

	songs, err := ms.catalog.ListSongs()
	if err != nil {
		return report, fmt.Errorf("failed to list catalog: %w", err)
	}
	for _, song := range songs {
		if stored[song.Filename] {
			continue
		}
		if err := ms.catalog.RemoveSongByFilename(song.Filename); err != nil {
			ms.logger.WithError(err).WithField("filename", song.Filename).Error("Error removing stale catalog row")
			continue
		}
		report.Removed++
	}

	ms.logger.WithFields(logrus.Fields{
		"added":   report.Added,
		"removed": report.Removed,
	}).Info("Catalog synchronized with upload root")
	return report, ctx.Err()
}

// registerFile reads metadata for a stored file and upserts its catalog row
func (ms *MusicServer) registerFile(key string, size int64, uploadedBy string) (models.Song, error) {
	details := ms.resolver.Describe(key)
	song := models.Song{
		Filename:   key,
		Title:      details.Title,
		Artist:     details.Artist,
		Album:      details.Album,
		Duration:   details.Duration,
		FilePath:   key,
		FileSize:   size,
		PublicURL:  ms.store.URL(key),
		UploadedBy: uploadedBy,
		CreatedAt:  time.Now().UTC(),
	}

	id, err := ms.catalog.InsertSong(song)
	if err != nil {
		return song, err
	}
	song.ID = id
	ms.artwork.Forget(key)

	ms.logger.WithFields(logrus.Fields{
		"filename": key,
		"title":    song.Title,
		"artist":   song.Artist,
		"id":       id,
	}).Info("Added song to catalog")
	return song, nil
}

// Start serves HTTP until Shutdown is called. The file watcher and the
// ngrok tunnel are started first when enabled.
func (ms *MusicServer) Start() error {
	if ms.config.Storage.WatchForChanges {
		if err := ms.startFileWatcher(); err != nil {
			ms.logger.WithError(err).Warn("Could not start file watcher")
		}
	}

	songCount, err := ms.catalog.CountSongs()
	if err != nil {
		ms.logger.WithError(err).Warn("Could not count songs")
	}

	localAddress := fmt.Sprintf("http://%s", ms.config.GetAddress())
	ms.logger.WithFields(logrus.Fields{
		"address":     localAddress,
		"public_url":  ms.config.BaseURL(),
		"upload_root": filepath.Clean(ms.config.Storage.UploadRoot),
		"songs":       songCount,
	}).Info("Cadenza server starting")

	if err := ms.ngrokService.StartTunnel(context.Background(), localAddress); err != nil {
		ms.logger.WithError(err).Warn("Could not start ngrok tunnel")
	}

	if err := ms.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires, then releases the watcher and tunnel.
func (ms *MusicServer) Shutdown(ctx context.Context) error {
	ms.logger.Info("Shutting down music server")

	err := ms.httpServer.Shutdown(ctx)
	ms.stopFileWatcher()
	if terr := ms.ngrokService.Stop(); terr != nil {
		ms.logger.WithError(terr).Warn("Error stopping ngrok tunnel")
	}

	ms.logger.Info("Music server shutdown complete")
	return err
}
