package main

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cadenza/internal/auth"
	"cadenza/internal/cache"
	"cadenza/internal/config"
	"cadenza/internal/database"
	"cadenza/internal/metadata"
	"cadenza/internal/ngrok"
	"cadenza/internal/server"
	"cadenza/internal/storage"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string
	flag.StringVarP(&configPath, "config", "c", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	logFile, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring logger")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	secret := []byte(cfg.Auth.SecretKey)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.WithError(err).Fatal("Error generating session secret")
		}
		logger.Warn("auth.secret_key is not set; using a random key, sessions and signed URLs will not survive a restart")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.Path, cfg.Database.MaxConnections, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()

	sessions := auth.NewSessionManager(secret, config.Duration(cfg.Auth.SessionDuration, 7*24*time.Hour), cfg.Auth.SecureCookies)
	authService := auth.NewService(database.NewIdentityStore(db), sessions, cfg.Auth.AllowRegistration, logger)

	created, generated, err := authService.EnsureAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
	if err != nil {
		logger.WithError(err).Fatal("Error creating admin account")
	}
	if created && generated != "" {
		logger.WithFields(logrus.Fields{
			"username": cfg.Auth.AdminUsername,
			"password": generated,
		}).Warn("Generated admin password; it will not be shown again")
	}

	store, err := storage.NewLocal(cfg.Storage.UploadRoot, cfg.BaseURL(), secret)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing storage")
	}

	artwork, closeArtwork, err := newArtworkResolver(cfg.Artwork, store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error loading default artwork")
	}
	defer closeArtwork()

	tunnel, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error configuring ngrok")
	}

	musicServer := server.NewMusicServer(cfg, server.Dependencies{
		Catalog:  db,
		Auth:     authService,
		Store:    store,
		Metadata: metadata.NewResolver(store, logger),
		Artwork:  artwork,
		Tunnel:   tunnel,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Storage.SyncOnStartup {
		if _, err := musicServer.SyncCatalog(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Error synchronizing catalog")
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- musicServer.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("Server stopped unexpectedly")
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := musicServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
	}
}

// configureLogger applies level, format and optional file output. The
// returned file, if any, must be closed by the caller.
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) (*os.File, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return nil, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return file, nil
}

// newArtworkResolver builds the embedded, remote, default chain
func newArtworkResolver(cfg config.ArtworkConfig, store storage.Store, logger *logrus.Logger) (*metadata.ArtworkResolver, func(), error) {
	fallback, err := metadata.LoadDefaultArtwork(cfg.DefaultImage)
	if err != nil {
		return nil, nil, err
	}

	timeout := config.Duration(cfg.LookupTimeout, 5*time.Second)
	sources := []metadata.ArtworkSource{metadata.NewEmbeddedSource(store)}
	if cfg.LookupEnabled {
		sources = append(sources, metadata.NewRemoteSource(cfg.LookupURL, timeout))
	}

	artCache := cache.NewArtworkCache(config.Duration(cfg.CacheTTL, 6*time.Hour))
	return metadata.NewArtworkResolver(sources, fallback, timeout, artCache, logger), artCache.Close, nil
}
