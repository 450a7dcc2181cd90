package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Auth     AuthConfig     `toml:"auth"`
	Artwork  ArtworkConfig  `toml:"artwork"`
	Logging  LoggingConfig  `toml:"logging"`
	Ngrok    NgrokConfig    `toml:"ngrok"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port         string `toml:"port"`
	Host         string `toml:"host"`
	StaticDir    string `toml:"static_dir"`
	PublicURL    string `toml:"public_url"`
	EnableCORS   bool   `toml:"enable_cors"`
	ReadTimeout  int    `toml:"read_timeout_seconds"`
	WriteTimeout int    `toml:"write_timeout_seconds"`
	IdleTimeout  int    `toml:"idle_timeout_seconds"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections"`
}

// StorageConfig describes where uploaded audio is kept
type StorageConfig struct {
	UploadRoot      string `toml:"upload_root"`
	MaxBatchFiles   int    `toml:"max_batch_files"`
	MaxUploadSizeMB int64  `toml:"max_upload_size_mb"`
	WatchForChanges bool   `toml:"watch_for_changes"`
	SyncOnStartup   bool   `toml:"sync_on_startup"`
	SignedURLTTL    string `toml:"signed_url_ttl"`
}

// AuthConfig contains session and bootstrap account settings
type AuthConfig struct {
	SecretKey         string `toml:"secret_key"`
	SessionDuration   string `toml:"session_duration"`
	SecureCookies     bool   `toml:"secure_cookies"`
	AllowRegistration bool   `toml:"allow_registration"`
	AdminUsername     string `toml:"admin_username"`
	AdminPassword     string `toml:"admin_password"`
}

// ArtworkConfig controls the cover art fallback chain
type ArtworkConfig struct {
	LookupEnabled bool   `toml:"lookup_enabled"`
	LookupURL     string `toml:"lookup_url"`
	LookupTimeout string `toml:"lookup_timeout"`
	CacheTTL      string `toml:"cache_ttl"`
	DefaultImage  string `toml:"default_image"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Host:         "0.0.0.0",
			StaticDir:    "./static",
			PublicURL:    "",
			EnableCORS:   true,
			ReadTimeout:  30,
			WriteTimeout: 0,
			IdleTimeout:  120,
		},
		Database: DatabaseConfig{
			Path:           "./cadenza.db",
			MaxConnections: 5,
		},
		Storage: StorageConfig{
			UploadRoot:      "./uploads",
			MaxBatchFiles:   50,
			MaxUploadSizeMB: 512,
			WatchForChanges: true,
			SyncOnStartup:   true,
			SignedURLTTL:    "1h",
		},
		Auth: AuthConfig{
			SecretKey:         "",
			SessionDuration:   "168h",
			SecureCookies:     false,
			AllowRegistration: true,
			AdminUsername:     "admin",
			AdminPassword:     "",
		},
		Artwork: ArtworkConfig{
			LookupEnabled: true,
			LookupURL:     "https://itunes.apple.com/search",
			LookupTimeout: "5s",
			CacheTTL:      "6h",
			DefaultImage:  "",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
		Ngrok: NgrokConfig{
			Enabled:      false,
			AuthToken:    "",
			Domain:       "",
			EnableAuth:   false,
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies any
// environment overrides (including ones from a local .env file).
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(".env"); err != nil {
		return nil, err
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv loads envFile when present and overlays secrets from the
// environment. Values already exported in the process win over the file.
func (c *Config) applyEnv(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if v := os.Getenv("CADENZA_SECRET_KEY"); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv("CADENZA_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("CADENZA_UPLOAD_ROOT"); v != "" {
		c.Storage.UploadRoot = v
	}
	if v := os.Getenv("CADENZA_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("NGROK_AUTHTOKEN"); v != "" && c.Ngrok.AuthToken == "" {
		c.Ngrok.AuthToken = v
	}
	return nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Cadenza Configuration
# Secrets such as auth.secret_key may also be supplied through the
# CADENZA_SECRET_KEY environment variable or a .env file.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	if c.Storage.UploadRoot == "" {
		return fmt.Errorf("storage upload root cannot be empty")
	}
	if c.Storage.MaxBatchFiles < 1 {
		return fmt.Errorf("storage max batch files must be at least 1")
	}
	if c.Storage.MaxUploadSizeMB < 1 {
		return fmt.Errorf("storage max upload size must be at least 1 MB")
	}

	durations := map[string]string{
		"storage.signed_url_ttl": c.Storage.SignedURLTTL,
		"auth.session_duration":  c.Auth.SessionDuration,
		"artwork.lookup_timeout": c.Artwork.LookupTimeout,
		"artwork.cache_ttl":      c.Artwork.CacheTTL,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", key)
		}
	}

	if c.Auth.AdminUsername == "" {
		return fmt.Errorf("auth admin username cannot be empty")
	}
	if c.Artwork.LookupEnabled && c.Artwork.LookupURL == "" {
		return fmt.Errorf("artwork lookup url cannot be empty when lookup is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// BaseURL returns the externally visible base URL without a trailing slash.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimSuffix(c.Server.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return "http://" + host + ":" + c.Server.Port
}

// Duration parses one of the validated duration strings. Invalid input
// yields fallback; Validate reports those cases at load time.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
