package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "storage/data"
	defaultLogLevel           = "info"
	defaultMaxConcurrentTasks = 3
	defaultMaxUploadBytes     = 25 << 20
	defaultInlineDeadline     = 2 * time.Minute
	defaultFallbackAttempts   = 1
	defaultStaleAfter         = 30 * time.Minute
	defaultHistoryLimit       = 100
	defaultProviderModel      = "whisper-1"
	defaultMaxSegment         = 25 * time.Minute
)

// Database drivers understood by the store package.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Blob backends understood by the blob package.
const (
	BackendLocal = "local"
	BackendAzure = "azure"
	BackendHTTP  = "http"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                     int           `yaml:"port"`
	DataDir                  string        `yaml:"data_dir"`
	LogLevel                 string        `yaml:"log_level"`
	AllowedExtensions        []string      `yaml:"allowed_extensions"`
	MaxConcurrentTasks       int           `yaml:"max_concurrent_tasks"`
	MaxUploadBytes           int64         `yaml:"max_upload_bytes"`
	InlineDeadline           time.Duration `yaml:"inline_deadline"`
	FallbackAttempts         int           `yaml:"fallback_attempts"`
	StaleAfter               time.Duration `yaml:"stale_after"`
	HistoryLimit             int           `yaml:"history_limit"`
	DeleteSourceAfterSuccess bool          `yaml:"delete_source_after_success"`

	Database Database `yaml:"database"`
	Blob     Blob     `yaml:"blob"`
	Provider Provider `yaml:"provider"`
	Media    Media    `yaml:"media"`
}

// Database selects the record/progress store.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Blob selects the media blob backend. Options are backend specific and
// decoded by the blob package.
type Blob struct {
	Backend string         `yaml:"backend"`
	Options map[string]any `yaml:"options"`
}

// Provider configures the speech-to-text API.
type Provider struct {
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Language string `yaml:"language"`
}

// Media configures optional ffmpeg preprocessing. Empty FFmpegPath disables it.
type Media struct {
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	FFprobePath string        `yaml:"ffprobe_path"`
	MaxSegment  time.Duration `yaml:"max_segment"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:                     defaultPort,
		DataDir:                  defaultDataDir,
		LogLevel:                 defaultLogLevel,
		AllowedExtensions:        DefaultExtensions(),
		MaxConcurrentTasks:       defaultMaxConcurrentTasks,
		MaxUploadBytes:           defaultMaxUploadBytes,
		InlineDeadline:           defaultInlineDeadline,
		FallbackAttempts:         defaultFallbackAttempts,
		StaleAfter:               defaultStaleAfter,
		HistoryLimit:             defaultHistoryLimit,
		DeleteSourceAfterSuccess: true,
		Database:                 Database{Driver: DriverFile},
		Blob:                     Blob{Backend: BackendLocal},
		Provider:                 Provider{Model: defaultProviderModel},
		Media:                    Media{MaxSegment: defaultMaxSegment},
	}
}

// DefaultExtensions lists the audio and video formats accepted for transcription.
func DefaultExtensions() []string {
	return []string{".mp3", ".wav", ".m4a", ".mp4", ".avi", ".mov", ".mkv"}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return finalize(cfg)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		expanded := os.ExpandEnv(string(fileData))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	return finalize(cfg)
}

func finalize(cfg Config) (Config, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = defaultProviderModel
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Media.MaxSegment <= 0 {
		cfg.Media.MaxSegment = defaultMaxSegment
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverFile
	}
	cfg.Blob.Backend = strings.ToLower(strings.TrimSpace(cfg.Blob.Backend))
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = BackendLocal
	}
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	return cfg, cfg.Validate()
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	// values < 1 are not allowed
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", c.MaxConcurrentTasks)
	}
	if c.InlineDeadline <= 0 {
		return fmt.Errorf("invalid inline_deadline: %s (must be > 0)", c.InlineDeadline)
	}
	if c.FallbackAttempts < 0 {
		return fmt.Errorf("invalid fallback_attempts: %d (must be >= 0)", c.FallbackAttempts)
	}
	switch c.Database.Driver {
	case DriverFile:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Blob.Backend {
	case BackendLocal, BackendAzure, BackendHTTP:
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}
	return nil
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return DefaultExtensions()
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
