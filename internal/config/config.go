// Package config provides configuration management for framesnap.
// Values are layered: built-in defaults, then an optional YAML file, then
// FRAMESNAP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/writer"
)

const (
	// Default values
	DefaultPort             = 8797
	DefaultLogLevel         = "info"
	DefaultDataDir          = ".framesnap"
	DefaultMaxRuns          = 2
	DefaultHistoryRetention = 30 * 24 * time.Hour
	DefaultJPEGQuality      = 95
	// DefaultLargeOutputBytes warns before writing more than 10GB.
	DefaultLargeOutputBytes = 10 * 1024 * 1024 * 1024

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "FRAMESNAP_"
	// EnvConfigFile names an explicit config file.
	EnvConfigFile = "FRAMESNAP_CONFIG"

	// Database filename
	DBFilename = "framesnap.db"
)

// Mirror kinds
const (
	MirrorNone = ""
	MirrorS3   = "s3"
	MirrorGCS  = "gcs"
	MirrorSFTP = "sftp"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	HistoryDir() string
	Backend() string
	FFmpegPath() string
	FFprobePath() string
	HWAccel() string
	Workers() int
	QueueCapacity() int
	LargeOutputBytes() uint64
	DefaultFormat() writer.Format
	EncodeOptions() writer.EncodeOptions
	Headless() bool
	MaxRuns() int
	NotifyURL() string
	Mirror() MirrorConfig
	HistoryRetention() time.Duration
}

// MirrorConfig selects an optional remote copy of every written frame.
type MirrorConfig struct {
	Kind   string `yaml:"kind" env:"KIND"`
	Prefix string `yaml:"prefix" env:"PREFIX"`

	// S3 and GCS
	Bucket string `yaml:"bucket" env:"BUCKET"`

	// S3
	Region    string `yaml:"region" env:"REGION"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`

	// GCS
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`

	// SFTP
	Host           string `yaml:"host" env:"HOST"`
	User           string `yaml:"user" env:"USER"`
	Password       string `yaml:"password" env:"PASSWORD"`
	KeyFile        string `yaml:"key_file" env:"KEY_FILE"`
	KnownHostsFile string `yaml:"known_hosts_file" env:"KNOWN_HOSTS_FILE"`
	RemoteDir      string `yaml:"remote_dir" env:"REMOTE_DIR"`
}

// values is the on-disk and environment shape of the configuration.
type values struct {
	Port             int           `yaml:"port" env:"PORT"`
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`
	DataDir          string        `yaml:"data_dir" env:"DATA_DIR"`
	Backend          string        `yaml:"backend" env:"BACKEND"`
	FFmpegPath       string        `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	FFprobePath      string        `yaml:"ffprobe_path" env:"FFPROBE_PATH"`
	HWAccel          string        `yaml:"hwaccel" env:"HWACCEL"`
	Workers          int           `yaml:"workers" env:"WORKERS"`
	QueueCapacity    int           `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	LargeOutputBytes uint64        `yaml:"large_output_bytes" env:"LARGE_OUTPUT_BYTES"`
	DefaultFormat    string        `yaml:"default_format" env:"DEFAULT_FORMAT"`
	JPEGQuality      int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
	PNGCompression   string        `yaml:"png_compression" env:"PNG_COMPRESSION"`
	Headless         bool          `yaml:"headless" env:"HEADLESS"`
	MaxRuns          int           `yaml:"max_runs" env:"MAX_RUNS"`
	NotifyURL        string        `yaml:"notify_url" env:"NOTIFY_URL"`
	Mirror           MirrorConfig  `yaml:"mirror" envPrefix:"MIRROR_"`
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION"`
}

func defaults() values {
	return values{
		Port:             DefaultPort,
		LogLevel:         DefaultLogLevel,
		DataDir:          defaultDataDir(),
		Backend:          backend.ModeAuto,
		HWAccel:          "auto",
		LargeOutputBytes: DefaultLargeOutputBytes,
		DefaultFormat:    string(writer.DefaultFormat),
		JPEGQuality:      DefaultJPEGQuality,
		PNGCompression:   "best",
		MaxRuns:          DefaultMaxRuns,
		HistoryRetention: DefaultHistoryRetention,
	}
}

// FileEnvConfig is the Config built from a YAML file and the environment.
type FileEnvConfig struct {
	v      values
	source string
	format writer.Format
	encode writer.EncodeOptions
}

// New loads the configuration. An empty path searches FRAMESNAP_CONFIG and
// the standard locations; a missing file is not an error unless the path
// was given explicitly.
func New(path string) (*FileEnvConfig, error) {
	v := defaults()

	explicit := path != ""
	if !explicit {
		if p := os.Getenv(EnvConfigFile); p != "" {
			path, explicit = p, true
		} else {
			path = FindConfigFile()
		}
	}
	if path != "" {
		if err := loadFile(path, &v); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			path = ""
		}
	}

	if err := env.ParseWithOptions(&v, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := &FileEnvConfig{v: v, source: path}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, v *values) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config location, or "".
func FindConfigFile() string {
	locations := []string{"./framesnap.yaml", "./framesnap.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations,
			filepath.Join(home, DefaultDataDir, "config.yaml"),
			filepath.Join(home, DefaultDataDir, "config.yml"),
		)
	}
	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *FileEnvConfig) validate() error {
	v := &c.v
	if v.Port < 1 || v.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", v.Port)
	}
	switch v.Backend {
	case backend.ModeAuto, backend.ModeExternal, backend.ModeLibrary:
	default:
		return fmt.Errorf("invalid backend %q: want auto, external or library", v.Backend)
	}
	if v.Workers < 0 || v.QueueCapacity < 0 {
		return fmt.Errorf("workers and queue_capacity must not be negative")
	}
	if v.MaxRuns < 1 {
		return fmt.Errorf("invalid max_runs %d: must be at least 1", v.MaxRuns)
	}
	f, err := writer.ParseFormat(v.DefaultFormat)
	if err != nil {
		return fmt.Errorf("invalid default_format: %w", err)
	}
	c.format = f

	opts := writer.DefaultEncodeOptions()
	if v.JPEGQuality != 0 {
		if v.JPEGQuality < 1 || v.JPEGQuality > 100 {
			return fmt.Errorf("invalid jpeg_quality %d: must be between 1 and 100", v.JPEGQuality)
		}
		opts.JPEGQuality = v.JPEGQuality
	}
	level, err := writer.ParsePNGCompression(v.PNGCompression)
	if err != nil {
		return fmt.Errorf("invalid png_compression: %w", err)
	}
	opts.PNGCompression = level
	c.encode = opts

	switch v.Mirror.Kind {
	case MirrorNone:
	case MirrorS3, MirrorGCS:
		if v.Mirror.Bucket == "" {
			return fmt.Errorf("mirror %s needs a bucket", v.Mirror.Kind)
		}
	case MirrorSFTP:
		if v.Mirror.Host == "" || v.Mirror.User == "" {
			return fmt.Errorf("mirror sftp needs host and user")
		}
	default:
		return fmt.Errorf("invalid mirror kind %q", v.Mirror.Kind)
	}
	if v.HistoryRetention < 0 {
		return fmt.Errorf("history_retention must not be negative")
	}
	if v.NotifyURL != "" && !strings.HasPrefix(v.NotifyURL, "http://") && !strings.HasPrefix(v.NotifyURL, "https://") {
		return fmt.Errorf("notify_url must be an http(s) URL")
	}
	return nil
}

// Source returns the config file that was loaded, or "".
func (c *FileEnvConfig) Source() string { return c.source }

// Port returns the HTTP server port
func (c *FileEnvConfig) Port() int { return c.v.Port }

// LogLevel returns the log level (debug, info, warn, error)
func (c *FileEnvConfig) LogLevel() string { return c.v.LogLevel }

// DataDir returns the data directory path
func (c *FileEnvConfig) DataDir() string { return c.v.DataDir }

// DBPath returns the full path to the SQLite settings database
func (c *FileEnvConfig) DBPath() string { return filepath.Join(c.v.DataDir, DBFilename) }

// HistoryDir returns the pebble directory for the run ledger.
func (c *FileEnvConfig) HistoryDir() string { return filepath.Join(c.v.DataDir, "history") }

func (c *FileEnvConfig) Backend() string     { return c.v.Backend }
func (c *FileEnvConfig) FFmpegPath() string  { return c.v.FFmpegPath }
func (c *FileEnvConfig) FFprobePath() string { return c.v.FFprobePath }
func (c *FileEnvConfig) HWAccel() string     { return c.v.HWAccel }

// Workers returns the writer pool size; 0 selects the default.
func (c *FileEnvConfig) Workers() int       { return c.v.Workers }
func (c *FileEnvConfig) QueueCapacity() int { return c.v.QueueCapacity }

func (c *FileEnvConfig) LargeOutputBytes() uint64 { return c.v.LargeOutputBytes }

func (c *FileEnvConfig) DefaultFormat() writer.Format        { return c.format }
func (c *FileEnvConfig) EncodeOptions() writer.EncodeOptions { return c.encode }

// Headless disables the tray in agent mode.
func (c *FileEnvConfig) Headless() bool { return c.v.Headless }

func (c *FileEnvConfig) MaxRuns() int         { return c.v.MaxRuns }
func (c *FileEnvConfig) NotifyURL() string    { return c.v.NotifyURL }
func (c *FileEnvConfig) Mirror() MirrorConfig { return c.v.Mirror }

func (c *FileEnvConfig) HistoryRetention() time.Duration { return c.v.HistoryRetention }

// SaveFile writes the effective configuration to path as YAML.
func (c *FileEnvConfig) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(&c.v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
