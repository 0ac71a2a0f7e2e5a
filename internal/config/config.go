package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/health"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/safety"
	"github.com/isoflash/isoflash/pkg/storage"
	"github.com/isoflash/isoflash/pkg/watch"
	"github.com/isoflash/isoflash/pkg/writer"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory (downloads)
	WorkDir string `mapstructure:"work-dir"`

	// S3 configuration
	S3Bucket    string `mapstructure:"s3-bucket"`
	S3Region    string `mapstructure:"s3-region"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Write defaults
	Strategy       string `mapstructure:"strategy"`
	BufferSize     int    `mapstructure:"buffer-size"`
	Verify         bool   `mapstructure:"verify"`
	FilesystemType string `mapstructure:"filesystem"`
	VolumeLabel    string `mapstructure:"volume-label"`

	// Inspection
	HashBufferSize int  `mapstructure:"hash-buffer-size"`
	ComputeMD5     bool `mapstructure:"compute-md5"`

	// Safety
	MinFreeRatio float64 `mapstructure:"min-free-ratio"`

	// Health scan
	HealthChunkSize int64 `mapstructure:"health-chunk-size"`

	// Directory watcher
	WatchBackend     string        `mapstructure:"watch-backend"`
	WatchDirs        []string      `mapstructure:"watch-dirs"`
	WatchExtensions  []string      `mapstructure:"watch-extensions"`
	WatchStopTimeout time.Duration `mapstructure:"watch-stop-timeout"`

	// HTTP server
	ListenAddr  string   `mapstructure:"listen-addr"`
	CORSOrigins []string `mapstructure:"cors-origins"`

	LogLevel string `mapstructure:"log-level"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/isoflash.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("work-dir", "/tmp/isoflash")
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-endpoint", "")
	v.SetDefault("s3-anonymous", true)
	v.SetDefault("strategy", string(writer.StrategyRaw))
	v.SetDefault("buffer-size", writer.DefaultBufferSize)
	v.SetDefault("verify", true)
	v.SetDefault("filesystem", mount.FilesystemFAT32)
	v.SetDefault("volume-label", mount.DefaultVolumeLabel)
	v.SetDefault("hash-buffer-size", image.DefaultHashBufferSize)
	v.SetDefault("compute-md5", false)
	v.SetDefault("min-free-ratio", safety.DefaultMinFreeRatio)
	v.SetDefault("health-chunk-size", health.DefaultChunkSize)
	v.SetDefault("watch-backend", watch.BackendNative)
	v.SetDefault("watch-dirs", []string{})
	v.SetDefault("watch-extensions", watch.DefaultExtensions)
	v.SetDefault("watch-stop-timeout", watch.DefaultStopTimeout)
	v.SetDefault("listen-addr", "127.0.0.1:8080")
	v.SetDefault("cors-origins", []string{"*"})
	v.SetDefault("log-level", "info")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (ISOFLASH_SQLITE_PATH, etc.)
	v.SetEnvPrefix("ISOFLASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.isoflash")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if err := c.WriteOptions().Validate(); err != nil {
		return err
	}
	if c.HashBufferSize < image.MinHashBufferSize {
		return fmt.Errorf("hash-buffer-size must be at least %d", image.MinHashBufferSize)
	}
	if c.MinFreeRatio <= 0 || c.MinFreeRatio >= 1 {
		return fmt.Errorf("min-free-ratio must be between 0 and 1")
	}
	if c.HealthChunkSize < health.MinChunkSize {
		return fmt.Errorf("health-chunk-size must be at least %d", health.MinChunkSize)
	}
	switch c.WatchBackend {
	case watch.BackendNative, watch.BackendFSWatch:
	default:
		return fmt.Errorf("watch-backend must be %q or %q", watch.BackendNative, watch.BackendFSWatch)
	}
	if c.WatchStopTimeout <= 0 {
		return fmt.Errorf("watch-stop-timeout must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return level, nil
}

// WriteOptions builds per-burn defaults. The strategy alias is resolved
// here; an unknown name is kept so Validate can report it.
func (c *Config) WriteOptions() writer.Options {
	opts := writer.DefaultOptions()
	opts.Strategy = writer.Strategy(c.Strategy)
	if s, err := writer.ParseStrategy(c.Strategy); err == nil {
		opts.Strategy = s
	}
	opts.BufferSizeBytes = c.BufferSize
	opts.VerifyAfterWrite = c.Verify
	opts.FilesystemType = c.FilesystemType
	opts.VolumeLabel = c.VolumeLabel
	return opts
}

func (c *Config) InspectorOptions() image.Options {
	return image.Options{HashBufferSize: c.HashBufferSize, ComputeMD5: c.ComputeMD5}
}

func (c *Config) HealthOptions() health.Options {
	return health.Options{ChunkSize: c.HealthChunkSize}
}

// WatchConfig returns the watcher settings; no configured directories
// selects the per-user defaults.
func (c *Config) WatchConfig() (watch.Config, []string) {
	dirs := c.WatchDirs
	if len(dirs) == 0 {
		dirs = watch.DefaultDirectories()
	}
	return watch.Config{
		Backend:     c.WatchBackend,
		Extensions:  c.WatchExtensions,
		StopTimeout: c.WatchStopTimeout,
	}, dirs
}

func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Bucket:    c.S3Bucket,
		Region:    c.S3Region,
		Endpoint:  c.S3Endpoint,
		Anonymous: c.S3Anonymous,
	}
}
