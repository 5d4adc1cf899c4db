package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/namnv2496/go-codelab/internal/errors"
)

const envPrefix = "CODELAB"

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Filesystem     FilesystemConfig     `mapstructure:"filesystem"`
	CodeRepository CodeRepositoryConfig `mapstructure:"code_repository"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Jobs           JobsConfig           `mapstructure:"jobs"`
	Maintenance    MaintenanceConfig    `mapstructure:"maintenance"`
	Log            LogConfig            `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddr       string   `mapstructure:"http_addr"`
	WSAddr         string   `mapstructure:"ws_addr"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FilesystemConfig holds the host directories bind mounted into sandboxes.
type FilesystemConfig struct {
	SubmissionDir string `mapstructure:"submission_dir"`
	TestingDir    string `mapstructure:"testing_dir"`
	ImagesDir     string `mapstructure:"images_dir"`
}

type CodeRepositoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ExecutorConfig struct {
	RetryLimit   int           `mapstructure:"retry_limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

type QueueConfig struct {
	DispatchDelay time.Duration `mapstructure:"dispatch_delay"`
}

type JobsConfig struct {
	Workers int `mapstructure:"workers"`
}

type MaintenanceConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	HungAfter time.Duration `mapstructure:"hung_after"`
}

type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Load reads configuration from defaults, an optional codelab.toml, .env
// files and CODELAB_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}
	return unmarshal(v)
}

// LoadFile reads configuration from an explicit toml file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("codelab")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".codelab"))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(os.TempDir(), "codelab")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.ws_addr", ":8081")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("database.path", "codelab.db")

	v.SetDefault("filesystem.submission_dir", filepath.Join(dataDir, "submissions"))
	v.SetDefault("filesystem.testing_dir", filepath.Join(dataDir, "testing"))
	v.SetDefault("filesystem.images_dir", filepath.Join(dataDir, "images"))

	v.SetDefault("code_repository.base_url", "http://localhost:8000")
	v.SetDefault("code_repository.api_key", "")
	v.SetDefault("code_repository.timeout", 5*time.Second)

	v.SetDefault("executor.retry_limit", 2)
	v.SetDefault("executor.poll_interval", 500*time.Millisecond)
	v.SetDefault("executor.stop_timeout", 5*time.Second)

	v.SetDefault("queue.dispatch_delay", 5*time.Second)
	v.SetDefault("jobs.workers", 4)

	v.SetDefault("maintenance.interval", 5*time.Minute)
	v.SetDefault("maintenance.hung_after", 30*time.Minute)

	v.SetDefault("log.json", false)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Executor.RetryLimit < 0 {
		return errors.Newf("executor.retry_limit must not be negative, got %d", c.Executor.RetryLimit)
	}
	if c.Executor.PollInterval <= 0 {
		return errors.New("executor.poll_interval must be positive")
	}
	if c.Jobs.Workers <= 0 {
		return errors.Newf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Maintenance.Interval <= 0 {
		return errors.New("maintenance.interval must be positive")
	}
	for name, dir := range map[string]string{
		"filesystem.submission_dir": c.Filesystem.SubmissionDir,
		"filesystem.testing_dir":    c.Filesystem.TestingDir,
		"filesystem.images_dir":     c.Filesystem.ImagesDir,
	} {
		if dir == "" {
			return errors.WithHintf(errors.Newf("%s is empty", name), "set %s_%s", envPrefix, strings.ToUpper(strings.ReplaceAll(name, ".", "_")))
		}
	}
	return nil
}
