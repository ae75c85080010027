package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration: defaults, then the YAML
// file, then LESSONVOICE_* environment variables. Flags are applied by
// the caller afterwards.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Audio     AudioConfig     `yaml:"audio"`
	Upload    UploadConfig    `yaml:"upload"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type APIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type AudioConfig struct {
	Device          string  `yaml:"device"`
	SilenceSec      float64 `yaml:"silence_sec"`
	ActivityFloor   float64 `yaml:"activity_floor"`
	MaxUtteranceSec float64 `yaml:"max_utterance_sec"`
}

type UploadConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	MaxPending  int           `yaml:"max_pending"`
	Ledger      string        `yaml:"ledger"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxPolls    int           `yaml:"max_polls"`
	Timeout     time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Audio: AudioConfig{
			SilenceSec:      1.0,
			ActivityFloor:   0.02,
			MaxUtteranceSec: 30,
		},
		Upload: UploadConfig{
			Concurrency: 4,
			MaxAttempts: 3,
			RetryBase:   500 * time.Millisecond,
			MaxPending:  64,
			Ledger:      filepath.Join(baseDir(), "ledger.db"),
		},
		Reconcile: ReconcileConfig{
			Interval:    time.Second,
			MaxInterval: 15 * time.Second,
			Multiplier:  1.5,
			MaxPolls:    120,
		},
	}
}

// DefaultPath is $LESSONVOICE_CONFIG or ~/.config/lessonvoice/config.yaml.
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("LESSONVOICE_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(baseDir(), "config.yaml")
}

func baseDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lessonvoice")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lessonvoice"
	}
	return filepath.Join(home, ".config", "lessonvoice")
}

// Load reads path (DefaultPath when empty). A missing default file is not
// an error; a missing explicit file is.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.URL = envOrDefault("LESSONVOICE_API_URL", c.API.URL)
	c.API.Token = envOrDefault("LESSONVOICE_TOKEN", c.API.Token)
	c.Audio.Device = envOrDefault("LESSONVOICE_DEVICE", c.Audio.Device)
	c.Audio.SilenceSec = envOrDefaultFloat("LESSONVOICE_SILENCE_SEC", c.Audio.SilenceSec)
	c.Audio.ActivityFloor = envOrDefaultFloat("LESSONVOICE_ACTIVITY_FLOOR", c.Audio.ActivityFloor)
	c.Upload.Concurrency = envOrDefaultInt("LESSONVOICE_UPLOAD_CONCURRENCY", c.Upload.Concurrency)
	c.Upload.MaxAttempts = envOrDefaultInt("LESSONVOICE_UPLOAD_ATTEMPTS", c.Upload.MaxAttempts)
	c.Upload.Ledger = envOrDefault("LESSONVOICE_LEDGER", c.Upload.Ledger)
	c.Reconcile.MaxPolls = envOrDefaultInt("LESSONVOICE_MAX_POLLS", c.Reconcile.MaxPolls)
	c.Reconcile.Timeout = envOrDefaultDuration("LESSONVOICE_RECONCILE_TIMEOUT", c.Reconcile.Timeout)
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.API.URL != "" && !strings.HasPrefix(c.API.URL, "http://") && !strings.HasPrefix(c.API.URL, "https://") {
		errs = append(errs, fmt.Errorf("api.url must be http(s): %q", c.API.URL))
	}
	if c.Audio.SilenceSec <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_sec must be positive, got %v", c.Audio.SilenceSec))
	}
	if c.Audio.ActivityFloor <= 0 || c.Audio.ActivityFloor >= 1 {
		errs = append(errs, fmt.Errorf("audio.activity_floor must be in (0, 1), got %v", c.Audio.ActivityFloor))
	}
	if c.Audio.MaxUtteranceSec < c.Audio.SilenceSec {
		errs = append(errs, fmt.Errorf("audio.max_utterance_sec (%v) must not be below silence_sec (%v)", c.Audio.MaxUtteranceSec, c.Audio.SilenceSec))
	}
	if c.Upload.Concurrency < 1 || c.Upload.Concurrency > 16 {
		errs = append(errs, fmt.Errorf("upload.concurrency must be 1-16, got %d", c.Upload.Concurrency))
	}
	if c.Upload.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upload.max_attempts must be at least 1, got %d", c.Upload.MaxAttempts))
	}
	if c.Upload.RetryBase < 0 || c.Upload.MaxPending < 0 {
		errs = append(errs, errors.New("upload.retry_base and upload.max_pending must not be negative"))
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.MaxInterval < c.Reconcile.Interval {
		errs = append(errs, fmt.Errorf("reconcile.interval (%v) must be positive and not above max_interval (%v)", c.Reconcile.Interval, c.Reconcile.MaxInterval))
	}
	if c.Reconcile.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("reconcile.multiplier must be at least 1, got %v", c.Reconcile.Multiplier))
	}
	if c.Reconcile.MaxPolls < 1 {
		errs = append(errs, fmt.Errorf("reconcile.max_polls must be at least 1, got %d", c.Reconcile.MaxPolls))
	}
	return errors.Join(errs...)
}

// Save writes c to path, creating the directory. The token is written too,
// so the file is created private.
func Save(path string, c Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
