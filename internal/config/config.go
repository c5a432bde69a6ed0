package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration. The server and
// client binaries share one file format; each validates only the
// sections it uses.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Notify   NotifyConfig   `yaml:"notify"`
	Client   ClientConfig   `yaml:"client"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains coordinator configuration
type ServerConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	AudioDir          string `yaml:"audio_dir"`
	LedgerPath        string `yaml:"ledger_path"`
	LeaseSnapshotPath string `yaml:"lease_snapshot_path"`
	LeaseTTL          int    `yaml:"lease_ttl"`          // seconds
	RescanInterval    int    `yaml:"rescan_interval"`    // seconds
	ReclaimInterval   int    `yaml:"reclaim_interval"`   // seconds
	RetryFailed       bool   `yaml:"retry_failed"`       // re-lease files with a failed ledger record
	RetryFailedAfter  int    `yaml:"retry_failed_after"` // seconds
}

// NotifyConfig contains the optional outcome notification channel
type NotifyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RedisAddress string `yaml:"redis_address"`
	Channel      string `yaml:"channel"`
}

// ClientConfig contains worker configuration
type ClientConfig struct {
	ServerURL         string `yaml:"server_url"`
	WorkerID          string `yaml:"worker_id"` // generated when empty
	WorkDir           string `yaml:"work_dir"`
	PollInterval      int    `yaml:"poll_interval"`    // seconds
	Schedule          string `yaml:"schedule"`         // cron expression, empty = always on
	MaxRunDuration    int    `yaml:"max_run_duration"` // seconds
	AuthUsername      string `yaml:"auth_username"`
	AuthPassword      string `yaml:"auth_password"`
	UploadMaxAttempts int    `yaml:"upload_max_attempts"`
	UploadQueueSize   int    `yaml:"upload_queue_size"`
}

// PipelineConfig contains the client-side processing pipeline configuration
type PipelineConfig struct {
	FFmpegPath       string           `yaml:"ffmpeg_path"`
	FFprobePath      string           `yaml:"ffprobe_path"`
	VAD              VADConfig        `yaml:"vad"`
	Engine           string           `yaml:"engine"` // "whispercpp" or "openai"
	WhisperCPP       WhisperCPPConfig `yaml:"whispercpp"`
	OpenAI           OpenAIConfig     `yaml:"openai"`
	LanguageFallback string           `yaml:"language_fallback"`
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Enabled            bool    `yaml:"enabled"`
	BinaryPath         string  `yaml:"binary_path"`
	ModelPath          string  `yaml:"model_path"`
	MinSegmentDuration float64 `yaml:"min_segment_duration"` // seconds
}

// WhisperCPPConfig contains the local whisper.cpp engine configuration
type WhisperCPPConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ModelPath  string `yaml:"model_path"`
}

// OpenAIConfig contains the OpenAI-compatible engine configuration
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. A .env file in the
// working directory is loaded first so credential fields can be kept
// out of the YAML; environment variables override their YAML
// counterparts.
func Load(path string) (*Config, error) {
	// Missing .env is fine; it is a convenience for credentials only.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:8080"
	}
	if c.Server.LedgerPath == "" {
		c.Server.LedgerPath = "data/processed.csv"
	}
	if c.Server.LeaseSnapshotPath == "" {
		c.Server.LeaseSnapshotPath = "data/leases.json"
	}
	if c.Server.LeaseTTL == 0 {
		c.Server.LeaseTTL = 3600
	}
	if c.Server.RescanInterval == 0 {
		c.Server.RescanInterval = 60
	}
	if c.Server.ReclaimInterval == 0 {
		c.Server.ReclaimInterval = 30
	}
	if c.Server.RetryFailedAfter == 0 {
		c.Server.RetryFailedAfter = 86400
	}

	if c.Client.WorkDir == "" {
		c.Client.WorkDir = "work"
	}
	if c.Client.PollInterval == 0 {
		c.Client.PollInterval = 10
	}
	if c.Client.MaxRunDuration == 0 {
		c.Client.MaxRunDuration = 21600
	}
	if c.Client.UploadMaxAttempts == 0 {
		c.Client.UploadMaxAttempts = 6
	}
	if c.Client.UploadQueueSize == 0 {
		c.Client.UploadQueueSize = 64
	}

	if c.Pipeline.FFmpegPath == "" {
		c.Pipeline.FFmpegPath = "ffmpeg"
	}
	if c.Pipeline.FFprobePath == "" {
		c.Pipeline.FFprobePath = "ffprobe"
	}
	if c.Pipeline.Engine == "" {
		c.Pipeline.Engine = "whispercpp"
	}
	if c.Pipeline.OpenAI.Model == "" {
		c.Pipeline.OpenAI.Model = "whisper-1"
	}
	if c.Pipeline.VAD.MinSegmentDuration == 0 {
		c.Pipeline.VAD.MinSegmentDuration = 1.0
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BASIC_AUTH_USERNAME"); v != "" {
		c.Client.AuthUsername = v
	}
	if v := os.Getenv("BASIC_AUTH_PASSWORD"); v != "" {
		c.Client.AuthPassword = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Pipeline.OpenAI.APIKey = v
	}
}

// ValidateServer validates the sections used by the coordinator binary
func (c *Config) ValidateServer() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// ValidateClient validates the sections used by the worker binary
func (c *Config) ValidateClient() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates coordinator configuration
func (s *ServerConfig) Validate() error {
	if s.ListenAddress == "" {
		return fmt.Errorf("listen_address cannot be empty")
	}

	if s.AudioDir == "" {
		return fmt.Errorf("audio_dir cannot be empty")
	}

	if s.LedgerPath == "" {
		return fmt.Errorf("ledger_path cannot be empty")
	}

	if s.LeaseTTL < 1 {
		return fmt.Errorf("lease_ttl must be at least 1 second, got %d", s.LeaseTTL)
	}

	if s.RescanInterval < 1 {
		return fmt.Errorf("rescan_interval must be at least 1 second, got %d", s.RescanInterval)
	}

	if s.ReclaimInterval < 1 {
		return fmt.Errorf("reclaim_interval must be at least 1 second, got %d", s.ReclaimInterval)
	}

	if s.RetryFailed && s.RetryFailedAfter < 1 {
		return fmt.Errorf("retry_failed_after must be at least 1 second when retry_failed is enabled, got %d", s.RetryFailedAfter)
	}

	return nil
}

// Validate validates notify configuration
func (n *NotifyConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.RedisAddress == "" {
		return fmt.Errorf("redis_address cannot be empty when notify is enabled")
	}

	if n.Channel == "" {
		return fmt.Errorf("channel cannot be empty when notify is enabled")
	}

	return nil
}

// Validate validates worker configuration
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url cannot be empty")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url must be a valid absolute URL, got %q", c.ServerURL)
	}

	if c.WorkDir == "" {
		return fmt.Errorf("work_dir cannot be empty")
	}

	if c.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second, got %d", c.PollInterval)
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("schedule is not a valid cron expression: %w", err)
		}

		if c.MaxRunDuration < 1 {
			return fmt.Errorf("max_run_duration must be at least 1 second when a schedule is set, got %d", c.MaxRunDuration)
		}
	}

	if c.UploadMaxAttempts < 1 {
		return fmt.Errorf("upload_max_attempts must be at least 1, got %d", c.UploadMaxAttempts)
	}

	if c.UploadQueueSize < 1 {
		return fmt.Errorf("upload_queue_size must be at least 1, got %d", c.UploadQueueSize)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty")
	}

	if p.FFprobePath == "" {
		return fmt.Errorf("ffprobe_path cannot be empty")
	}

	switch p.Engine {
	case "whispercpp":
		if p.WhisperCPP.BinaryPath == "" {
			return fmt.Errorf("whispercpp.binary_path cannot be empty")
		}
		if p.WhisperCPP.ModelPath == "" {
			return fmt.Errorf("whispercpp.model_path cannot be empty")
		}
	case "openai":
		if p.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key cannot be empty")
		}
		if p.OpenAI.Model == "" {
			return fmt.Errorf("openai.model cannot be empty")
		}
	default:
		return fmt.Errorf("engine must be 'whispercpp' or 'openai', got '%s'", p.Engine)
	}

	if err := p.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if !v.Enabled {
		return nil
	}

	if v.BinaryPath == "" {
		return fmt.Errorf("binary_path cannot be empty when vad is enabled")
	}

	if v.ModelPath == "" {
		return fmt.Errorf("model_path cannot be empty when vad is enabled")
	}

	if v.MinSegmentDuration <= 0 {
		return fmt.Errorf("min_segment_duration must be positive, got %f", v.MinSegmentDuration)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetLeaseTTL returns the lease TTL as a time.Duration
func (s *ServerConfig) GetLeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTL) * time.Second
}

// GetRescanInterval returns the corpus rescan interval as a time.Duration
func (s *ServerConfig) GetRescanInterval() time.Duration {
	return time.Duration(s.RescanInterval) * time.Second
}

// GetReclaimInterval returns the lease reclaim interval as a time.Duration
func (s *ServerConfig) GetReclaimInterval() time.Duration {
	return time.Duration(s.ReclaimInterval) * time.Second
}

// GetRetryFailedAfter returns the failed-record retry delay as a time.Duration
func (s *ServerConfig) GetRetryFailedAfter() time.Duration {
	return time.Duration(s.RetryFailedAfter) * time.Second
}

// GetPollInterval returns the poll interval as a time.Duration
func (c *ClientConfig) GetPollInterval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// GetMaxRunDuration returns the maximum run window duration as a time.Duration
func (c *ClientConfig) GetMaxRunDuration() time.Duration {
	return time.Duration(c.MaxRunDuration) * time.Second
}

// GetMinSegmentDuration returns the minimum voiced segment duration as a time.Duration
func (v *VADConfig) GetMinSegmentDuration() time.Duration {
	return time.Duration(v.MinSegmentDuration * float64(time.Second))
}
