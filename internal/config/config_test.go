package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:   "0.0.0.0:8080",
		AudioDir:        "/srv/audio",
		LedgerPath:      "data/processed.csv",
		LeaseTTL:        3600,
		RescanInterval:  60,
		ReclaimInterval: 30,
	}
}

func validClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:         "http://localhost:8080",
		WorkDir:           "work",
		PollInterval:      10,
		UploadMaxAttempts: 6,
		UploadQueueSize:   64,
	}
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*ServerConfig)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(s *ServerConfig) {},
			expectError: false,
		},
		{
			name:        "missing audio dir",
			mutate:      func(s *ServerConfig) { s.AudioDir = "" },
			expectError: true,
			errorMsg:    "audio_dir cannot be empty",
		},
		{
			name:        "missing ledger path",
			mutate:      func(s *ServerConfig) { s.LedgerPath = "" },
			expectError: true,
			errorMsg:    "ledger_path cannot be empty",
		},
		{
			name:        "zero lease ttl",
			mutate:      func(s *ServerConfig) { s.LeaseTTL = 0 },
			expectError: true,
			errorMsg:    "lease_ttl must be at least 1 second",
		},
		{
			name: "retry failed without delay",
			mutate: func(s *ServerConfig) {
				s.RetryFailed = true
				s.RetryFailedAfter = 0
			},
			expectError: true,
			errorMsg:    "retry_failed_after must be at least 1 second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validServerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			checkValidation(t, err, tt.expectError, tt.errorMsg)
		})
	}
}

func TestClientConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*ClientConfig)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *ClientConfig) {},
			expectError: false,
		},
		{
			name:        "missing server url",
			mutate:      func(c *ClientConfig) { c.ServerURL = "" },
			expectError: true,
			errorMsg:    "server_url cannot be empty",
		},
		{
			name:        "relative server url",
			mutate:      func(c *ClientConfig) { c.ServerURL = "localhost:8080" },
			expectError: true,
			errorMsg:    "must be a valid absolute URL",
		},
		{
			name:        "invalid cron expression",
			mutate:      func(c *ClientConfig) { c.Schedule = "not a cron line" },
			expectError: true,
			errorMsg:    "schedule is not a valid cron expression",
		},
		{
			name: "schedule without max run duration",
			mutate: func(c *ClientConfig) {
				c.Schedule = "0 22 * * *"
				c.MaxRunDuration = 0
			},
			expectError: true,
			errorMsg:    "max_run_duration must be at least 1 second",
		},
		{
			name: "valid schedule",
			mutate: func(c *ClientConfig) {
				c.Schedule = "0 22 * * *"
				c.MaxRunDuration = 21600
			},
			expectError: false,
		},
		{
			name:        "zero upload attempts",
			mutate:      func(c *ClientConfig) { c.UploadMaxAttempts = 0 },
			expectError: true,
			errorMsg:    "upload_max_attempts must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validClientConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			checkValidation(t, err, tt.expectError, tt.errorMsg)
		})
	}
}

func TestPipelineConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      PipelineConfig
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid whispercpp engine",
			config: PipelineConfig{
				FFmpegPath:  "ffmpeg",
				FFprobePath: "ffprobe",
				Engine:      "whispercpp",
				WhisperCPP: WhisperCPPConfig{
					BinaryPath: "/usr/local/bin/whisper",
					ModelPath:  "/models/ggml-base.bin",
				},
			},
			expectError: false,
		},
		{
			name: "valid openai engine",
			config: PipelineConfig{
				FFmpegPath:  "ffmpeg",
				FFprobePath: "ffprobe",
				Engine:      "openai",
				OpenAI:      OpenAIConfig{APIKey: "sk-test", Model: "whisper-1"},
			},
			expectError: false,
		},
		{
			name: "unknown engine",
			config: PipelineConfig{
				FFmpegPath:  "ffmpeg",
				FFprobePath: "ffprobe",
				Engine:      "deepgram",
			},
			expectError: true,
			errorMsg:    "engine must be 'whispercpp' or 'openai'",
		},
		{
			name: "whispercpp without binary",
			config: PipelineConfig{
				FFmpegPath:  "ffmpeg",
				FFprobePath: "ffprobe",
				Engine:      "whispercpp",
				WhisperCPP:  WhisperCPPConfig{ModelPath: "/models/ggml-base.bin"},
			},
			expectError: true,
			errorMsg:    "whispercpp.binary_path cannot be empty",
		},
		{
			name: "vad enabled without model",
			config: PipelineConfig{
				FFmpegPath:  "ffmpeg",
				FFprobePath: "ffprobe",
				Engine:      "whispercpp",
				WhisperCPP: WhisperCPPConfig{
					BinaryPath: "/usr/local/bin/whisper",
					ModelPath:  "/models/ggml-base.bin",
				},
				VAD: VADConfig{
					Enabled:            true,
					BinaryPath:         "/usr/local/bin/vad",
					MinSegmentDuration: 1.0,
				},
			},
			expectError: true,
			errorMsg:    "model_path cannot be empty when vad is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			checkValidation(t, err, tt.expectError, tt.errorMsg)
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	configYAML := `
server:
  listen_address: "127.0.0.1:9090"
  audio_dir: "/srv/audio"
  lease_ttl: 1800
  retry_failed: true
client:
  server_url: "http://dispatch.internal:9090"
  schedule: "0 22 * * *"
  max_run_duration: 21600
pipeline:
  engine: "openai"
  openai:
    api_key: "sk-from-yaml"
logging:
  level: "debug"
  format: "json"
`
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("unexpected listen address %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.GetLeaseTTL() != 30*time.Minute {
		t.Errorf("unexpected lease ttl %v", cfg.Server.GetLeaseTTL())
	}
	if !cfg.Server.RetryFailed {
		t.Error("expected retry_failed to be set")
	}

	// Defaults fill in the unspecified fields.
	if cfg.Server.LedgerPath != "data/processed.csv" {
		t.Errorf("expected default ledger path, got %q", cfg.Server.LedgerPath)
	}
	if cfg.Client.PollInterval != 10 {
		t.Errorf("expected default poll interval, got %d", cfg.Client.PollInterval)
	}
	if cfg.Pipeline.FFmpegPath != "ffmpeg" {
		t.Errorf("expected default ffmpeg path, got %q", cfg.Pipeline.FFmpegPath)
	}
	if cfg.Pipeline.OpenAI.Model != "whisper-1" {
		t.Errorf("expected default openai model, got %q", cfg.Pipeline.OpenAI.Model)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("expected default logging output, got %q", cfg.Logging.Output)
	}
}

func TestConfigLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  lease_ttl: not_a_number\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BASIC_AUTH_USERNAME", "env-user")
	t.Setenv("BASIC_AUTH_PASSWORD", "env-pass")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
client:
  auth_username: "yaml-user"
pipeline:
  openai:
    api_key: "sk-from-yaml"
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Client.AuthUsername != "env-user" {
		t.Errorf("expected env override for username, got %q", cfg.Client.AuthUsername)
	}
	if cfg.Client.AuthPassword != "env-pass" {
		t.Errorf("expected env override for password, got %q", cfg.Client.AuthPassword)
	}
	if cfg.Pipeline.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("expected env override for api key, got %q", cfg.Pipeline.OpenAI.APIKey)
	}
}

func TestDurationHelpers(t *testing.T) {
	s := ServerConfig{LeaseTTL: 3600, RescanInterval: 60, ReclaimInterval: 30, RetryFailedAfter: 86400}
	if s.GetLeaseTTL() != time.Hour {
		t.Errorf("GetLeaseTTL = %v", s.GetLeaseTTL())
	}
	if s.GetRescanInterval() != time.Minute {
		t.Errorf("GetRescanInterval = %v", s.GetRescanInterval())
	}
	if s.GetReclaimInterval() != 30*time.Second {
		t.Errorf("GetReclaimInterval = %v", s.GetReclaimInterval())
	}
	if s.GetRetryFailedAfter() != 24*time.Hour {
		t.Errorf("GetRetryFailedAfter = %v", s.GetRetryFailedAfter())
	}

	c := ClientConfig{PollInterval: 10, MaxRunDuration: 21600}
	if c.GetPollInterval() != 10*time.Second {
		t.Errorf("GetPollInterval = %v", c.GetPollInterval())
	}
	if c.GetMaxRunDuration() != 6*time.Hour {
		t.Errorf("GetMaxRunDuration = %v", c.GetMaxRunDuration())
	}

	v := VADConfig{MinSegmentDuration: 1.5}
	if v.GetMinSegmentDuration() != 1500*time.Millisecond {
		t.Errorf("GetMinSegmentDuration = %v", v.GetMinSegmentDuration())
	}
}

func checkValidation(t *testing.T, err error, expectError bool, errorMsg string) {
	t.Helper()
	if expectError {
		if err == nil {
			t.Errorf("Expected error but got none")
		} else if errorMsg != "" && !strings.Contains(err.Error(), errorMsg) {
			t.Errorf("Expected error to contain '%s', got '%s'", errorMsg, err.Error())
		}
	} else if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}
}
