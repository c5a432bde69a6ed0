package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Engine is the external transcription collaborator. It takes a
// prepared WAV file and an optional language hint and returns a WebVTT
// document. Engine internals (accuracy, hardware) are not this
// service's concern.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, wavPath, language string) (string, error)
}

// WhisperCPPEngine shells out to a whisper.cpp binary
type WhisperCPPEngine struct {
	binaryPath string
	modelPath  string
}

// NewWhisperCPPEngine creates the local subprocess engine
func NewWhisperCPPEngine(binaryPath, modelPath string) (*WhisperCPPEngine, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("whisper.cpp binary path cannot be empty")
	}
	if modelPath == "" {
		return nil, fmt.Errorf("whisper.cpp model path cannot be empty")
	}

	return &WhisperCPPEngine{binaryPath: binaryPath, modelPath: modelPath}, nil
}

// Name implements Engine
func (e *WhisperCPPEngine) Name() string { return "whispercpp" }

// Transcribe implements Engine. The binary writes <output>.vtt next to
// the given base path; -of pins the base so the location is
// deterministic.
func (e *WhisperCPPEngine) Transcribe(ctx context.Context, wavPath, language string) (string, error) {
	outBase := strings.TrimSuffix(wavPath, filepath.Ext(wavPath))

	args := []string{
		"-m", e.modelPath,
		"-f", wavPath,
		"-ovtt",
		"-of", outBase,
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	cmd := exec.CommandContext(ctx, e.binaryPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("whisper.cpp failed: %w: %s", err, lastLine(out))
	}

	vttPath := outBase + ".vtt"
	data, err := os.ReadFile(vttPath)
	if err != nil {
		return "", fmt.Errorf("whisper.cpp produced no output file: %w", err)
	}
	defer os.Remove(vttPath)

	if len(strings.TrimSpace(string(data))) == 0 {
		return "", fmt.Errorf("whisper.cpp produced an empty transcript")
	}

	return string(data), nil
}

// OpenAIEngine calls an OpenAI-compatible transcription API
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine creates the remote API engine. baseURL may point at
// any OpenAI-compatible endpoint; empty selects the default.
func NewOpenAIEngine(apiKey, baseURL, model string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key cannot be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Name implements Engine
func (e *OpenAIEngine) Name() string { return "openai" }

// Transcribe implements Engine
func (e *OpenAIEngine) Transcribe(ctx context.Context, wavPath, language string) (string, error) {
	req := openai.AudioRequest{
		Model:    e.model,
		FilePath: wavPath,
		Language: language,
		Format:   openai.AudioResponseFormatVTT,
	}

	resp, err := e.client.CreateTranscription(ctx, req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}

	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("transcription API returned an empty transcript")
	}

	return resp.Text, nil
}
