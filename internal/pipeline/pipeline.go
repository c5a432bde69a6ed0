package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skypro1111/audio-dispatch-service/internal/config"
	"github.com/skypro1111/audio-dispatch-service/internal/subtitle"
)

// Result is the outcome of processing one audio file
type Result struct {
	VTT          string  // assembled WebVTT document
	TimeTaken    float64 // wall-clock processing time in seconds
	AudioMinutes float64 // source audio duration in minutes
	Segments     int     // number of voiced segments transcribed
}

// Pipeline converts an audio file into a transcript. It normalizes the
// audio with ffmpeg, optionally splits it into voiced regions, runs
// each region through the configured engine, and stitches the cue
// lists back onto the source timeline.
type Pipeline struct {
	config   config.PipelineConfig
	engine   Engine
	detector *Detector
	logger   *slog.Logger
}

// New creates a pipeline from configuration
func New(cfg config.PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	var engine Engine
	var err error

	switch cfg.Engine {
	case "whispercpp":
		engine, err = NewWhisperCPPEngine(cfg.WhisperCPP.BinaryPath, cfg.WhisperCPP.ModelPath)
	case "openai":
		engine, err = NewOpenAIEngine(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	default:
		err = fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	p := &Pipeline{
		config: cfg,
		engine: engine,
		logger: logger,
	}

	if cfg.VAD.Enabled {
		detector, err := NewDetector(cfg.VAD.BinaryPath, cfg.VAD.ModelPath, cfg.VAD.GetMinSegmentDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create vad detector: %w", err)
		}
		p.detector = detector
	}

	logger.Info("Pipeline created",
		"engine", engine.Name(),
		"vad_enabled", cfg.VAD.Enabled)

	return p, nil
}

// EngineName reports which transcription engine is configured
func (p *Pipeline) EngineName() string {
	return p.engine.Name()
}

// Process transcribes one audio file. language may be empty, in which
// case the configured fallback applies. Any stage failure fails the
// whole file; partial transcripts are never returned.
func (p *Pipeline) Process(ctx context.Context, audioPath, language string) (*Result, error) {
	started := time.Now()

	if language == "" {
		language = p.config.LanguageFallback
	}

	workDir, err := os.MkdirTemp("", "dispatch-pipeline-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	wavPath := filepath.Join(workDir, "source.wav")
	if err := p.convertToWAV(ctx, audioPath, wavPath); err != nil {
		return nil, fmt.Errorf("audio conversion failed: %w", err)
	}

	// A probe failure is not fatal: the duration is only reporting
	// data, and the transcript end time stands in for it below.
	duration, err := p.probeDuration(ctx, wavPath)
	if err != nil {
		p.logger.Warn("Duration probe failed, falling back to transcript end time",
			"path", audioPath, "error", err)
		duration = 0
	}

	var regions []Region
	if p.detector != nil {
		regions, err = p.detector.Detect(ctx, wavPath)
		if err != nil {
			return nil, fmt.Errorf("voice activity detection failed: %w", err)
		}
		if len(regions) == 0 {
			p.logger.Debug("VAD found no speech, transcribing whole file", "path", audioPath)
		}
	}

	p.logger.Debug("Processing audio file",
		"path", audioPath,
		"language", language,
		"duration", duration,
		"regions", len(regions))

	var merged []subtitle.Cue
	segments := 1
	if len(regions) == 0 {
		// No region splitting: the converted WAV goes to the engine as
		// one unit, with cue timestamps already on the source timeline.
		merged, err = p.transcribe(ctx, wavPath, language)
		if err != nil {
			return nil, err
		}
	} else {
		segments = len(regions)
		parts := make([][]subtitle.Cue, 0, len(regions))
		for i, region := range regions {
			cues, err := p.transcribeRegion(ctx, workDir, wavPath, region, i, language)
			if err != nil {
				return nil, fmt.Errorf("segment %d failed: %w", i, err)
			}
			parts = append(parts, cues)
		}
		merged = subtitle.Merge(parts...)
	}

	audioMinutes := duration.Minutes()
	if duration == 0 && len(merged) > 0 {
		audioMinutes = merged[len(merged)-1].End.Minutes()
	}

	return &Result{
		VTT:          subtitle.WriteVTT(merged),
		TimeTaken:    time.Since(started).Seconds(),
		AudioMinutes: audioMinutes,
		Segments:     segments,
	}, nil
}

func (p *Pipeline) transcribe(ctx context.Context, wavPath, language string) ([]subtitle.Cue, error) {
	raw, err := p.engine.Transcribe(ctx, wavPath, language)
	if err != nil {
		return nil, err
	}

	cues, err := subtitle.ParseVTT(raw)
	if err != nil {
		return nil, fmt.Errorf("engine output unparseable: %w", err)
	}
	return cues, nil
}

// transcribeRegion cuts one region, transcribes it, and shifts the
// resulting cues back onto the source timeline.
func (p *Pipeline) transcribeRegion(ctx context.Context, workDir, wavPath string, region Region, idx int, language string) ([]subtitle.Cue, error) {
	segPath := filepath.Join(workDir, fmt.Sprintf("segment_%03d.wav", idx))
	if err := p.cutSegment(ctx, wavPath, segPath, region); err != nil {
		return nil, fmt.Errorf("cut failed: %w", err)
	}
	defer os.Remove(segPath)

	cues, err := p.transcribe(ctx, segPath, language)
	if err != nil {
		return nil, err
	}

	return subtitle.Shift(cues, region.Start), nil
}
