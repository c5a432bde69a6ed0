package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Region is one voiced interval on the source file's timeline
type Region struct {
	Start time.Duration
	End   time.Duration
}

// Detector invokes the external voice-activity detector. The detector
// is an opaque collaborator: a binary taking a model and a WAV file and
// printing JSON [{"start": 1.2, "end": 3.4}, ...] seconds on stdout.
type Detector struct {
	binaryPath string
	modelPath  string
	minSegment time.Duration
}

// vadRegion is the detector's wire format
type vadRegion struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewDetector creates a VAD detector wrapper
func NewDetector(binaryPath, modelPath string, minSegment time.Duration) (*Detector, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("detector binary path cannot be empty")
	}
	if modelPath == "" {
		return nil, fmt.Errorf("detector model path cannot be empty")
	}

	return &Detector{
		binaryPath: binaryPath,
		modelPath:  modelPath,
		minSegment: minSegment,
	}, nil
}

// Detect returns the voiced regions of the WAV file, cleaned up per
// the minimum segment policy. An empty result means the file contains
// no detectable speech.
func (d *Detector) Detect(ctx context.Context, wavPath string) ([]Region, error) {
	cmd := exec.CommandContext(ctx, d.binaryPath,
		"--model", d.modelPath,
		"--audio", wavPath,
		"--output", "json",
	)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("vad detector failed: %s", lastLine(ee.Stderr))
		}
		return nil, fmt.Errorf("vad detector failed: %w", err)
	}

	var raw []vadRegion
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("vad detector produced unparseable output: %w", err)
	}

	regions := make([]Region, 0, len(raw))
	for _, r := range raw {
		if r.End <= r.Start {
			continue
		}
		regions = append(regions, Region{
			Start: time.Duration(r.Start * float64(time.Second)),
			End:   time.Duration(r.End * float64(time.Second)),
		})
	}

	return cleanRegions(regions, d.minSegment), nil
}

// cleanRegions merges regions separated by less than minSegment and
// drops the ones that remain shorter than it. Tiny gaps between voiced
// regions cost more in per-invocation engine overhead than the silence
// they skip.
func cleanRegions(regions []Region, minSegment time.Duration) []Region {
	if len(regions) == 0 {
		return nil
	}

	merged := []Region{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.Start-last.End < minSegment {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}

	kept := merged[:0]
	for _, r := range merged {
		if r.End-r.Start >= minSegment {
			kept = append(kept, r)
		}
	}

	if len(kept) == 0 {
		return nil
	}
	return kept
}
