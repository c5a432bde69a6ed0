package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// convertToWAV transcodes the source audio to the 16 kHz mono PCM WAV
// the transcription engines expect.
func (p *Pipeline) convertToWAV(ctx context.Context, srcPath, destPath string) error {
	cmd := exec.CommandContext(ctx, p.config.FFmpegPath,
		"-y", "-i", srcPath,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le",
		destPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg conversion failed: %w: %s", err, lastLine(out))
	}
	return nil
}

// cutSegment extracts one voiced region into its own WAV file
func (p *Pipeline) cutSegment(ctx context.Context, srcPath, destPath string, region Region) error {
	cmd := exec.CommandContext(ctx, p.config.FFmpegPath,
		"-y",
		"-ss", formatSeconds(region.Start),
		"-t", formatSeconds(region.End-region.Start),
		"-i", srcPath,
		"-c:a", "pcm_s16le",
		destPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg segment cut failed: %w: %s", err, lastLine(out))
	}
	return nil
}

// probeDuration asks ffprobe for the audio duration
func (p *Pipeline) probeDuration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, p.config.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return 0, fmt.Errorf("ffprobe failed: %s", lastLine(ee.Stderr))
		}
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparseable duration %q: %w", strings.TrimSpace(string(out)), err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// formatSeconds renders a duration as fractional seconds for ffmpeg
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// lastLine extracts the final non-empty line of tool output, which for
// ffmpeg-family tools carries the actual error.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
