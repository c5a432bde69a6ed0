package subtitle

import (
	"bufio"
	"fmt"
	"strings"
	"time"
)

// Cue is one timed block of subtitle text
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string // may span multiple lines
}

// ParseVTT reads a WebVTT document into cues. Cue identifiers, NOTE
// blocks, and STYLE blocks are ignored; cue settings after the
// timestamps are dropped. Engines produce slightly different dialects,
// so parsing is tolerant: anything that is not a valid cue is skipped.
func ParseVTT(document string) ([]Cue, error) {
	scanner := bufio.NewScanner(strings.NewReader(document))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cues []Cue
	var current *Cue

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if current == nil {
			start, end, ok := parseCueTiming(trimmed)
			if !ok {
				continue
			}
			current = &Cue{Start: start, End: end}
			continue
		}

		if trimmed == "" {
			cues = append(cues, *current)
			current = nil
			continue
		}

		if current.Text != "" {
			current.Text += "\n"
		}
		current.Text += trimmed
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan vtt document: %w", err)
	}
	if current != nil {
		cues = append(cues, *current)
	}

	return cues, nil
}

// parseCueTiming parses "HH:MM:SS.mmm --> HH:MM:SS.mmm" (hours
// optional), ignoring trailing cue settings.
func parseCueTiming(line string) (time.Duration, time.Duration, bool) {
	idx := strings.Index(line, "-->")
	if idx < 0 {
		return 0, 0, false
	}

	startStr := strings.TrimSpace(line[:idx])
	endPart := strings.TrimSpace(line[idx+len("-->"):])
	if spc := strings.IndexAny(endPart, " \t"); spc >= 0 {
		endPart = endPart[:spc]
	}

	start, err := parseTimestamp(startStr)
	if err != nil {
		return 0, 0, false
	}
	end, err := parseTimestamp(endPart)
	if err != nil {
		return 0, 0, false
	}

	return start, end, true
}

// parseTimestamp parses "HH:MM:SS.mmm" or "MM:SS.mmm"
func parseTimestamp(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")

	var hours, minutes int
	var seconds float64
	var err error

	switch len(parts) {
	case 3:
		if _, err = fmt.Sscanf(s, "%d:%d:%f", &hours, &minutes, &seconds); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	case 2:
		if _, err = fmt.Sscanf(s, "%d:%f", &minutes, &seconds); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	default:
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}

	if minutes < 0 || minutes > 59 || seconds < 0 || seconds >= 60 {
		return 0, fmt.Errorf("timestamp %q out of range", s)
	}

	total := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return total, nil
}

// FormatTimestamp renders a duration as "HH:MM:SS.mmm"
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	millis := (d - seconds*time.Second) / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

// Shift rebases every cue by offset, returning a new slice
func Shift(cues []Cue, offset time.Duration) []Cue {
	shifted := make([]Cue, len(cues))
	for i, cue := range cues {
		shifted[i] = Cue{
			Start: cue.Start + offset,
			End:   cue.End + offset,
			Text:  cue.Text,
		}
	}
	return shifted
}

// Merge concatenates per-segment cue lists. Segments must already be
// shifted to the original file's timeline and supplied in segment
// order, which the pipeline guarantees.
func Merge(segments ...[]Cue) []Cue {
	var merged []Cue
	for _, cues := range segments {
		merged = append(merged, cues...)
	}
	return merged
}

// WriteVTT renders cues as one WebVTT document
func WriteVTT(cues []Cue) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, cue := range cues {
		b.WriteString(FormatTimestamp(cue.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(cue.End))
		b.WriteString("\n")
		b.WriteString(cue.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
