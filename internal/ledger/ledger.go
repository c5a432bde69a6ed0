package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Status is the terminal outcome recorded for a file
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// header is the fixed CSV column layout. Existing rows are never
// rewritten; the file only grows.
var header = []string{"file_id", "language", "time_taken", "audio_minutes", "status", "reason"}

// Record is one terminal outcome for a file
type Record struct {
	FileID       string
	Language     string
	TimeTaken    float64 // seconds of wall-clock processing
	AudioMinutes float64
	Status       Status
	Reason       string
}

// Ledger is the append-only record of terminal task outcomes. The full
// file is indexed in memory on open so membership checks stay cheap for
// corpus-sized scans.
type Ledger struct {
	path   string
	file   *os.File
	writer *csv.Writer
	logger *slog.Logger

	// index holds the latest status per file_id. More than one row per
	// file can exist when the failed-retry policy is enabled; the last
	// row wins.
	index map[string]Status

	// loadedAt approximates the failure time for rows that were already
	// on disk when the process started.
	loadedAt time.Time

	skippedRows int

	mu sync.RWMutex
}

// Open loads the ledger at path, creating it with a header row when
// absent. Malformed rows (for example a row truncated by a crash
// mid-append) are skipped with a warning rather than aborting startup.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	l := &Ledger{
		path:     path,
		logger:   logger,
		index:    make(map[string]Status),
		loadedAt: time.Now(),
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger for append: %w", err)
	}
	l.file = file
	l.writer = csv.NewWriter(file)

	// A brand new ledger starts with the header row.
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat ledger: %w", err)
	}
	if info.Size() == 0 {
		if err := l.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write ledger header: %w", err)
		}
		l.writer.Flush()
		if err := l.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to flush ledger header: %w", err)
		}
	}

	return l, nil
}

// load reads every row of the existing file into the in-memory index.
func (l *Ledger) load() error {
	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	line := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Most likely a write truncated or garbled by a crash. The
			// reader resumes at the next line, so only the bad row is
			// lost; a non-parse error means the file itself is
			// unreadable and loading stops.
			l.logger.Warn("Skipping unreadable ledger row",
				slog.String("path", l.path),
				slog.Int("line", line+1),
				slog.String("error", err.Error()),
			)
			l.skippedRows++
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			break
		}
		line++

		if line == 1 && len(row) > 0 && row[0] == header[0] {
			continue
		}

		if len(row) != len(header) || row[0] == "" {
			l.logger.Warn("Skipping malformed ledger row",
				slog.String("path", l.path),
				slog.Int("line", line),
				slog.Int("fields", len(row)),
			)
			l.skippedRows++
			continue
		}

		status := Status(row[4])
		if status != StatusUploaded && status != StatusFailed {
			l.logger.Warn("Skipping ledger row with unknown status",
				slog.String("path", l.path),
				slog.Int("line", line),
				slog.String("status", row[4]),
			)
			l.skippedRows++
			continue
		}

		l.index[row[0]] = status
	}

	return nil
}

// Has reports whether any record exists for the file
func (l *Ledger) Has(fileID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[fileID]
	return ok
}

// Status returns the latest recorded status for the file
func (l *Ledger) Status(fileID string) (Status, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status, ok := l.index[fileID]
	return status, ok
}

// Append writes one record and flushes it to disk before returning.
// Append is the sole mutation; rows are never rewritten.
func (l *Ledger) Append(rec Record) error {
	if rec.FileID == "" {
		return fmt.Errorf("record file_id cannot be empty")
	}
	if rec.Status != StatusUploaded && rec.Status != StatusFailed {
		return fmt.Errorf("record status must be 'uploaded' or 'failed', got '%s'", rec.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		rec.FileID,
		rec.Language,
		strconv.FormatFloat(rec.TimeTaken, 'f', 3, 64),
		strconv.FormatFloat(rec.AudioMinutes, 'f', 3, 64),
		string(rec.Status),
		rec.Reason,
	}

	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("failed to append ledger row: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush ledger row: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	l.index[rec.FileID] = rec.Status
	return nil
}

// Len returns the number of files with at least one record
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// SkippedRows returns the count of rows dropped during load
func (l *Ledger) SkippedRows() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skippedRows
}

// LoadedAt returns when the on-disk ledger was read
func (l *Ledger) LoadedAt() time.Time {
	return l.loadedAt
}

// Close flushes and closes the underlying file
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.file.Close()
		return fmt.Errorf("failed to flush ledger on close: %w", err)
	}
	return l.file.Close()
}
