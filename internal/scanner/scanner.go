package scanner

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// audioExtensions are the corpus file types handed out as tasks.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
}

// Task identifies one audio file in the corpus
type Task struct {
	FileID   string `json:"file_id"`
	Path     string `json:"-"` // absolute path, server-side only
	RelPath  string `json:"rel_path"`
	Language string `json:"language"`
}

// languageSidecar mirrors the two sidecar layouts found in corpora:
// a plain {"language": "en"} document or the legacy nested form
// {"sql_params": {"language": "en"}}.
type languageSidecar struct {
	Language  string `json:"language"`
	SQLParams struct {
		Language string `json:"language"`
	} `json:"sql_params"`
}

// Scanner enumerates the audio corpus in stable order. Results are
// cached for the configured interval so the acquire path stays cheap,
// and refreshed afterwards so files added after server start are
// picked up.
type Scanner struct {
	root     string
	interval time.Duration
	logger   *slog.Logger

	tasks    []Task
	byID     map[string]Task
	lastScan time.Time

	mu sync.Mutex
}

// New creates a scanner rooted at the corpus directory
func New(root string, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		root:     root,
		interval: interval,
		logger:   logger,
		byID:     make(map[string]Task),
	}
}

// Tasks returns the corpus in discovery order, rescanning when the
// cache is stale.
func (s *Scanner) Tasks() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(false); err != nil {
		return nil, err
	}

	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	return tasks, nil
}

// Lookup resolves a file_id to its task. The corpus is rescanned first
// when the cache is stale, so a just-added file can be looked up.
func (s *Scanner) Lookup(fileID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(false); err != nil {
		s.logger.Warn("Corpus rescan failed during lookup", slog.String("error", err.Error()))
	}

	task, ok := s.byID[fileID]
	return task, ok
}

// Refresh forces a rescan regardless of cache age
func (s *Scanner) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(true)
}

// Size returns the number of files in the last scan
func (s *Scanner) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scanner) refreshLocked(force bool) error {
	if !force && !s.lastScan.IsZero() && time.Since(s.lastScan) < s.interval {
		return nil
	}

	start := time.Now()
	var relPaths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished subdirectory should not abort the whole scan.
			s.logger.Warn("Skipping unreadable corpus entry",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		relPaths = append(relPaths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("corpus scan failed: %w", err)
	}

	// Stable discovery order keeps acquire deterministic and
	// starvation-free.
	sort.Strings(relPaths)

	tasks := make([]Task, 0, len(relPaths))
	byID := make(map[string]Task, len(relPaths))
	for _, rel := range relPaths {
		abs := filepath.Join(s.root, filepath.FromSlash(rel))
		task := Task{
			FileID:   FileID(rel),
			Path:     abs,
			RelPath:  rel,
			Language: s.readLanguageHint(abs),
		}
		tasks = append(tasks, task)
		byID[task.FileID] = task
	}

	s.tasks = tasks
	s.byID = byID
	s.lastScan = time.Now()

	s.logger.Debug("Corpus scan complete",
		slog.Int("files", len(tasks)),
		slog.Duration("took", time.Since(start)),
	)

	return nil
}

// readLanguageHint reads the optional <audio>.json sidecar. The hint is
// optional, so a missing or malformed sidecar yields an empty string.
func (s *Scanner) readLanguageHint(audioPath string) string {
	sidecarPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return ""
	}

	var sidecar languageSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		s.logger.Warn("Ignoring malformed language sidecar",
			slog.String("path", sidecarPath),
			slog.String("error", err.Error()),
		)
		return ""
	}

	if sidecar.Language != "" {
		return sidecar.Language
	}
	return sidecar.SQLParams.Language
}

// FileID derives the stable identifier for a corpus-relative path
func FileID(relPath string) string {
	sum := md5.Sum([]byte(relPath))
	return hex.EncodeToString(sum[:])
}
