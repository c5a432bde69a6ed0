package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/audio-dispatch-service/internal/ledger"
	"github.com/skypro1111/audio-dispatch-service/internal/lease"
	"github.com/skypro1111/audio-dispatch-service/internal/metrics"
	"github.com/skypro1111/audio-dispatch-service/internal/notify"
	"github.com/skypro1111/audio-dispatch-service/internal/scanner"
)

var (
	// ErrNoCandidate is returned when every corpus file is leased or
	// terminally recorded.
	ErrNoCandidate = errors.New("no candidate file available")

	// ErrUnknownFile is returned for submissions naming a file_id the
	// coordinator has never seen.
	ErrUnknownFile = errors.New("unknown file_id")
)

// OutcomePublisher receives terminal outcomes on a side channel.
// Implementations must be fire-and-forget.
type OutcomePublisher interface {
	Publish(event notify.Event)
}

// Config contains coordinator policy
type Config struct {
	LeaseTTL time.Duration

	// RetryFailed reintroduces files whose latest ledger record is
	// "failed" into the candidate pool after RetryFailedAfter. Off by
	// default: a failed record is terminal.
	RetryFailed      bool
	RetryFailedAfter time.Duration
}

// Coordinator combines the corpus scanner, lease table, and audit
// ledger behind a single mutex. Acquire, submit, and reclaim are
// serialized so the check-then-append over the ledger and the lease
// release commit as one atomic step.
type Coordinator struct {
	scanner *scanner.Scanner
	leases  *lease.Store
	ledger  *ledger.Ledger
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	notify  OutcomePublisher

	// failedAt tracks when a failed record landed, for the retry-failed
	// policy. Rows already on disk at startup inherit the ledger load
	// time.
	failedAt map[string]time.Time

	reclaimCancel context.CancelFunc
	reclaimWG     sync.WaitGroup

	mu sync.Mutex
}

// Stats is a snapshot of coordinator state for diagnostics
type Stats struct {
	CorpusSize    int `json:"corpus_size"`
	ActiveLeases  int `json:"active_leases"`
	LedgerRecords int `json:"ledger_records"`
	Candidates    int `json:"candidates"`
}

// NewCoordinator wires the scanner, lease store, and ledger together.
// The metrics and publisher arguments may be nil.
func NewCoordinator(scan *scanner.Scanner, leases *lease.Store, led *ledger.Ledger,
	config Config, logger *slog.Logger, m *metrics.Metrics, publisher OutcomePublisher) (*Coordinator, error) {

	if config.LeaseTTL <= 0 {
		return nil, fmt.Errorf("lease TTL must be positive, got %v", config.LeaseTTL)
	}
	if config.RetryFailed && config.RetryFailedAfter <= 0 {
		return nil, fmt.Errorf("retry-failed delay must be positive, got %v", config.RetryFailedAfter)
	}

	return &Coordinator{
		scanner:  scan,
		leases:   leases,
		ledger:   led,
		config:   config,
		logger:   logger,
		metrics:  m,
		notify:   publisher,
		failedAt: make(map[string]time.Time),
	}, nil
}

// StartReclaim runs periodic lease reclaim until Stop is called.
// Reclaim also runs lazily at the top of every Acquire, so the ticker
// only bounds how long an expired lease can linger between polls.
func (c *Coordinator) StartReclaim(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.reclaimCancel = cancel

	c.reclaimWG.Add(1)
	go func() {
		defer c.reclaimWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.ReclaimExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background reclaim loop
func (c *Coordinator) Stop() {
	if c.reclaimCancel != nil {
		c.reclaimCancel()
		c.reclaimWG.Wait()
	}
}

// ReclaimExpired deletes leases past their TTL, returning their files
// to the candidate pool. It takes the coordinator mutex like every
// other mutation, so the ticker never interleaves with a submit.
func (c *Coordinator) ReclaimExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reclaimExpiredLocked()
}

func (c *Coordinator) reclaimExpiredLocked() int {
	reclaimed := c.leases.ReclaimExpired()
	for _, l := range reclaimed {
		c.logger.Info("Reclaimed expired lease",
			slog.String("file_id", l.FileID),
			slog.String("holder", l.Holder),
			slog.Time("expired_at", l.ExpiresAt),
		)
	}

	if c.metrics != nil {
		c.metrics.LeasesReclaimed.Add(float64(len(reclaimed)))
		c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
	}

	return len(reclaimed)
}

// Acquire leases the first candidate file to holder. Candidates follow
// scanner discovery order, so no file is starved. Two concurrent
// Acquire calls never return the same file.
func (c *Coordinator) Acquire(holder string) (scanner.Task, lease.Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reclaimExpiredLocked()

	tasks, err := c.scanner.Tasks()
	if err != nil {
		return scanner.Task{}, lease.Lease{}, fmt.Errorf("failed to enumerate corpus: %w", err)
	}

	now := time.Now()
	candidates := 0
	var chosen *scanner.Task
	for i := range tasks {
		task := &tasks[i]
		if !c.isCandidateLocked(task.FileID, now) {
			continue
		}
		candidates++
		if chosen == nil {
			chosen = task
		}
	}

	if c.metrics != nil {
		c.metrics.CandidatePoolSize.Set(float64(candidates))
	}

	if chosen == nil {
		if c.metrics != nil {
			c.metrics.NoCandidate.Inc()
		}
		return scanner.Task{}, lease.Lease{}, ErrNoCandidate
	}

	granted, err := c.leases.Acquire(chosen.FileID, holder, c.config.LeaseTTL)
	if err != nil {
		return scanner.Task{}, lease.Lease{}, fmt.Errorf("failed to lease %s: %w", chosen.FileID, err)
	}

	if c.metrics != nil {
		c.metrics.TasksAssigned.Inc()
		c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
	}

	c.logger.Info("Task assigned",
		slog.String("file_id", chosen.FileID),
		slog.String("path", chosen.RelPath),
		slog.String("language", chosen.Language),
		slog.String("holder", holder),
		slog.Time("expires_at", granted.ExpiresAt),
	)

	return *chosen, granted, nil
}

// isCandidateLocked applies the ledger filter and lease filter to one
// file. Callers must hold mu.
func (c *Coordinator) isCandidateLocked(fileID string, now time.Time) bool {
	if c.leases.Active(fileID) {
		return false
	}

	status, ok := c.ledger.Status(fileID)
	if !ok {
		return true
	}
	if status == ledger.StatusUploaded {
		return false
	}

	// status == failed
	if !c.config.RetryFailed {
		return false
	}
	failedAt, ok := c.failedAt[fileID]
	if !ok {
		// Recorded before this process started.
		failedAt = c.ledger.LoadedAt()
		c.failedAt[fileID] = failedAt
	}
	return now.Sub(failedAt) >= c.config.RetryFailedAfter
}

// SubmitSuccess commits a success report. Any report for a file that
// already has a terminal record is a no-op that still succeeds: the
// first terminal report wins, and the client must never be told to
// retry a report that already landed.
func (c *Coordinator) SubmitSuccess(fileID string, timeTaken, audioMinutes float64, vtt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status, ok := c.ledger.Status(fileID); ok {
		// A failed record with an active lease means a retry attempt is
		// succeeding; that is a new outcome, not a duplicate. A late
		// success for a failure that already committed is absorbed.
		if status == ledger.StatusUploaded || !c.leases.Active(fileID) {
			if c.metrics != nil {
				c.metrics.DuplicateSubmissions.Inc()
			}
			c.logger.Info("Duplicate success report absorbed", slog.String("file_id", fileID))
			return nil
		}
	}

	task, known := c.scanner.Lookup(fileID)
	if err := c.checkKnownLocked(fileID, known); err != nil {
		return err
	}

	language := task.Language

	// Persist the artifact before the ledger row: a crash in between
	// leaves the file leasable, and the next success overwrite is
	// harmless.
	if known && vtt != "" {
		if err := writeArtifact(task.Path, vtt); err != nil {
			return fmt.Errorf("failed to store transcript for %s: %w", fileID, err)
		}
	}

	record := ledger.Record{
		FileID:       fileID,
		Language:     language,
		TimeTaken:    timeTaken,
		AudioMinutes: audioMinutes,
		Status:       ledger.StatusUploaded,
	}
	if err := c.ledger.Append(record); err != nil {
		return fmt.Errorf("failed to commit success for %s: %w", fileID, err)
	}

	c.leases.Release(fileID)
	delete(c.failedAt, fileID)

	if c.metrics != nil {
		c.metrics.ResultsCommitted.Inc()
		c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
		c.metrics.AudioMinutesDone.Observe(audioMinutes)
		c.metrics.ProcessingTime.Observe(timeTaken)
	}

	c.logger.Info("Result committed",
		slog.String("file_id", fileID),
		slog.Float64("time_taken", timeTaken),
		slog.Float64("audio_minutes", audioMinutes),
	)

	c.publish(notify.Event{FileID: fileID, Status: string(ledger.StatusUploaded), AudioMinutes: audioMinutes})

	return nil
}

// SubmitFailure commits a failure report. Duplicate failure reports
// for a file that already has a terminal record are absorbed the same
// way duplicate successes are.
func (c *Coordinator) SubmitFailure(fileID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status, ok := c.ledger.Status(fileID); ok {
		// A failed record with an active lease means a retry attempt is
		// failing again; that is a new outcome, not a duplicate.
		if status == ledger.StatusUploaded || !c.leases.Active(fileID) {
			if c.metrics != nil {
				c.metrics.DuplicateSubmissions.Inc()
			}
			c.logger.Info("Duplicate failure report absorbed", slog.String("file_id", fileID))
			return nil
		}
	}

	task, known := c.scanner.Lookup(fileID)
	if err := c.checkKnownLocked(fileID, known); err != nil {
		return err
	}

	record := ledger.Record{
		FileID:   fileID,
		Language: task.Language,
		Status:   ledger.StatusFailed,
		Reason:   reason,
	}
	if err := c.ledger.Append(record); err != nil {
		return fmt.Errorf("failed to commit failure for %s: %w", fileID, err)
	}

	c.leases.Release(fileID)
	c.failedAt[fileID] = time.Now()

	if c.metrics != nil {
		c.metrics.FailuresRecorded.Inc()
		c.metrics.ActiveLeases.Set(float64(c.leases.ActiveCount()))
	}

	c.logger.Warn("Failure recorded",
		slog.String("file_id", fileID),
		slog.String("reason", reason),
	)

	c.publish(notify.Event{FileID: fileID, Status: string(ledger.StatusFailed), Reason: reason})

	return nil
}

// checkKnownLocked decides whether a submission names a file the
// coordinator knows. A late report after lease expiry is still known
// (the file is in the corpus), so slow clients get idempotent
// treatment instead of an error.
func (c *Coordinator) checkKnownLocked(fileID string, inCorpus bool) error {
	if inCorpus || c.leases.Active(fileID) || c.ledger.Has(fileID) {
		return nil
	}
	if c.metrics != nil {
		c.metrics.UnknownSubmissions.Inc()
	}
	return fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
}

// Lookup resolves a file_id to its corpus entry
func (c *Coordinator) Lookup(fileID string) (scanner.Task, bool) {
	return c.scanner.Lookup(fileID)
}

// Leases returns the active lease table for diagnostics
func (c *Coordinator) Leases() []lease.Lease {
	return c.leases.Snapshot()
}

// GetStats returns a snapshot of coordinator state
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.scanner.Tasks()
	if err != nil {
		c.logger.Warn("Corpus scan failed during stats", slog.String("error", err.Error()))
	}

	now := time.Now()
	candidates := 0
	for i := range tasks {
		if c.isCandidateLocked(tasks[i].FileID, now) {
			candidates++
		}
	}

	return Stats{
		CorpusSize:    len(tasks),
		ActiveLeases:  c.leases.ActiveCount(),
		LedgerRecords: c.ledger.Len(),
		Candidates:    candidates,
	}
}

func (c *Coordinator) publish(event notify.Event) {
	if c.notify == nil {
		return
	}
	go c.notify.Publish(event)
}

// writeArtifact stores the transcript next to the source audio as
// <audio>.vtt, atomically.
func writeArtifact(audioPath, vtt string) error {
	vttPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".vtt"
	tmp := vttPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(vtt), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, vttPath)
}
