package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyLeased is returned when a file has an unexpired lease.
var ErrAlreadyLeased = errors.New("file is already leased")

// Lease is a time-bounded exclusive claim on one file
type Lease struct {
	FileID    string    `json:"file_id"`
	Holder    string    `json:"holder"` // diagnostics only, never used for routing
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed its TTL at the given time
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store maintains the table of active leases. All access is serialized
// by one mutex: the "at most one active lease per file" invariant is
// the core correctness property of the coordinator.
//
// Every mutation rewrites the JSON snapshot so a server restart does
// not hand out files that are still being worked on. A missing or
// corrupt snapshot only risks a duplicate in-flight attempt, which the
// result ingestor's idempotency absorbs, so loading never fails hard.
type Store struct {
	snapshotPath string
	logger       *slog.Logger

	leases map[string]Lease

	mu sync.Mutex
}

// NewStore creates a lease store backed by the given snapshot file.
// Pass an empty path to keep leases in memory only.
func NewStore(snapshotPath string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		snapshotPath: snapshotPath,
		logger:       logger,
		leases:       make(map[string]Lease),
	}

	if snapshotPath != "" {
		if dir := filepath.Dir(snapshotPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create lease snapshot directory: %w", err)
			}
		}
		s.loadSnapshot()
	}

	return s, nil
}

// loadSnapshot restores persisted leases. Unreadable state starts the
// store empty instead of failing: losing lease state must never lose a
// file.
func (s *Store) loadSnapshot() {
	data, err := os.ReadFile(s.snapshotPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Warn("Lease snapshot unreadable, starting with no leases",
			slog.String("path", s.snapshotPath),
			slog.String("error", err.Error()),
		)
		return
	}

	var leases map[string]Lease
	if err := json.Unmarshal(data, &leases); err != nil {
		s.logger.Warn("Lease snapshot corrupt, starting with no leases",
			slog.String("path", s.snapshotPath),
			slog.String("error", err.Error()),
		)
		return
	}

	s.leases = leases
	s.logger.Info("Restored lease snapshot",
		slog.String("path", s.snapshotPath),
		slog.Int("leases", len(leases)),
	)
}

// persistLocked rewrites the snapshot atomically. Callers must hold mu.
func (s *Store) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.leases, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease snapshot: %w", err)
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lease snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("failed to replace lease snapshot: %w", err)
	}

	return nil
}

// Acquire claims the file for holder with the given TTL. An unexpired
// existing lease yields ErrAlreadyLeased; an expired one is replaced.
func (s *Store) Acquire(fileID, holder string, ttl time.Duration) (Lease, error) {
	if fileID == "" {
		return Lease{}, fmt.Errorf("file_id cannot be empty")
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("ttl must be positive, got %v", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[fileID]; ok && !existing.Expired(now) {
		return Lease{}, ErrAlreadyLeased
	}

	lease := Lease{
		FileID:    fileID,
		Holder:    holder,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.leases[fileID] = lease

	if err := s.persistLocked(); err != nil {
		// The in-memory table stays authoritative; a stale snapshot only
		// matters across a restart.
		s.logger.Error("Failed to persist lease snapshot", slog.String("error", err.Error()))
	}

	return lease, nil
}

// Release removes the lease unconditionally and reports whether one
// existed. Both success and failure outcomes release the file.
func (s *Store) Release(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.leases[fileID]
	if !ok {
		return false
	}
	delete(s.leases, fileID)

	if err := s.persistLocked(); err != nil {
		s.logger.Error("Failed to persist lease snapshot", slog.String("error", err.Error()))
	}

	return true
}

// Active reports whether the file has an unexpired lease
func (s *Store) Active(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[fileID]
	return ok && !lease.Expired(time.Now())
}

// ReclaimExpired deletes every lease past its expiry and returns the
// reclaimed leases. This is the crash-recovery path for clients that
// died mid-task.
func (s *Store) ReclaimExpired() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var reclaimed []Lease
	for fileID, lease := range s.leases {
		if lease.Expired(now) {
			reclaimed = append(reclaimed, lease)
			delete(s.leases, fileID)
		}
	}

	if len(reclaimed) > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Error("Failed to persist lease snapshot", slog.String("error", err.Error()))
		}
	}

	return reclaimed
}

// ActiveCount returns the number of unexpired leases
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, lease := range s.leases {
		if !lease.Expired(now) {
			count++
		}
	}
	return count
}

// Snapshot returns a copy of all leases, sorted by file_id, for
// diagnostics endpoints.
func (s *Store) Snapshot() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()

	leases := make([]Lease, 0, len(s.leases))
	for _, lease := range s.leases {
		leases = append(leases, lease)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].FileID < leases[j].FileID })
	return leases
}
