package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Stage directory names under the worker's work directory. A finished
// transcript lives in exactly one stage at a time; moving between
// stages is a rename, so a crash never leaves a transcript in two
// places or in none.
const (
	stageLeased      = "leased"
	stageTranscribed = "transcribed"
	stageUploaded    = "uploaded"
	stageFailed      = "failed"
)

// ArtifactMeta is the sidecar record written next to a staged
// transcript. Its presence marks the transcript as completely written.
type ArtifactMeta struct {
	FileID       string    `json:"file_id"`
	TimeTaken    float64   `json:"time_taken"`
	AudioMinutes float64   `json:"audio_minutes"`
	StagedAt     time.Time `json:"staged_at"`
}

// PendingUpload is a transcript waiting to be delivered
type PendingUpload struct {
	Meta    ArtifactMeta
	VTTPath string
}

// StageStore manages the on-disk lifecycle of downloaded audio and
// finished transcripts.
type StageStore struct {
	root string
}

// NewStageStore creates the stage directories under root
func NewStageStore(root string) (*StageStore, error) {
	for _, stage := range []string{stageLeased, stageTranscribed, stageUploaded, stageFailed} {
		if err := os.MkdirAll(filepath.Join(root, stage), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create stage directory %s: %w", stage, err)
		}
	}
	return &StageStore{root: root}, nil
}

// LeasedAudioPath returns where the downloaded audio for a task lives
func (s *StageStore) LeasedAudioPath(fileID string) string {
	return filepath.Join(s.root, stageLeased, fileID+".audio")
}

// RemoveLeased deletes the downloaded audio for a task
func (s *StageStore) RemoveLeased(fileID string) {
	os.Remove(s.LeasedAudioPath(fileID))
}

// StageTranscribed durably records a finished transcript. The VTT is
// written first and the meta sidecar last, each through a temp file
// and rename, so a transcript with a meta file is always complete.
func (s *StageStore) StageTranscribed(meta ArtifactMeta, vtt string) error {
	if meta.FileID == "" {
		return fmt.Errorf("meta file_id cannot be empty")
	}
	if meta.StagedAt.IsZero() {
		meta.StagedAt = time.Now().UTC()
	}

	vttPath := s.stagePath(stageTranscribed, meta.FileID, ".vtt")
	if err := writeFileAtomic(vttPath, []byte(vtt)); err != nil {
		return fmt.Errorf("failed to stage transcript: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.stagePath(stageTranscribed, meta.FileID, ".json"), data); err != nil {
		return fmt.Errorf("failed to stage transcript metadata: %w", err)
	}

	return nil
}

// PendingUploads lists staged transcripts that have not been delivered
// yet, oldest first. Transcripts without a readable meta sidecar are
// skipped; they were interrupted mid-stage and their task will be
// re-leased by the server once the lease expires.
func (s *StageStore) PendingUploads() ([]PendingUpload, error) {
	dir := filepath.Join(s.root, stageTranscribed)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage directory: %w", err)
	}

	var pending []PendingUpload
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta ArtifactMeta
		if err := json.Unmarshal(data, &meta); err != nil || meta.FileID == "" {
			continue
		}

		vttPath := s.stagePath(stageTranscribed, meta.FileID, ".vtt")
		if _, err := os.Stat(vttPath); err != nil {
			continue
		}

		pending = append(pending, PendingUpload{Meta: meta, VTTPath: vttPath})
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Meta.StagedAt.Before(pending[j].Meta.StagedAt)
	})

	return pending, nil
}

// Load reads a staged transcript and its metadata
func (s *StageStore) Load(fileID string) (ArtifactMeta, string, error) {
	data, err := os.ReadFile(s.stagePath(stageTranscribed, fileID, ".json"))
	if err != nil {
		return ArtifactMeta{}, "", fmt.Errorf("failed to read transcript metadata: %w", err)
	}
	var meta ArtifactMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ArtifactMeta{}, "", fmt.Errorf("failed to parse transcript metadata: %w", err)
	}

	vtt, err := os.ReadFile(s.stagePath(stageTranscribed, fileID, ".vtt"))
	if err != nil {
		return ArtifactMeta{}, "", fmt.Errorf("failed to read transcript: %w", err)
	}

	return meta, string(vtt), nil
}

// MarkUploaded moves a delivered transcript out of the pending stage
func (s *StageStore) MarkUploaded(fileID string) error {
	return s.move(fileID, stageTranscribed, stageUploaded)
}

// MarkFailed moves a permanently rejected transcript aside and records
// why, so an operator can inspect it later.
func (s *StageStore) MarkFailed(fileID, reason string) error {
	if err := s.move(fileID, stageTranscribed, stageFailed); err != nil {
		return err
	}
	reasonPath := s.stagePath(stageFailed, fileID, ".reason.txt")
	return writeFileAtomic(reasonPath, []byte(reason+"\n"))
}

// InStage reports whether a transcript's meta sidecar exists in the
// given stage directory. Exposed for the uploader's bookkeeping.
func (s *StageStore) InStage(stage, fileID string) bool {
	_, err := os.Stat(s.stagePath(stage, fileID, ".json"))
	return err == nil
}

func (s *StageStore) move(fileID, from, to string) error {
	vttFrom := s.stagePath(from, fileID, ".vtt")
	vttTo := s.stagePath(to, fileID, ".vtt")
	if err := os.Rename(vttFrom, vttTo); err != nil {
		return fmt.Errorf("failed to move transcript: %w", err)
	}

	metaFrom := s.stagePath(from, fileID, ".json")
	metaTo := s.stagePath(to, fileID, ".json")
	if err := os.Rename(metaFrom, metaTo); err != nil {
		return fmt.Errorf("failed to move transcript metadata: %w", err)
	}

	return nil
}

func (s *StageStore) stagePath(stage, fileID, ext string) string {
	return filepath.Join(s.root, stage, fileID+ext)
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
