package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	uploadBackoffBase = 2 * time.Second
	uploadBackoffMax  = 60 * time.Second
)

// Uploader delivers staged transcripts to the coordinator. Delivery is
// decoupled from transcription so a slow or unreachable server never
// blocks the pipeline; failed deliveries stay staged on disk and
// survive restarts.
type Uploader struct {
	api         *Client
	stages      *StageStore
	logger      *slog.Logger
	maxAttempts int

	queue       chan string
	inflight    map[string]bool
	mu          sync.Mutex
	backoffBase time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUploader creates an uploader with a bounded delivery queue
func NewUploader(api *Client, stages *StageStore, logger *slog.Logger, queueSize, maxAttempts int) *Uploader {
	return &Uploader{
		api:         api,
		stages:      stages,
		logger:      logger,
		maxAttempts: maxAttempts,
		queue:       make(chan string, queueSize),
		inflight:    make(map[string]bool),
		backoffBase: uploadBackoffBase,
	}
}

// Start launches the delivery loop
func (u *Uploader) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)
	u.wg.Add(1)
	go u.run(ctx)
}

// Stop cancels in-progress retries and waits for the loop to exit.
// Undelivered transcripts stay in the transcribed stage.
func (u *Uploader) Stop() {
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// Enqueue schedules a staged transcript for delivery. A transcript
// already queued or being delivered is not queued again.
func (u *Uploader) Enqueue(fileID string) error {
	u.mu.Lock()
	if u.inflight[fileID] {
		u.mu.Unlock()
		return nil
	}
	u.inflight[fileID] = true
	u.mu.Unlock()

	select {
	case u.queue <- fileID:
		return nil
	default:
		u.release(fileID)
		return fmt.Errorf("upload queue is full")
	}
}

// EnqueuePending schedules every transcript left in the transcribed
// stage, oldest first. Called on startup to resume deliveries that a
// previous run did not finish.
func (u *Uploader) EnqueuePending() (int, error) {
	pending, err := u.stages.PendingUploads()
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, p := range pending {
		if err := u.Enqueue(p.Meta.FileID); err != nil {
			break
		}
		queued++
	}
	return queued, nil
}

func (u *Uploader) release(fileID string) {
	u.mu.Lock()
	delete(u.inflight, fileID)
	u.mu.Unlock()
}

func (u *Uploader) run(ctx context.Context) {
	defer u.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fileID := <-u.queue:
			u.deliver(ctx, fileID)
			u.release(fileID)
		}
	}
}

// deliver pushes one transcript to the coordinator, retrying transient
// failures with exponential backoff. After maxAttempts the transcript
// is left staged for the next run; a permanent rejection moves it to
// the failed stage instead.
func (u *Uploader) deliver(ctx context.Context, fileID string) {
	meta, vtt, err := u.stages.Load(fileID)
	if err != nil {
		u.logger.Error("Failed to load staged transcript", "file_id", fileID, "error", err)
		return
	}

	report := Report{
		FileID:       meta.FileID,
		TimeTaken:    meta.TimeTaken,
		AudioMinutes: meta.AudioMinutes,
		VTT:          vtt,
	}

	backoff := u.backoffBase
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		err := u.api.SubmitResult(ctx, report)
		if err == nil {
			if err := u.stages.MarkUploaded(fileID); err != nil {
				u.logger.Error("Failed to mark transcript uploaded", "file_id", fileID, "error", err)
			}
			u.logger.Info("Transcript delivered", "file_id", fileID, "attempt", attempt)
			return
		}

		if !IsRetryable(err) {
			u.logger.Error("Transcript rejected by server", "file_id", fileID, "error", err)
			if err := u.stages.MarkFailed(fileID, err.Error()); err != nil {
				u.logger.Error("Failed to mark transcript failed", "file_id", fileID, "error", err)
			}
			return
		}

		u.logger.Warn("Transcript delivery failed",
			"file_id", fileID,
			"attempt", attempt,
			"max_attempts", u.maxAttempts,
			"error", err)

		if attempt == u.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > uploadBackoffMax {
			backoff = uploadBackoffMax
		}
	}

	u.logger.Error("Transcript delivery exhausted retries, leaving staged",
		"file_id", fileID,
		"attempts", u.maxAttempts)
}
