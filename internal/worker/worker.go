package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skypro1111/audio-dispatch-service/internal/config"
	"github.com/skypro1111/audio-dispatch-service/internal/pipeline"
	"github.com/skypro1111/audio-dispatch-service/internal/schedule"
)

const errorReportAttempts = 3

// Processor turns a downloaded audio file into a transcript
type Processor interface {
	Process(ctx context.Context, audioPath, language string) (*pipeline.Result, error)
}

// Worker is the client-side poll loop. Inside its run window it leases
// tasks from the coordinator, runs them through the pipeline, stages
// the transcripts, and hands them to the uploader for delivery.
type Worker struct {
	config    config.ClientConfig
	api       *Client
	stages    *StageStore
	uploader  *Uploader
	processor Processor
	window    *schedule.Window
	logger    *slog.Logger
}

// New assembles a worker from its collaborators
func New(cfg config.ClientConfig, api *Client, stages *StageStore, uploader *Uploader, processor Processor, window *schedule.Window, logger *slog.Logger) *Worker {
	return &Worker{
		config:    cfg,
		api:       api,
		stages:    stages,
		uploader:  uploader,
		processor: processor,
		window:    window,
		logger:    logger,
	}
}

// Run executes the poll loop until the context is cancelled. Work in
// progress when the window closes still finishes; only new leases
// respect the window boundary.
func (w *Worker) Run(ctx context.Context) error {
	w.uploader.Start(ctx)
	defer w.uploader.Stop()

	if queued, err := w.uploader.EnqueuePending(); err != nil {
		w.logger.Error("Failed to scan pending uploads", "error", err)
	} else if queued > 0 {
		w.logger.Info("Resuming undelivered transcripts", "count", queued)
	}

	for {
		if err := w.window.WaitUntilOpen(ctx); err != nil {
			return nil
		}

		if !w.window.AlwaysOpen() {
			if closesAt, ok := w.window.ClosesAt(time.Now()); ok {
				w.logger.Info("Run window open", "schedule", w.config.Schedule, "closes_at", closesAt)
			}
		}

		w.runWindow(ctx)

		if ctx.Err() != nil {
			return nil
		}

		w.logger.Info("Run window closed")
	}
}

// runWindow polls for tasks until the window closes or the context is
// cancelled.
func (w *Worker) runWindow(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.window.Contains(time.Now()) {
			return
		}

		task, err := w.api.FetchTask(ctx)
		if errors.Is(err, ErrNoTask) {
			w.sleep(ctx, w.config.GetPollInterval())
			continue
		}
		if err != nil {
			w.logger.Warn("Task fetch failed", "error", err)
			w.sleep(ctx, w.config.GetPollInterval())
			continue
		}

		w.handleTask(ctx, task)
	}
}

// handleTask processes one leased task end to end. A pipeline failure
// is reported to the coordinator so the file is not silently
// re-leased forever; a staging failure leaves the lease to expire.
func (w *Worker) handleTask(ctx context.Context, task *Task) {
	w.logger.Info("Task leased", "file_id", task.FileID, "language", task.Language)

	audioPath := w.stages.LeasedAudioPath(task.FileID)
	if err := w.api.DownloadAudio(ctx, task.AudioURL, audioPath); err != nil {
		w.logger.Error("Audio download failed", "file_id", task.FileID, "error", err)
		return
	}
	defer w.stages.RemoveLeased(task.FileID)

	result, err := w.processor.Process(ctx, audioPath, task.Language)
	if err != nil {
		w.logger.Error("Processing failed", "file_id", task.FileID, "error", err)
		w.reportError(ctx, task.FileID, err.Error())
		return
	}

	meta := ArtifactMeta{
		FileID:       task.FileID,
		TimeTaken:    result.TimeTaken,
		AudioMinutes: result.AudioMinutes,
	}
	if err := w.stages.StageTranscribed(meta, result.VTT); err != nil {
		w.logger.Error("Failed to stage transcript", "file_id", task.FileID, "error", err)
		return
	}

	w.logger.Info("Transcript staged",
		"file_id", task.FileID,
		"time_taken", result.TimeTaken,
		"audio_minutes", result.AudioMinutes,
		"segments", result.Segments)

	if err := w.uploader.Enqueue(task.FileID); err != nil {
		// Stays staged on disk; picked up on the next startup scan.
		w.logger.Warn("Upload queue full, transcript stays staged", "file_id", task.FileID)
	}
}

// reportError tells the coordinator a task failed. Transient delivery
// errors get a few quick retries; if the report never lands the lease
// simply expires server-side.
func (w *Worker) reportError(ctx context.Context, fileID, reason string) {
	for attempt := 1; attempt <= errorReportAttempts; attempt++ {
		err := w.api.SubmitError(ctx, fileID, reason)
		if err == nil {
			return
		}
		if !IsRetryable(err) {
			w.logger.Warn("Error report rejected", "file_id", fileID, "error", err)
			return
		}
		w.logger.Warn("Error report failed", "file_id", fileID, "attempt", attempt, "error", err)
		w.sleep(ctx, time.Duration(attempt)*time.Second)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
