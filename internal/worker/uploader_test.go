package worker

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestUploader(t *testing.T, serverURL string, maxAttempts int) (*Uploader, *StageStore) {
	t.Helper()
	stages, err := NewStageStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStageStore failed: %v", err)
	}

	api := NewClient(serverURL, "worker-1", "", "")
	u := NewUploader(api, stages, testLogger(), 8, maxAttempts)
	u.backoffBase = time.Millisecond
	return u, stages
}

func waitForStage(t *testing.T, stages *StageStore, stage, fileID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if stages.InStage(stage, fileID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transcript %s never reached stage %s", fileID, stage)
}

func TestUploaderRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "temporarily down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, stages := newTestUploader(t, srv.URL, 5)
	if err := stages.StageTranscribed(ArtifactMeta{FileID: "abc123"}, "WEBVTT\n"); err != nil {
		t.Fatal(err)
	}

	u.Start(context.Background())
	defer u.Stop()

	if err := u.Enqueue("abc123"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStage(t, stages, stageUploaded, "abc123")
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", got)
	}
}

func TestUploaderMarksPermanentRejectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown file", http.StatusNotFound)
	}))
	defer srv.Close()

	u, stages := newTestUploader(t, srv.URL, 5)
	if err := stages.StageTranscribed(ArtifactMeta{FileID: "abc123"}, "WEBVTT\n"); err != nil {
		t.Fatal(err)
	}

	u.Start(context.Background())
	defer u.Stop()

	if err := u.Enqueue("abc123"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStage(t, stages, stageFailed, "abc123")
}

func TestUploaderLeavesStagedAfterExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u, stages := newTestUploader(t, srv.URL, 2)
	if err := stages.StageTranscribed(ArtifactMeta{FileID: "abc123"}, "WEBVTT\n"); err != nil {
		t.Fatal(err)
	}

	u.Start(context.Background())
	defer u.Stop()

	if err := u.Enqueue("abc123"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let the delivery loop finish bookkeeping.
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", got)
	}
	if !stages.InStage(stageTranscribed, "abc123") {
		t.Error("expected transcript to remain staged for the next run")
	}
}

func TestUploaderEnqueueDeduplicates(t *testing.T) {
	stages, err := NewStageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// Not started, so queued entries stay put.
	u := NewUploader(NewClient("http://localhost:1", "w", "", ""), stages, testLogger(), 1, 1)

	if err := u.Enqueue("abc123"); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if err := u.Enqueue("abc123"); err != nil {
		t.Fatalf("duplicate Enqueue should be a no-op, got %v", err)
	}
	if err := u.Enqueue("def456"); err == nil {
		t.Error("expected queue-full error for a second distinct transcript")
	}
	if len(u.queue) != 1 {
		t.Errorf("expected 1 queued transcript, got %d", len(u.queue))
	}
}

func TestUploaderEnqueuePending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, stages := newTestUploader(t, srv.URL, 3)
	for _, id := range []string{"one", "two", "three"} {
		if err := stages.StageTranscribed(ArtifactMeta{FileID: id}, "WEBVTT\n"); err != nil {
			t.Fatal(err)
		}
	}

	queued, err := u.EnqueuePending()
	if err != nil {
		t.Fatalf("EnqueuePending failed: %v", err)
	}
	if queued != 3 {
		t.Fatalf("expected 3 queued, got %d", queued)
	}

	u.Start(context.Background())
	defer u.Stop()

	for _, id := range []string{"one", "two", "three"} {
		waitForStage(t, stages, stageUploaded, id)
	}
}
