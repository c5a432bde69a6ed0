package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/audio-dispatch-service/internal/config"
	"github.com/skypro1111/audio-dispatch-service/internal/pipeline"
	"github.com/skypro1111/audio-dispatch-service/internal/schedule"
)

// stubProcessor fakes the transcription pipeline
type stubProcessor struct {
	result *pipeline.Result
	err    error
}

func (s *stubProcessor) Process(ctx context.Context, audioPath, language string) (*pipeline.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// coordStub is a minimal in-memory coordinator for driving the worker
type coordStub struct {
	mu       sync.Mutex
	tasks    []Task
	results  []Report
	failures []map[string]string
}

func (c *coordStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/task", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.tasks) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		task := c.tasks[0]
		c.tasks = c.tasks[1:]
		json.NewEncoder(w).Encode(task)
	})
	mux.HandleFunc("/audio/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake audio bytes"))
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		var report Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.results = append(c.results, report)
		c.mu.Unlock()
	})
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		var failure map[string]string
		if err := json.NewDecoder(r.Body).Decode(&failure); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.failures = append(c.failures, failure)
		c.mu.Unlock()
	})
	return mux
}

func (c *coordStub) resultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *coordStub) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures)
}

func newTestWorker(t *testing.T, serverURL string, processor Processor) (*Worker, *StageStore) {
	t.Helper()

	cfg := config.ClientConfig{
		ServerURL:         serverURL,
		WorkerID:          "worker-1",
		WorkDir:           t.TempDir(),
		PollInterval:      1,
		UploadMaxAttempts: 3,
		UploadQueueSize:   8,
	}

	stages, err := NewStageStore(cfg.WorkDir)
	if err != nil {
		t.Fatalf("NewStageStore failed: %v", err)
	}

	api := NewClient(serverURL, cfg.WorkerID, "", "")
	uploader := NewUploader(api, stages, testLogger(), cfg.UploadQueueSize, cfg.UploadMaxAttempts)
	uploader.backoffBase = time.Millisecond

	window, err := schedule.New("", 0)
	if err != nil {
		t.Fatalf("schedule.New failed: %v", err)
	}

	return New(cfg, api, stages, uploader, processor, window, testLogger()), stages
}

func TestWorkerProcessesTaskEndToEnd(t *testing.T) {
	coord := &coordStub{
		tasks: []Task{{FileID: "abc123", Language: "uk", AudioURL: "/audio/abc123"}},
	}
	srv := httptest.NewServer(coord.handler())
	defer srv.Close()

	processor := &stubProcessor{result: &pipeline.Result{
		VTT:          "WEBVTT\n\n00:00:00.000 --> 00:00:02.000\nhello\n",
		TimeTaken:    4.2,
		AudioMinutes: 1.5,
		Segments:     1,
	}}

	w, stages := newTestWorker(t, srv.URL, processor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for coord.resultCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if coord.resultCount() != 1 {
		t.Fatalf("expected 1 delivered result, got %d", coord.resultCount())
	}
	got := coord.results[0]
	if got.FileID != "abc123" || got.TimeTaken != 4.2 || got.AudioMinutes != 1.5 {
		t.Errorf("unexpected report: %+v", got)
	}
	if got.VTT == "" {
		t.Error("expected transcript in report")
	}

	waitForStage(t, stages, stageUploaded, "abc123")
	if _, _, err := stages.Load("abc123"); err == nil {
		t.Error("expected transcript to leave the transcribed stage")
	}
}

func TestWorkerReportsProcessingFailure(t *testing.T) {
	coord := &coordStub{
		tasks: []Task{{FileID: "abc123", Language: "uk", AudioURL: "/audio/abc123"}},
	}
	srv := httptest.NewServer(coord.handler())
	defer srv.Close()

	processor := &stubProcessor{err: errors.New("whisper.cpp crashed")}
	w, _ := newTestWorker(t, srv.URL, processor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for coord.failureCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if coord.failureCount() != 1 {
		t.Fatalf("expected 1 failure report, got %d", coord.failureCount())
	}
	if coord.failures[0]["file_id"] != "abc123" || coord.failures[0]["reason"] != "whisper.cpp crashed" {
		t.Errorf("unexpected failure report: %+v", coord.failures[0])
	}
	if coord.resultCount() != 0 {
		t.Error("expected no result for a failed task")
	}
}

// Transcripts staged by a previous run must be delivered on startup
// even when the coordinator has no new work.
func TestWorkerResumesStagedTranscriptsOnStartup(t *testing.T) {
	coord := &coordStub{}
	srv := httptest.NewServer(coord.handler())
	defer srv.Close()

	w, stages := newTestWorker(t, srv.URL, &stubProcessor{})

	meta := ArtifactMeta{FileID: "leftover", TimeTaken: 9.9, AudioMinutes: 2.5}
	if err := stages.StageTranscribed(meta, "WEBVTT\n"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for coord.resultCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if coord.resultCount() != 1 {
		t.Fatalf("expected leftover transcript to be delivered, got %d results", coord.resultCount())
	}
	if coord.results[0].FileID != "leftover" {
		t.Errorf("unexpected report: %+v", coord.results[0])
	}
}
