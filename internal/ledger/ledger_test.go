package ledger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenCreatesFileWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "processed.csv")

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read ledger file: %v", err)
	}

	want := "file_id,language,time_taken,audio_minutes,status,reason"
	if !strings.HasPrefix(string(data), want) {
		t.Errorf("expected header %q, got %q", want, string(data))
	}
}

func TestAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	records := []Record{
		{FileID: "aaa", Language: "en", TimeTaken: 12.3, AudioMinutes: 5.0, Status: StatusUploaded},
		{FileID: "bbb", Language: "uk", Status: StatusFailed, Reason: "engine produced no output"},
	}
	for _, rec := range records {
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append(%s) failed: %v", rec.FileID, err)
		}
	}

	if !l.Has("aaa") || !l.Has("bbb") {
		t.Error("expected both records in index")
	}
	if l.Has("ccc") {
		t.Error("did not expect record for ccc")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reload and verify the index survives a restart.
	l2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	if l2.Len() != 2 {
		t.Errorf("expected 2 indexed files after reload, got %d", l2.Len())
	}

	status, ok := l2.Status("bbb")
	if !ok || status != StatusFailed {
		t.Errorf("expected failed status for bbb, got %v (ok=%v)", status, ok)
	}
}

func TestLastRowWinsOnReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// A failed attempt followed by a successful retry leaves two rows.
	if err := l.Append(Record{FileID: "aaa", Status: StatusFailed, Reason: "transient"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Append(Record{FileID: "aaa", Status: StatusUploaded, TimeTaken: 1, AudioMinutes: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	l.Close()

	l2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	status, ok := l2.Status("aaa")
	if !ok || status != StatusUploaded {
		t.Errorf("expected uploaded (last row wins), got %v", status)
	}
	if l2.Len() != 1 {
		t.Errorf("expected 1 indexed file, got %d", l2.Len())
	}
}

func TestTruncatedTrailingRowIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")

	content := "file_id,language,time_taken,audio_minutes,status,reason\n" +
		"aaa,en,12.300,5.000,uploaded,\n" +
		"bbb,uk,0.000,0.000,fail" // crash mid-write
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed on truncated ledger: %v", err)
	}
	defer l.Close()

	if !l.Has("aaa") {
		t.Error("intact row should survive a truncated trailing row")
	}
	if l.Has("bbb") {
		t.Error("truncated row should not be indexed")
	}
	if l.SkippedRows() != 1 {
		t.Errorf("expected 1 skipped row, got %d", l.SkippedRows())
	}

	// The ledger must remain appendable after a partial write.
	if err := l.Append(Record{FileID: "ccc", Status: StatusUploaded}); err != nil {
		t.Fatalf("Append after truncated load failed: %v", err)
	}
}

func TestCorruptMiddleRowIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")

	// The second data row carries a bare quote mid-field, which the CSV
	// reader rejects. Rows after it must still load.
	content := "file_id,language,time_taken,audio_minutes,status,reason\n" +
		"aaa,en,12.300,5.000,uploaded,\n" +
		"bbb,en,\"12.3\"x,5.000,uploaded,\n" +
		"ccc,uk,3.000,1.000,failed,timeout\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to seed ledger: %v", err)
	}

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed on corrupt ledger: %v", err)
	}
	defer l.Close()

	if !l.Has("aaa") {
		t.Error("row before the corrupt one should be indexed")
	}
	if l.Has("bbb") {
		t.Error("corrupt row should not be indexed")
	}
	if !l.Has("ccc") {
		t.Error("row after the corrupt one should be indexed")
	}
	if l.SkippedRows() != 1 {
		t.Errorf("expected 1 skipped row, got %d", l.SkippedRows())
	}
}

func TestAppendValidation(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "processed.csv"), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if err := l.Append(Record{Status: StatusUploaded}); err == nil {
		t.Error("expected error for empty file_id")
	}
	if err := l.Append(Record{FileID: "aaa", Status: Status("done")}); err == nil {
		t.Error("expected error for unknown status")
	}
}
