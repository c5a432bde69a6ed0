package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNoTask signals that the coordinator has no work available
var ErrNoTask = errors.New("no task available")

// Task is a unit of work handed out by the coordinator
type Task struct {
	FileID   string `json:"file_id"`
	Language string `json:"language"`
	AudioURL string `json:"audio_url"`
}

// Report carries a finished transcription back to the coordinator
type Report struct {
	FileID       string  `json:"file_id"`
	TimeTaken    float64 `json:"time_taken"`
	AudioMinutes float64 `json:"audio_minutes"`
	VTT          string  `json:"vtt"`
}

// APIError is a non-2xx coordinator response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the error is worth retrying. Network
// failures and server-side errors are transient; other 4xx responses
// mean the request itself is wrong and will never succeed.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Client talks to the coordinator's HTTP API
type Client struct {
	baseURL  string
	workerID string
	username string
	password string

	// httpClient carries a hard timeout suited to the small JSON
	// calls. Audio downloads go through downloadClient, which has no
	// overall deadline: a large file on a slow link legitimately takes
	// longer than any fixed timeout, and cancellation comes from the
	// request context instead.
	httpClient     *http.Client
	downloadClient *http.Client
}

// NewClient creates a coordinator API client. username and password
// may be empty when the server runs without basic auth.
func NewClient(baseURL, workerID, username, password string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		workerID:       workerID,
		username:       username,
		password:       password,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		downloadClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Worker-ID", c.workerID)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// FetchTask asks the coordinator for the next task. Returns ErrNoTask
// when nothing is available.
func (c *Client) FetchTask(ctx context.Context) (*Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/task", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if task.FileID == "" {
		return nil, fmt.Errorf("server returned a task without a file id")
	}

	return &task, nil
}

// DownloadAudio fetches the task's audio bytes into destPath. The
// audio URL may be relative to the coordinator's base URL.
func (c *Client) DownloadAudio(ctx context.Context, audioURL, destPath string) error {
	target := audioURL
	if u, err := url.Parse(audioURL); err == nil && u.Scheme == "" {
		target = c.baseURL + audioURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Worker-ID", c.workerID)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("audio download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create audio file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("audio download interrupted: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, destPath)
}

// SubmitResult posts a finished transcription
func (c *Client) SubmitResult(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/result", bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("result submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// SubmitError reports a processing failure for a task
func (c *Client) SubmitError(ctx context.Context, fileID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"file_id": fileID,
		"reason":  reason,
	})
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/error", bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
