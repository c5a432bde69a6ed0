package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is a recurring run window: each firing of a cron expression
// opens the window for at most maxDuration. An empty expression means
// the window is always open.
//
// All time arithmetic is pure so the poll loop can reason about the
// window without hidden timers.
type Window struct {
	spec        string
	schedule    cron.Schedule
	maxDuration time.Duration
}

// New parses the cron expression (standard five-field format plus the
// descriptors cron.ParseStandard accepts, e.g. "@daily").
func New(spec string, maxDuration time.Duration) (*Window, error) {
	if spec == "" {
		return &Window{}, nil
	}

	if maxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive for a scheduled window, got %v", maxDuration)
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	return &Window{
		spec:        spec,
		schedule:    schedule,
		maxDuration: maxDuration,
	}, nil
}

// AlwaysOpen reports whether the window never closes
func (w *Window) AlwaysOpen() bool {
	return w.schedule == nil
}

// NextRunAfter returns the next window opening strictly after t.
// For an always-open window it returns t itself.
func (w *Window) NextRunAfter(t time.Time) time.Time {
	if w.schedule == nil {
		return t
	}
	return w.schedule.Next(t)
}

// Contains reports whether t falls inside a run window: there is a
// firing s with s <= t < s+maxDuration.
func (w *Window) Contains(t time.Time) bool {
	if w.schedule == nil {
		return true
	}

	// Cron schedules only step forward, so walk firings starting just
	// before the earliest one that could still cover t.
	firing := w.schedule.Next(t.Add(-w.maxDuration - time.Second))
	for !firing.After(t) {
		if t.Before(firing.Add(w.maxDuration)) {
			return true
		}
		firing = w.schedule.Next(firing)
	}
	return false
}

// ClosesAt returns when the window containing t ends. The second
// return is false when t is outside every window or the window never
// closes.
func (w *Window) ClosesAt(t time.Time) (time.Time, bool) {
	if w.schedule == nil {
		return time.Time{}, false
	}

	firing := w.schedule.Next(t.Add(-w.maxDuration - time.Second))
	for !firing.After(t) {
		end := firing.Add(w.maxDuration)
		if t.Before(end) {
			return end, true
		}
		firing = w.schedule.Next(firing)
	}
	return time.Time{}, false
}

// WaitUntilOpen blocks until the window is open or the context is
// cancelled.
func (w *Window) WaitUntilOpen(ctx context.Context) error {
	for {
		now := time.Now()
		if w.Contains(now) {
			return nil
		}

		timer := time.NewTimer(time.Until(w.NextRunAfter(now)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
