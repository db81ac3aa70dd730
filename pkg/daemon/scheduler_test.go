package daemon

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 10m", false},
		{"@daily", false},
		{"0 3 * * 1", false},
		{"30 0 3 * * 1", false},
		{"every tuesday", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNextRuns(t *testing.T) {
	sh, err := ParseCron("@every 10m")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := NextRuns(sh, from, 3)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, r := range runs {
		if want := from.Add(time.Duration(i+1) * 10 * time.Minute); !r.Equal(want) {
			t.Errorf("run %d: got %v want %v", i, r, want)
		}
	}
}

func TestSchedulerScheduleStatus(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)

	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	expr, next, running := s.Status()
	if running {
		t.Fatalf("scheduler should not be running")
	}
	if expr != "@every 1m" || next.IsZero() {
		t.Fatalf("unexpected status %q %v", expr, next)
	}

	if err := s.Schedule("nonsense"); err == nil {
		t.Fatalf("expected an error for an invalid expression")
	}
	if expr, _, _ := s.Status(); expr != "@every 1m" {
		t.Fatalf("invalid expression replaced the schedule: %q", expr)
	}
}

func TestSchedulerSkip(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if err := s.Skip(); err == nil {
		t.Fatalf("expected an error when nothing is scheduled")
	}
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	s.Start()
	defer s.Stop()

	_, orig, _ := s.Status()
	if err := s.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	_, next, _ := s.Status()
	if got := next.Sub(orig); got != 10*time.Minute {
		t.Fatalf("expected the next run 10m later, got %v", got)
	}
}

func TestSchedulerDisable(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil, nil, nil)
	if err := s.Schedule("@every 10m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	s.Disable()
	expr, next, running := s.Status()
	if expr != "" || !next.IsZero() {
		t.Fatalf("schedule not cleared: %q %v", expr, next)
	}
	if !running {
		t.Fatalf("Disable should not stop the loop")
	}

	s.Stop()
	if _, _, running := s.Status(); running {
		t.Fatalf("scheduler still running after Stop")
	}
}

// fireSoon moves the next run close to now.
func fireSoon(s *Scheduler, d time.Duration) {
	s.mu.Lock()
	s.resetLocked(time.Now().Add(d))
	s.mu.Unlock()
	s.poke()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerRunsTask(t *testing.T) {
	var runs, upcoming atomic.Int32
	s := NewScheduler(
		func() error { runs.Add(1); return nil },
		nil,
		func(time.Time) { upcoming.Add(1) },
		nil,
	)
	s.lead = 20 * time.Millisecond

	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()
	fireSoon(s, 50*time.Millisecond)

	waitFor(t, "task run", func() bool { return runs.Load() == 1 })
	waitFor(t, "upcoming notification", func() bool { return upcoming.Load() == 1 })

	_, next, _ := s.Status()
	if time.Until(next) < 50*time.Minute {
		t.Fatalf("next run not advanced: %v", next)
	}
}

func TestSchedulerPreCheckRetries(t *testing.T) {
	var checks, runs, errs atomic.Int32
	s := NewScheduler(
		func() error { runs.Add(1); return nil },
		func() error {
			if checks.Add(1) < 3 {
				return errors.New("busy")
			}
			return nil
		},
		nil,
		func(error) { errs.Add(1) },
	)
	s.lead = 0
	s.retryInterval = 10 * time.Millisecond

	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()
	fireSoon(s, 10*time.Millisecond)

	waitFor(t, "task run", func() bool { return runs.Load() == 1 })
	if got := checks.Load(); got != 3 {
		t.Fatalf("expected 3 prechecks, got %d", got)
	}
	// Only the first failure is reported.
	waitFor(t, "error report", func() bool { return errs.Load() == 1 })
}

func TestSchedulerReportsTaskError(t *testing.T) {
	errCh := make(chan error, 1)
	s := NewScheduler(
		func() error { return errors.New("instrument offline") },
		nil,
		nil,
		func(err error) { errCh <- err },
	)
	s.lead = 0

	if err := s.Schedule("@every 1h"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()
	fireSoon(s, 10*time.Millisecond)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task error was not reported")
	}
}
