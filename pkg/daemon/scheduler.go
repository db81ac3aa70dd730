package daemon

import (
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	leadDuration     = time.Minute * 5 // leadDuration is how long before a run OnUpcoming fires.
	preCheckMaxTimes = 30
	preCheckInterval = time.Second * 10
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression the way the scheduler does.
func ParseCron(expr string) (cron.Schedule, error) {
	sh, err := cronParser.Parse(expr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return sh, nil
}

// NextRuns returns the next n activations of sh after from.
func NextRuns(sh cron.Schedule, from time.Time, n int) []time.Time {
	runs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = sh.Next(from)
		runs = append(runs, from)
	}
	return runs
}

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs Task on a cron schedule. PreCheck gates every run and is
// retried while it fails, up to preCheckMaxTimes.
type Scheduler struct {
	OnUpcoming func(runAt time.Time) // called leadDuration before a run
	OnError    func(err error)       // called on precheck or task failure
	Task       TaskFunc
	PreCheck   TaskFunc

	lead          time.Duration
	retryInterval time.Duration

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	notified bool
	retryAt  time.Time
	attempts int
	running  bool
	stopCh   chan struct{}

	wake chan struct{}
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming func(time.Time), onError func(error)) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming:    onUpcoming,
		OnError:       onError,
		Task:          task,
		PreCheck:      preCheck,
		lead:          leadDuration,
		retryInterval: preCheckInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.loop(s.stopCh)
}

// Stop ends the scheduling loop. The schedule itself is kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

// Schedule replaces the schedule with expr.
func (s *Scheduler) Schedule(expr string) error {
	sh, err := ParseCron(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.expr = expr
	s.schedule = sh
	s.resetLocked(sh.Next(time.Now()))
	s.mu.Unlock()

	s.poke()
	return nil
}

// Disable clears the schedule. The loop keeps idling until Stop.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.expr = ""
	s.schedule = nil
	s.resetLocked(time.Time{})
	s.mu.Unlock()

	s.poke()
}

// Skip drops the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return pkgerrors.New("no active schedule to skip")
	}
	s.resetLocked(s.schedule.Next(s.nextRun))
	s.mu.Unlock()

	s.poke()
	return nil
}

// Status returns the cron expression, the next run and whether the loop is
// running.
func (s *Scheduler) Status() (expr string, nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr, s.nextRun, s.running
}

func (s *Scheduler) resetLocked(next time.Time) {
	s.nextRun = next
	s.notified = false
	s.retryAt = time.Time{}
	s.attempts = 0
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	logrus.Debug("scheduler started")
	defer logrus.Debug("scheduler stopped")

	for {
		var fire <-chan time.Time
		var timer *time.Timer
		if at, ok := s.wakeAt(); ok {
			timer = time.NewTimer(time.Until(at))
			fire = timer.C
		}

		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case now := <-fire:
			s.tick(now)
		}
	}
}

// wakeAt returns when the loop has something to do next.
func (s *Scheduler) wakeAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.schedule == nil || s.nextRun.IsZero():
		return time.Time{}, false
	case !s.retryAt.IsZero():
		return s.retryAt, true
	case !s.notified && s.lead > 0:
		return s.nextRun.Add(-s.lead), true
	default:
		return s.nextRun, true
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	if s.schedule == nil {
		s.mu.Unlock()
		return
	}
	runAt := s.nextRun
	if !s.notified && s.lead > 0 {
		s.notified = true
		s.mu.Unlock()
		logrus.WithField("runAt", runAt.Format(time.DateTime)).Debug("upcoming scheduled task")
		if s.OnUpcoming != nil {
			go s.OnUpcoming(runAt)
		}
		return
	}
	s.mu.Unlock()

	if now.Before(runAt) {
		return
	}

	if s.PreCheck != nil {
		if err := s.PreCheck(); err != nil {
			s.mu.Lock()
			s.attempts++
			attempts := s.attempts
			if attempts < preCheckMaxTimes {
				s.retryAt = now.Add(s.retryInterval)
			} else {
				s.resetLocked(s.schedule.Next(now))
			}
			s.mu.Unlock()

			logrus.WithError(err).Debugf("precheck failed (%d/%d)", attempts, preCheckMaxTimes)
			if attempts == 1 || attempts == preCheckMaxTimes {
				s.notifyError(pkgerrors.Wrap(err, "precheck failed"))
			}
			return
		}
	}

	s.mu.Lock()
	s.resetLocked(s.schedule.Next(now))
	s.mu.Unlock()

	logrus.WithField("runAt", runAt.Format(time.DateTime)).Info("running scheduled task")
	go func() {
		if err := s.Task(); err != nil {
			s.notifyError(pkgerrors.Wrap(err, "scheduled task failed"))
		}
	}()
}

func (s *Scheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}
