// Package sequencer drives the analyzer through a calibration run.
//
// A run measures the selected standards one after another over a single
// exclusively owned instrument connection, solves the SOLT error boxes once
// all four standards are collected, and corrects a DUT measurement with the
// resulting coefficients. Only one run may be in flight at a time.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/instrument"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/solt"
)

var (
	// ErrInProgress is returned when a run is requested while another one
	// is in flight.
	ErrInProgress = errors.New("calibration already in progress")
	// ErrNotRunning is returned by Cancel when nothing is in flight.
	ErrNotRunning = errors.New("calibration not running")
	// ErrNotCalibrated is returned when a DUT has to be corrected before
	// any coefficients were solved.
	ErrNotCalibrated = errors.New("no calibration available")
	// ErrCanceled is returned when a run was canceled by the user.
	ErrCanceled = errors.New("calibration canceled")
)

// Publisher receives sequencer events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Recorder persists solved coefficients and corrected measurements.
type Recorder interface {
	SaveCalibration(ctx context.Context, params calibration.Params, c *solt.Coefficients) (string, error)
	SaveMeasurement(ctx context.Context, calibrationID string, raw, corrected *network.Network) (string, error)
}

// Options configures a Sequencer.
type Options struct {
	Dialer instrument.Dialer
	// MinHz and MaxHz bound the instrument span.
	MinHz float64
	MaxHz float64
	// CommandTimeout bounds every command-response exchange.
	CommandTimeout time.Duration
	SweepPoints    int
	IFBandwidthHz  float64
	// Ideals overrides the built-in ideal standard definitions.
	Ideals map[calibration.Standard]*network.Network
	// Fixture, when set, is de-embedded from every corrected DUT.
	Fixture   *network.Network
	Publisher Publisher
	Recorder  Recorder
}

// Result is the outcome of a successful run.
type Result struct {
	// CalibrationID is set when the run solved new coefficients and they
	// were recorded.
	CalibrationID string
	Coefficients  *solt.Coefficients
	// RawDUT and CorrectedDUT are set when the run measured a DUT.
	RawDUT       *network.Network
	CorrectedDUT *network.Network
	FinishedAt   time.Time
}

// Sequencer is the calibration state machine. It is safe for concurrent use.
type Sequencer struct {
	mu   sync.Mutex
	opts Options

	phase     calibration.Phase
	current   calibration.Standard
	completed int
	total     int
	startedAt time.Time
	params    *calibration.Params
	lastErr   string

	coeffs  *solt.Coefficients
	calID   string
	lastDUT *Result

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle sequencer.
func New(opts Options) *Sequencer {
	return &Sequencer{opts: withDefaults(opts), phase: calibration.PhaseIdle}
}

func withDefaults(opts Options) Options {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = instrument.DefaultTimeout
	}
	if opts.SweepPoints <= 0 {
		opts.SweepPoints = 100
	}
	if opts.IFBandwidthHz <= 0 {
		opts.IFBandwidthHz = 10
	}
	if opts.MinHz <= 0 {
		opts.MinHz = 1
	}
	if opts.MaxHz <= 0 {
		opts.MaxHz = 6e9
	}
	return opts
}

// Configure replaces the options used by subsequent runs.
func (s *Sequencer) Configure(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = withDefaults(opts)
}

// SetCalibration installs previously solved coefficients, e.g. restored
// from the store on startup. The sequencer becomes Ready.
func (s *Sequencer) SetCalibration(id string, c *solt.Coefficients) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Busy() {
		return ErrInProgress
	}
	s.coeffs, s.calID = c, id
	if c != nil {
		s.setPhaseLocked(calibration.PhaseReady, fmt.Sprintf("Loaded calibration %s", id))
	} else {
		s.setPhaseLocked(calibration.PhaseIdle, "Calibration cleared")
	}
	return nil
}

// Calibration returns the current coefficients and their ID.
func (s *Sequencer) Calibration() (*solt.Coefficients, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coeffs, s.calID, s.coeffs != nil
}

// LastDUT returns the last corrected DUT measurement.
func (s *Sequencer) LastDUT() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDUT, s.lastDUT != nil
}

// LastParams returns the parameters of the last accepted run.
func (s *Sequencer) LastParams() (calibration.Params, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return calibration.Params{}, false
	}
	return *s.params, true
}

// Status returns a snapshot of the state machine.
func (s *Sequencer) Status() calibration.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := calibration.Status{
		Phase:          s.phase,
		Current:        s.current,
		Completed:      s.completed,
		Total:          s.total,
		StartedAt:      s.startedAt,
		LastError:      s.lastErr,
		HasCalibration: s.coeffs != nil,
		CalibrationID:  s.calID,
		CanCancel:      s.phase.Busy(),
	}
	if s.params != nil {
		p := *s.params
		st.Params = &p
	}
	switch s.phase {
	case calibration.PhaseAwaitingStandard:
		st.Message = fmt.Sprintf("Measuring %s (%d/%d)", s.current, s.completed+1, s.total)
	case calibration.PhaseCollectingStandards:
		st.Message = fmt.Sprintf("Collected %d/%d standards", s.completed, s.total)
	case calibration.PhaseSolving:
		st.Message = "Solving error boxes"
	case calibration.PhaseApplying:
		st.Message = "Correcting DUT measurement"
	case calibration.PhaseReady:
		st.Message = "Calibrated"
	case calibration.PhaseIdle:
		if s.lastErr != "" {
			st.Message = "Last run failed: " + s.lastErr
		}
	}
	return st
}

// Start validates p and runs it on a background worker. It returns once the
// run has been accepted.
func (s *Sequencer) Start(p calibration.Params) error {
	ctx, err := s.begin(context.Background(), p)
	if err != nil {
		return err
	}
	go func() {
		_, _ = s.execute(ctx, p)
	}()
	return nil
}

// Run validates p and runs it on the calling goroutine.
func (s *Sequencer) Run(ctx context.Context, p calibration.Params) (*Result, error) {
	runCtx, err := s.begin(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.execute(runCtx, p)
}

// Cancel aborts the run in flight and waits until the instrument connection
// is released and the sequencer is Idle.
func (s *Sequencer) Cancel() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.publish(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionCancel),
		Message: "Calibration canceled by user",
		Ts:      time.Now().Unix(),
	})
	cancel()
	<-done
	return nil
}

// Wait blocks until the run in flight, if any, has finished.
func (s *Sequencer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Apply corrects dut with the current coefficients (and removes the
// configured fixture). No instrument is involved.
func (s *Sequencer) Apply(dut *network.Network) (*network.Network, error) {
	s.mu.Lock()
	if s.phase.Busy() {
		s.mu.Unlock()
		return nil, ErrInProgress
	}
	if s.coeffs == nil {
		s.mu.Unlock()
		return nil, ErrNotCalibrated
	}
	coeffs, fixture := s.coeffs, s.opts.Fixture
	s.setPhaseLocked(calibration.PhaseApplying, "Correcting DUT measurement")
	s.mu.Unlock()

	corrected, err := correctDUT(coeffs, fixture, dut)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
	}
	s.setPhaseLocked(calibration.PhaseIdle, "")
	return corrected, err
}

// begin validates p, checks the state gate and reserves the sequencer.
// Nothing is sent to the instrument before begin succeeds.
func (s *Sequencer) begin(parent context.Context, p calibration.Params) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.Validate(s.opts.MinHz, s.opts.MaxHz); err != nil {
		return nil, err
	}
	if s.phase.Busy() {
		return nil, ErrInProgress
	}

	measuresStandards := false
	for _, std := range calibration.Required {
		if p.Has(std) {
			measuresStandards = true
		}
	}
	if measuresStandards {
		var missing []calibration.Standard
		for _, std := range calibration.Required {
			if !p.Has(std) {
				missing = append(missing, std)
			}
		}
		if len(missing) > 0 {
			return nil, pkgerrors.Wrapf(solt.ErrInsufficientStandards, "missing %v", missing)
		}
	} else if s.coeffs == nil {
		return nil, ErrNotCalibrated
	}
	if s.opts.Dialer == nil {
		return nil, pkgerrors.Wrap(instrument.ErrComm, "no instrument configured")
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	params := p
	params.Standards = append([]calibration.Standard(nil), p.Standards...)
	s.params = &params
	s.startedAt = time.Now()
	s.completed = 0
	s.total = len(p.Standards)
	s.current = ""
	s.lastErr = ""

	s.publishLocked(events.CalibrationAction, events.CalibrationActionEvent{
		Action:  string(calibration.ActionStart),
		Message: fmt.Sprintf("Start calibration: %s", p),
		Ts:      time.Now().Unix(),
	})
	return ctx, nil
}

// execute runs an accepted request and always leaves the sequencer Idle or
// Ready.
func (s *Sequencer) execute(ctx context.Context, p calibration.Params) (res *Result, err error) {
	s.mu.Lock()
	opts := s.opts
	done, cancel := s.done, s.cancel
	s.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"operation": "calibration",
		"params":    p.String(),
	})

	defer func() {
		cancel()
		s.mu.Lock()
		if errors.Is(err, context.Canceled) {
			err = ErrCanceled
		}
		if err != nil {
			s.lastErr = err.Error()
			s.setPhaseLocked(calibration.PhaseIdle, err.Error())
			log.WithError(err).Error("calibration run failed")
		}
		s.current = ""
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()

	s.setPhase(calibration.PhaseAwaitingStandard, "Connecting to instrument")
	conn, err := opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close instrument connection")
		}
		log.Debug("instrument connection released")
	}()

	r := &runner{seq: s, conn: conn, opts: opts, log: log}
	if err := r.setup(ctx, p); err != nil {
		return nil, err
	}

	set := solt.StandardSet{}
	var rawDUT *network.Network
	for _, std := range ordered(p.Standards) {
		s.mu.Lock()
		s.current = std
		s.setPhaseLocked(calibration.PhaseAwaitingStandard, fmt.Sprintf("Measuring %s", std))
		s.mu.Unlock()

		measured, err := r.measure(ctx, std)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "measuring %s", std)
		}
		if std == calibration.StandardDUT {
			rawDUT = measured
		} else {
			ideal, err := idealFor(opts.Ideals, std, measured.Frequencies())
			if err != nil {
				return nil, err
			}
			set[std] = solt.Pair{Ideal: ideal, Measured: measured}
		}

		s.mu.Lock()
		s.completed++
		completed, total := s.completed, s.total
		s.setPhaseLocked(calibration.PhaseCollectingStandards, fmt.Sprintf("Measured %s", std))
		s.mu.Unlock()
		s.publish(events.CalibrationProgress, events.CalibrationProgressEvent{
			Standard:  string(std),
			Completed: completed,
			Total:     total,
			Ts:        time.Now().Unix(),
		})
	}

	res = &Result{}
	if len(set) > 0 {
		s.setPhase(calibration.PhaseSolving, "Solving error boxes")
		coeffs, err := solt.NewSolver(set).Run()
		if err != nil {
			// a failed solve invalidates the previous coefficients
			s.mu.Lock()
			s.coeffs, s.calID = nil, ""
			s.mu.Unlock()
			return nil, err
		}
		res.Coefficients = coeffs
		if opts.Recorder != nil {
			id, err := opts.Recorder.SaveCalibration(ctx, p, coeffs)
			if err != nil {
				log.WithError(err).Warn("failed to record calibration")
			}
			res.CalibrationID = id
		}
		s.mu.Lock()
		s.coeffs, s.calID = coeffs, res.CalibrationID
		s.setPhaseLocked(calibration.PhaseReady, fmt.Sprintf("Calibrated %d points", coeffs.Len()))
		s.mu.Unlock()
		log.WithField("id", res.CalibrationID).Info("calibration solved")
	}

	if rawDUT != nil {
		s.mu.Lock()
		coeffs, calID := s.coeffs, s.calID
		s.setPhaseLocked(calibration.PhaseApplying, "Correcting DUT measurement")
		s.mu.Unlock()
		if coeffs == nil {
			return nil, ErrNotCalibrated
		}

		corrected, err := correctDUT(coeffs, opts.Fixture, rawDUT)
		if err != nil {
			return nil, err
		}
		res.RawDUT, res.CorrectedDUT = rawDUT, corrected
		if opts.Recorder != nil && calID != "" {
			if _, err := opts.Recorder.SaveMeasurement(ctx, calID, rawDUT, corrected); err != nil {
				log.WithError(err).Warn("failed to record DUT measurement")
			}
		}
	}
	res.FinishedAt = time.Now()

	s.mu.Lock()
	if res.RawDUT != nil {
		s.lastDUT = res
		s.setPhaseLocked(calibration.PhaseIdle, "DUT corrected")
	}
	cal := s.coeffs
	s.mu.Unlock()

	ev := events.CalibrationResultEvent{
		CalibrationID: res.CalibrationID,
		DUT:           res.RawDUT != nil,
		Ts:            res.FinishedAt.Unix(),
	}
	if cal != nil {
		ev.Points, ev.Start, ev.Stop = cal.Len(), cal.Frequencies[0], cal.Frequencies[cal.Len()-1]
	}
	s.publish(events.CalibrationResult, ev)
	return res, nil
}

// correctDUT applies coeffs and strips the optional fixture.
func correctDUT(coeffs *solt.Coefficients, fixture, dut *network.Network) (*network.Network, error) {
	corrected, err := coeffs.Apply(dut)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to correct DUT")
	}
	if fixture == nil {
		return corrected, nil
	}
	out, err := solt.Deembed(corrected, fixture)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to de-embed fixture")
	}
	return out, nil
}

func idealFor(ideals map[calibration.Standard]*network.Network, std calibration.Standard, freqs []float64) (*network.Network, error) {
	if n, ok := ideals[std]; ok && n != nil {
		return n, nil
	}
	return solt.IdealStandard(std, freqs)
}

// ordered returns the selected standards in measurement order: the SOLT
// standards first, the DUT last.
func ordered(selected []calibration.Standard) []calibration.Standard {
	var out []calibration.Standard
	for _, std := range calibration.All {
		for _, sel := range selected {
			if sel == std {
				out = append(out, std)
				break
			}
		}
	}
	return out
}

func (s *Sequencer) setPhase(to calibration.Phase, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPhaseLocked(to, msg)
}

func (s *Sequencer) setPhaseLocked(to calibration.Phase, msg string) {
	from := s.phase
	s.phase = to
	if from == to && to != calibration.PhaseAwaitingStandard {
		return
	}
	logrus.WithFields(logrus.Fields{
		"from":     from,
		"to":       to,
		"standard": s.current,
	}).Debug("calibration phase changed")
	s.publishLocked(events.CalibrationPhase, events.CalibrationPhaseEvent{
		From:    string(from),
		To:      string(to),
		Message: msg,
		Ts:      time.Now().Unix(),
	})
}

func (s *Sequencer) publish(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(name, payload)
}

func (s *Sequencer) publishLocked(name string, payload any) {
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(name, payload)
	}
}

func trimResponse(resp string) string {
	const max = 120
	if len(resp) > max {
		return resp[:max] + fmt.Sprintf("... (%d bytes)", len(resp))
	}
	return strings.TrimSpace(resp)
}
