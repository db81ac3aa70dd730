package sequencer

import (
	"context"
	"errors"
	"math/cmplx"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/instrument"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/solt"
)

var testBox = solt.ErrorBox{
	Forward: solt.Terms{Ed: 0.05 + 0.02i, Es: 0.1 - 0.05i, Er: 0.9 + 0.1i, El: 0.08 + 0.03i, Et: 0.85 - 0.1i, Ex: 0.001},
	Reverse: solt.Terms{Ed: -0.04 + 0.03i, Es: 0.07 + 0.02i, Er: 0.95 - 0.05i, El: 0.06 - 0.04i, Et: 0.8 + 0.15i, Ex: -0.002i},
}

var testDUT = network.MustNew(
	[]float64{0.5e9, 4e9},
	[]network.Matrix{
		{{0.1 + 0.05i, 0.7 - 0.2i}, {0.7 - 0.2i, 0.12}},
		{{0.2 - 0.1i, 0.5 + 0.3i}, {0.5 + 0.3i, -0.1i}},
	},
)

func params(standards ...calibration.Standard) calibration.Params {
	return calibration.Params{
		Start: 1, Stop: 3,
		StartUnit: network.GHz, StopUnit: network.GHz,
		Standards: standards,
		Ports:     "2",
	}
}

type recorder struct {
	mu           sync.Mutex
	calibrations int
	measurements int
}

func (r *recorder) SaveCalibration(ctx context.Context, p calibration.Params, c *solt.Coefficients) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calibrations++
	return "cal-1", nil
}

func (r *recorder) SaveMeasurement(ctx context.Context, id string, raw, corrected *network.Network) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements++
	return "meas-1", nil
}

type collector struct {
	mu    sync.Mutex
	names []string
}

func (c *collector) Publish(name string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *collector) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.names {
		if v == name {
			n++
		}
	}
	return n
}

func newSequencer(sim *instrument.Simulator) (*Sequencer, *recorder, *collector) {
	rec, pub := &recorder{}, &collector{}
	seq := New(Options{
		Dialer:      sim,
		MaxHz:       6e9,
		SweepPoints: 5,
		Recorder:    rec,
		Publisher:   pub,
	})
	return seq, rec, pub
}

func TestRunSolvesAndCorrects(t *testing.T) {
	sim := instrument.NewSimulator()
	sim.Box = testBox
	sim.DUT = testDUT
	seq, rec, pub := newSequencer(sim)
	ctx := context.Background()

	res, err := seq.Run(ctx, params(calibration.Required...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CalibrationID != "cal-1" || rec.calibrations != 1 {
		t.Fatalf("calibration not recorded: %+v", res)
	}
	if st := seq.Status(); st.Phase != calibration.PhaseReady || !st.HasCalibration || st.Completed != 4 || st.Total != 4 {
		t.Fatalf("unexpected status %+v", st)
	}
	if !sim.Closed() {
		t.Fatalf("instrument connection was not released")
	}
	for i := 0; i < res.Coefficients.Len(); i++ {
		got := res.Coefficients.Boxes[i].Forward
		if cmplx.Abs(got.Ed-testBox.Forward.Ed) > 1e-9 || cmplx.Abs(got.Et-testBox.Forward.Et) > 1e-9 {
			t.Errorf("point %d: forward terms %+v", i, got)
		}
	}
	if pub.count(events.CalibrationProgress) != 4 || pub.count(events.CalibrationResult) != 1 {
		t.Errorf("unexpected events %v", pub.names)
	}
	if pub.count(events.InstrumentExchange) == 0 {
		t.Errorf("instrument exchanges were not published")
	}

	res, err = seq.Run(ctx, params(calibration.StandardDUT))
	if err != nil {
		t.Fatalf("Run(DUT): %v", err)
	}
	want, _ := network.Interpolate(testDUT, res.CorrectedDUT.Frequencies())
	for i := 0; i < want.Len(); i++ {
		g, w := res.CorrectedDUT.At(i), want.At(i)
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				if cmplx.Abs(g[r][c]-w[r][c]) > 1e-6 {
					t.Errorf("%g Hz S%d%d: got %v want %v", want.Frequency(i), r+1, c+1, g[r][c], w[r][c])
				}
			}
		}
	}
	if st := seq.Status(); st.Phase != calibration.PhaseIdle || !st.HasCalibration {
		t.Fatalf("unexpected status after DUT %+v", st)
	}
	if rec.measurements != 1 {
		t.Errorf("DUT measurement not recorded")
	}
	if last, ok := seq.LastDUT(); !ok || last.RawDUT == nil {
		t.Errorf("LastDUT not kept")
	}
}

func TestValidationNeverContactsInstrument(t *testing.T) {
	sim := instrument.NewSimulator()
	seq, _, _ := newSequencer(sim)

	p := params(calibration.Required...)
	p.Start, p.Stop, p.StartUnit, p.StopUnit = 7e9, 8e9, network.Hz, network.Hz

	if _, err := seq.Run(context.Background(), p); !errors.Is(err, calibration.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := seq.Start(p); !errors.Is(err, calibration.ErrValidation) {
		t.Fatalf("expected ErrValidation from Start, got %v", err)
	}
	if n := sim.Written(); n != 0 {
		t.Fatalf("%d bytes were written to the instrument", n)
	}
	if st := seq.Status(); st.Phase != calibration.PhaseIdle {
		t.Fatalf("phase = %s, want Idle", st.Phase)
	}
}

func TestRejectedBeforeDial(t *testing.T) {
	tests := []struct {
		name string
		p    calibration.Params
		want error
	}{
		{"dut without calibration", params(calibration.StandardDUT), ErrNotCalibrated},
		{"missing thru", params(calibration.StandardShort, calibration.StandardOpen, calibration.StandardLoad), solt.ErrInsufficientStandards},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := instrument.NewSimulator()
			seq, _, _ := newSequencer(sim)
			if _, err := seq.Run(context.Background(), tt.p); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if sim.Written() != 0 {
				t.Fatalf("instrument was contacted")
			}
		})
	}
}

func TestCommFailureAbortsRun(t *testing.T) {
	sim := instrument.NewSimulator()
	sim.Fail = "CALIBRATION:OPEN"
	seq, rec, _ := newSequencer(sim)

	_, err := seq.Run(context.Background(), params(calibration.Required...))
	if !errors.Is(err, instrument.ErrComm) {
		t.Fatalf("expected ErrComm, got %v", err)
	}
	st := seq.Status()
	if st.Phase != calibration.PhaseIdle || st.HasCalibration || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !sim.Closed() {
		t.Fatalf("instrument connection was not released")
	}
	if rec.calibrations != 0 {
		t.Fatalf("partial calibration was recorded")
	}

	// a subsequent attempt starts clean
	if _, err := seq.Run(context.Background(), params(calibration.Required...)); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestFailedSolveDropsCoefficients(t *testing.T) {
	sim := instrument.NewSimulator()
	seq, _, _ := newSequencer(sim)
	if _, err := seq.Run(context.Background(), params(calibration.Required...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// defining the open as a short leaves no reflection tracking
	short, _ := solt.IdealStandard(calibration.StandardShort, []float64{0, 10e9})
	seq.Configure(Options{
		Dialer:      sim,
		SweepPoints: 5,
		Ideals:      map[calibration.Standard]*network.Network{calibration.StandardOpen: short},
	})

	_, err := seq.Run(context.Background(), params(calibration.Required...))
	if !errors.Is(err, solt.ErrSingularSystem) {
		t.Fatalf("expected ErrSingularSystem, got %v", err)
	}
	if st := seq.Status(); st.Phase != calibration.PhaseIdle || st.HasCalibration {
		t.Fatalf("coefficients kept after failed solve: %+v", st)
	}
	if !sim.Closed() {
		t.Fatalf("instrument connection was not released")
	}
}

// blockingConn answers every command with "1" until it sees block, then
// waits for its context.
type blockingConn struct {
	block   string
	once    sync.Once
	started chan struct{}
	mu      sync.Mutex
	closed  bool
}

func newBlockingConn(block string) *blockingConn {
	return &blockingConn{block: block, started: make(chan struct{})}
}

func (c *blockingConn) Dial(ctx context.Context) (instrument.Conn, error) { return c, nil }

func (c *blockingConn) Send(ctx context.Context, cmd string) (string, error) {
	if strings.HasPrefix(cmd, c.block) {
		c.once.Do(func() { close(c.started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "1", nil
}

func (c *blockingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *blockingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestCommandTimeout(t *testing.T) {
	conn := newBlockingConn("*OPC?")
	seq := New(Options{Dialer: conn, CommandTimeout: 20 * time.Millisecond})

	_, err := seq.Run(context.Background(), params(calibration.Required...))
	if !errors.Is(err, instrument.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed after timeout")
	}
	if st := seq.Status(); st.Phase != calibration.PhaseIdle {
		t.Fatalf("phase = %s, want Idle", st.Phase)
	}
}

func TestCancelAndInProgress(t *testing.T) {
	conn := newBlockingConn("CALIBRATION:SHORT")
	seq := New(Options{Dialer: conn, CommandTimeout: time.Minute})

	if err := seq.Cancel(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := seq.Start(params(calibration.Required...)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-conn.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("run never reached the short standard")
	}

	if st := seq.Status(); st.Phase != calibration.PhaseAwaitingStandard || st.Current != calibration.StandardShort || !st.CanCancel {
		t.Fatalf("unexpected status while measuring %+v", st)
	}
	if err := seq.Start(params(calibration.Required...)); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	if err := seq.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st := seq.Status()
	if st.Phase != calibration.PhaseIdle || st.HasCalibration {
		t.Fatalf("unexpected status after cancel %+v", st)
	}
	if !strings.Contains(st.LastError, ErrCanceled.Error()) {
		t.Fatalf("LastError = %q", st.LastError)
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed after cancel")
	}
}

func TestFixtureDeembedded(t *testing.T) {
	sim := instrument.NewSimulator()
	seq, _, _ := newSequencer(sim)
	if _, err := seq.Run(context.Background(), params(calibration.Required...)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// a matched line with a quarter turn of phase
	fixture := network.MustNew([]float64{0, 10e9}, []network.Matrix{
		{{0, 1i}, {1i, 0}},
		{{0, 1i}, {1i, 0}},
	})
	seq.Configure(Options{Dialer: sim, SweepPoints: 5, Fixture: fixture})

	dut := network.MustNew([]float64{1e9, 3e9}, []network.Matrix{
		{{0, -0.5}, {-0.5, 0}},
		{{0, -0.5}, {-0.5, 0}},
	})
	got, err := seq.Apply(dut)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// the DUT is fixture + 0.5 attenuator + fixture, so 0.5 remains
	for i := 0; i < got.Len(); i++ {
		if s21 := got.At(i).S21(); cmplx.Abs(s21-0.5) > 1e-9 {
			t.Errorf("%g Hz: S21 = %v, want 0.5", got.Frequency(i), s21)
		}
	}
	if st := seq.Status(); st.Phase != calibration.PhaseIdle {
		t.Fatalf("phase = %s after apply", st.Phase)
	}
}

func TestApplyNeedsCalibration(t *testing.T) {
	seq := New(Options{})
	if _, err := seq.Apply(testDUT); !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("expected ErrNotCalibrated, got %v", err)
	}
}
