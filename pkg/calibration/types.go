package calibration

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/network"
)

// ErrValidation is returned for bad user input. It never reaches the
// instrument.
var ErrValidation = errors.New("invalid calibration parameters")

// Phase defines phases of a calibration run.
type Phase string

const (
	PhaseIdle                Phase = "Idle"
	PhaseAwaitingStandard    Phase = "AwaitingStandard"
	PhaseCollectingStandards Phase = "CollectingStandards"
	PhaseSolving             Phase = "Solving"
	PhaseReady               Phase = "Ready"
	PhaseApplying            Phase = "Applying"
)

// Busy reports whether a run is in flight in phase p.
func (p Phase) Busy() bool {
	return p != PhaseIdle && p != PhaseReady
}

// Action defines user actions for calibration.
type Action string

const (
	ActionStart           Action = "Start"
	ActionCancel          Action = "Cancel"
	ActionSchedule        Action = "Schedule"
	ActionDisableSchedule Action = "DisableSchedule"
)

// Standard names a calibration standard, or the device under test.
type Standard string

const (
	StandardShort Standard = "Short"
	StandardOpen  Standard = "Open"
	StandardLoad  Standard = "Load"
	StandardThru  Standard = "Thru"
	StandardDUT   Standard = "DUT"
)

// Required lists the standards a SOLT solve needs, in measurement order.
var Required = []Standard{StandardShort, StandardOpen, StandardLoad, StandardThru}

// All lists every standard a run may select.
var All = []Standard{StandardShort, StandardOpen, StandardLoad, StandardThru, StandardDUT}

// ParseStandard accepts a standard name in any case.
func ParseStandard(s string) (Standard, error) {
	for _, std := range All {
		if strings.EqualFold(strings.TrimSpace(s), string(std)) {
			return std, nil
		}
	}
	return "", pkgerrors.Wrapf(ErrValidation, "unknown standard %q", s)
}

// Command is the SCPI keyword that triggers the measurement of s.
func (s Standard) Command() string {
	return "CALIBRATION:" + strings.ToUpper(string(s))
}

// Params is the configuration of one calibration run.
type Params struct {
	Start     float64      `json:"start"`
	Stop      float64      `json:"stop"`
	StartUnit network.Unit `json:"startUnit"`
	StopUnit  network.Unit `json:"stopUnit"`
	Standards []Standard   `json:"standards"`
	// Ports is kept as text so that the raw user input can be validated.
	Ports string `json:"ports"`
}

// StartHz returns the start frequency in Hz.
func (p Params) StartHz() float64 { return p.StartUnit.ToHz(p.Start) }

// StopHz returns the stop frequency in Hz.
func (p Params) StopHz() float64 { return p.StopUnit.ToHz(p.Stop) }

// PortCount returns the parsed port count. Call Validate first.
func (p Params) PortCount() int {
	n, _ := strconv.Atoi(strings.TrimSpace(p.Ports))
	return n
}

// Has reports whether s is selected.
func (p Params) Has(s Standard) bool {
	for _, std := range p.Standards {
		if std == s {
			return true
		}
	}
	return false
}

// Validate checks p against the instrument span [minHz, maxHz].
func (p Params) Validate(minHz, maxHz float64) error {
	if _, err := network.ParseUnit(string(p.StartUnit)); err != nil {
		return pkgerrors.Wrap(ErrValidation, err.Error())
	}
	if _, err := network.ParseUnit(string(p.StopUnit)); err != nil {
		return pkgerrors.Wrap(ErrValidation, err.Error())
	}
	start, stop := p.StartHz(), p.StopHz()
	if !(start > 0) || !(stop > 0) {
		return pkgerrors.Wrap(ErrValidation, "start and stop frequencies must be positive")
	}
	if start >= stop {
		return pkgerrors.Wrapf(ErrValidation, "start frequency %g Hz must be below stop frequency %g Hz", start, stop)
	}
	if start < minHz || stop > maxHz {
		return pkgerrors.Wrapf(ErrValidation, "frequency range %g-%g Hz is outside the instrument span %g-%g Hz", start, stop, minHz, maxHz)
	}

	n, err := strconv.Atoi(strings.TrimSpace(p.Ports))
	if err != nil || n <= 0 {
		return pkgerrors.Wrapf(ErrValidation, "port count %q must be a positive integer", p.Ports)
	}
	if n > 2 {
		return pkgerrors.Wrapf(ErrValidation, "port count %d not supported, only one or two port calibration is available", n)
	}

	if n < 2 && p.Has(StandardThru) {
		return pkgerrors.Wrap(ErrValidation, "a thru standard needs two ports")
	}

	if len(p.Standards) == 0 {
		return pkgerrors.Wrap(ErrValidation, "no standards selected")
	}
	seen := map[Standard]bool{}
	for _, s := range p.Standards {
		if _, err := ParseStandard(string(s)); err != nil {
			return err
		}
		if seen[s] {
			return pkgerrors.Wrapf(ErrValidation, "standard %s selected twice", s)
		}
		seen[s] = true
	}
	return nil
}

// String describes p for logs.
func (p Params) String() string {
	return fmt.Sprintf("%g %s - %g %s, standards %v, ports %s", p.Start, p.StartUnit, p.Stop, p.StopUnit, p.Standards, p.Ports)
}

// Status is a synthesized view model exposed via HTTP and polled by the CLI.
// Completed and Total count the standards of the current (or last) run.
type Status struct {
	Phase          Phase     `json:"phase"`
	Current        Standard  `json:"current,omitempty"`
	Completed      int       `json:"completed"`
	Total          int       `json:"total"`
	StartedAt      time.Time `json:"startedAt"`
	Params         *Params   `json:"params,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	HasCalibration bool      `json:"hasCalibration"`
	CalibrationID  string    `json:"calibrationId,omitempty"`
	CanCancel      bool      `json:"canCancel"`
	Message        string    `json:"message"`
}

// Schedule describes scheduled recalibration. An empty Cron means disabled.
type Schedule struct {
	Cron     string      `json:"cron"`
	NextRuns []time.Time `json:"nextRuns,omitempty"`
	Running  bool        `json:"running"`
}
