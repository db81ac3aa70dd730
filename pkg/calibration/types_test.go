package calibration

import (
	"errors"
	"testing"

	"github.com/rflab/vnacal/pkg/network"
)

func TestParamsValidate(t *testing.T) {
	base := Params{
		Start:     1,
		Stop:      3,
		StartUnit: network.GHz,
		StopUnit:  network.GHz,
		Standards: []Standard{StandardShort, StandardOpen, StandardLoad, StandardThru},
		Ports:     "2",
	}
	if err := base.Validate(1, 6e9); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	tests := []struct {
		name   string
		modify func(p *Params)
	}{
		{"above span", func(p *Params) { p.Start, p.Stop = 7, 8 }},
		{"zero start", func(p *Params) { p.Start = 0 }},
		{"negative stop", func(p *Params) { p.Stop = -1 }},
		{"start after stop", func(p *Params) { p.Start, p.Stop = 3, 1 }},
		{"equal", func(p *Params) { p.Start, p.Stop = 2, 2 }},
		{"mixed units over span", func(p *Params) { p.StartUnit = network.MHz; p.Stop = 6001; p.StopUnit = network.MHz; p.Start = 100 }},
		{"bad unit", func(p *Params) { p.StopUnit = "THz" }},
		{"ports not a number", func(p *Params) { p.Ports = "two" }},
		{"ports zero", func(p *Params) { p.Ports = "0" }},
		{"one port thru", func(p *Params) { p.Ports = "1" }},
		{"no standards", func(p *Params) { p.Standards = nil }},
		{"unknown standard", func(p *Params) { p.Standards = []Standard{"Reflect"} }},
		{"duplicate standard", func(p *Params) { p.Standards = []Standard{StandardShort, StandardShort} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Standards = append([]Standard(nil), base.Standards...)
			tt.modify(&p)
			if err := p.Validate(1, 6e9); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestParamsUnits(t *testing.T) {
	p := Params{Start: 500, StartUnit: "khz", Stop: 2.5, StopUnit: network.GHz}
	if p.StartHz() != 500e3 || p.StopHz() != 2.5e9 {
		t.Fatalf("got %v - %v", p.StartHz(), p.StopHz())
	}
}

func TestParseStandard(t *testing.T) {
	s, err := ParseStandard(" thru ")
	if err != nil || s != StandardThru {
		t.Fatalf("ParseStandard: %v %v", s, err)
	}
	if s.Command() != "CALIBRATION:THRU" {
		t.Errorf("Command() = %s", s.Command())
	}
	if _, err := ParseStandard("reflect"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestPhaseBusy(t *testing.T) {
	for _, p := range []Phase{PhaseIdle, PhaseReady} {
		if p.Busy() {
			t.Errorf("%s should not be busy", p)
		}
	}
	for _, p := range []Phase{PhaseAwaitingStandard, PhaseCollectingStandards, PhaseSolving, PhaseApplying} {
		if !p.Busy() {
			t.Errorf("%s should be busy", p)
		}
	}
}
