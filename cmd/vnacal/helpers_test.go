package main

import (
	"testing"

	"github.com/rflab/vnacal/pkg/calibration"
)

func TestParseStandards(t *testing.T) {
	got, err := parseStandards([]string{"short,OPEN", " load ", "Thru"})
	if err != nil {
		t.Fatalf("parseStandards: %v", err)
	}
	want := calibration.Required
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	if _, err := parseStandards([]string{"short,match"}); err == nil {
		t.Fatalf("expected an error for an unknown standard")
	}
}

func TestFormatHz(t *testing.T) {
	tests := map[float64]string{
		2.5e9: "2.5 GHz",
		10e6:  "10 MHz",
		1500:  "1.5 kHz",
		50:    "50 Hz",
	}
	for in, want := range tests {
		if got := formatHz(in); got != want {
			t.Errorf("formatHz(%g) = %q, want %q", in, got, want)
		}
	}
}

func TestCommandGroups(t *testing.T) {
	root := NewCommand()
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"calibrate", "start"}, true},
		{[]string{"schedule", "skip"}, true},
		{[]string{"apply"}, true},
		{[]string{"daemon"}, false},
		{[]string{"plot"}, false},
		{[]string{"version"}, false},
	}
	for _, tt := range tests {
		c, _, err := root.Find(tt.args)
		if err != nil {
			t.Fatalf("Find(%v): %v", tt.args, err)
		}
		if got := usesDaemon(c); got != tt.want {
			t.Errorf("usesDaemon(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}
