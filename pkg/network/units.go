package network

import (
	"fmt"
	"strings"
)

// Unit is a frequency unit accepted on the configuration surface.
type Unit string

const (
	Hz  Unit = "Hz"
	KHz Unit = "kHz"
	MHz Unit = "MHz"
	GHz Unit = "GHz"
)

// Multiplier returns the factor converting a value in u to Hz.
func (u Unit) Multiplier() float64 {
	switch strings.ToLower(string(u)) {
	case "khz":
		return 1e3
	case "mhz":
		return 1e6
	case "ghz":
		return 1e9
	default:
		return 1
	}
}

// ToHz converts v expressed in u to Hz.
func (u Unit) ToHz(v float64) float64 { return v * u.Multiplier() }

// ParseUnit parses a unit name case-insensitively.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hz", "":
		return Hz, nil
	case "khz":
		return KHz, nil
	case "mhz":
		return MHz, nil
	case "ghz":
		return GHz, nil
	}
	return "", fmt.Errorf("unknown frequency unit %q (want Hz, kHz, MHz or GHz)", s)
}
