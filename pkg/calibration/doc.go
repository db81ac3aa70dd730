// Package calibration defines the types used by the VNA calibration
// workflow. It contains:
//
//   - Phase: the discrete steps of the calibration state machine
//   - Standard: the physical standards (and the DUT) a run can measure
//   - Params: the user supplied run configuration and its validation
//   - Status: a synthesized view model returned by HTTP APIs and used by the CLI
//
// These types are shared across sequencer, daemon and client code to avoid
// duplicate definitions and keep JSON contracts consistent.
package calibration
