package events

import "encoding/json"

// Event name constants
const (
	CalibrationPhase    = "calibration.phase"
	CalibrationAction   = "calibration.action"
	CalibrationProgress = "calibration.progress"
	CalibrationResult   = "calibration.result"
	InstrumentExchange  = "instrument.exchange"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CalibrationPhaseEvent is the typed payload for calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationActionEvent is the typed payload for calibration.action.
type CalibrationActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationProgressEvent reports a measured standard.
type CalibrationProgressEvent struct {
	Standard  string `json:"standard"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Ts        int64  `json:"ts"`
}

// CalibrationResultEvent is published when a run finishes successfully.
// CalibrationID is set when new coefficients were solved, DUT when a device
// measurement was corrected.
type CalibrationResultEvent struct {
	CalibrationID string  `json:"calibrationId,omitempty"`
	Points        int     `json:"points"`
	Start         float64 `json:"start"`
	Stop          float64 `json:"stop"`
	DUT           bool    `json:"dut"`
	Ts            int64   `json:"ts"`
}

// InstrumentExchangeEvent logs one SCPI command and its response.
type InstrumentExchangeEvent struct {
	Command  string `json:"command"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Ts       int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
