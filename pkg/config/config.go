package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config interface {
	InstrumentTransport() string
	InstrumentAddress() string
	SerialPort() string
	GPIBAddress() int
	CommandTimeout() time.Duration
	MinFrequencyHz() float64
	MaxFrequencyHz() float64
	SweepPoints() int
	IFBandwidthHz() float64
	DatabasePath() string
	FixturePath() string
	IdealsDir() string
	Cron() string
	AllowNonRootAccess() bool

	SetInstrument(transport, address string)
	SetFixturePath(string)
	SetCron(string)
	SetAllowNonRootAccess(bool)

	// Validate checks that the values are usable by the daemon.
	Validate() error
	LogrusFields() logrus.Fields

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// InstrumentSettings selects the instrument transport. Address is host:port
// for tcp and the serial device for prologix.
type InstrumentSettings struct {
	Transport string `json:"transport"`
	Address   string `json:"address"`
}
