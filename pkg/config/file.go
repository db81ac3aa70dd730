package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/utils/ptr"
)

const (
	TransportTCP      = "tcp"
	TransportPrologix = "prologix"
)

var (
	defaultFileConfig = &RawFileConfig{
		InstrumentTransport:   ptr.To(TransportTCP),
		InstrumentAddress:     ptr.To("127.0.0.1:5025"),
		SerialPort:            ptr.To(""),
		GPIBAddress:           ptr.To(16),
		CommandTimeoutSeconds: ptr.To(10.0),
		MinFrequencyHz:        ptr.To(1.0),
		MaxFrequencyHz:        ptr.To(6e9),
		SweepPoints:           ptr.To(100),
		IFBandwidthHz:         ptr.To(10.0),
		DatabasePath:          ptr.To("/var/lib/vnacal/vnacal.db"),
		FixturePath:           ptr.To(""),
		IdealsDir:             ptr.To(""),
		Cron:                  ptr.To(""),
		AllowNonRootAccess:    ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the on-disk form. Unset fields fall back to defaults.
type RawFileConfig struct {
	InstrumentTransport   *string  `json:"instrumentTransport,omitempty"`
	InstrumentAddress     *string  `json:"instrumentAddress,omitempty"`
	SerialPort            *string  `json:"serialPort,omitempty"`
	GPIBAddress           *int     `json:"gpibAddress,omitempty"`
	CommandTimeoutSeconds *float64 `json:"commandTimeoutSeconds,omitempty"`
	MinFrequencyHz        *float64 `json:"minFrequencyHz,omitempty"`
	MaxFrequencyHz        *float64 `json:"maxFrequencyHz,omitempty"`
	SweepPoints           *int     `json:"sweepPoints,omitempty"`
	IFBandwidthHz         *float64 `json:"ifBandwidthHz,omitempty"`
	DatabasePath          *string  `json:"databasePath,omitempty"`
	FixturePath           *string  `json:"fixturePath,omitempty"`
	IdealsDir             *string  `json:"idealsDir,omitempty"`
	Cron                  *string  `json:"cron,omitempty"`
	AllowNonRootAccess    *bool    `json:"allowNonRootAccess,omitempty"`
}

// NewRawFileConfigFromConfig returns the effective values of c with every
// field filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	return &RawFileConfig{
		InstrumentTransport:   ptr.To(c.InstrumentTransport()),
		InstrumentAddress:     ptr.To(c.InstrumentAddress()),
		SerialPort:            ptr.To(c.SerialPort()),
		GPIBAddress:           ptr.To(c.GPIBAddress()),
		CommandTimeoutSeconds: ptr.To(c.CommandTimeout().Seconds()),
		MinFrequencyHz:        ptr.To(c.MinFrequencyHz()),
		MaxFrequencyHz:        ptr.To(c.MaxFrequencyHz()),
		SweepPoints:           ptr.To(c.SweepPoints()),
		IFBandwidthHz:         ptr.To(c.IFBandwidthHz()),
		DatabasePath:          ptr.To(c.DatabasePath()),
		FixturePath:           ptr.To(c.FixturePath()),
		IdealsDir:             ptr.To(c.IdealsDir()),
		Cron:                  ptr.To(c.Cron()),
		AllowNonRootAccess:    ptr.To(c.AllowNonRootAccess()),
	}, nil
}

// get reads one field under the read lock, falling back to its default.
func get[T any](f *File, field func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

func (f *File) InstrumentTransport() string {
	return strings.ToLower(get(f, func(c *RawFileConfig) *string { return c.InstrumentTransport }))
}

func (f *File) InstrumentAddress() string {
	return get(f, func(c *RawFileConfig) *string { return c.InstrumentAddress })
}

func (f *File) SerialPort() string {
	return get(f, func(c *RawFileConfig) *string { return c.SerialPort })
}

func (f *File) GPIBAddress() int {
	return get(f, func(c *RawFileConfig) *int { return c.GPIBAddress })
}

func (f *File) CommandTimeout() time.Duration {
	secs := get(f, func(c *RawFileConfig) *float64 { return c.CommandTimeoutSeconds })
	return time.Duration(secs * float64(time.Second))
}

func (f *File) MinFrequencyHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MinFrequencyHz })
}

func (f *File) MaxFrequencyHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.MaxFrequencyHz })
}

func (f *File) SweepPoints() int {
	return get(f, func(c *RawFileConfig) *int { return c.SweepPoints })
}

func (f *File) IFBandwidthHz() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.IFBandwidthHz })
}

func (f *File) DatabasePath() string {
	return get(f, func(c *RawFileConfig) *string { return c.DatabasePath })
}

func (f *File) FixturePath() string {
	return get(f, func(c *RawFileConfig) *string { return c.FixturePath })
}

func (f *File) IdealsDir() string {
	return get(f, func(c *RawFileConfig) *string { return c.IdealsDir })
}

func (f *File) Cron() string {
	return get(f, func(c *RawFileConfig) *string { return c.Cron })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetInstrument(transport, address string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.InstrumentTransport = &transport
	if transport == TransportPrologix {
		f.c.SerialPort = &address
	} else {
		f.c.InstrumentAddress = &address
	}
}

func (f *File) SetFixturePath(p string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.FixturePath = &p
}

func (f *File) SetCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Cron = &expr
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

// Validate rejects values that would make every run fail.
func (f *File) Validate() error {
	switch t := f.InstrumentTransport(); t {
	case TransportTCP:
		if f.InstrumentAddress() == "" {
			return pkgerrors.New("instrumentAddress is required for the tcp transport")
		}
	case TransportPrologix:
		if f.SerialPort() == "" {
			return pkgerrors.New("serialPort is required for the prologix transport")
		}
		if a := f.GPIBAddress(); a < 0 || a > 30 {
			return pkgerrors.Errorf("gpibAddress must be between 0 and 30, got %d", a)
		}
	default:
		return pkgerrors.Errorf("unknown instrumentTransport %q", t)
	}

	if f.CommandTimeout() <= 0 {
		return pkgerrors.New("commandTimeoutSeconds must be positive")
	}
	if lo, hi := f.MinFrequencyHz(), f.MaxFrequencyHz(); !(lo > 0) || !(hi > lo) {
		return pkgerrors.Errorf("frequency span %g-%g Hz is invalid", lo, hi)
	}
	if f.SweepPoints() < 2 {
		return pkgerrors.Errorf("sweepPoints must be at least 2, got %d", f.SweepPoints())
	}
	if !(f.IFBandwidthHz() > 0) {
		return pkgerrors.New("ifBandwidthHz must be positive")
	}
	if f.DatabasePath() == "" {
		return pkgerrors.New("databasePath is required")
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means defaults. Keep f.c non-nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	if dir := filepath.Dir(f.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pkgerrors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"instrumentTransport": f.InstrumentTransport(),
		"instrumentAddress":   f.InstrumentAddress(),
		"serialPort":          f.SerialPort(),
		"gpibAddress":         f.GPIBAddress(),
		"commandTimeout":      f.CommandTimeout().String(),
		"frequencySpan":       []float64{f.MinFrequencyHz(), f.MaxFrequencyHz()},
		"sweepPoints":         f.SweepPoints(),
		"databasePath":        f.DatabasePath(),
		"fixturePath":         f.FixturePath(),
		"idealsDir":           f.IdealsDir(),
		"cron":                f.Cron(),
		"allowNonRootAccess":  f.AllowNonRootAccess(),
	}
}
