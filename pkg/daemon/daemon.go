package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/config"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/instrument"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/sequencer"
	"github.com/rflab/vnacal/pkg/store"
	"github.com/rflab/vnacal/pkg/touchstone"
)

// Server exposes a calibration sequencer to clients over HTTP.
type Server struct {
	conf      config.Config
	store     *store.Store
	hub       *events.EventHub
	seq       *sequencer.Sequencer
	scheduler *Scheduler
	router    *gin.Engine
}

// NewServer builds the sequencer described by conf. st may be nil, in which
// case nothing is persisted.
func NewServer(conf config.Config, st *store.Store, hub *events.EventHub) (*Server, error) {
	s := &Server{conf: conf, store: st, hub: hub}
	opts, err := s.sequencerOptions()
	if err != nil {
		return nil, err
	}
	s.seq = sequencer.New(opts)
	s.scheduler = NewScheduler(s.recalibrate, s.recalibrationPreCheck, s.onUpcomingRecalibration, s.onScheduleError)
	s.router = s.setupRoutes()
	return s, nil
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler { return s.router }

// sequencerOptions translates the configuration into sequencer options.
func (s *Server) sequencerOptions() (sequencer.Options, error) {
	dialer, err := instrument.NewDialer(instrument.Options{
		Transport:   instrument.Transport(s.conf.InstrumentTransport()),
		Address:     s.conf.InstrumentAddress(),
		SerialPort:  s.conf.SerialPort(),
		GPIBAddress: s.conf.GPIBAddress(),
		Timeout:     s.conf.CommandTimeout(),
	})
	if err != nil {
		return sequencer.Options{}, err
	}

	ideals, err := loadIdeals(s.conf.IdealsDir())
	if err != nil {
		return sequencer.Options{}, err
	}

	var fixture *network.Network
	if p := s.conf.FixturePath(); p != "" {
		if fixture, err = touchstone.ReadFile(p); err != nil {
			return sequencer.Options{}, pkgerrors.Wrapf(err, "failed to load fixture %s", p)
		}
	}

	opts := sequencer.Options{
		Dialer:         dialer,
		MinHz:          s.conf.MinFrequencyHz(),
		MaxHz:          s.conf.MaxFrequencyHz(),
		CommandTimeout: s.conf.CommandTimeout(),
		SweepPoints:    s.conf.SweepPoints(),
		IFBandwidthHz:  s.conf.IFBandwidthHz(),
		Ideals:         ideals,
		Fixture:        fixture,
		Publisher:      s.hub,
	}
	if s.store != nil {
		opts.Recorder = s.store
	}
	return opts, nil
}

// loadIdeals reads <standard>.s2p files from dir. Standards without a file
// use the built-in definitions.
func loadIdeals(dir string) (map[calibration.Standard]*network.Network, error) {
	if dir == "" {
		return nil, nil
	}
	ideals := map[calibration.Standard]*network.Network{}
	for _, std := range calibration.Required {
		p := filepath.Join(dir, strings.ToLower(string(std))+".s2p")
		n, err := touchstone.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to load ideal %s", std)
		}
		logrus.WithFields(logrus.Fields{"standard": std, "file": p}).Info("loaded ideal standard definition")
		ideals[std] = n
	}
	return ideals, nil
}

// reconfigure rebuilds the sequencer options from the current config.
func (s *Server) reconfigure() error {
	opts, err := s.sequencerOptions()
	if err != nil {
		return err
	}
	s.seq.Configure(opts)
	return nil
}

// Reload re-reads the config file and applies it.
func (s *Server) Reload() error {
	if err := s.conf.Load(); err != nil {
		return err
	}
	if err := s.conf.Validate(); err != nil {
		return err
	}
	if err := s.reconfigure(); err != nil {
		return err
	}
	return s.applySchedule()
}

// Restore installs the newest stored calibration, if any.
func (s *Server) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rec, err := s.store.LatestCalibration(ctx)
	if errors.Is(err, store.ErrNotFound) {
		logrus.Info("no stored calibration to restore")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.seq.SetCalibration(rec.ID, rec.Coefficients); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"id":      rec.ID,
		"created": rec.CreatedAt.Format(time.RFC3339),
		"points":  rec.Points,
	}).Info("restored calibration")
	return nil
}

// applySchedule (re)starts or disables scheduled recalibration.
func (s *Server) applySchedule() error {
	expr := s.conf.Cron()
	if expr == "" {
		s.scheduler.Disable()
		return nil
	}
	if err := s.scheduler.Schedule(expr); err != nil {
		return err
	}
	s.scheduler.Start()
	return nil
}

// Close stops scheduling and aborts the run in flight.
func (s *Server) Close() {
	s.scheduler.Stop()
	if err := s.seq.Cancel(); err != nil && !errors.Is(err, sequencer.ErrNotRunning) {
		logrus.WithError(err).Warn("failed to cancel calibration")
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to parse config during startup")
	}
	if err := conf.Validate(); err != nil {
		return pkgerrors.Wrap(err, "invalid config")
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	st, err := store.Open(conf.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.Errorf("failed to close database: %v", err)
		}
	}()

	srv, err := NewServer(conf, st, events.NewEventHub())
	if err != nil {
		return err
	}
	if err := srv.Restore(context.Background()); err != nil {
		logrus.WithError(err).Error("failed to restore the latest calibration")
	}
	if err := srv.applySchedule(); err != nil {
		logrus.WithError(err).Error("failed to schedule recalibration")
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			if err := srv.Reload(); err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	// A socket left behind by a crashed daemon blocks Listen.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			return err
		}
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return err
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		if err := os.Chmod(unixSocketPath, 0777); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err := <-serveErr:
		logrus.WithError(err).Error("http server failed")
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpSrv.Shutdown(ctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("releasing the instrument")
	srv.Close()

	logrus.Info("exiting")
	return nil
}
