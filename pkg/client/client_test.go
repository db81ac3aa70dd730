package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rflab/vnacal/pkg/config"
	"github.com/rflab/vnacal/pkg/daemon"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/store"
	"github.com/rflab/vnacal/pkg/utils/ptr"
	"github.com/rflab/vnacal/pkg/version"
)

func newTestClient(t *testing.T) (*Client, *events.EventHub) {
	t.Helper()

	// unix socket paths are length limited, so avoid the long t.TempDir()
	dir, err := os.MkdirTemp("", "vnacal")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	st, err := store.Open(filepath.Join(dir, "vnacal.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	conf := config.NewFileFromConfig(&config.RawFileConfig{
		DatabasePath: ptr.To(filepath.Join(dir, "vnacal.db")),
	}, filepath.Join(dir, "vnacal.json"))
	hub := events.NewEventHub()
	srv, err := daemon.NewServer(conf, st, hub)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	sock := filepath.Join(dir, "d.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: time.Second}
	go func() { _ = httpSrv.Serve(l) }()
	t.Cleanup(func() { _ = httpSrv.Close() })

	return NewClient(sock), hub
}

func TestClientAPIs(t *testing.T) {
	c, _ := newTestClient(t)

	v, err := c.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != version.Version {
		t.Fatalf("version %q, want %q", v, version.Version)
	}

	if _, err := c.SetInstrument(config.TransportTCP, "10.0.0.5:5025"); err != nil {
		t.Fatalf("SetInstrument: %v", err)
	}
	conf, err := c.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if ptr.Deref(conf.InstrumentAddress, "") != "10.0.0.5:5025" {
		t.Fatalf("unexpected instrument address %v", conf.InstrumentAddress)
	}

	st, err := c.GetCalibrationStatus()
	if err != nil {
		t.Fatalf("GetCalibrationStatus: %v", err)
	}
	if st.HasCalibration {
		t.Fatalf("fresh daemon reports a calibration")
	}

	list, err := c.ListCalibrations(10)
	if err != nil {
		t.Fatalf("ListCalibrations: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no calibrations, got %d", len(list))
	}

	runs, err := c.Schedule("@every 1h")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %v", runs)
	}
	sch, err := c.GetSchedule()
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sch.Cron != "@every 1h" {
		t.Fatalf("unexpected schedule %+v", sch)
	}
	if _, err := c.SkipSchedule(); err != nil {
		t.Fatalf("SkipSchedule: %v", err)
	}
	if runs, err := c.Schedule(""); err != nil || len(runs) != 0 {
		t.Fatalf("disable schedule: %v %v", runs, err)
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := newTestClient(t)

	if _, err := c.GetCalibration("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := c.GetCoefficients(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.CancelCalibration(); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	dut := network.MustNew([]float64{1e9, 2e9}, make([]network.Matrix, 2))
	if _, _, err := c.Apply(dut); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := c.Send("PATCH", "/version", ""); err == nil {
		t.Fatalf("expected an error for an unknown method")
	}

	missing := NewClient(filepath.Join(os.TempDir(), "vnacal-missing.sock"))
	if _, err := missing.GetVersion(); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestSubscribeEvents(t *testing.T) {
	c, hub := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.SubscribeEvents(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(events.CalibrationAction, events.CalibrationActionEvent{Action: "Start", Message: "hello"})

	select {
	case ev := <-ch:
		if ev.Name != events.CalibrationAction {
			t.Fatalf("unexpected event %q", ev.Name)
		}
		payload, err := events.DecodeAs[events.CalibrationActionEvent](ev)
		if err != nil {
			t.Fatalf("DecodeAs: %v", err)
		}
		if payload.Message != "hello" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}

	cancel()
	for range ch {
	}
}

func TestReadEvents(t *testing.T) {
	stream := ": keep-alive\n\nevent: a\ndata: {\"x\":1}\n\nevent: b\ndata: line1\ndata: line2\n\n"
	ch := make(chan events.Event, 4)
	err := readEvents(context.Background(), bufio.NewReader(strings.NewReader(stream)), ch)
	if err == nil {
		t.Fatalf("expected EOF at the end of the stream")
	}
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Name != "a" || string(got[0].Data) != `{"x":1}` {
		t.Errorf("first event %q %q", got[0].Name, got[0].Data)
	}
	if got[1].Name != "b" || string(got[1].Data) != "line1\nline2" {
		t.Errorf("second event %q %q", got[1].Name, got[1].Data)
	}
}
