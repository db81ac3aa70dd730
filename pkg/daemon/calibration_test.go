package daemon

import (
	"context"
	"errors"
	"testing"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/sequencer"
)

func TestRecalibrate(t *testing.T) {
	srv := newTestServer(t)

	if err := srv.recalibrationPreCheck(); err == nil {
		t.Fatalf("precheck should fail before any run")
	}
	if err := srv.recalibrate(); err == nil {
		t.Fatalf("recalibrate should fail before any run")
	}

	calibrate(t, srv)

	// A one-port DUT sweep still repeats as a full two-port calibration.
	// The simulator has no DUT attached, so the sweep itself fails.
	w := do(t, srv, "POST", "/calibration/start", `{"start":1,"stop":2,"startUnit":"GHz","stopUnit":"GHz","standards":["DUT"],"ports":"1"}`)
	if w.Code != 202 {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	srv.seq.Wait()

	p, err := srv.recalibrationParams()
	if err != nil {
		t.Fatalf("recalibrationParams: %v", err)
	}
	if p.Ports != "2" || len(p.Standards) != len(calibration.Required) || p.StartHz() != 1e9 || p.StopHz() != 2e9 {
		t.Fatalf("unexpected params: %s", p)
	}

	if err := srv.recalibrationPreCheck(); err != nil {
		t.Fatalf("precheck: %v", err)
	}
	if err := srv.recalibrate(); err != nil {
		t.Fatalf("recalibrate: %v", err)
	}

	list, err := srv.store.ListCalibrations(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListCalibrations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 stored calibrations, got %d", len(list))
	}
	if _, id, ok := srv.seq.Calibration(); !ok || id != list[0].ID {
		t.Fatalf("active calibration %q is not the stored one", id)
	}
}

func TestRecalibrationPreCheckBusy(t *testing.T) {
	srv := newTestServer(t)
	calibrate(t, srv)

	if w := do(t, srv, "POST", "/calibration/start", startBody); w.Code != 202 {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	err := srv.recalibrationPreCheck()
	srv.seq.Wait()
	// The run may already be over on a fast machine.
	if err != nil && !errors.Is(err, sequencer.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
}
