package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/config"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/solt"
	"github.com/rflab/vnacal/pkg/store"
	"github.com/rflab/vnacal/pkg/touchstone"
)

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret)
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) SetInstrument(transport, address string) (string, error) {
	payload, err := json.Marshal(config.InstrumentSettings{Transport: transport, Address: address})
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/config/instrument", string(payload))
	if err != nil {
		return "", err
	}
	return unquote(ret)
}

// SetFixture sets the fixture file removed from corrected DUT responses. An
// empty path disables de-embedding.
func (c *Client) SetFixture(path string) (string, error) {
	payload, err := json.Marshal(path)
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/config/fixture", string(payload))
	if err != nil {
		return "", err
	}
	return unquote(ret)
}

// ===== Calibration APIs =====

func (c *Client) GetCalibrationStatus() (*calibration.Status, error) {
	ret, err := c.Get("/calibration/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}
	return decode[calibration.Status](ret, "calibration status")
}

func (c *Client) StartCalibration(p calibration.Params) (*calibration.Status, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/calibration/start", string(payload))
	if err != nil {
		return nil, err
	}
	return decode[calibration.Status](ret, "calibration status")
}

func (c *Client) CancelCalibration() (*calibration.Status, error) {
	ret, err := c.Post("/calibration/cancel", "")
	if err != nil {
		return nil, err
	}
	return decode[calibration.Status](ret, "calibration status")
}

// GetCoefficients returns the active calibration and its id.
func (c *Client) GetCoefficients() (string, *solt.Coefficients, error) {
	ret, err := c.Get("/calibration/coefficients")
	if err != nil {
		return "", nil, pkgerrors.Wrapf(err, "failed to get coefficients")
	}
	var out struct {
		ID           string             `json:"id"`
		Coefficients *solt.Coefficients `json:"coefficients"`
	}
	if err := json.Unmarshal([]byte(ret), &out); err != nil {
		return "", nil, pkgerrors.Wrapf(err, "failed to unmarshal coefficients")
	}
	return out.ID, out.Coefficients, nil
}

// GetLastDUT returns the DUT measured by the last run, corrected unless raw
// is set.
func (c *Client) GetLastDUT(raw bool) (*network.Network, error) {
	ret, err := c.Get("/calibration/dut?raw=" + strconv.FormatBool(raw))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get DUT measurement")
	}
	return touchstone.Read(strings.NewReader(ret))
}

// Apply corrects dut with the active calibration. The returned id names the
// stored measurement and is empty when the daemon did not record it.
func (c *Client) Apply(dut *network.Network) (*network.Network, string, error) {
	var buf bytes.Buffer
	if err := touchstone.Write(&buf, dut); err != nil {
		return nil, "", err
	}
	resp, err := c.do(context.Background(), http.MethodPost, "/calibration/apply", "text/plain", buf.String())
	if err != nil {
		return nil, "", pkgerrors.Wrapf(err, "failed to apply calibration")
	}
	corrected, err := touchstone.Read(strings.NewReader(resp.body))
	if err != nil {
		return nil, "", err
	}
	return corrected, resp.header.Get("X-Measurement-ID"), nil
}

// ===== History APIs =====

func (c *Client) ListCalibrations(limit int) ([]store.Summary, error) {
	path := "/calibrations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list calibrations")
	}
	list, err := decode[[]store.Summary](ret, "calibrations")
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (c *Client) GetCalibration(id string) (*store.Record, error) {
	ret, err := c.Get("/calibrations/" + url.PathEscape(id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration %s", id)
	}
	return decode[store.Record](ret, "calibration")
}

func (c *Client) DeleteCalibration(id string) (string, error) {
	ret, err := c.Delete("/calibrations/" + url.PathEscape(id))
	if err != nil {
		return "", err
	}
	return unquote(ret)
}

// LoadCalibration makes a stored calibration the active one.
func (c *Client) LoadCalibration(id string) (*calibration.Status, error) {
	ret, err := c.Post("/calibrations/"+url.PathEscape(id)+"/load", "")
	if err != nil {
		return nil, err
	}
	return decode[calibration.Status](ret, "calibration status")
}

func (c *Client) ListMeasurements(calibrationID string) ([]store.MeasurementSummary, error) {
	ret, err := c.Get("/calibrations/" + url.PathEscape(calibrationID) + "/measurements")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list measurements")
	}
	list, err := decode[[]store.MeasurementSummary](ret, "measurements")
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (c *Client) GetMeasurement(id string, raw bool) (*network.Network, error) {
	ret, err := c.Get("/measurements/" + url.PathEscape(id) + "?raw=" + strconv.FormatBool(raw))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get measurement %s", id)
	}
	return touchstone.Read(strings.NewReader(ret))
}

// ===== Schedule APIs =====

func (c *Client) GetSchedule() (*calibration.Schedule, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return decode[calibration.Schedule](ret, "schedule")
}

// Schedule sets the recalibration cron expression and returns the next runs.
// An empty expression disables the schedule.
func (c *Client) Schedule(cronExpr string) ([]time.Time, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, err
	}
	sch, err := decode[calibration.Schedule](ret, "schedule")
	if err != nil {
		return nil, err
	}
	return sch.NextRuns, nil
}

func (c *Client) SkipSchedule() (string, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return "", err
	}
	return unquote(ret)
}

func decode[T any](ret, what string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

// unquote decodes the JSON string messages the daemon replies with.
func unquote(ret string) (string, error) {
	var s string
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return "", pkgerrors.Wrapf(err, "unexpected response: %s", ret)
	}
	return s, nil
}
