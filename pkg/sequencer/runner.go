package sequencer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/instrument"
	"github.com/rflab/vnacal/pkg/network"
)

// runner issues the SCPI exchanges of one run over its connection.
type runner struct {
	seq  *Sequencer
	conn instrument.Conn
	opts Options
	log  *logrus.Entry
}

func formatHz(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// setup presets the analyzer and programs the sweep.
func (r *runner) setup(ctx context.Context, p calibration.Params) error {
	cmds := []string{
		"SYST:PRES",
		"SENS:SWE:POIN " + strconv.Itoa(r.opts.SweepPoints),
		"CALC:PAR1:DEF S21",
		"CALC:PAR1:SEL",
		"CALC:FORM MLOG",
		"SENS:BAND " + formatHz(r.opts.IFBandwidthHz),
		":TRIG:SOUR BUS",
		":TRIG:SING",
	}
	for _, cmd := range cmds {
		if _, err := r.send(ctx, cmd); err != nil {
			return err
		}
	}
	if err := r.waitComplete(ctx); err != nil {
		return err
	}
	if _, err := r.send(ctx, "SENS:FREQ:START "+formatHz(p.StartHz())); err != nil {
		return err
	}
	if _, err := r.send(ctx, "SENS:FREQ:STOP "+formatHz(p.StopHz())); err != nil {
		return err
	}
	return nil
}

// measure triggers the measurement of std and fetches the sweep.
func (r *runner) measure(ctx context.Context, std calibration.Standard) (*network.Network, error) {
	if _, err := r.send(ctx, std.Command()); err != nil {
		return nil, err
	}
	if _, err := r.send(ctx, "*WAI"); err != nil {
		return nil, err
	}
	if err := r.waitComplete(ctx); err != nil {
		return nil, err
	}
	resp, err := r.send(ctx, instrument.QuerySNP)
	if err != nil {
		return nil, err
	}
	return instrument.ParseSNP(resp)
}

func (r *runner) waitComplete(ctx context.Context) error {
	resp, err := r.send(ctx, "*OPC?")
	if err != nil {
		return err
	}
	if v := strings.TrimPrefix(strings.TrimSpace(resp), "+"); v != "1" {
		return pkgerrors.Wrapf(instrument.ErrComm, "unexpected *OPC? response %q", resp)
	}
	return nil
}

// send performs one bounded exchange and logs it. A command deadline is
// reported as instrument.ErrTimeout. Nothing is retried.
func (r *runner) send(ctx context.Context, cmd string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.opts.CommandTimeout)
	defer cancel()

	resp, err := r.conn.Send(cmdCtx, cmd)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = pkgerrors.Wrapf(instrument.ErrTimeout, "no response to %q within %s", cmd, r.opts.CommandTimeout)
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	ev := events.InstrumentExchangeEvent{
		Command:  cmd,
		Response: trimResponse(resp),
		Ts:       time.Now().Unix(),
	}
	entry := r.log.WithField("command", cmd)
	if err != nil {
		ev.Error = err.Error()
		entry.WithError(err).Warn("instrument exchange failed")
	} else {
		entry.WithField("response", ev.Response).Debug("instrument exchange")
	}
	r.seq.publish(events.InstrumentExchange, ev)
	return resp, err
}
