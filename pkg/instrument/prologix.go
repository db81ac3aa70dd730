package instrument

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	"github.com/gotmc/prologix/driver/vcp"
	"github.com/sirupsen/logrus"
)

// Prologix drives a GPIB instrument through a Prologix USB controller.
//
// GPIB instruments only answer queries, so Send returns an empty response
// for commands that do not end in '?'.
type Prologix struct {
	mu      sync.Mutex
	port    *vcp.VCP
	ctrl    *prologix.Controller
	timeout time.Duration
}

// DialPrologix opens the serial port and addresses the instrument.
func DialPrologix(ctx context.Context, serialPort string, gpibAddress int, timeout time.Duration) (*Prologix, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port, err := vcp.NewVCP(serialPort)
	if err != nil {
		return nil, classify(ctx, err, "failed to open serial port %s", serialPort)
	}
	ctrl, err := prologix.NewController(port, gpibAddress, false)
	if err != nil {
		_ = port.Close()
		return nil, classify(ctx, err, "failed to create GPIB controller for address %d", gpibAddress)
	}
	if err := ctrl.ClearDevice(); err != nil {
		logrus.WithError(err).Warn("failed to clear GPIB device")
	}
	logrus.WithFields(logrus.Fields{
		"port": serialPort,
		"gpib": gpibAddress,
	}).Debug("connected to instrument")
	return &Prologix{port: port, ctrl: ctrl, timeout: timeout}, nil
}

type prologixResult struct {
	resp string
	err  error
}

// Send forwards cmd to the instrument. The underlying serial I/O is not
// interruptible, so on timeout the caller must Close the connection.
func (p *Prologix) Send(ctx context.Context, cmd string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd = strings.TrimRight(cmd, "\r\n")
	done := make(chan prologixResult, 1)
	go func() {
		if strings.HasSuffix(cmd, "?") {
			resp, err := p.ctrl.Query(cmd)
			if errors.Is(err, io.EOF) {
				err = nil
			}
			done <- prologixResult{resp: strings.TrimRight(resp, "\r\n"), err: err}
			return
		}
		done <- prologixResult{err: p.ctrl.Command(cmd)}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			return "", classify(ctx, r.err, "GPIB exchange %q", cmd)
		}
		return r.resp, nil
	case <-timer.C:
		return "", classify(ctx, context.DeadlineExceeded, "GPIB exchange %q", cmd)
	case <-ctx.Done():
		return "", classify(ctx, ctx.Err(), "GPIB exchange %q", cmd)
	}
}

// Close hands the instrument back to its front panel and closes the port.
func (p *Prologix) Close() error {
	if err := p.ctrl.FrontPanel(true); err != nil {
		logrus.WithError(err).Warn("failed to return instrument to local control")
	}
	if err := p.port.Flush(); err != nil {
		logrus.WithError(err).Warn("failed to flush serial port")
	}
	return p.port.Close()
}
