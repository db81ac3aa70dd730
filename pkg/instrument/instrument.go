// Package instrument talks to the network analyzer.
//
// Every transport implements Conn: one newline terminated SCPI command is
// written and exactly one response line is read before the next command may
// be sent. A Conn is owned by a single calibration run and must be closed on
// every exit path.
package instrument

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when a command does not complete within the
	// command timeout. Commands are never retried.
	ErrTimeout = errors.New("instrument timed out")

	// ErrComm is returned for any other transport failure.
	ErrComm = errors.New("instrument communication failed")
)

// DefaultTimeout bounds a single command-response exchange.
const DefaultTimeout = 10 * time.Second

// Conn is an exclusively owned command channel to the instrument.
type Conn interface {
	// Send writes cmd and waits for its response. The response has its
	// line terminator removed.
	Send(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Dialer opens a new Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Transport names a supported transport.
type Transport string

const (
	TransportTCP      Transport = "tcp"
	TransportPrologix Transport = "prologix"
)

// Options configures NewDialer.
type Options struct {
	Transport Transport
	// Address is host:port for TCP.
	Address string
	// SerialPort and GPIBAddress are used by the Prologix transport.
	SerialPort  string
	GPIBAddress int
	Timeout     time.Duration
}

// NewDialer returns a Dialer for the configured transport.
func NewDialer(opts Options) (Dialer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	switch opts.Transport {
	case TransportTCP, "":
		if opts.Address == "" {
			return nil, pkgerrors.New("instrument address is empty")
		}
		return DialerFunc(func(ctx context.Context) (Conn, error) {
			return DialTCP(ctx, opts.Address, opts.Timeout)
		}), nil
	case TransportPrologix:
		if opts.SerialPort == "" {
			return nil, pkgerrors.New("serial port is empty")
		}
		return DialerFunc(func(ctx context.Context) (Conn, error) {
			return DialPrologix(ctx, opts.SerialPort, opts.GPIBAddress, opts.Timeout)
		}), nil
	default:
		return nil, pkgerrors.Errorf("unknown instrument transport %q", opts.Transport)
	}
}

// classify maps a transport error onto ErrTimeout or ErrComm. Context
// cancellation is passed through unchanged.
func classify(ctx context.Context, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return pkgerrors.Wrapf(ErrTimeout, format+": %v", append(args, err)...)
	}
	return pkgerrors.Wrapf(ErrComm, format+": %v", append(args, err)...)
}
