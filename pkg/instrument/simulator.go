package instrument

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/solt"
)

// Simulator is an in-process analyzer. It answers the command set used by
// the calibration sequence and returns sweeps of the ideal standards (or the
// DUT) distorted by a fixed error box.
type Simulator struct {
	// Box is applied to every sweep. The zero value measures ideally.
	Box solt.ErrorBox
	// DUT is the device returned for CALIBRATION:DUT sweeps. It must cover
	// the swept span.
	DUT *network.Network
	// Fail, when set, is returned for the first command with this prefix.
	Fail    string
	FailErr error

	mu       sync.Mutex
	points   int
	start    float64
	stop     float64
	last     calibration.Standard
	commands []string
	written  int
	closed   bool
}

// NewSimulator returns a simulator with an ideal error box.
func NewSimulator() *Simulator {
	return &Simulator{Box: IdealBox()}
}

// IdealBox is an error box that leaves measurements unchanged.
func IdealBox() solt.ErrorBox {
	t := solt.Terms{Er: 1, Et: 1}
	return solt.ErrorBox{Forward: t, Reverse: t}
}

// Dial implements Dialer. The simulator itself is returned as the Conn.
func (s *Simulator) Dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	return s, nil
}

// Send implements Conn.
func (s *Simulator) Send(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", pkgerrors.Wrap(ErrComm, "connection closed")
	}
	cmd = strings.TrimRight(cmd, "\r\n")
	s.commands = append(s.commands, cmd)
	s.written += len(cmd) + 1

	if s.Fail != "" && strings.HasPrefix(cmd, s.Fail) {
		s.Fail = ""
		err := s.FailErr
		if err == nil {
			err = ErrComm
		}
		return "", err
	}
	return s.handle(cmd)
}

func (s *Simulator) handle(cmd string) (string, error) {
	keyword, arg, _ := strings.Cut(cmd, " ")
	switch strings.ToUpper(keyword) {
	case "*OPC?":
		return "1", nil
	case "*IDN?":
		return "vnacal,Simulator,0,1.0", nil
	case "SYST:PRES":
		s.points, s.start, s.stop, s.last = 0, 0, 0, ""
	case "SENS:SWE:POIN":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || n < 2 {
			return "", pkgerrors.Wrapf(ErrComm, "bad point count %q", arg)
		}
		s.points = n
	case "SENS:FREQ:START", "SENS:FREQ:STOP":
		f, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return "", pkgerrors.Wrapf(ErrComm, "bad frequency %q", arg)
		}
		if strings.HasSuffix(strings.ToUpper(keyword), "START") {
			s.start = f
		} else {
			s.stop = f
		}
	case QuerySNP:
		n, err := s.sweep()
		if err != nil {
			return "", err
		}
		return FormatSNP(n), nil
	default:
		if std, ok := strings.CutPrefix(strings.ToUpper(keyword), "CALIBRATION:"); ok {
			parsed, err := calibration.ParseStandard(std)
			if err != nil {
				return "", pkgerrors.Wrap(ErrComm, err.Error())
			}
			s.last = parsed
		}
	}
	return "OK", nil
}

func (s *Simulator) sweep() (*network.Network, error) {
	if s.last == "" {
		return nil, pkgerrors.Wrap(ErrComm, "no measurement triggered")
	}
	points := s.points
	if points < 2 {
		points = 2
	}
	if !(s.stop > s.start) {
		return nil, pkgerrors.Wrapf(ErrComm, "bad sweep span %g-%g Hz", s.start, s.stop)
	}
	axis := make([]float64, points)
	for i := range axis {
		axis[i] = s.start + (s.stop-s.start)*float64(i)/float64(points-1)
	}

	var actual *network.Network
	var err error
	if s.last == calibration.StandardDUT {
		if s.DUT == nil {
			return nil, pkgerrors.Wrap(ErrComm, "no DUT connected")
		}
		actual, err = network.Interpolate(s.DUT, axis)
	} else {
		actual, err = solt.IdealStandard(s.last, axis)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(ErrComm, err.Error())
	}

	boxes := make([]solt.ErrorBox, points)
	for i := range boxes {
		boxes[i] = s.Box
	}
	c := &solt.Coefficients{Frequencies: axis, Boxes: boxes}
	return c.Measure(actual)
}

// Close implements Conn.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Commands returns the commands received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Written returns the number of bytes written to the simulator.
func (s *Simulator) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Closed reports whether the last connection was closed.
func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Serve answers SCPI lines on l until ctx is done. Connections are served
// one at a time, like a real instrument.
func (s *Simulator) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logrus.WithField("remote", conn.RemoteAddr().String()).Info("simulator accepted connection")
		_, _ = s.Dial(ctx)
		s.serveConn(ctx, conn)
	}
}

func (s *Simulator) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64<<10), maxResponse)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		resp, err := s.Send(ctx, line)
		if err != nil {
			resp = fmt.Sprintf("ERR %v", err)
		}
		if _, err := w.WriteString(resp + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
