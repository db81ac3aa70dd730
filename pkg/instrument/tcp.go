package instrument

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TCP is a raw SCPI socket connection, usually on port 5025.
type TCP struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// maxResponse bounds a single response line. Sweep data of a few thousand
// points fits comfortably.
const maxResponse = 4 << 20

var errResponseTooLong = errors.New("response too long")

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*TCP, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(ctx, err, "failed to connect to %s", addr)
	}
	logrus.WithField("address", addr).Debug("connected to instrument")
	return NewTCP(conn, timeout), nil
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn, timeout time.Duration) *TCP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCP{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64<<10),
		timeout: timeout,
	}
}

// Send writes cmd and reads one response line. The exchange is bounded by
// the connection timeout and by ctx.
func (t *TCP) Send(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return "", classify(ctx, err, "failed to set deadline")
	}
	// Unblock pending I/O as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetDeadline(time.Now())
	})
	defer stop()

	cmd = strings.TrimRight(cmd, "\r\n")
	if _, err := t.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", classify(ctx, err, "failed to send %q", cmd)
	}

	var sb strings.Builder
	for {
		chunk, isPrefix, err := t.r.ReadLine()
		if err != nil {
			return "", classify(ctx, err, "failed to read response to %q", cmd)
		}
		sb.Write(chunk)
		if sb.Len() > maxResponse {
			return "", classify(ctx, errResponseTooLong, "response to %q", cmd)
		}
		if !isPrefix {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\r"), nil
}

// Close closes the socket.
func (t *TCP) Close() error {
	return t.conn.Close()
}
