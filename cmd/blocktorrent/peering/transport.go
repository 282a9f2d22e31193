package peering

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

// ErrTimeout reports a peer that could not be reached or did not respond
// within the bound. It is never fatal; callers retry on their next interval.
var ErrTimeout = errors.New("peer timed out")

// Dial connects to addr, giving up after timeout. The returned connection
// carries a deadline of timeout for the exchange that follows.
func Dial(addr netip.AddrPort, timeout time.Duration) (net.Conn, error) {
	if !addr.IsValid() || addr.Port() == 0 {
		return nil, fmt.Errorf("invalid peer address %q", addr)
	}

	conn, err := net.DialTimeout("tcp", addr.String(), timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	return conn, nil
}

// Accept waits up to wait for an inbound connection on l. The accepted
// connection carries a deadline of timeout for the exchange that follows.
func Accept(l *net.TCPListener, wait, timeout time.Duration) (*net.TCPConn, error) {
	if err := l.SetDeadline(time.Now().Add(wait)); err != nil {
		return nil, fmt.Errorf("failed to set accept deadline: %w", err)
	}
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, classify(err)
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	return conn, nil
}

// Send dials addr, writes one frame and its payload, and closes the connection.
func Send(addr netip.AddrPort, timeout time.Duration, h Header, payload []byte) error {
	conn, err := Dial(addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	return WriteFrame(conn, h, payload)
}

// ReadExact reads exactly n bytes.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, classify(err)
	}
	return buf, nil
}

// WriteExact writes all of buf.
func WriteExact(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return classify(err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
