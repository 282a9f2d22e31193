package peering

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

func listen(t *testing.T) *net.TCPListener {
	t.Helper()
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAcceptTimeout(t *testing.T) {
	l := listen(t)
	start := time.Now()
	_, err := Accept(l, 50*time.Millisecond, time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Accept error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Accept did not honour its timeout")
	}
}

func TestDialUnreachableIsTimeout(t *testing.T) {
	l := listen(t)
	addr := l.Addr().(*net.TCPAddr).AddrPort()
	l.Close()

	_, err := Dial(addr, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Dial error = %v, want ErrTimeout", err)
	}
}

func TestDialInvalidAddressIsHardError(t *testing.T) {
	_, err := Dial(netip.AddrPort{}, time.Second)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("Dial error = %v, want a non-timeout error", err)
	}
}

func TestSendDeliversFrame(t *testing.T) {
	l := listen(t)
	addr := l.Addr().(*net.TCPAddr).AddrPort()

	h := Header{Command: RequestTorrentInfo, EngineHash: 0xAAAA0001, Port: 9000, TorrentHash: 0xCAFEBABE}
	if err := Send(addr, time.Second, h, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn, err := Accept(l, time.Second, time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	got, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Command != RequestTorrentInfo || got.TorrentHash != 0xCAFEBABE || got.Port != 9000 {
		t.Fatalf("ReadFrame = %+v", got)
	}
}

func TestAcceptedConnUsesTimeout(t *testing.T) {
	l := listen(t)
	addr := l.Addr().(*net.TCPAddr).AddrPort()
	client, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	conn, err := Accept(l, 20*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		WriteFrame(client, Header{Command: RequestTorrentInfo, EngineHash: 1, Port: 9000, TorrentHash: 2}, nil)
	}()
	if _, err := ReadFrame(conn); err != nil {
		t.Fatalf("ReadFrame after the accept wait: %v", err)
	}
}
