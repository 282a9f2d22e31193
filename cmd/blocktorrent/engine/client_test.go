package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/peering"
)

// accepted reads the commands of the next n connections on l.
func accepted(t *testing.T, l *net.TCPListener, n int) []string {
	t.Helper()
	var cmds []string
	for i := 0; i < n; i++ {
		conn, err := peering.Accept(l, 2*time.Second, time.Second)
		if err != nil {
			t.Fatalf("Accept %d of %d: %v", i+1, n, err)
		}
		h, err := peering.ReadFrame(conn)
		conn.Close()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		cmds = append(cmds, string(h.Command))
	}
	sort.Strings(cmds)
	return cmds
}

func expectIdle(t *testing.T, l *net.TCPListener) {
	t.Helper()
	if conn, err := peering.Accept(l, 100*time.Millisecond, time.Second); err == nil {
		h, _ := peering.ReadFrame(conn)
		conn.Close()
		t.Fatalf("unexpected %s", h.Command)
	}
}

// pump serves connections until the listener stays idle for one accept wait.
func pump(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 64; i++ {
		err := e.ServeOnce()
		if errors.Is(err, peering.ErrTimeout) {
			return
		}
		if err != nil {
			t.Logf("ServeOnce: %v", err)
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTickHonoursIntervals(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e := newTestEngine(t, 0xAAAA0001, clock)
	l, addr := rawPeer(t)
	tr, _ := e.AddTorrent(testTorrent)
	tr.AddPeer(addr)
	ctx := context.Background()

	e.Tick(ctx)
	want := []string{string(peering.RequestTorrentInfo), string(peering.RequestTorrentPeerList)}
	if got := accepted(t, l, 2); !equal(got, want) {
		t.Fatalf("first tick sent %v, want %v", got, want)
	}

	e.Tick(ctx)
	expectIdle(t, l)

	clock.Advance(e.cfg.InfoInterval)
	e.Tick(ctx)
	if got := accepted(t, l, 1); got[0] != string(peering.RequestTorrentInfo) {
		t.Fatalf("tick after info interval sent %v", got)
	}
	expectIdle(t, l)
}

func TestTickRequestsBlocks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e := newTestEngine(t, 0xAAAA0001, clock)
	pushInfoTo(t, e, "file.bin", fileData(2048))

	l, addr := rawPeer(t)
	tr, _ := e.Torrent(testTorrent)
	peer, _ := tr.AddPeer(addr)
	peer.setBlocks([]BlockStatus{Missing, Held})
	// Keep the sender of the info push quiet.
	for _, p := range tr.Peers() {
		if p != peer {
			p.lastPeerListRequest = clock.Now()
			p.lastBlockStatusRequest = clock.Now()
		}
	}

	e.Tick(context.Background())
	want := []string{
		string(peering.RequestTorrentBlock),
		string(peering.RequestTorrentBlockStatus),
		string(peering.RequestTorrentPeerList),
	}
	if got := accepted(t, l, 3); !equal(got, want) {
		t.Fatalf("tick sent %v, want %v", got, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.drainResults()
		if s, _ := tr.Status(1); s == Requested {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("block 1 never became requested")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(tr.inflight) != 0 {
		t.Errorf("inflight = %v after the result was applied", tr.inflight)
	}
	if s, _ := tr.Status(0); s != Missing {
		t.Errorf("block 0 = %s, want missing", s)
	}
}

func TestStaleRequestsReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e := newTestEngine(t, 0xAAAA0001, clock)
	pushInfoTo(t, e, "file.bin", fileData(2048))

	_, addr := rawPeer(t)
	tr, _ := e.Torrent(testTorrent)
	peer, _ := tr.AddPeer(addr)
	if err := e.RequestBlock(peer, 1); err != nil {
		t.Fatalf("RequestBlock: %v", err)
	}

	ctx := context.Background()
	clock.Advance(e.cfg.ResetInterval - time.Millisecond)
	e.Tick(ctx)
	if s, _ := tr.Status(1); s != Requested {
		t.Fatalf("block 1 = %s before the reset interval, want requested", s)
	}

	clock.Advance(time.Millisecond)
	e.Tick(ctx)
	if s, _ := tr.Status(1); s != Missing {
		t.Fatalf("block 1 = %s after the reset interval, want missing", s)
	}

	e.Tick(ctx)
	for i, s := range tr.Statuses() {
		if s != Missing {
			t.Errorf("block %d = %s after a second sweep", i, s)
		}
	}
}

func TestTickSavesPeriodically(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := &recordingStore{}
	e := newTestEngine(t, 0xAAAA0001, clock, WithStore(store))
	if _, err := e.AddData(testTorrent, "file.bin", fileData(100)); err != nil {
		t.Fatalf("AddData: %v", err)
	}

	ctx := context.Background()
	e.Tick(ctx)
	if len(store.saved) != 0 {
		t.Fatalf("saved before the save interval")
	}
	clock.Advance(e.cfg.SaveInterval)
	e.Tick(ctx)
	if len(store.saved) != 1 || store.saved[0] != "file.bin" {
		t.Fatalf("saved = %v", store.saved)
	}
}

func TestEnginesConverge(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	a := newTestEngine(t, 0xAAAA0001, clock)
	b := newTestEngine(t, 0xAAAA0002, clock)
	data := fileData(5*BlockSize + 300)
	if _, err := b.AddData(testTorrent, "file.bin", data); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	tr, _ := a.AddTorrent(testTorrent)
	tr.AddPeer(b.Addr())

	ctx := context.Background()
	for i := 0; i < 300 && !tr.Complete(); i++ {
		for _, e := range []*Engine{a, b} {
			pump(t, e)
			e.Tick(ctx)
		}
		clock.Advance(time.Second)
	}

	if !tr.Complete() {
		held, total := tr.Progress()
		t.Fatalf("download incomplete: %d of %d blocks", held, total)
	}
	var out bytes.Buffer
	if _, err := tr.WriteTo(&out); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("downloaded file differs from the source")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, 0xAAAA0001, &fakeClock{})
	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	err := e.Run(ctx, func(*Engine) {
		ticks++
		if ticks == 3 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	e := newTestEngine(t, 0xAAAA0001, &fakeClock{})
	e.Close()
	if err := e.Run(context.Background(), nil); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Run error = %v, want net.ErrClosed", err)
	}
}

func TestResultsOutliveCancelledRun(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e := newTestEngine(t, 0xAAAA0001, clock)
	pushInfoTo(t, e, "file.bin", fileData(2048))

	_, addr := rawPeer(t)
	tr, _ := e.Torrent(testTorrent)
	peer, _ := tr.AddPeer(addr)
	peer.setBlocks([]BlockStatus{Held, Held})

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Run(ctx, func(*Engine) { cancel() }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.inflight) == 0 {
		t.Fatalf("no block request was started")
	}

	// A later pass still applies what the cancelled run started.
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.inflight) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("inflight = %v never cleared", tr.inflight)
		}
		time.Sleep(10 * time.Millisecond)
		e.drainResults()
	}
	requested := 0
	for _, s := range tr.Statuses() {
		if s == Requested {
			requested++
		}
	}
	if requested != 1 {
		t.Errorf("%d blocks requested, want 1", requested)
	}
}
