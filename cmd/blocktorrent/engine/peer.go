package engine

import (
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// Peer is a remote engine taking part in one torrent, keyed by its IP and
// declared listen port.
type Peer struct {
	torrent *Torrent
	addr    netip.AddrPort

	lastInfoRequest        time.Time
	lastPeerListRequest    time.Time
	lastBlockStatusRequest time.Time
	lastBlockRequest       time.Time

	// blocks the peer reported as held in its last status push.
	blocks *roaring.Bitmap
}

func newPeer(t *Torrent, addr netip.AddrPort) *Peer {
	return &Peer{
		torrent: t,
		addr:    addr,
		blocks:  roaring.New(),
	}
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

func (p *Peer) String() string { return p.addr.String() }

// Has reports whether the peer announced block index as held.
func (p *Peer) Has(index int) bool {
	return index >= 0 && p.blocks.Contains(uint32(index))
}

// NumHeld is the number of blocks the peer announced.
func (p *Peer) NumHeld() int {
	return int(p.blocks.GetCardinality())
}

// setBlocks replaces the availability bitmap with the held entries of statuses.
func (p *Peer) setBlocks(statuses []BlockStatus) {
	blocks := roaring.New()
	for i, s := range statuses {
		if s == Held {
			blocks.Add(uint32(i))
		}
	}
	p.blocks = blocks
}
