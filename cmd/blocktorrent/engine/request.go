package engine

import (
	"fmt"
	"net/netip"
	"strconv"

	"go.uber.org/zap"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/peering"
)

// outbound is one message ready to be sent to a peer. It carries copies of
// everything it needs so that it can be sent from any goroutine.
type outbound struct {
	torrent digest.Hash
	peer    netip.AddrPort
	block   int
	header  peering.Header
	payload []byte
}

func (e *Engine) header(cmd peering.Command, t *Torrent, body ...string) peering.Header {
	return peering.Header{
		Command:     cmd,
		EngineHash:  e.hash,
		Port:        e.port,
		TorrentHash: t.hash,
		Body:        body,
	}
}

func (e *Engine) outbound(p *Peer, h peering.Header, payload []byte) outbound {
	return outbound{
		torrent: p.torrent.hash,
		peer:    p.addr,
		block:   -1,
		header:  h,
		payload: payload,
	}
}

func (e *Engine) send(o outbound) error {
	return peering.Send(o.peer, e.cfg.Timeout, o.header, o.payload)
}

// The prepare functions stamp the peer's last-request time before anything
// is sent, so a peer that times out is not retried until its next interval.

func (e *Engine) prepareInfoRequest(p *Peer) outbound {
	p.lastInfoRequest = e.now()
	return e.outbound(p, e.header(peering.RequestTorrentInfo, p.torrent), nil)
}

func (e *Engine) preparePeerListRequest(p *Peer) outbound {
	p.lastPeerListRequest = e.now()
	return e.outbound(p, e.header(peering.RequestTorrentPeerList, p.torrent), nil)
}

func (e *Engine) prepareBlockStatusRequest(p *Peer) outbound {
	p.lastBlockStatusRequest = e.now()
	return e.outbound(p, e.header(peering.RequestTorrentBlockStatus, p.torrent), nil)
}

func (e *Engine) prepareBlockRequest(p *Peer, index int) (outbound, error) {
	p.lastBlockRequest = e.now()
	if err := p.torrent.checkIndex(index); err != nil {
		return outbound{}, err
	}
	o := e.outbound(p, e.header(peering.RequestTorrentBlock, p.torrent, strconv.Itoa(index)), nil)
	o.block = index
	return o, nil
}

// deliver sends o on the calling goroutine and applies the outcome.
func (e *Engine) deliver(o outbound) error {
	err := e.send(o)
	e.apply(taskResult{out: o, err: err})
	return err
}

// RequestInfo asks p for the torrent info. It returns nil once the request is
// sent, an error wrapping peering.ErrTimeout if p could not be reached, or
// another error.
func (e *Engine) RequestInfo(p *Peer) error {
	return e.deliver(e.prepareInfoRequest(p))
}

// RequestPeerList asks p for the peers it knows for the torrent.
func (e *Engine) RequestPeerList(p *Peer) error {
	return e.deliver(e.preparePeerListRequest(p))
}

// RequestBlockStatus asks p which blocks it holds.
func (e *Engine) RequestBlockStatus(p *Peer) error {
	return e.deliver(e.prepareBlockStatusRequest(p))
}

// RequestBlock asks p for block index. The block becomes requested once the
// request has been sent.
func (e *Engine) RequestBlock(p *Peer, index int) error {
	o, err := e.prepareBlockRequest(p, index)
	if err != nil {
		e.logger.Error("Invalid block request", zap.Stringer("peer", p), zap.Error(err))
		return err
	}
	return e.deliver(o)
}

// Pushes answer requests over a new connection to the requester's listen port.
// They are sent like scheduled requests so an unreachable requester never
// holds up the server loop.

func (e *Engine) pushInfo(p *Peer, t *Torrent) error {
	h := e.header(peering.PushTorrentInfo, t, t.name, strconv.FormatInt(t.size, 10))
	e.spawn(t, e.outbound(p, h, peering.EncodeHashes(t.hashes)))
	return nil
}

func (e *Engine) pushPeerList(p *Peer, t *Torrent) error {
	addrs := make([]netip.AddrPort, 0, len(t.peerOrder))
	for _, other := range t.peerOrder {
		if other.addr != p.addr {
			addrs = append(addrs, other.addr)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	payload, err := peering.EncodePeerList(addrs)
	if err != nil {
		return err
	}
	h := e.header(peering.PushTorrentPeerList, t, strconv.Itoa(len(addrs)))
	e.spawn(t, e.outbound(p, h, payload))
	return nil
}

func (e *Engine) pushBlockStatus(p *Peer, t *Torrent) error {
	payload := make([]byte, len(t.status))
	for i, s := range t.status {
		payload[i] = byte(s)
	}
	e.spawn(t, e.outbound(p, e.header(peering.PushTorrentBlockStatus, t), payload))
	return nil
}

func (e *Engine) pushBlock(p *Peer, t *Torrent, index int) error {
	data, err := t.Block(index)
	if err != nil {
		return err
	}
	h := e.header(peering.PushTorrentBlock, t, strconv.Itoa(index))
	e.spawn(t, e.outbound(p, h, data))
	return nil
}

func (o outbound) String() string {
	if o.block >= 0 {
		return fmt.Sprintf("%s %d", o.header.Command, o.block)
	}
	return string(o.header.Command)
}
