package engine

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"go.uber.org/zap"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/peering"
)

// MaxPeerList bounds the number of entries accepted in one peer list push.
const MaxPeerList = 4096

func expectBody(body []string, n int) error {
	if len(body) != n {
		return fmt.Errorf("%w: expected %d body tokens, got %d", ErrProtocol, n, len(body))
	}
	return nil
}

func readPayload(conn net.Conn, n int) ([]byte, error) {
	buf, err := peering.ReadExact(conn, n)
	if err != nil {
		return nil, fmt.Errorf("%w: short payload: %w", ErrProtocol, err)
	}
	return buf, nil
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: block index %q", ErrProtocol, s)
	}
	return index, nil
}

// Request handlers close the inbound connection before answering: the answer
// always travels over a new connection to the requester's listen port.

func (e *Engine) handleRequestInfo(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 0); err != nil {
		return err
	}
	conn.Close()
	if !t.infoSet {
		return nil
	}
	return e.pushInfo(p, t)
}

func (e *Engine) handlePushInfo(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 2); err != nil {
		return err
	}
	if t.infoSet {
		return fmt.Errorf("%s from %s: %w", t.hash, p, ErrInfoAlreadySet)
	}
	name := body[0]
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	size, err := strconv.ParseInt(body[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: file size %q", ErrProtocol, body[1])
	}
	if err := validateSize(size); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if size > e.cfg.MaxTorrentSize {
		return fmt.Errorf("%w: %w: %d exceeds limit of %d", ErrProtocol, ErrInvalidSize, size, e.cfg.MaxTorrentSize)
	}

	payload, err := readPayload(conn, numBlocks(size)*digest.Size)
	if err != nil {
		return err
	}
	hashes, err := peering.DecodeHashes(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if err := t.setInfo(name, size, hashes); err != nil {
		return err
	}

	e.logger.Info("Received torrent info",
		zap.Stringer("torrent", t.hash),
		zap.Stringer("peer", p),
		zap.String("name", name),
		zap.Int64("size", size),
		zap.Int("blocks", t.numBlocks))
	return nil
}

func (e *Engine) handleRequestPeerList(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 0); err != nil {
		return err
	}
	conn.Close()
	return e.pushPeerList(p, t)
}

func (e *Engine) handlePushPeerList(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 1); err != nil {
		return err
	}
	n, err := strconv.Atoi(body[0])
	if err != nil || n < 0 || n > MaxPeerList {
		return fmt.Errorf("%w: peer count %q", ErrProtocol, body[0])
	}
	payload, err := readPayload(conn, n*peering.PeerEntrySize)
	if err != nil {
		return err
	}
	addrs, err := peering.DecodePeerList(payload, n)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	self := e.localAddr(conn)
	added := 0
	for _, addr := range addrs {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if addr == self || addr.Port() == 0 || addr.Addr().IsUnspecified() {
			continue
		}
		if _, created := t.AddPeer(addr); created {
			added++
		}
	}
	if added > 0 {
		e.logger.Info("Learned peers", zap.Stringer("torrent", t.hash), zap.Stringer("from", p), zap.Int("added", added))
	}
	return nil
}

// localAddr is the address the remote side used to reach this engine.
func (e *Engine) localAddr(conn net.Conn) netip.AddrPort {
	tcp, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return e.Addr()
	}
	return netip.AddrPortFrom(tcp.AddrPort().Addr().Unmap(), e.port)
}

func (e *Engine) handleRequestBlockStatus(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 0); err != nil {
		return err
	}
	conn.Close()
	if !t.infoSet {
		return nil
	}
	return e.pushBlockStatus(p, t)
}

func (e *Engine) handlePushBlockStatus(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 0); err != nil {
		return err
	}
	if !t.infoSet {
		return fmt.Errorf("%w: block status for %s", ErrInfoNotSet, t.hash)
	}
	payload, err := readPayload(conn, t.numBlocks)
	if err != nil {
		return err
	}
	statuses := make([]BlockStatus, len(payload))
	for i, b := range payload {
		statuses[i] = BlockStatus(b)
		if !statuses[i].valid() {
			return fmt.Errorf("%w: block %d has status %d", ErrProtocol, i, b)
		}
	}
	p.setBlocks(statuses)
	e.logger.Debug("Received block status",
		zap.Stringer("torrent", t.hash),
		zap.Stringer("peer", p),
		zap.Int("held", p.NumHeld()))
	return nil
}

func (e *Engine) handleRequestBlock(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 1); err != nil {
		return err
	}
	index, err := parseIndex(body[0])
	if err != nil {
		return err
	}
	conn.Close()
	if !t.infoSet {
		return nil
	}
	if err := t.checkIndex(index); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if t.status[index] != Held {
		return nil
	}
	return e.pushBlock(p, t, index)
}

func (e *Engine) handlePushBlock(conn net.Conn, p *Peer, t *Torrent, body []string) error {
	if err := expectBody(body, 1); err != nil {
		return err
	}
	index, err := parseIndex(body[0])
	if err != nil {
		return err
	}
	if err := t.checkIndex(index); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	data, err := readPayload(conn, t.BlockLen(index))
	if err != nil {
		return err
	}
	if t.status[index] == Held {
		return nil
	}

	ok, err := t.storeBlock(index, data)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("Discarded block with bad hash",
			zap.Stringer("torrent", t.hash),
			zap.Stringer("peer", p),
			zap.Int("block", index))
		return nil
	}
	held, total := t.Progress()
	e.logger.Debug("Received block",
		zap.Stringer("torrent", t.hash),
		zap.Stringer("peer", p),
		zap.Int("block", index),
		zap.Int("held", held),
		zap.Int("blocks", total))
	return nil
}
