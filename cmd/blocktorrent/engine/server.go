package engine

import (
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/peering"
)

// ServeOnce waits for one inbound connection, handles its message and closes
// it. With no connection within min(timeout, block interval) it returns an
// error wrapping peering.ErrTimeout so the caller can move on to the client
// schedule. Reads on an accepted connection are bounded by timeout alone.
func (e *Engine) ServeOnce() error {
	// An idle listener must not hold up the block schedule.
	wait := min(e.cfg.Timeout, e.cfg.BlockInterval)
	conn, err := peering.Accept(e.listener, wait, e.cfg.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort().Addr().Unmap()
	return e.Dispatch(conn, remote)
}

// Dispatch reads one frame from conn and routes it to its handler. remote is
// the address the connection came from; the sender is identified by remote
// and the listen port it declares in the frame.
func (e *Engine) Dispatch(conn net.Conn, remote netip.Addr) error {
	h, err := peering.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if h.EngineHash == e.hash {
		e.logger.Debug("Ignoring loop-back message", zap.String("command", string(h.Command)))
		return nil
	}

	t, created := e.AddTorrent(h.TorrentHash)
	if created {
		e.logger.Info("Discovered torrent", zap.Stringer("torrent", t.hash), zap.Stringer("from", remote))
	}
	p, created := t.AddPeer(netip.AddrPortFrom(remote, h.Port))
	if created {
		e.logger.Info("Discovered peer", zap.Stringer("torrent", t.hash), zap.Stringer("peer", p))
	}

	switch h.Command {
	case peering.RequestTorrentInfo:
		return e.handleRequestInfo(conn, p, t, h.Body)
	case peering.PushTorrentInfo:
		return e.handlePushInfo(conn, p, t, h.Body)
	case peering.RequestTorrentPeerList:
		return e.handleRequestPeerList(conn, p, t, h.Body)
	case peering.PushTorrentPeerList:
		return e.handlePushPeerList(conn, p, t, h.Body)
	case peering.RequestTorrentBlockStatus:
		return e.handleRequestBlockStatus(conn, p, t, h.Body)
	case peering.PushTorrentBlockStatus:
		return e.handlePushBlockStatus(conn, p, t, h.Body)
	case peering.RequestTorrentBlock:
		return e.handleRequestBlock(conn, p, t, h.Body)
	case peering.PushTorrentBlock:
		return e.handlePushBlock(conn, p, t, h.Body)
	default:
		return fmt.Errorf("%w: unhandled command %s", ErrProtocol, h.Command)
	}
}
