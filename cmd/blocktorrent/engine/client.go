package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/peering"
)

type taskResult struct {
	out outbound
	err error
}

// spawn sends o on its own goroutine. The outcome is applied by a later Tick,
// even one in a later Run, so a block never stays inflight. Outcomes are only
// dropped once the engine is closed.
func (e *Engine) spawn(t *Torrent, o outbound) {
	if o.block >= 0 {
		t.inflight[o.block] = struct{}{}
	}

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		r := taskResult{out: o, err: e.send(o)}
		select {
		case e.results <- r:
		case <-e.done:
		}
	}()
}

// apply records the outcome of a sent message. Only block requests change
// state: the block becomes requested once the request went out.
func (e *Engine) apply(r taskResult) {
	fields := []zap.Field{
		zap.Stringer("torrent", r.out.torrent),
		zap.Stringer("peer", r.out.peer),
		zap.Stringer("message", r.out),
	}
	switch {
	case r.err == nil:
		e.logger.Debug("Sent message", fields...)
	case errors.Is(r.err, peering.ErrTimeout):
		e.logger.Info("Peer timed out", append(fields, zap.Error(r.err))...)
	default:
		e.logger.Error("Failed to send message", append(fields, zap.Error(r.err))...)
	}

	if r.out.block < 0 {
		return
	}
	t, ok := e.torrents[r.out.torrent]
	if !ok {
		return
	}
	delete(t.inflight, r.out.block)
	if r.err == nil && r.out.block < len(t.status) && t.status[r.out.block] == Missing {
		t.status[r.out.block] = Requested
	}
}

func (e *Engine) drainResults() {
	for {
		select {
		case r := <-e.results:
			e.apply(r)
		default:
			return
		}
	}
}

func elapsed(last, now time.Time, interval time.Duration) bool {
	return now.Sub(last) >= interval
}

// Tick runs one pass of the client schedule over every torrent and peer.
// Requests are sent asynchronously, so an unreachable peer never delays the
// rest of the pass.
func (e *Engine) Tick(ctx context.Context) {
	e.drainResults()

	for _, t := range e.order {
		now := e.now()
		if t.infoSet {
			if elapsed(t.lastSave, now, e.cfg.SaveInterval) {
				t.lastSave = now
				if err := e.save(t); err != nil {
					e.logger.Error("Failed to save torrent", zap.Stringer("torrent", t.hash), zap.Error(err))
				}
			}
			if elapsed(t.lastReset, now, e.cfg.ResetInterval) {
				t.lastReset = now
				if n := t.resetRequested(); n > 0 {
					e.logger.Debug("Reset stale requests", zap.Stringer("torrent", t.hash), zap.Int("blocks", n))
				}
			}
		}

		for _, p := range t.peerOrder {
			if ctx.Err() != nil {
				return
			}
			e.schedulePeer(t, p, now)
		}
	}
}

func (e *Engine) schedulePeer(t *Torrent, p *Peer, now time.Time) {
	if !t.infoSet && elapsed(p.lastInfoRequest, now, e.cfg.InfoInterval) {
		e.spawn(t, e.prepareInfoRequest(p))
	}
	if elapsed(p.lastPeerListRequest, now, e.cfg.PeerListInterval) {
		e.spawn(t, e.preparePeerListRequest(p))
	}
	if !t.infoSet {
		return
	}
	if elapsed(p.lastBlockStatusRequest, now, e.cfg.BlockStatusInterval) {
		e.spawn(t, e.prepareBlockStatusRequest(p))
	}
	if elapsed(p.lastBlockRequest, now, e.cfg.BlockInterval) {
		index, ok := t.randomMissingBlock(p)
		if !ok {
			return
		}
		o, err := e.prepareBlockRequest(p, index)
		if err != nil {
			e.logger.Error("Invalid block request", zap.Stringer("peer", p), zap.Error(err))
			return
		}
		e.spawn(t, o)
	}
}

// Run alternates ServeOnce and Tick until ctx is cancelled. onTick, if not
// nil, is called on the engine goroutine after every pass.
func (e *Engine) Run(ctx context.Context, onTick func(*Engine)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch err := e.ServeOnce(); {
		case err == nil, errors.Is(err, peering.ErrTimeout):
		case errors.Is(err, net.ErrClosed):
			return err
		default:
			e.logger.Error("Failed to handle message", zap.Error(err))
		}
		e.Tick(ctx)
		if onTick != nil {
			onTick(e)
		}
	}
}
