// Package engine implements the torrent engine: the torrent and peer model,
// the line protocol handlers, and the client and server loops that keep peers
// in sync.
//
// An Engine is driven from a single goroutine that alternates ServeOnce and
// Tick (Run does this). Requests issued by Tick run as separate goroutines
// that never touch the model; their outcomes are applied by the next Tick.
package engine

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/config"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/metafile"
)

// Store persists torrents. metafile.Dir is the standard implementation.
type Store interface {
	Save(f *metafile.File) error
}

type Engine struct {
	hash     digest.Hash
	port     uint16
	listener *net.TCPListener
	cfg      config.Config

	logger *zap.Logger
	now    func() time.Time
	rng    *rand.Rand
	store  Store

	torrents map[digest.Hash]*Torrent
	order    []*Torrent

	results   chan taskResult
	tasks     sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces time.Now for interval bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand sets the source used to pick blocks.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithHash fixes the engine identity instead of deriving a random one.
func WithHash(hash digest.Hash) Option {
	return func(e *Engine) { e.hash = hash }
}

// New binds the listening socket and returns an engine with no torrents.
// Failing to listen is fatal to the caller.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	e := &Engine{
		hash:     digest.Sum(id[:]),
		cfg:      cfg,
		logger:   zap.L(),
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		torrents: make(map[digest.Hash]*Torrent),
		results:  make(chan taskResult, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	e.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	e.port = uint16(e.listener.Addr().(*net.TCPAddr).Port)
	e.logger = e.logger.With(zap.Stringer("engine", e.hash))

	e.logger.Info("Engine listening", zap.Uint16("port", e.port))
	return e, nil
}

func (e *Engine) Hash() digest.Hash { return e.hash }
func (e *Engine) Port() uint16      { return e.port }

// Addr is the address peers on this host can reach the engine at.
func (e *Engine) Addr() netip.AddrPort {
	addr := e.listener.Addr().(*net.TCPAddr).AddrPort()
	ip := addr.Addr().Unmap()
	if ip.IsUnspecified() {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return netip.AddrPortFrom(ip, addr.Port())
}

// Torrent looks up a torrent by hash.
func (e *Engine) Torrent(hash digest.Hash) (*Torrent, bool) {
	t, ok := e.torrents[hash]
	return t, ok
}

// Torrents returns the torrents in the order they were added.
func (e *Engine) Torrents() []*Torrent {
	return append([]*Torrent(nil), e.order...)
}

// AddTorrent returns the torrent with the given hash, creating an empty one
// if it is unknown.
func (e *Engine) AddTorrent(hash digest.Hash) (*Torrent, bool) {
	if t, ok := e.torrents[hash]; ok {
		return t, false
	}
	t := newTorrent(e, hash)
	e.torrents[hash] = t
	e.order = append(e.order, t)
	return t, true
}

// AddData creates a fully held torrent from the contents of a file.
func (e *Engine) AddData(hash digest.Hash, name string, data []byte) (*Torrent, error) {
	if _, ok := e.torrents[hash]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTorrentExists, hash)
	}
	size := int64(len(data))
	n := numBlocks(size)
	hashes := make([]digest.Hash, n)
	for i := range hashes {
		end := min((i+1)*BlockSize, len(data))
		hashes[i] = digest.Sum(data[i*BlockSize : end])
	}

	t := newTorrent(e, hash)
	if err := t.setInfo(name, size, hashes); err != nil {
		return nil, err
	}
	copy(t.storage(), data)
	for i := range t.status {
		t.status[i] = Held
	}

	e.torrents[hash] = t
	e.order = append(e.order, t)
	e.logger.Info("Added torrent",
		zap.Stringer("torrent", hash),
		zap.String("name", name),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Int("blocks", n))
	return t, nil
}

// AddFile shares the file at path. The torrent is named after the file, with
// whitespace replaced by underscores, and its hash is derived from the name.
func (e *Engine) AddFile(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := strings.Join(strings.Fields(filepath.Base(path)), "_")
	return e.AddData(digest.SumString(name), name, data)
}

// AddMetafile restores a saved torrent.
func (e *Engine) AddMetafile(f *metafile.File) (*Torrent, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.BlockLength != BlockSize {
		return nil, fmt.Errorf("%w: block length %d", ErrInvalidSize, f.BlockLength)
	}
	hash, err := f.TorrentHash()
	if err != nil {
		return nil, err
	}
	if _, ok := e.torrents[hash]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTorrentExists, hash)
	}

	t := newTorrent(e, hash)
	if err := t.setInfo(f.Name, f.Length, f.BlockHashes()); err != nil {
		return nil, err
	}
	for i := range t.status {
		if BlockStatus(f.Status[i]) == Held {
			t.status[i] = Held
		}
	}
	if held, _ := t.Progress(); held > 0 {
		copy(t.storage(), f.Data)
	}

	e.torrents[hash] = t
	e.order = append(e.order, t)
	held, total := t.Progress()
	e.logger.Info("Loaded torrent",
		zap.Stringer("torrent", hash),
		zap.String("name", f.Name),
		zap.Int("held", held),
		zap.Int("blocks", total))
	return t, nil
}

func (e *Engine) save(t *Torrent) error {
	if e.store == nil {
		return nil
	}
	f, err := t.Metafile()
	if err != nil {
		return err
	}
	if err := e.store.Save(f); err != nil {
		return fmt.Errorf("failed to save %s: %w", t.hash, err)
	}
	return nil
}

// SaveAll persists every torrent whose info is known.
func (e *Engine) SaveAll() error {
	var errs error
	for _, t := range e.order {
		if t.infoSet {
			errs = multierr.Append(errs, e.save(t))
		}
	}
	return errs
}

// Close stops listening, waits for running requests and saves all torrents.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.listener.Close()
		close(e.done)
		e.tasks.Wait()
		err = multierr.Append(err, e.SaveAll())
	})
	return err
}
