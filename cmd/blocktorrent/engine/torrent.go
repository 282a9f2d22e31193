package engine

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/metafile"
)

// Torrent is one shared file split into blocks. A torrent discovered from a
// peer starts empty and is filled in once by an info push.
type Torrent struct {
	engine *Engine
	hash   digest.Hash

	infoSet   bool
	name      string
	size      int64
	numBlocks int
	hashes    []digest.Hash
	status    []BlockStatus

	// data is allocated by the first block stored.
	data []byte

	peers     map[netip.AddrPort]*Peer
	peerOrder []*Peer

	// inflight holds block indexes with a request task still running.
	inflight map[int]struct{}

	lastSave  time.Time
	lastReset time.Time
}

func newTorrent(e *Engine, hash digest.Hash) *Torrent {
	return &Torrent{
		engine:   e,
		hash:     hash,
		peers:    make(map[netip.AddrPort]*Peer),
		inflight: make(map[int]struct{}),
	}
}

func (t *Torrent) Hash() digest.Hash { return t.hash }
func (t *Torrent) Name() string      { return t.name }
func (t *Torrent) Size() int64       { return t.size }
func (t *Torrent) NumBlocks() int    { return t.numBlocks }
func (t *Torrent) InfoSet() bool     { return t.infoSet }

// BlockHashes returns a copy of the expected block hashes.
func (t *Torrent) BlockHashes() []digest.Hash {
	return append([]digest.Hash(nil), t.hashes...)
}

// Statuses returns a copy of the block statuses.
func (t *Torrent) Statuses() []BlockStatus {
	return append([]BlockStatus(nil), t.status...)
}

// Status returns the status of block index.
func (t *Torrent) Status(index int) (BlockStatus, error) {
	if err := t.checkIndex(index); err != nil {
		return Missing, err
	}
	return t.status[index], nil
}

// Block returns a copy of the bytes of block index.
func (t *Torrent) Block(index int) ([]byte, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	start, end := t.blockBounds(index)
	return bytes.Clone(t.storage()[start:end]), nil
}

// BlockLen is BlockSize for every block except the last, which holds the
// remainder of the file.
func (t *Torrent) BlockLen(index int) int {
	start, end := t.blockBounds(index)
	return int(end - start)
}

func (t *Torrent) blockBounds(index int) (int64, int64) {
	start := int64(index) * BlockSize
	end := start + BlockSize
	if end > t.size {
		end = t.size
	}
	return start, end
}

func (t *Torrent) checkIndex(index int) error {
	if !t.infoSet {
		return ErrInfoNotSet
	}
	if index < 0 || index >= t.numBlocks {
		return fmt.Errorf("%w: %d of %d", ErrBlockIndex, index, t.numBlocks)
	}
	return nil
}

// Progress returns the number of held blocks and the total.
func (t *Torrent) Progress() (held, total int) {
	for _, s := range t.status {
		if s == Held {
			held++
		}
	}
	return held, t.numBlocks
}

// Complete reports whether every block is held.
func (t *Torrent) Complete() bool {
	held, total := t.Progress()
	return t.infoSet && held == total
}

// WriteTo writes the file contents of a complete torrent to w.
func (t *Torrent) WriteTo(w io.Writer) (int64, error) {
	if !t.Complete() {
		return 0, ErrTorrentPartial
	}
	n, err := w.Write(t.data)
	return int64(n), err
}

// Peers returns the known peers in discovery order.
func (t *Torrent) Peers() []*Peer {
	return append([]*Peer(nil), t.peerOrder...)
}

// Peer looks up a peer by address.
func (t *Torrent) Peer(addr netip.AddrPort) (*Peer, bool) {
	p, ok := t.peers[addr]
	return p, ok
}

// AddPeer returns the peer at addr, creating it if it is new.
func (t *Torrent) AddPeer(addr netip.AddrPort) (*Peer, bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if p, ok := t.peers[addr]; ok {
		return p, false
	}
	p := newPeer(t, addr)
	t.peers[addr] = p
	t.peerOrder = append(t.peerOrder, p)
	return p, true
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLen || strings.ContainsAny(name, " \t\r\n\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateSize(size int64) error {
	if size <= 0 || numBlocks(size) > MaxBlocks {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return nil
}

// setInfo commits name, size and block hashes. It succeeds at most once per
// torrent and leaves every block missing.
func (t *Torrent) setInfo(name string, size int64, hashes []digest.Hash) error {
	if t.infoSet {
		return ErrInfoAlreadySet
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := validateSize(size); err != nil {
		return err
	}
	n := numBlocks(size)
	if len(hashes) != n {
		return fmt.Errorf("%w: %d hashes for %d blocks", ErrProtocol, len(hashes), n)
	}

	now := t.engine.now()
	t.name = name
	t.size = size
	t.numBlocks = n
	t.hashes = append([]digest.Hash(nil), hashes...)
	t.status = make([]BlockStatus, n)
	t.lastSave = now
	t.lastReset = now
	t.infoSet = true
	return nil
}

// storeBlock verifies data against the expected hash of block index and, if
// it matches, stores it and marks the block held. A mismatch leaves the
// torrent untouched and returns false.
func (t *Torrent) storeBlock(index int, data []byte) (bool, error) {
	if err := t.checkIndex(index); err != nil {
		return false, err
	}
	if len(data) != t.BlockLen(index) || digest.Sum(data) != t.hashes[index] {
		return false, nil
	}
	start, _ := t.blockBounds(index)
	copy(t.storage()[start:], data)
	t.status[index] = Held
	return true, nil
}

func (t *Torrent) storage() []byte {
	if t.data == nil {
		t.data = make([]byte, t.size)
	}
	return t.data
}

// resetRequested returns every requested block to missing.
func (t *Torrent) resetRequested() int {
	n := 0
	for i, s := range t.status {
		if s == Requested {
			t.status[i] = Missing
			n++
		}
	}
	return n
}

// randomMissingBlock picks uniformly among blocks that are missing here, held
// by p, and not already being requested.
func (t *Torrent) randomMissingBlock(p *Peer) (int, bool) {
	var candidates []int
	for i, s := range t.status {
		if s != Missing || !p.Has(i) {
			continue
		}
		if _, busy := t.inflight[i]; busy {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[t.engine.rng.IntN(len(candidates))], true
}

// Metafile snapshots the torrent for persistence. Requested blocks are saved
// as missing, and a torrent holding no blocks is saved without data.
func (t *Torrent) Metafile() (*metafile.File, error) {
	if !t.infoSet {
		return nil, ErrInfoNotSet
	}
	status := make([]byte, t.numBlocks)
	for i, s := range t.status {
		if s == Held {
			status[i] = byte(Held)
		}
	}
	f := &metafile.File{
		Name:        t.name,
		Hash:        t.hash.String(),
		Length:      t.size,
		BlockLength: BlockSize,
		Status:      string(status),
		Data:        string(t.data),
	}
	f.SetBlockHashes(t.hashes)
	return f, nil
}
