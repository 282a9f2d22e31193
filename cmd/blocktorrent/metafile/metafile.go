// Package metafile persists torrents as bencoded files.
//
// A saved torrent carries its info, the per-block hashes and statuses, and
// the block data itself, so a node can be restarted without losing what it
// has downloaded. Hashes are stored like the "pieces" string of a .torrent
// file: consecutive fixed-width digests.
package metafile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackpal/bencode-go"
	"go.uber.org/multierr"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
)

// Ext is the extension of saved torrent files.
const Ext = ".torrent"

// heldStatus is the status byte of a block whose bytes are in Data.
const heldStatus = 2

type File struct {
	Name        string `bencode:"name"`
	Hash        string `bencode:"hash"`
	Length      int64  `bencode:"length"`
	BlockLength int64  `bencode:"block length"`
	Pieces      string `bencode:"pieces"`
	Status      string `bencode:"status"`
	Data        string `bencode:"data"`
}

// NumBlocks is ceil(Length/BlockLength).
func (f *File) NumBlocks() int {
	if f.BlockLength <= 0 {
		return 0
	}
	return int((f.Length + f.BlockLength - 1) / f.BlockLength)
}

// TorrentHash parses the stored torrent hash.
func (f *File) TorrentHash() (digest.Hash, error) {
	return digest.Parse(f.Hash)
}

// BlockHashes decodes Pieces.
func (f *File) BlockHashes() []digest.Hash {
	hashes := make([]digest.Hash, len(f.Pieces)/digest.Size)
	for i := range hashes {
		hashes[i] = digest.Read([]byte(f.Pieces[i*digest.Size : (i+1)*digest.Size]))
	}
	return hashes
}

// SetBlockHashes encodes hashes into Pieces.
func (f *File) SetBlockHashes(hashes []digest.Hash) {
	buf := make([]byte, len(hashes)*digest.Size)
	for i, h := range hashes {
		h.Put(buf[i*digest.Size:])
	}
	f.Pieces = string(buf)
}

// Validate checks that the lengths of the stored sequences agree with the info.
func (f *File) Validate() error {
	if f.Name == "" || strings.ContainsAny(f.Name, " \t\r\n") {
		return fmt.Errorf("invalid torrent name %q", f.Name)
	}
	if _, err := f.TorrentHash(); err != nil {
		return err
	}
	if f.Length <= 0 || f.BlockLength <= 0 {
		return fmt.Errorf("invalid sizes: length %d, block length %d", f.Length, f.BlockLength)
	}
	n := f.NumBlocks()
	if len(f.Pieces) != n*digest.Size {
		return fmt.Errorf("pieces hold %d bytes, want %d", len(f.Pieces), n*digest.Size)
	}
	if len(f.Status) != n {
		return fmt.Errorf("status holds %d entries, want %d", len(f.Status), n)
	}
	if f.Data == "" {
		if strings.ContainsRune(f.Status, rune(heldStatus)) {
			return fmt.Errorf("status marks held blocks but data is empty")
		}
		return nil
	}
	if int64(len(f.Data)) != f.Length {
		return fmt.Errorf("data holds %d bytes, want %d", len(f.Data), f.Length)
	}
	return nil
}

// Save writes f to path, replacing any previous file atomically.
func Save(path string, f *File) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if err := bencode.Marshal(tmp, *f); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", f.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads and validates a saved torrent.
func Load(path string) (*File, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	var f File
	if err := bencode.Unmarshal(src, &f); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// Dir stores torrents as <hash>.torrent files in a directory.
type Dir string

// Path returns where the torrent with the given hash is stored.
func (d Dir) Path(hash digest.Hash) string {
	return filepath.Join(string(d), hash.String()+Ext)
}

// Save writes f under d.
func (d Dir) Save(f *File) error {
	hash, err := f.TorrentHash()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", d, err)
	}
	return Save(d.Path(hash), f)
}

// LoadAll loads every torrent in d. Files that fail to load are skipped and
// reported in the combined error.
func (d Dir) LoadAll() ([]*File, error) {
	paths, err := filepath.Glob(filepath.Join(string(d), "*"+Ext))
	if err != nil {
		return nil, err
	}

	var (
		files []*File
		errs  error
	)
	for _, path := range paths {
		f, err := Load(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		files = append(files, f)
	}
	return files, errs
}
