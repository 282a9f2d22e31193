package peering

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
)

var (
	ErrFrameTooLong = errors.New("frame exceeds fixed length")
	ErrMalformed    = errors.New("malformed frame")
)

// MarshalFrame renders h as a NUL-padded frame of exactly FrameLen bytes.
func (h Header) MarshalFrame() ([]byte, error) {
	fields := []string{
		string(h.Command),
		h.EngineHash.String(),
		strconv.Itoa(int(h.Port)),
		h.TorrentHash.String(),
	}
	fields = append(fields, h.Body...)
	line := strings.Join(fields, " ")
	if len(line) > FrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(line))
	}

	frame := make([]byte, FrameLen)
	copy(frame, line)
	return frame, nil
}

// ParseFrame decodes a frame. Bytes after the first NUL are ignored.
func ParseFrame(frame []byte) (Header, error) {
	if i := bytes.IndexByte(frame, 0); i >= 0 {
		frame = frame[:i]
	}
	fields := strings.Fields(string(frame))
	if len(fields) < 4 {
		return Header{}, fmt.Errorf("%w: expected at least 4 fields, got %d", ErrMalformed, len(fields))
	}

	cmd := Command(fields[0])
	if !cmd.Valid() {
		return Header{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, fields[0])
	}
	engineHash, err := digest.Parse(fields[1])
	if err != nil {
		return Header{}, fmt.Errorf("%w: engine hash: %v", ErrMalformed, err)
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || port == 0 {
		return Header{}, fmt.Errorf("%w: invalid listen port %q", ErrMalformed, fields[2])
	}
	torrentHash, err := digest.Parse(fields[3])
	if err != nil {
		return Header{}, fmt.Errorf("%w: torrent hash: %v", ErrMalformed, err)
	}

	return Header{
		Command:     cmd,
		EngineHash:  engineHash,
		Port:        uint16(port),
		TorrentHash: torrentHash,
		Body:        fields[4:],
	}, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Header, error) {
	frame, err := ReadExact(r, FrameLen)
	if err != nil {
		return Header{}, fmt.Errorf("failed to read frame: %w", err)
	}
	return ParseFrame(frame)
}

// WriteFrame writes h followed by payload.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	frame, err := h.MarshalFrame()
	if err != nil {
		return err
	}
	if err := WriteExact(w, frame); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", h.Command, err)
	}
	if len(payload) > 0 {
		if err := WriteExact(w, payload); err != nil {
			return fmt.Errorf("failed to send %s payload: %w", h.Command, err)
		}
	}
	return nil
}

// EncodeHashes dumps hashes as consecutive big-endian words.
func EncodeHashes(hashes []digest.Hash) []byte {
	buf := make([]byte, len(hashes)*digest.Size)
	for i, h := range hashes {
		h.Put(buf[i*digest.Size:])
	}
	return buf
}

// DecodeHashes is the inverse of EncodeHashes.
func DecodeHashes(buf []byte) ([]digest.Hash, error) {
	if len(buf)%digest.Size != 0 {
		return nil, fmt.Errorf("%w: hash payload of %d bytes", ErrMalformed, len(buf))
	}
	hashes := make([]digest.Hash, len(buf)/digest.Size)
	for i := range hashes {
		hashes[i] = digest.Read(buf[i*digest.Size:])
	}
	return hashes, nil
}

// EncodePeerList renders each address as a NUL-padded PeerEntrySize entry.
func EncodePeerList(peers []netip.AddrPort) ([]byte, error) {
	buf := make([]byte, len(peers)*PeerEntrySize)
	for i, p := range peers {
		entry := p.String()
		if len(entry) >= PeerEntrySize {
			return nil, fmt.Errorf("peer entry %q does not fit in %d bytes", entry, PeerEntrySize)
		}
		copy(buf[i*PeerEntrySize:], entry)
	}
	return buf, nil
}

// DecodePeerList parses n entries from buf.
func DecodePeerList(buf []byte, n int) ([]netip.AddrPort, error) {
	if len(buf) != n*PeerEntrySize {
		return nil, fmt.Errorf("%w: peer list of %d bytes for %d peers", ErrMalformed, len(buf), n)
	}
	peers := make([]netip.AddrPort, 0, n)
	for i := 0; i < n; i++ {
		entry := buf[i*PeerEntrySize : (i+1)*PeerEntrySize]
		if j := bytes.IndexByte(entry, 0); j >= 0 {
			entry = entry[:j]
		}
		addr, err := netip.ParseAddrPort(string(entry))
		if err != nil {
			return nil, fmt.Errorf("%w: peer entry %d: %v", ErrMalformed, i, err)
		}
		peers = append(peers, addr)
	}
	return peers, nil
}
