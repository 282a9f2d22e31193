package peering

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
)

func TestMarshalFrameLayout(t *testing.T) {
	h := Header{
		Command:     RequestTorrentBlock,
		EngineHash:  0xAAAA0001,
		Port:        9000,
		TorrentHash: 0xCAFEBABE,
		Body:        []string{"7"},
	}
	frame, err := h.MarshalFrame()
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	if len(frame) != FrameLen {
		t.Fatalf("frame length = %d, want %d", len(frame), FrameLen)
	}
	want := "REQUEST_TORRENT_BLOCK 0xaaaa0001 9000 0xcafebabe 7"
	if !bytes.HasPrefix(frame, []byte(want)) {
		t.Fatalf("frame = %q, want prefix %q", frame[:len(want)], want)
	}
	if frame[len(want)] != 0 || frame[FrameLen-1] != 0 {
		t.Fatalf("frame is not NUL padded")
	}

	got, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if got.Command != h.Command || got.EngineHash != h.EngineHash || got.Port != h.Port ||
		got.TorrentHash != h.TorrentHash || len(got.Body) != 1 || got.Body[0] != "7" {
		t.Fatalf("ParseFrame = %+v, want %+v", got, h)
	}
}

func TestMarshalFrameTooLong(t *testing.T) {
	h := Header{
		Command: PushTorrentInfo,
		Port:    1,
		Body:    []string{strings.Repeat("x", FrameLen), "10"},
	}
	if _, err := h.MarshalFrame(); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("MarshalFrame error = %v, want ErrFrameTooLong", err)
	}
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty", ""},
		{"too few fields", "REQUEST_TORRENT_INFO 0x00000001 9000"},
		{"unknown command", "HELLO 0x00000001 9000 0x00000002"},
		{"bad engine hash", "REQUEST_TORRENT_INFO nothex 9000 0x00000002"},
		{"bad port", "REQUEST_TORRENT_INFO 0x00000001 99999 0x00000002"},
		{"zero port", "REQUEST_TORRENT_INFO 0x00000001 0 0x00000002"},
		{"bad torrent hash", "REQUEST_TORRENT_INFO 0x00000001 9000 0xgg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, FrameLen)
			copy(frame, tt.frame)
			if _, err := ParseFrame(frame); !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseFrame(%q) error = %v, want ErrMalformed", tt.frame, err)
			}
		})
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Command: PushTorrentBlockStatus, EngineHash: 1, Port: 9001, TorrentHash: 2}
	payload := []byte{0, 2, 2}
	if err := WriteFrame(&buf, h, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != FrameLen+len(payload) {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), FrameLen+len(payload))
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Command != PushTorrentBlockStatus {
		t.Fatalf("command = %s", got.Command)
	}
	rest, err := ReadExact(&buf, len(payload))
	if err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatalf("payload = %v, want %v", rest, payload)
	}
	if _, err := ReadExact(&buf, 1); err == nil {
		t.Fatalf("ReadExact past end succeeded")
	}
}

func TestHashPayload(t *testing.T) {
	hashes := []digest.Hash{0x01020304, 0xCAFEBABE}
	buf := EncodeHashes(hashes)
	if len(buf) != len(hashes)*digest.Size {
		t.Fatalf("encoded %d bytes", len(buf))
	}
	if buf[0] != 0x01 || buf[3] != 0x04 {
		t.Fatalf("hashes are not big-endian: %v", buf[:4])
	}
	got, err := DecodeHashes(buf)
	if err != nil {
		t.Fatalf("DecodeHashes: %v", err)
	}
	if len(got) != 2 || got[0] != hashes[0] || got[1] != hashes[1] {
		t.Fatalf("DecodeHashes = %v, want %v", got, hashes)
	}
	if _, err := DecodeHashes(buf[:5]); err == nil {
		t.Fatalf("DecodeHashes accepted a truncated payload")
	}
}

func TestPeerListPayload(t *testing.T) {
	peers := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:9000"),
		netip.MustParseAddrPort("[::1]:9001"),
	}
	buf, err := EncodePeerList(peers)
	if err != nil {
		t.Fatalf("EncodePeerList: %v", err)
	}
	if len(buf) != 2*PeerEntrySize {
		t.Fatalf("encoded %d bytes, want %d", len(buf), 2*PeerEntrySize)
	}
	got, err := DecodePeerList(buf, 2)
	if err != nil {
		t.Fatalf("DecodePeerList: %v", err)
	}
	if got[0] != peers[0] || got[1] != peers[1] {
		t.Fatalf("DecodePeerList = %v, want %v", got, peers)
	}
	if _, err := DecodePeerList(buf, 3); err == nil {
		t.Fatalf("DecodePeerList accepted a count mismatch")
	}

	garbage := make([]byte, PeerEntrySize)
	copy(garbage, "not-an-address")
	if _, err := DecodePeerList(garbage, 1); err == nil {
		t.Fatalf("DecodePeerList accepted a garbage entry")
	}
}
