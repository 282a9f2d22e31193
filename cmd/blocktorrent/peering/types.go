package peering

import (
	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
)

// Command is the first token of every frame.
type Command string

const (
	RequestTorrentInfo        Command = "REQUEST_TORRENT_INFO"
	PushTorrentInfo           Command = "PUSH_TORRENT_INFO"
	RequestTorrentPeerList    Command = "REQUEST_TORRENT_PEER_LIST"
	PushTorrentPeerList       Command = "PUSH_TORRENT_PEER_LIST"
	RequestTorrentBlockStatus Command = "REQUEST_TORRENT_BLOCK_STATUS"
	PushTorrentBlockStatus    Command = "PUSH_TORRENT_BLOCK_STATUS"
	RequestTorrentBlock       Command = "REQUEST_TORRENT_BLOCK"
	PushTorrentBlock          Command = "PUSH_TORRENT_BLOCK"
)

var commands = map[Command]struct{}{
	RequestTorrentInfo:        {},
	PushTorrentInfo:           {},
	RequestTorrentPeerList:    {},
	PushTorrentPeerList:       {},
	RequestTorrentBlockStatus: {},
	PushTorrentBlockStatus:    {},
	RequestTorrentBlock:       {},
	PushTorrentBlock:          {},
}

// Valid reports whether c is one of the protocol commands.
func (c Command) Valid() bool {
	_, ok := commands[c]
	return ok
}

const (
	// FrameLen is the fixed size of the text header that starts every message.
	FrameLen = 256
	// PeerEntrySize is the NUL-padded width of one ip:port entry in a peer list push.
	PeerEntrySize = 48
)

// Header is a decoded frame. Body holds the command-specific tokens that
// follow the torrent hash.
type Header struct {
	Command     Command
	EngineHash  digest.Hash
	Port        uint16
	TorrentHash digest.Hash
	Body        []string
}
