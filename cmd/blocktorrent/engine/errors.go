package engine

import "errors"

var (
	// ErrProtocol marks a malformed frame, unexpected tokens or a short payload.
	// The connection is dropped and nothing is retried.
	ErrProtocol = errors.New("protocol error")

	// ErrInfoAlreadySet rejects a second info push for an informed torrent.
	ErrInfoAlreadySet = errors.New("torrent info already set")

	// ErrInfoNotSet is returned by operations that need the block layout.
	ErrInfoNotSet = errors.New("torrent info not set")

	ErrBlockIndex     = errors.New("block index out of range")
	ErrInvalidName    = errors.New("invalid torrent name")
	ErrInvalidSize    = errors.New("invalid file size")
	ErrTorrentExists  = errors.New("torrent already exists")
	ErrTorrentPartial = errors.New("torrent is not complete")
)
