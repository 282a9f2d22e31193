package engine

import "fmt"

const (
	// BlockSize is the fixed block length. The final block of a torrent holds
	// the remainder.
	BlockSize = 1024

	// MaxBlocks is the hard limit on torrent size. Info pushed by peers is
	// further capped by the max_torrent_size setting.
	MaxBlocks = 1 << 20

	// MaxNameLen bounds torrent names so that an info push fits in one frame.
	MaxNameLen = 127
)

// BlockStatus is the local state of one block. Its numeric value is the byte
// sent in block status pushes.
type BlockStatus uint8

const (
	Missing BlockStatus = iota
	Requested
	Held
)

func (s BlockStatus) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("BlockStatus(%d)", uint8(s))
	}
}

func (s BlockStatus) valid() bool {
	return s <= Held
}

func numBlocks(size int64) int {
	return int((size + BlockSize - 1) / BlockSize)
}
