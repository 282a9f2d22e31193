package magnet

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/mcheviron/blocktorrent/cmd/blocktorrent/digest"
)

const (
	scheme    = "magnet:?"
	urnPrefix = "urn:btih32:"
)

// Link represents a parsed share link: the torrent to fetch, an optional
// display name, and the peers to bootstrap from.
type Link struct {
	TorrentHash digest.Hash
	Name        string
	Peers       []netip.AddrPort
}

// Parse parses a magnet URI of the form
//
//	magnet:?xt=urn:btih32:0xcafebabe&dn=name&x.pe=10.0.0.1:9001
//
// x.pe may repeat. Returns an error if the URI is malformed or names no
// torrent hash.
func Parse(uri string) (*Link, error) {
	if !strings.HasPrefix(uri, scheme) {
		return nil, fmt.Errorf("invalid magnet URI format")
	}

	values, err := url.ParseQuery(uri[len(scheme):])
	if err != nil {
		return nil, fmt.Errorf("failed to parse magnet URI query: %w", err)
	}

	xt := values.Get("xt")
	if !strings.HasPrefix(xt, urnPrefix) {
		return nil, fmt.Errorf("invalid or missing %s prefix in xt parameter", urnPrefix)
	}
	hash, err := digest.Parse(strings.TrimPrefix(xt, urnPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid torrent hash: %w", err)
	}

	link := &Link{
		TorrentHash: hash,
		Name:        values.Get("dn"),
	}
	for _, pe := range values["x.pe"] {
		addr, err := netip.ParseAddrPort(pe)
		if err != nil {
			return nil, fmt.Errorf("invalid peer address %q: %w", pe, err)
		}
		link.Peers = append(link.Peers, addr)
	}
	return link, nil
}

// String renders l back into a magnet URI.
func (l *Link) String() string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("xt=" + urnPrefix + l.TorrentHash.String())
	if l.Name != "" {
		b.WriteString("&dn=" + url.QueryEscape(l.Name))
	}
	for _, p := range l.Peers {
		b.WriteString("&x.pe=" + url.QueryEscape(p.String()))
	}
	return b.String()
}
