// Package tracker builds HTTP(S) announce and scrape requests and decodes
// their bencoded responses. Requests themselves travel through the web
// transport; retry and back-off policy stays with the announcer.
package tracker

import (
	"expvar"
	"net"
)

var vars = expvar.NewMap("tracker")

type AnnounceEvent int32

const (
	None AnnounceEvent = iota
	Completed
	Started
	Stopped
)

func (e AnnounceEvent) String() string {
	return []string{"empty", "completed", "started", "stopped"}[e]
}

type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerId     [20]byte
	Downloaded int64
	// If less than zero, the amount of the torrent remaining is unknown.
	Left     int64
	Uploaded int64
	Event    AnnounceEvent
	Key      int32
	NumWant  int32
	// The externally visible port peers should dial, as published by the
	// port-forwarding supervisor.
	Port int
}

type Peer struct {
	IP   net.IP
	Port int
}

type AnnounceResponse struct {
	// Seconds the local peer should wait before the next regular announce.
	Interval    int32
	MinInterval int32
	TrackerId   string
	Leechers    int32
	Seeders     int32
	Peers       []Peer
}

type ScrapeResponse struct {
	// Keyed by info hash.
	Files map[[20]byte]ScrapeFile
}

type ScrapeFile struct {
	Seeders    int32
	Downloaded int32
	Leechers   int32
}
