package undertow

import (
	"github.com/undertow-bt/undertow/bandwidth"
)

// Torrent is one transfer's handle within the session: its bandwidth node
// (a child of the session root) and byte accounting. Webseed fetches and
// announces are issued against it.
type Torrent struct {
	session  *Session
	id       int
	infoHash [20]byte

	bandwidth *bandwidth.Bandwidth

	downloaded int64
	uploaded   int64
	// Bytes still wanted; negative when unknown.
	left int64

	dropped bool
}

// AddTorrent registers a torrent with the session and hangs its bandwidth
// node off the session root.
func (s *Session) AddTorrent(infoHash [20]byte) *Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTorrentID++
	t := &Torrent{
		session:   s,
		id:        s.nextTorrentID,
		infoHash:  infoHash,
		bandwidth: bandwidth.New(s.rootBandwidth),
		left:      -1,
	}
	s.torrents[t.id] = t
	return t
}

func (t *Torrent) ID() int {
	return t.id
}

func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// SetDownloadLimit caps the torrent's download rate. A zero limit with
// enforcement on stalls the torrent's webseeds entirely until raised.
func (t *Torrent) SetDownloadLimit(bps int64, enabled bool) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.bandwidth.SetLimited(bandwidth.Down, enabled)
	t.bandwidth.SetDesiredSpeedBps(bandwidth.Down, bps)
}

func (t *Torrent) SetUploadLimit(bps int64, enabled bool) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.bandwidth.SetLimited(bandwidth.Up, enabled)
	t.bandwidth.SetDesiredSpeedBps(bandwidth.Up, bps)
}

// SetPriority biases the allocator toward this torrent's attached peers.
// Priorities fold down the tree by maximum, so a priority below the session
// root's (normal by default) has no effect.
func (t *Torrent) SetPriority(p bandwidth.Priority) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.bandwidth.SetPriority(p)
}

// AttachPeer hands a peer-I/O object to the torrent's bandwidth node for
// per-tick dispatch.
func (t *Torrent) AttachPeer(p bandwidth.Peer) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.bandwidth.AttachPeer(p)
}

func (t *Torrent) Downloaded() int64 {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.downloaded
}

func (t *Torrent) SetBytesLeft(left int64) {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	t.left = left
}

// DownloadSpeedBps reports the torrent's recent payload download rate.
func (t *Torrent) DownloadSpeedBps() int64 {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.bandwidth.PieceSpeedBps(0, bandwidth.Down)
}

// Drop detaches the torrent from the session. In-flight webseed tasks for
// it stop being throttled and their bytes are no longer accounted.
func (t *Torrent) Drop() {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	if t.dropped {
		return
	}
	t.dropped = true
	t.bandwidth.SetParent(nil)
	delete(t.session.torrents, t.id)
}
