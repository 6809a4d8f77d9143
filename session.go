// Package undertow implements the core engine of a BitTorrent client: the
// hierarchical bandwidth scheduler, the asynchronous web transport that
// carries tracker and webseed traffic, and the port-forwarding supervisor
// that mediates them with the outside world.
package undertow

import (
	"bytes"
	"net"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/undertow-bt/undertow/bandwidth"
	"github.com/undertow-bt/undertow/natfwd"
	"github.com/undertow-bt/undertow/web"
)

// Session owns the event thread and everything that runs on it: the
// bandwidth tree, the allocator tick, and the port-forwarding timer. The
// web transport runs on its own goroutine and crosses back here through
// RunInEventThread.
type Session struct {
	config *ClientConfig
	logger log.Logger

	// Guards the bandwidth tree and torrent registry. The web transport's
	// sink goroutines clamp and account through this lock.
	mu            sync.Mutex
	rootBandwidth *bandwidth.Bandwidth
	torrents      map[int]*Torrent
	nextTorrentID int

	publicPeerPort int

	jobs chan func()
	// closing is set as soon as Close begins; the web transport shortens
	// its timeouts and loop sleeps off it.
	closing      chansync.SetOnce
	stopEvents   chansync.SetOnce
	eventStopped chansync.SetOnce

	webStarting atomic.Bool
	web         atomic.Pointer[web.Transport]

	fwd *natfwd.Supervisor
}

var (
	_ web.Session    = (*Session)(nil)
	_ natfwd.Session = (*Session)(nil)
)

func NewSession(cfg *ClientConfig) *Session {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if cfg.AllocatorPeriod <= 0 {
		cfg.AllocatorPeriod = 500 * time.Millisecond
	}
	s := &Session{
		config:        cfg,
		logger:        cfg.Logger.WithNames("session"),
		rootBandwidth: bandwidth.New(nil),
		torrents:      make(map[int]*Torrent),
		jobs:          make(chan func(), 256),
	}
	s.rootBandwidth.SetLimited(bandwidth.Up, cfg.UploadRateLimited)
	s.rootBandwidth.SetDesiredSpeedBps(bandwidth.Up, cfg.UploadRateBps)
	s.rootBandwidth.SetLimited(bandwidth.Down, cfg.DownloadRateLimited)
	s.rootBandwidth.SetDesiredSpeedBps(bandwidth.Down, cfg.DownloadRateBps)

	go s.eventLoop()

	if !cfg.NoDefaultPortForwarding {
		s.fwd = natfwd.NewSupervisor(s, cfg.Logger, cfg.UpnpID)
		s.RunInEventThread(func() {
			s.fwd.Enable(true)
		})
	}

	return s
}

func (s *Session) eventLoop() {
	defer s.eventStopped.Set()
	ticker := time.NewTicker(s.config.AllocatorPeriod)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.jobs:
			fn()
		case <-ticker.C:
			s.allocateTick()
		case <-s.stopEvents.Done():
			for {
				select {
				case fn := <-s.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) allocateTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootBandwidth.Allocate(bandwidth.Up, s.config.AllocatorPeriod)
	s.rootBandwidth.Allocate(bandwidth.Down, s.config.AllocatorPeriod)
}

// RunInEventThread queues fn onto the event thread. Jobs queued from a
// single goroutine run in order. After shutdown jobs are dropped.
func (s *Session) RunInEventThread(fn func()) {
	select {
	case s.jobs <- fn:
	case <-s.eventStopped.Done():
		s.logger.Levelf(log.Debug, "dropping event thread job after shutdown")
	}
}

// ConfigDir implements web.Session.
func (s *Session) ConfigDir() string {
	return s.config.ConfigDir
}

// IsClosed reports whether shutdown has begun.
func (s *Session) IsClosed() bool {
	return s.closing.IsSet()
}

func (s *Session) PublicAddressIpv4() net.IP {
	return s.config.PublicIp4
}

func (s *Session) PublicAddressIpv6() net.IP {
	return s.config.PublicIp6
}

// ClampTorrentDown admits up to byteCount download bytes for a torrent
// through its bandwidth node. Unknown torrents are not throttled.
func (s *Session) ClampTorrentDown(torrentID int, byteCount int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[torrentID]
	if !ok {
		return byteCount
	}
	return t.bandwidth.Clamp(0, bandwidth.Down, byteCount)
}

// ConsumedTorrentDown accounts received bytes against a torrent's node.
func (s *Session) ConsumedTorrentDown(torrentID int, byteCount int64, isPieceData bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[torrentID]
	if !ok {
		return
	}
	t.bandwidth.Consumed(0, bandwidth.Down, byteCount, isPieceData)
	if isPieceData {
		t.downloaded += byteCount
	}
}

// PrivatePeerPort implements natfwd.Session.
func (s *Session) PrivatePeerPort() int {
	return s.config.ListenPort
}

// SetPublicPeerPort records the externally visible port a backend mapped.
// Runs on the event thread.
func (s *Session) SetPublicPeerPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port != s.publicPeerPort {
		s.logger.Levelf(log.Info, "public peer port is now %d", port)
	}
	s.publicPeerPort = port
}

// AdvertisedPeerPort is what trackers are told: the mapped external port if
// one is known, otherwise the listen port.
func (s *Session) AdvertisedPeerPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publicPeerPort != 0 {
		return s.publicPeerPort
	}
	return s.config.ListenPort
}

// PortForwardingStatus exposes the supervisor's aggregate status for
// trackers to decide whether the peer port is reachable.
func (s *Session) PortForwardingStatus() (status natfwd.Status) {
	if s.fwd == nil {
		return natfwd.Unmapped
	}
	done := make(chan struct{})
	s.RunInEventThread(func() {
		status = s.fwd.Status()
		close(done)
	})
	select {
	case <-done:
	case <-s.eventStopped.Done():
	}
	return
}

// webTransport returns the session's transport, spawning its goroutine on
// first use. Callers spin until the transport goroutine has published the
// handle.
func (s *Session) webTransport() *web.Transport {
	if t := s.web.Load(); t != nil {
		return t
	}
	if s.webStarting.CompareAndSwap(false, true) {
		go func() {
			t := web.New(s, s.config.Logger)
			s.web.Store(t)
			t.Run()
		}()
	}
	for {
		if t := s.web.Load(); t != nil {
			return t
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// webRun submits one HTTP task. Returns nil when the session is already
// shutting down.
func (s *Session) webRun(
	torrentID g.Option[int],
	url string,
	byteRange g.Option[string],
	cookies string,
	buffer *bytes.Buffer,
	done web.DoneFunc,
	user any,
) *web.Task {
	if s.closing.IsSet() {
		return nil
	}
	opts := web.TaskOpts{
		TorrentID: torrentID,
		Range:     byteRange,
		Cookies:   cookies,
		Buffer:    buffer,
	}
	if torrentID.Ok {
		opts.Limiter = s.config.WebseedResponseBodyRateLimiter
	}
	return s.webTransport().Submit(s, url, opts, done, user)
}

// Close winds the session down: unmap ports, cancel HTTP work, stop the
// event thread. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closing.Set() {
		return nil
	}

	if s.fwd != nil {
		done := make(chan struct{})
		s.RunInEventThread(func() {
			s.fwd.Close()
			close(done)
		})
		<-done
	}

	if s.webStarting.Load() {
		// The transport goroutine publishes the handle before running.
		for s.web.Load() == nil {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if t := s.web.Load(); t != nil {
		t.Close(web.CloseNow)
	}

	s.stopEvents.Set()
	<-s.eventStopped.Done()
	return nil
}
