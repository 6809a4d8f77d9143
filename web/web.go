// Package web runs the client's outbound HTTP(S) work: tracker announces
// and scrapes, and webseed range requests. All transfers are coordinated by
// a single transport goroutine; other threads only ever touch the pending
// queue and the close flag.
package web

import (
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

const (
	// Upper bound on one pass's wait for transfer activity.
	maxLoopSleep = 200 * time.Millisecond
	// On shutdown the loop polls more frequently.
	closingLoopSleep = 100 * time.Millisecond
)

// CloseMode selects how Close winds the transport down.
type CloseMode int

const (
	// Let in-flight and pending tasks finish, then exit.
	CloseWhenIdle CloseMode = iota + 1
	// Cancel in-flight tasks and drop pending ones on the floor.
	CloseNow
)

// Session is the transport's window onto the owning client. Implementations
// must be callable from the transport goroutine and from transfer
// goroutines.
type Session interface {
	// Directory searched for a cookies.txt jar.
	ConfigDir() string
	IsClosed() bool
	// Explicitly configured bind addresses, nil when default.
	PublicAddressIpv4() net.IP
	PublicAddressIpv6() net.IP
	// Queue fn onto the event thread.
	RunInEventThread(fn func())
	// Bandwidth admission for a torrent's download direction. Zero means
	// the transfer must pause.
	ClampTorrentDown(torrentID int, byteCount int64) int64
	// Byte accounting for a torrent's download direction.
	ConsumedTorrentDown(torrentID int, byteCount int64, isPieceData bool)
}

// Transport owns all outbound HTTP state. One per session, process-lifetime
// once started.
type Transport struct {
	logger  log.Logger
	session Session

	verbose    bool
	sslVerify  bool
	caBundle   string
	caPool     *x509.CertPool
	cookieJar  http.CookieJar
	cookieFile string

	closeMode atomic.Int32

	// The pending list is the only state submitters share with the
	// transport goroutine.
	mu      sync.Mutex
	pending []*Task

	// Transfers parked by the body sink until the next resume pass. The
	// sink goroutines insert; the transport goroutine swaps the whole set
	// out each pass of Run.
	pausedMu sync.Mutex
	paused   map[*transfer]struct{}

	wake        chan struct{}
	completions chan *transfer

	// Set when the run loop decides to exit; transfer goroutines stop
	// reporting completions past this point.
	stopping chansync.SetOnce
	// Set once the run loop has fully wound down.
	stopped chansync.SetOnce
}

// New builds a transport for s. The caller starts the loop with go Run.
// TR_CURL_VERBOSE, TR_CURL_SSL_NO_VERIFY and CURL_CA_BUNDLE are honored for
// compatibility with the wider client ecosystem.
func New(s Session, logger log.Logger) *Transport {
	t := &Transport{
		logger:      logger.WithNames("web"),
		session:     s,
		paused:      make(map[*transfer]struct{}),
		wake:        make(chan struct{}, 1),
		completions: make(chan *transfer, 64),
	}
	_, t.verbose = os.LookupEnv("TR_CURL_VERBOSE")
	_, noVerify := os.LookupEnv("TR_CURL_SSL_NO_VERIFY")
	t.sslVerify = !noVerify
	t.caBundle = os.Getenv("CURL_CA_BUNDLE")

	if t.sslVerify {
		bundle := "none"
		if t.caBundle != "" {
			bundle = t.caBundle
		}
		t.logger.Levelf(log.Info, "will verify tracker certs using envvar CURL_CA_BUNDLE: %s", bundle)
		if t.caBundle != "" {
			t.caPool = loadCaBundle(t.logger, t.caBundle)
		}
	}

	cookieFile := filepath.Join(s.ConfigDir(), "cookies.txt")
	if _, err := os.Stat(cookieFile); err == nil {
		t.cookieFile = cookieFile
		jar, err := loadCookieJar(cookieFile)
		if err != nil {
			t.logger.Levelf(log.Warning, "error loading cookie jar %q: %v", cookieFile, err)
		} else {
			t.cookieJar = jar
		}
	}

	return t
}

// The CA bundle augments the operating system's roots rather than replacing
// them.
func loadCaBundle(logger log.Logger, path string) *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		logger.Levelf(log.Warning, "error reading CA bundle %q: %v", path, err)
		return nil
	}
	if !pool.AppendCertsFromPEM(pem) {
		logger.Levelf(log.Warning, "no certificates parsed from CA bundle %q", path)
		return nil
	}
	return pool
}

// Submit queues a task for adoption on the transport's next pass. Tasks
// submitted from a single goroutine are adopted in FIFO order.
func (t *Transport) Submit(s Session, url string, opts TaskOpts, done DoneFunc, user any) *Task {
	task := newTask(s, url, opts, done, user)
	t.mu.Lock()
	t.pending = append(t.pending, task)
	t.mu.Unlock()
	t.wakeUp()
	return task
}

// Close requests shutdown. CloseNow returns only once the transport
// goroutine has exited; CloseWhenIdle returns immediately.
func (t *Transport) Close(mode CloseMode) {
	t.closeMode.Store(int32(mode))
	t.wakeUp()
	if mode == CloseNow {
		for !t.stopped.IsSet() {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (t *Transport) getCloseMode() CloseMode {
	return CloseMode(t.closeMode.Load())
}

func (t *Transport) wakeUp() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) addPaused(x *transfer) {
	t.pausedMu.Lock()
	t.paused[x] = struct{}{}
	t.pausedMu.Unlock()
}

func (t *Transport) havePending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *Transport) numPaused() int {
	t.pausedMu.Lock()
	defer t.pausedMu.Unlock()
	return len(t.paused)
}

// Run is the transport goroutine's main loop. It exits when told to close.
func (t *Transport) Run() {
	defer t.stopped.Set()

	// Transfers currently executing, owned by this goroutine.
	active := make(map[*transfer]struct{})
	repeats := 0

	for {
		mode := t.getCloseMode()
		if mode == CloseNow {
			break
		}
		if mode == CloseWhenIdle && len(active) == 0 && !t.havePending() {
			break
		}

		// Adopt tasks from the queue.
		t.mu.Lock()
		adopted := t.pending
		t.pending = nil
		t.mu.Unlock()
		for _, task := range adopted {
			if t.verbose {
				t.logger.Levelf(log.Debug, "adding task: [%s]", task.url)
			}
			x := newTransfer(t, task)
			active[x] = struct{}{}
			go x.run()
		}

		// Resume paused transfers. The set is swapped out whole so a sink
		// that immediately re-pauses lands in the next pass's set instead
		// of oscillating within this one.
		t.pausedMu.Lock()
		paused := t.paused
		t.paused = make(map[*transfer]struct{})
		t.pausedMu.Unlock()
		for x := range paused {
			x.signalResume()
		}

		sleep := maxLoopSleep
		if t.session.IsClosed() {
			sleep = closingLoopSleep
		}
		idle := true
		select {
		case <-t.wake:
			idle = false
		case x := <-t.completions:
			idle = false
			delete(active, x)
			t.finishTransfer(x)
		case <-time.After(sleep):
		}
		// Drain whatever else completed this pass.
		for {
			select {
			case x := <-t.completions:
				idle = false
				delete(active, x)
				t.finishTransfer(x)
				continue
			default:
			}
			break
		}

		if idle {
			repeats++
			if repeats > 1 {
				time.Sleep(min(sleep, closingLoopSleep))
			}
		} else {
			repeats = 0
		}
	}

	t.stopping.Set()
	for x := range active {
		x.cancel()
	}

	// Discard tasks that never started. This is rare, but can happen on
	// shutdown with unresponsive trackers.
	t.mu.Lock()
	discarded := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, task := range discarded {
		t.logger.Levelf(log.Debug, "discarding task %q", task.url)
		task.discard()
	}
}

// finishTransfer hands a completed transfer's task back to the event thread
// for callback invocation.
func (t *Transport) finishTransfer(x *transfer) {
	t.pausedMu.Lock()
	delete(t.paused, x)
	t.pausedMu.Unlock()
	x.detach()
	task := x.task
	if t.verbose {
		t.logger.Levelf(log.Debug, "finished task %q; got %v", task.url, task.code)
	}
	t.session.RunInEventThread(task.finish)
}
