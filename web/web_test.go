package web

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSession emulates the event-thread side of the contract. Jobs run
// synchronously; admission is a simple gate.
type testSession struct {
	configDir string
	closed    atomic.Bool
	allow     atomic.Bool
	consumed  atomic.Int64
}

func newTestSession(t *testing.T) *testSession {
	s := &testSession{configDir: t.TempDir()}
	s.allow.Store(true)
	return s
}

func (s *testSession) ConfigDir() string         { return s.configDir }
func (s *testSession) IsClosed() bool            { return s.closed.Load() }
func (s *testSession) PublicAddressIpv4() net.IP { return nil }
func (s *testSession) PublicAddressIpv6() net.IP { return nil }
func (s *testSession) RunInEventThread(fn func()) {
	fn()
}

func (s *testSession) ClampTorrentDown(torrentID int, byteCount int64) int64 {
	if !s.allow.Load() {
		return 0
	}
	return byteCount
}

func (s *testSession) ConsumedTorrentDown(torrentID int, byteCount int64, isPieceData bool) {
	s.consumed.Add(byteCount)
}

type doneResult struct {
	didConnect bool
	didTimeout bool
	code       int
	body       []byte
}

func collectDone(ch chan doneResult) DoneFunc {
	return func(s Session, didConnect, didTimeout bool, code int, body []byte, user any) {
		b := make([]byte, len(body))
		copy(b, body)
		ch <- doneResult{didConnect, didTimeout, code, b}
	}
}

func TestTimeoutForUrl(t *testing.T) {
	s := newTestSession(t)
	assert.Equal(t, 30*time.Second, timeoutForUrl(s, "http://tr.example/scrape?info_hash=x"))
	assert.Equal(t, 90*time.Second, timeoutForUrl(s, "http://tr.example/announce?info_hash=x"))
	assert.Equal(t, 240*time.Second, timeoutForUrl(s, "http://seed.example/files/a.bin"))
	s.closed.Store(true)
	assert.Equal(t, 20*time.Second, timeoutForUrl(s, "http://tr.example/announce"))
	assert.Equal(t, 20*time.Second, timeoutForUrl(nil, "http://tr.example/announce"))
}

func TestSubmitIsFifo(t *testing.T) {
	s := newTestSession(t)
	tr := New(s, log.Default)
	a := tr.Submit(s, "http://example.invalid/a", TaskOpts{}, nil, nil)
	b := tr.Submit(s, "http://example.invalid/b", TaskOpts{}, nil, nil)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.pending, 2)
	assert.Same(t, a, tr.pending[0])
	assert.Same(t, b, tr.pending[1])
}

func TestAnnounceRoundTrip(t *testing.T) {
	payload := "d8:intervali1800e5:peers0:e"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	s := newTestSession(t)
	tr := New(s, log.Default)
	go tr.Run()
	defer tr.Close(CloseNow)

	done := make(chan doneResult, 1)
	task := tr.Submit(s, srv.URL+"/announce?info_hash=X", TaskOpts{}, collectDone(done), nil)
	assert.Equal(t, 90*time.Second, task.timeout)

	select {
	case res := <-done:
		assert.True(t, res.didConnect)
		assert.False(t, res.didTimeout)
		assert.Equal(t, 200, res.code)
		assert.Equal(t, payload, string(res.body))
	case <-time.After(10 * time.Second):
		t.Fatal("announce did not complete")
	}
	assert.Equal(t, 200, task.ResponseCode())
}

func TestTransportErrorSurfacesZeroCode(t *testing.T) {
	s := newTestSession(t)
	tr := New(s, log.Default)
	go tr.Run()
	defer tr.Close(CloseNow)

	done := make(chan doneResult, 1)
	// Nothing listens on this port.
	tr.Submit(s, "http://127.0.0.1:1/", TaskOpts{}, collectDone(done), nil)

	select {
	case res := <-done:
		assert.Equal(t, 0, res.code)
		assert.False(t, res.didConnect)
		assert.False(t, res.didTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete")
	}
}

func TestEffectiveUrlFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/redir", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	s := newTestSession(t)
	tr := New(s, log.Default)
	go tr.Run()
	defer tr.Close(CloseNow)

	done := make(chan doneResult, 1)
	task := tr.Submit(s, srv.URL+"/redir", TaskOpts{}, collectDone(done), nil)

	select {
	case res := <-done:
		assert.Equal(t, 200, res.code)
		assert.True(t, strings.HasSuffix(task.EffectiveUrl(), "/final"))
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete")
	}
}

func TestCloseNowDiscardsPendingWithoutCallbacks(t *testing.T) {
	s := newTestSession(t)
	tr := New(s, log.Default)

	var calls atomic.Int32
	countCalls := func(s Session, didConnect, didTimeout bool, code int, body []byte, user any) {
		calls.Add(1)
	}
	// Queue tasks before the transport ever runs, then have the loop wake
	// up straight into immediate close.
	for i := 0; i < 3; i++ {
		tr.Submit(s, fmt.Sprintf("http://example.invalid/%d", i), TaskOpts{}, countCalls, nil)
	}
	tr.closeMode.Store(int32(CloseNow))
	go tr.Run()
	tr.Close(CloseNow)

	assert.True(t, tr.stopped.IsSet())
	assert.Zero(t, calls.Load())
	assert.False(t, tr.havePending())
}

func TestCloseWhenIdleDrains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	s := newTestSession(t)
	tr := New(s, log.Default)
	go tr.Run()

	done := make(chan doneResult, 1)
	tr.Submit(s, srv.URL, TaskOpts{}, collectDone(done), nil)
	tr.Close(CloseWhenIdle)

	select {
	case res := <-done:
		assert.Equal(t, 200, res.code)
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete before drain")
	}
	select {
	case <-tr.stopped.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("transport did not exit when idle")
	}
}

func TestWebseedPausesUntilBandwidthAllowed(t *testing.T) {
	payload := make([]byte, 3001)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-3000", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	s := newTestSession(t)
	s.allow.Store(false)
	tr := New(s, log.Default)
	go tr.Run()
	defer tr.Close(CloseNow)

	done := make(chan doneResult, 1)
	tr.Submit(s, srv.URL+"/file.bin", TaskOpts{
		TorrentID: g.Some(7),
		Range:     g.Some("0-3000"),
	}, collectDone(done), nil)

	// The transfer must park while the clamp stays at zero.
	require.Eventually(t, func() bool {
		return tr.numPaused() > 0
	}, 10*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("task completed while bandwidth was clamped to zero")
	case <-time.After(500 * time.Millisecond):
	}

	s.allow.Store(true)
	select {
	case res := <-done:
		assert.Equal(t, http.StatusPartialContent, res.code)
		assert.Equal(t, payload, res.body)
	case <-time.After(10 * time.Second):
		t.Fatal("task did not resume after the clamp was lifted")
	}
	assert.EqualValues(t, len(payload), s.consumed.Load())
}
