package web

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/undertow-bt/undertow/version"
)

// transfer drives one task's HTTP exchange. The transport goroutine owns
// the lifecycle; the actual blocking I/O runs on a dedicated goroutine so a
// stalled server can't wedge the loop.
type transfer struct {
	t    *Transport
	task *Task

	ctx       context.Context
	cancelCtx context.CancelFunc
	client    *http.Client

	// Signalled by the transport's resume pass. Capacity one: multiple
	// resumes collapse.
	resume chan struct{}

	connected atomic.Bool
}

func newTransfer(t *Transport, task *Task) *transfer {
	x := &transfer{
		t:      t,
		task:   task,
		resume: make(chan struct{}, 1),
	}
	// The deadline covers the whole transfer, paused stretches included.
	x.ctx, x.cancelCtx = context.WithTimeout(context.Background(), task.timeout)
	x.client = t.newHttpClient(task)
	return x
}

func (x *transfer) cancel() {
	x.cancelCtx()
}

func (x *transfer) signalResume() {
	select {
	case x.resume <- struct{}{}:
	default:
	}
}

// detach releases the transfer's connections before the task is handed
// back.
func (x *transfer) detach() {
	x.cancelCtx()
	x.client.CloseIdleConnections()
}

func (x *transfer) run() {
	task := x.task
	started := time.Now()
	err := x.do()
	elapsed := time.Since(started)

	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	task.didConnect = task.code > 0 || x.connected.Load()
	task.didTimeout = task.code == 0 && (timedOut || elapsed >= task.timeout)
	if err != nil && x.t.verbose {
		x.t.logger.Levelf(log.Debug, "transfer error for %q: %v", task.url, err)
	}

	select {
	case x.t.completions <- x:
	case <-x.t.stopping.Done():
		// Shutdown took over; the task is dropped with the rest.
	}
}

func (x *transfer) do() error {
	task := x.task
	req, err := http.NewRequestWithContext(x.ctx, http.MethodGet, task.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.DefaultHttpUserAgent)
	if task.cookies != "" {
		req.Header.Set("Cookie", task.cookies)
	}
	if task.byteRange.Ok {
		req.Header.Set("Range", "bytes="+task.byteRange.Value)
		// Don't bother asking the server to compress webseed fragments.
		req.Header.Set("Accept-Encoding", "identity")
	}

	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			x.connected.Store(true)
		},
		WroteHeaders: func() {
			x.connected.Store(true)
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	task.code = resp.StatusCode
	if resp.Request != nil && resp.Request.URL != nil {
		task.effectiveUrl = resp.Request.URL.String()
	}

	var body io.Reader = resp.Body
	if task.limiter != nil {
		body = &rateLimitedReader{l: task.limiter, r: body}
	}

	buf := make([]byte, 16<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if sinkErr := x.sink(buf[:n]); sinkErr != nil {
				return sinkErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// sink delivers one received chunk. Webseed chunks are admitted through the
// owning torrent's bandwidth node; a zero clamp parks the transfer until
// the transport's next resume pass re-evaluates it.
func (x *transfer) sink(b []byte) error {
	task := x.task
	if task.torrentID.Ok {
		for x.t.session.ClampTorrentDown(task.torrentID.Value, int64(len(b))) == 0 {
			// Parked until the transport's next resume pass; waking the
			// loop here would just spin it against a still-zero clamp.
			x.t.addPaused(x)
			select {
			case <-x.resume:
			case <-x.ctx.Done():
				return x.ctx.Err()
			}
		}
		x.t.session.ConsumedTorrentDown(task.torrentID.Value, int64(len(b)), true)
	}
	task.response.Write(b)
	if x.t.verbose {
		x.t.logger.Levelf(log.Debug, "wrote %v to task %q's buffer", humanize.Bytes(uint64(len(b))), task.url)
	}
	return nil
}

// newHttpClient builds the per-transfer client: timeouts, TLS policy, bind
// address, socket hints and redirect behavior all depend on the task.
func (t *Transport) newHttpClient(task *Task) *http.Client {
	dialer := &net.Dialer{
		// Buffer hints for the tiny announce/scrape payloads.
		Control: sockoptControl(task.url),
	}
	if ip := t.session.PublicAddressIpv4(); ip != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	} else if ip := t.session.PublicAddressIpv6(); ip != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	tlsConfig := &tls.Config{}
	if !t.sslVerify {
		tlsConfig.InsecureSkipVerify = true
	} else if t.caPool != nil {
		tlsConfig.RootCAs = t.caPool
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		DialContext:     dialer.DialContext,
		TLSClientConfig: tlsConfig,
		// Ranged responses must be directly usable by the caller.
		DisableCompression: task.byteRange.Ok,
	}

	return &http.Client{
		Transport: transport,
		Jar:       t.cookieJar,
		Timeout:   task.timeout,
		// Follow redirects without a hop cap. The Referer header is filled
		// in automatically by net/http.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil
		},
	}
}
