package web

import (
	"bytes"
	"strings"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	"golang.org/x/time/rate"
)

// DoneFunc is invoked on the session's event thread exactly once for every
// task whose transfer completes while the transport is running. Tasks still
// in flight or pending when the transport closes with CloseNow get no
// callback. A zero code means the transfer never produced an HTTP response
// (DNS failure, refused connection, TLS failure, timeout).
type DoneFunc func(s Session, didConnect, didTimeout bool, code int, body []byte, user any)

// TaskOpts carries the optional parts of a submission.
type TaskOpts struct {
	// Identity of the torrent the response bytes belong to. Tasks with a
	// torrent are throttled against its bandwidth node; tracker and other
	// non-torrent requests are not.
	TorrentID g.Option[int]
	// Byte range, e.g. "0-3000". Ranged responses are requested
	// uncompressed so the bytes are directly usable.
	Range g.Option[string]
	// Raw cookie blob sent with the request.
	Cookies string
	// Response sink. A fresh buffer is allocated when nil.
	Buffer *bytes.Buffer
	// Optional outer limiter wrapped around the response body.
	Limiter *rate.Limiter
}

// Task is one outbound HTTP transfer. Created by the submitter, adopted by
// the transport goroutine on its next pass, and handed back to the event
// thread on completion.
type Task struct {
	session   Session
	url       string
	torrentID g.Option[int]
	byteRange g.Option[string]
	cookies   string
	response  *bytes.Buffer
	done      DoneFunc
	user      any
	limiter   *rate.Limiter

	timeout time.Duration

	// Results, valid once the transfer completes.
	code         int
	effectiveUrl string
	didConnect   bool
	didTimeout   bool

	finished bool
}

func newTask(s Session, url string, opts TaskOpts, done DoneFunc, user any) *Task {
	task := &Task{
		session:   s,
		url:       url,
		torrentID: opts.TorrentID,
		byteRange: opts.Range,
		cookies:   opts.Cookies,
		response:  opts.Buffer,
		done:      done,
		user:      user,
		limiter:   opts.Limiter,
		timeout:   timeoutForUrl(s, url),
	}
	if task.response == nil {
		task.response = new(bytes.Buffer)
	}
	task.effectiveUrl = url
	return task
}

// ResponseCode returns the transfer's final HTTP status, zero if none was
// received.
func (task *Task) ResponseCode() int {
	return task.code
}

// EffectiveUrl returns the URL the response actually came from, after any
// redirects.
func (task *Task) EffectiveUrl() string {
	return task.effectiveUrl
}

// finish invokes the completion callback. Runs on the event thread.
func (task *Task) finish() {
	panicif.True(task.finished)
	task.finished = true
	if task.done != nil {
		task.done(task.session, task.didConnect, task.didTimeout, task.code, task.response.Bytes(), task.user)
	}
}

// discard drops a task that never started. Its callback is not invoked.
func (task *Task) discard() {
	panicif.True(task.finished)
	task.finished = true
}

// Announce and scrape requests are quick round-trips; webseed fetches can
// legitimately run for minutes. During shutdown everything gets a short
// leash.
func timeoutForUrl(s Session, url string) time.Duration {
	switch {
	case s == nil || s.IsClosed():
		return 20 * time.Second
	case strings.Contains(url, "scrape"):
		return 30 * time.Second
	case strings.Contains(url, "announce"):
		return 90 * time.Second
	default:
		return 240 * time.Second
	}
}
