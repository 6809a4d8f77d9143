package undertow

import (
	"fmt"

	g "github.com/anacrolix/generics"

	"github.com/undertow-bt/undertow/web"
)

// WebseedDoneFunc receives a completed webseed range fetch on the event
// thread. A zero code means the transfer never got an HTTP response.
type WebseedDoneFunc func(didConnect, didTimeout bool, code int, body []byte)

// FetchWebseedRange requests bytes [begin, end] of url through the web
// transport, tagged with the torrent so the transfer pauses whenever the
// torrent's bandwidth node clamps it to zero. Received bytes are credited
// to the torrent as piece data.
func (t *Torrent) FetchWebseedRange(url string, begin, end int64, done WebseedDoneFunc) *web.Task {
	byteRange := fmt.Sprintf("%d-%d", begin, end)
	return t.session.webRun(
		g.Some(t.id),
		url,
		g.Some(byteRange),
		"",
		nil,
		func(s web.Session, didConnect, didTimeout bool, code int, body []byte, user any) {
			if done != nil {
				done(didConnect, didTimeout, code, body)
			}
		},
		nil,
	)
}

// FetchWebseedRangeWithCookies is FetchWebseedRange with a cookie blob for
// webseeds behind authentication.
func (t *Torrent) FetchWebseedRangeWithCookies(url string, begin, end int64, cookies string, done WebseedDoneFunc) *web.Task {
	byteRange := fmt.Sprintf("%d-%d", begin, end)
	return t.session.webRun(
		g.Some(t.id),
		url,
		g.Some(byteRange),
		cookies,
		nil,
		func(s web.Session, didConnect, didTimeout bool, code int, body []byte, user any) {
			if done != nil {
				done(didConnect, didTimeout, code, body)
			}
		},
		nil,
	)
}
