package undertow

import (
	"fmt"

	g "github.com/anacrolix/generics"

	"github.com/undertow-bt/undertow/tracker"
	"github.com/undertow-bt/undertow/web"
)

// AnnounceDoneFunc receives a completed announce on the event thread.
type AnnounceDoneFunc func(resp tracker.AnnounceResponse, err error)

// Announce submits an announce for the torrent to baseUrl. The request's
// port is filled from the advertised peer port, and uploaded/downloaded
// and left from the torrent's accounting. Retry policy is the caller's;
// transport failures surface as errors on done.
func (t *Torrent) Announce(baseUrl string, event tracker.AnnounceEvent, key int32, numWant int32, done AnnounceDoneFunc) *web.Task {
	s := t.session
	s.mu.Lock()
	ar := tracker.AnnounceRequest{
		InfoHash:   t.infoHash,
		Downloaded: t.downloaded,
		Uploaded:   t.uploaded,
		Left:       t.left,
		Event:      event,
		Key:        key,
		NumWant:    numWant,
	}
	s.mu.Unlock()
	ar.Port = s.AdvertisedPeerPort()

	url, err := tracker.AnnounceUrl(baseUrl, ar)
	if err != nil {
		s.RunInEventThread(func() {
			done(tracker.AnnounceResponse{}, err)
		})
		return nil
	}
	return s.webRun(g.None[int](), url, g.None[string](), "", nil,
		func(_ web.Session, didConnect, didTimeout bool, code int, body []byte, user any) {
			resp, err := finishAnnounce(didConnect, didTimeout, code, body)
			done(resp, err)
		},
		nil,
	)
}

func finishAnnounce(didConnect, didTimeout bool, code int, body []byte) (tracker.AnnounceResponse, error) {
	switch {
	case didTimeout:
		return tracker.AnnounceResponse{}, fmt.Errorf("announce timed out")
	case code == 0:
		return tracker.AnnounceResponse{}, fmt.Errorf("announce failed to connect (did connect: %v)", didConnect)
	case code != 200:
		return tracker.AnnounceResponse{}, fmt.Errorf("response from tracker: %v: %q", code, body)
	}
	return tracker.ParseAnnounceResponse(body)
}

// ScrapeDoneFunc receives a completed scrape on the event thread.
type ScrapeDoneFunc func(resp tracker.ScrapeResponse, err error)

// Scrape asks the tracker behind announceUrl for swarm statistics. Returns
// nil when the announce URL doesn't support scraping.
func (t *Torrent) Scrape(announceUrl string, done ScrapeDoneFunc) *web.Task {
	s := t.session
	url, ok := tracker.ScrapeUrl(announceUrl, t.infoHash)
	if !ok {
		return nil
	}
	return s.webRun(g.None[int](), url, g.None[string](), "", nil,
		func(_ web.Session, didConnect, didTimeout bool, code int, body []byte, user any) {
			switch {
			case code == 0:
				done(tracker.ScrapeResponse{}, fmt.Errorf("scrape failed to connect (timed out: %v)", didTimeout))
			case code != 200:
				done(tracker.ScrapeResponse{}, fmt.Errorf("response from tracker: %v: %q", code, body))
			default:
				resp, err := tracker.ParseScrapeResponse(body)
				done(resp, err)
			}
		},
		nil,
	)
}
