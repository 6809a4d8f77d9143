package tracker

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

func escapeInfoHash(ih []byte) string {
	return strings.ReplaceAll(url.QueryEscape(string(ih)), "+", "%20")
}

// AnnounceUrl expands base with the announce parameters. Parameters already
// present on the base URL are preserved.
func AnnounceUrl(base string, ar AnnounceRequest) (string, error) {
	_url, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	res := "key" + "=" + strconv.FormatInt(int64(ar.Key), 10) +
		"&" + "peer_id" + "=" + url.QueryEscape(string(ar.PeerId[:])) +
		// AFAICT, port is mandatory, and there's no implied port key.
		"&" + "port" + "=" + strconv.FormatInt(int64(ar.Port), 10) +
		"&" + "uploaded" + "=" + strconv.FormatInt(ar.Uploaded, 10) +
		"&" + "downloaded" + "=" + strconv.FormatInt(ar.Downloaded, 10) +
		// Some trackers reject a negative left outright. Clear the sign bit
		// so an unknown amount remaining stays in range.
		"&" + "left" + "=" + strconv.FormatInt(ar.Left&math.MaxInt64, 10) +

		func() (event string) {
			if ar.Event != None {
				event = "&" + "event" + "=" + ar.Event.String()
			}
			return
		}() +

		"&" + "compact" + "=" + "1" +
		"&" + "supportcrypto" + "=" + "1" +

		func() (numwant string) {
			if ar.NumWant != 0 {
				numwant = "&" + "numwant" + "=" + strconv.FormatInt(int64(ar.NumWant), 10)
			}
			return
		}() +

		"&" + "info_hash" + "=" + escapeInfoHash(ar.InfoHash[:]) +

		func() (qstr string) {
			if qstr = _url.Query().Encode(); qstr != "" {
				qstr = "&" + qstr
			}
			return
		}() +

		""

	_url.RawQuery = res
	return _url.String(), nil
}

// ScrapeUrl derives the scrape URL from an announce URL per the convention
// that the last path segment "announce" becomes "scrape". Returns false
// when the announce URL doesn't support scraping.
func ScrapeUrl(announce string, infoHashes ...[20]byte) (string, bool) {
	_url, err := url.Parse(announce)
	if err != nil {
		return "", false
	}
	const announceSegment = "announce"
	i := strings.LastIndex(_url.Path, "/")
	if i == -1 || !strings.HasPrefix(_url.Path[i+1:], announceSegment) {
		return "", false
	}
	_url.Path = _url.Path[:i+1] + "scrape" + _url.Path[i+1+len(announceSegment):]

	var query strings.Builder
	query.WriteString(_url.RawQuery)
	for _, ih := range infoHashes {
		if query.Len() > 0 {
			query.WriteString("&")
		}
		query.WriteString("info_hash=")
		query.WriteString(escapeInfoHash(ih[:]))
	}
	_url.RawQuery = query.String()
	return _url.String(), true
}
