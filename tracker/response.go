package tracker

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// ParseAnnounceResponse decodes a tracker's announce body. Several of the
// dictionary keys contain spaces, and the peers value takes two shapes
// (compact string or list of dictionaries), so everything comes out of one
// generic decode. A tracker failure reason is returned as an error.
func ParseAnnounceResponse(body []byte) (ret AnnounceResponse, err error) {
	raw, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("error decoding %q: %w", body, err)
		return
	}
	top, ok := raw.(map[string]interface{})
	if !ok {
		err = fmt.Errorf("unexpected announce response %T", raw)
		return
	}
	if reason, ok := top["failure reason"].(string); ok && reason != "" {
		err = fmt.Errorf("tracker gave failure reason: %q", reason)
		return
	}
	if n, ok := top["interval"].(int64); ok {
		ret.Interval = int32(n)
	}
	if n, ok := top["min interval"].(int64); ok {
		ret.MinInterval = int32(n)
	}
	if s, ok := top["tracker id"].(string); ok {
		ret.TrackerId = s
	}
	if n, ok := top["complete"].(int64); ok {
		ret.Seeders = int32(n)
	}
	if n, ok := top["incomplete"].(int64); ok {
		ret.Leechers = int32(n)
	}
	ret.Peers, err = parsePeers(top["peers"])
	if err != nil {
		return
	}
	if len(ret.Peers) != 0 {
		vars.Add("http responses with nonempty peers key", 1)
	}
	if peers6, ok := top["peers6"].(string); ok {
		var v6 []Peer
		v6, err = parseCompactPeers([]byte(peers6), net.IPv6len)
		if err != nil {
			return
		}
		if len(v6) != 0 {
			vars.Add("http responses with nonempty peers6 key", 1)
		}
		ret.Peers = append(ret.Peers, v6...)
	}
	vars.Add("successful announce responses", 1)
	return
}

func parsePeers(v interface{}) ([]Peer, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers([]byte(peers), net.IPv4len)
	case []interface{}:
		ret := make([]Peer, 0, len(peers))
		for _, e := range peers {
			d, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected peers list element %T", e)
			}
			ip, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			ret = append(ret, Peer{
				IP:   net.ParseIP(ip),
				Port: int(port),
			})
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("unexpected peers value %T", v)
	}
}

func parseCompactPeers(b []byte, ipLen int) ([]Peer, error) {
	stride := ipLen + 2
	if len(b)%stride != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of %d", len(b), stride)
	}
	ret := make([]Peer, 0, len(b)/stride)
	for i := 0; i+stride <= len(b); i += stride {
		ip := make(net.IP, ipLen)
		copy(ip, b[i:i+ipLen])
		ret = append(ret, Peer{
			IP:   ip,
			Port: int(b[i+ipLen])<<8 | int(b[i+ipLen+1]),
		})
	}
	return ret, nil
}

// ParseScrapeResponse decodes a tracker's scrape body.
func ParseScrapeResponse(body []byte) (ret ScrapeResponse, err error) {
	raw, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("error decoding %q: %w", body, err)
		return
	}
	top, ok := raw.(map[string]interface{})
	if !ok {
		err = fmt.Errorf("unexpected scrape response %T", raw)
		return
	}
	if reason, ok := top["failure reason"].(string); ok && reason != "" {
		err = fmt.Errorf("tracker gave failure reason: %q", reason)
		return
	}
	files, _ := top["files"].(map[string]interface{})
	ret.Files = make(map[[20]byte]ScrapeFile, len(files))
	for key, v := range files {
		if len(key) != 20 {
			continue
		}
		var ih [20]byte
		copy(ih[:], key)
		stats, _ := v.(map[string]interface{})
		file := ScrapeFile{}
		if n, ok := stats["complete"].(int64); ok {
			file.Seeders = int32(n)
		}
		if n, ok := stats["downloaded"].(int64); ok {
			file.Downloaded = int32(n)
		}
		if n, ok := stats["incomplete"].(int64); ok {
			file.Leechers = int32(n)
		}
		ret.Files[ih] = file
	}
	return
}
