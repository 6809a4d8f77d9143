//go:build unix

package web

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sockoptControl returns a dialer Control hinting kernel buffer sizes for
// tracker round-trips, which have tiny payloads. Returns nil for URLs with
// no known role.
func sockoptControl(url string) func(network, address string, c syscall.RawConn) error {
	isScrape := strings.Contains(url, "scrape")
	isAnnounce := strings.Contains(url, "announce")
	if !isScrape && !isAnnounce {
		return nil
	}
	sndbuf, rcvbuf := 1024, 3072
	if isScrape {
		sndbuf, rcvbuf = 4096, 4096
	}
	return func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			// Suggestions rather than hard requirements; it's OK for them
			// to fail.
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf)
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf)
		})
	}
}
