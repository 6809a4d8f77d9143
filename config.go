package undertow

import (
	"net"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/undertow-bt/undertow/version"
)

// Probably not safe to modify this after it's given to a Session.
type ClientConfig struct {
	// Directory holding session state such as the cookies.txt jar read by
	// the web transport.
	ConfigDir string
	// The address to advertise and bind outgoing HTTP transfers to. Leave
	// nil to let the OS choose.
	PublicIp4 net.IP
	PublicIp6 net.IP

	// The port peers connect to. The port-forwarding supervisor maps it on
	// the gateway and may publish a different external port.
	ListenPort              int
	NoDefaultPortForwarding bool
	UpnpID                  string

	// Session-wide speed limits, applied at the root of the bandwidth
	// tree. Zero with the limit enabled means a hard stall.
	UploadRateLimited   bool
	UploadRateBps       int64
	DownloadRateLimited bool
	DownloadRateBps     int64
	// How often budgets are refilled and peers scheduled.
	AllocatorPeriod time.Duration

	// Optional outer limiter wrapped around webseed response bodies, on
	// top of the per-torrent bandwidth tree.
	WebseedResponseBodyRateLimiter *rate.Limiter

	// Perform logging and any other behaviour that will help debug.
	Debug  bool
	Logger log.Logger
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ListenPort:      51413,
		UpnpID:          version.DefaultUpnpId,
		AllocatorPeriod: 500 * time.Millisecond,
		Logger:          log.Default,
	}
}
