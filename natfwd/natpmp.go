package natfwd

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

const (
	// Lease requested per mapping, in seconds. Renewal happens at half the
	// granted lifetime.
	natpmpLifetimeSec = 3600
	natpmpTimeout     = 2 * time.Second
	backendRetryAfter = time.Minute
)

type natpmpOpResult struct {
	unmap    bool
	port     int
	lifetime time.Duration
	err      error
}

// natpmpBackend maps the peer port with the NAT-PMP protocol. Protocol
// exchanges run on a helper goroutine; Pulse harvests their outcome and
// decides the next operation, so it never blocks the event thread.
type natpmpBackend struct {
	logger log.Logger

	state      Status
	mappedPort int
	renewAt    time.Time
	retryAt    time.Time

	// Outcome of the single in-flight operation.
	result chan natpmpOpResult
}

func newNatpmpBackend(logger log.Logger) *natpmpBackend {
	return &natpmpBackend{
		logger: logger.WithNames("natpmp"),
		state:  Unmapped,
		result: make(chan natpmpOpResult, 1),
	}
}

func (b *natpmpBackend) Pulse(privatePort int, enabled, doCheck bool) (Status, int) {
	b.harvest(privatePort)

	switch b.state {
	case Mapping, Unmapping:
		// Operation in flight; nothing to decide until it lands.
	case Mapped:
		if !enabled {
			b.state = Unmapping
			go b.runOp(privatePort, 0, true)
		} else if time.Now().After(b.renewAt) {
			b.state = Mapping
			go b.runOp(privatePort, natpmpLifetimeSec, false)
		}
	case Unmapped:
		if enabled {
			b.state = Mapping
			go b.runOp(privatePort, natpmpLifetimeSec, false)
		}
	case Error:
		if enabled && time.Now().After(b.retryAt) {
			b.state = Mapping
			go b.runOp(privatePort, natpmpLifetimeSec, false)
		} else if !enabled {
			b.state = Unmapped
		}
	}

	return b.state, b.mappedPort
}

func (b *natpmpBackend) harvest(privatePort int) {
	select {
	case res := <-b.result:
		switch {
		case res.err != nil:
			b.logger.Levelf(log.Info, "port mapping failed: %v", res.err)
			b.state = Error
			b.retryAt = time.Now().Add(backendRetryAfter)
		case res.unmap:
			b.logger.Levelf(log.Info, "no longer forwarding port %d", privatePort)
			b.state = Unmapped
			b.mappedPort = 0
		default:
			b.state = Mapped
			b.mappedPort = res.port
			b.renewAt = time.Now().Add(res.lifetime / 2)
			b.logger.Levelf(log.Info, "mapped private port %d to public port %d", privatePort, res.port)
		}
	default:
	}
}

// runOp performs one map or unmap exchange. A zero lifetime releases the
// mapping. Both transports are mapped; peers dial TCP but uTP arrives over
// UDP.
func (b *natpmpBackend) runOp(privatePort, lifetimeSec int, unmap bool) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		b.result <- natpmpOpResult{unmap: unmap, err: err}
		return
	}
	client := natpmp.NewClientWithTimeout(gw, natpmpTimeout)
	_, err = client.AddPortMapping("udp", privatePort, privatePort, lifetimeSec)
	if err != nil {
		b.result <- natpmpOpResult{unmap: unmap, err: err}
		return
	}
	res, err := client.AddPortMapping("tcp", privatePort, privatePort, lifetimeSec)
	if err != nil {
		b.result <- natpmpOpResult{unmap: unmap, err: err}
		return
	}
	b.result <- natpmpOpResult{
		unmap:    unmap,
		port:     int(res.MappedExternalPort),
		lifetime: time.Duration(res.PortMappingLifetimeInSeconds) * time.Second,
	}
}

func (b *natpmpBackend) Close() {}
