package natfwd

import (
	"errors"
	"time"

	"github.com/anacrolix/log"
	"github.com/elgatito/upnp"
)

const upnpDiscoverTimeout = 2 * time.Second

var errNoUpnpDevices = errors.New("no upnp devices discovered")

type upnpOpResult struct {
	unmap bool
	check bool
	port  int
	err   error
}

// upnpBackend maps the peer port through whatever IGDs answer discovery.
// Like the NAT-PMP backend, the SOAP exchanges run on a helper goroutine
// and Pulse only moves the state machine.
type upnpBackend struct {
	logger log.Logger
	id     string

	state      Status
	mappedPort int
	retryAt    time.Time

	result chan upnpOpResult
}

func newUpnpBackend(logger log.Logger, id string) *upnpBackend {
	return &upnpBackend{
		logger: logger.WithNames("upnp"),
		id:     id,
		state:  Unmapped,
		result: make(chan upnpOpResult, 1),
	}
}

func (b *upnpBackend) Pulse(privatePort int, enabled, doCheck bool) (Status, int) {
	b.harvest(privatePort)

	switch b.state {
	case Mapping, Unmapping:
	case Mapped:
		if !enabled {
			b.state = Unmapping
			go b.runOp(privatePort, true, false)
		} else if doCheck {
			// Re-assert the mapping in place; routers quietly drop
			// mappings across reboots. Status stays Mapped while the
			// check is out.
			go b.runOp(privatePort, false, true)
		}
	case Unmapped:
		if enabled {
			b.state = Mapping
			go b.runOp(privatePort, false, false)
		}
	case Error:
		if enabled && time.Now().After(b.retryAt) {
			b.state = Mapping
			go b.runOp(privatePort, false, false)
		} else if !enabled {
			b.state = Unmapped
		}
	}

	return b.state, b.mappedPort
}

func (b *upnpBackend) harvest(privatePort int) {
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
			if !res.check {
				b.logger.Levelf(log.Info, "mapped private port %d to public port %d", privatePort, res.port)
			}
		}
	default:
	}
}

func (b *upnpBackend) runOp(privatePort int, unmap, check bool) {
	ds := upnp.Discover(0, upnpDiscoverTimeout)
	if len(ds) == 0 {
		b.result <- upnpOpResult{unmap: unmap, check: check, err: errNoUpnpDevices}
		return
	}
	var lastErr error
	for _, d := range ds {
		if unmap {
			svc, ok := d.(*upnp.IGDService)
			if !ok {
				lastErr = errors.New("upnp device does not support deleting port mappings")
				continue
			}
			if err := svc.DeletePortMapping(upnp.TCP, privatePort); err != nil {
				lastErr = err
				continue
			}
			_ = svc.DeletePortMapping(upnp.UDP, privatePort)
			b.result <- upnpOpResult{unmap: true}
			return
		}
		externalPort, err := d.AddPortMapping(upnp.TCP, privatePort, privatePort, b.id, 0)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := d.AddPortMapping(upnp.UDP, privatePort, privatePort, b.id, 0); err != nil {
			b.logger.Levelf(log.Debug, "error adding udp port mapping: %v", err)
		}
		b.result <- upnpOpResult{check: check, port: externalPort}
		return
	}
	b.result <- upnpOpResult{unmap: unmap, check: check, err: lastErr}
}

func (b *upnpBackend) Close() {}
