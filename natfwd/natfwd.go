// Package natfwd keeps the client's peer port mapped on the gateway,
// supervising a NAT-PMP and a UPnP backend as a timer-driven state machine.
// It moves no payload bytes itself; its output is the externally visible
// port number trackers are told about.
package natfwd

import (
	"time"

	"github.com/anacrolix/log"
)

// Session is the supervisor's window onto the owning client. All calls
// happen on the event thread, except RunInEventThread, which the pulse
// timer calls from its own goroutine.
type Session interface {
	PrivatePeerPort() int
	// Invoked when a backend learns the externally visible port.
	SetPublicPeerPort(port int)
	RunInEventThread(fn func())
}

// Backend is one port-mapping protocol client. Pulse advances its state
// machine without blocking; protocol exchanges happen asynchronously
// between pulses. enabled false drives unmapping. doCheck asks a mapped
// backend to verify the mapping still holds. The returned port is the
// external port, zero when unknown.
type Backend interface {
	Pulse(privatePort int, enabled, doCheck bool) (Status, int)
	Close()
}

// Supervisor owns the two backends and the pulse timer. Event-thread state.
type Supervisor struct {
	logger  log.Logger
	session Session
	upnpID  string

	enabled      bool
	shuttingDown bool
	doPortCheck  bool

	// Backends are created lazily on the first pulse. Tests inject their
	// own.
	Natpmp Backend
	Upnp   Backend

	natpmpStatus Status
	upnpStatus   Status

	timer *time.Timer
}

func NewSupervisor(session Session, logger log.Logger, upnpID string) *Supervisor {
	return &Supervisor{
		logger:       logger.WithNames("port-forwarding"),
		session:      session,
		upnpID:       upnpID,
		natpmpStatus: Unmapped,
		upnpStatus:   Unmapped,
	}
}

// Status returns the aggregate over both backends.
func (s *Supervisor) Status() Status {
	return max(s.natpmpStatus, s.upnpStatus)
}

func (s *Supervisor) IsEnabled() bool {
	return s.enabled
}

func (s *Supervisor) pulse(doCheck bool) {
	if s.Natpmp == nil {
		s.Natpmp = newNatpmpBackend(s.logger)
	}
	if s.Upnp == nil {
		s.Upnp = newUpnpBackend(s.logger, s.upnpID)
	}

	privatePort := s.session.PrivatePeerPort()
	enabled := s.enabled && !s.shuttingDown
	oldStatus := s.Status()

	var publicPort int
	s.natpmpStatus, publicPort = s.Natpmp.Pulse(privatePort, enabled, doCheck)
	if s.natpmpStatus == Mapped {
		s.session.SetPublicPeerPort(publicPort)
	}

	s.upnpStatus, _ = s.Upnp.Pulse(privatePort, enabled, doCheck)

	newStatus := s.Status()
	if newStatus != oldStatus {
		s.logger.Levelf(log.Info, "state changed from %q to %q", oldStatus, newStatus)
	}
}

// delayForStatus decides when to pulse again. Mapped mappings are
// re-checked on a long period to renew before lease expiry; errors back
// off; anything in progress pulses frequently.
func (s *Supervisor) delayForStatus() time.Duration {
	switch s.Status() {
	case Mapped:
		s.doPortCheck = true
		return 20 * time.Minute
	case Error:
		return time.Minute
	default:
		return 333 * time.Millisecond
	}
}

func (s *Supervisor) onTimer() {
	s.session.RunInEventThread(func() {
		if s.timer == nil {
			return
		}
		s.pulse(s.doPortCheck)
		s.doPortCheck = false
		s.timer.Reset(s.delayForStatus())
	})
}

func (s *Supervisor) startTimer() {
	// Assign before arming so onTimer always observes the timer.
	s.timer = time.AfterFunc(time.Hour, s.onTimer)
	// Immediate first tick.
	s.timer.Reset(0)
}

func (s *Supervisor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) stopForwarding() {
	s.logger.Levelf(log.Info, "stopped")
	s.pulse(false)

	if s.Natpmp != nil {
		s.Natpmp.Close()
		s.Natpmp = nil
	}
	s.natpmpStatus = Unmapped

	if s.Upnp != nil {
		s.Upnp.Close()
		s.Upnp = nil
	}
	s.upnpStatus = Unmapped

	s.stopTimer()
}

// Enable starts or stops port forwarding. Disabling drives one pulse with
// mapping disabled so existing mappings are released.
func (s *Supervisor) Enable(on bool) {
	if on {
		s.enabled = true
		s.startTimer()
	} else {
		s.enabled = false
		s.stopForwarding()
	}
}

// PortChanged re-maps after the private peer port moved.
func (s *Supervisor) PortChanged() {
	if s.enabled {
		s.stopTimer()
		s.pulse(false)
		s.startTimer()
	}
}

// Close unmaps and stops the supervisor for good.
func (s *Supervisor) Close() {
	s.shuttingDown = true
	s.stopForwarding()
}
