package bandwidth

import (
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Direction of a transfer relative to the local client.
type Direction int

const (
	Up Direction = iota
	Down
	numDirections
)

func (d Direction) String() string {
	if d == Up {
		return "upload"
	}
	return "download"
}

// Priority ordering used when allocating bandwidth to peers. Higher wins.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Per-direction state on a Bandwidth node.
type band struct {
	limited     bool
	honorParent bool
	desiredBps  int64
	bytesLeft   int64
	raw         RateMeter
	piece       RateMeter
}

// Bandwidth is a node in a tree of rate limiters. A child's effective cap is
// the minimum of its own and every honored ancestor's. Nodes, like the
// meters they contain, are event-thread state.
type Bandwidth struct {
	bands    [numDirections]band
	parent   *Bandwidth
	children map[*Bandwidth]struct{}
	// Attached peer, if any. The node does not own the peer; peers outlive
	// their node only via their host object.
	peer     Peer
	priority Priority
}

// New creates a node attached to parent. A nil parent makes a root.
func New(parent *Bandwidth) *Bandwidth {
	b := &Bandwidth{
		children: make(map[*Bandwidth]struct{}),
	}
	b.bands[Up].honorParent = true
	b.bands[Down].honorParent = true
	b.SetParent(parent)
	return b
}

// SetParent detaches b from its current parent and attaches it to newParent.
// Passing nil makes b a root. Panics if the change would make b its own
// ancestor.
func (b *Bandwidth) SetParent(newParent *Bandwidth) {
	panicif.True(b == newParent)

	if b.parent != nil {
		delete(b.parent.children, b)
		b.parent = nil
	}

	if newParent != nil {
		for p := newParent; p != nil; p = p.parent {
			panicif.True(p == b)
		}
		_, exists := newParent.children[b]
		panicif.True(exists)

		newParent.children[b] = struct{}{}
		b.parent = newParent
	}
}

func (b *Bandwidth) Parent() *Bandwidth {
	return b.parent
}

// HasChild reports whether c is a direct child of b.
func (b *Bandwidth) HasChild(c *Bandwidth) bool {
	_, ok := b.children[c]
	return ok
}

func (b *Bandwidth) SetPriority(p Priority) {
	b.priority = p
}

// AttachPeer associates a peer with this node so the allocator will include
// it in per-tick dispatch. Passing nil detaches.
func (b *Bandwidth) AttachPeer(p Peer) {
	b.peer = p
}

// SetLimited turns budget enforcement for dir on or off.
func (b *Bandwidth) SetLimited(dir Direction, limited bool) {
	b.bands[dir].limited = limited
}

func (b *Bandwidth) IsLimited(dir Direction) bool {
	return b.bands[dir].limited
}

// SetDesiredSpeedBps sets the steady-state target rate for dir.
func (b *Bandwidth) SetDesiredSpeedBps(dir Direction, bps int64) {
	b.bands[dir].desiredBps = bps
}

func (b *Bandwidth) DesiredSpeedBps(dir Direction) int64 {
	return b.bands[dir].desiredBps
}

// HonorParentLimits controls whether clamping at this node cascades into its
// ancestors.
func (b *Bandwidth) HonorParentLimits(dir Direction, honor bool) {
	b.bands[dir].honorParent = honor
}

// Clamp returns the largest byte count <= byteCount currently permitted at
// this node and, when parent limits are honored, by every ancestor.
//
// The throttle curve intentionally reads the download-direction raw rate for
// both directions, as the upstream accounting always has: upload admission
// is clamped by current download pressure.
func (b *Bandwidth) Clamp(now int64, dir Direction, byteCount int64) int64 {
	if b.bands[dir].limited {
		byteCount = min(byteCount, b.bands[dir].bytesLeft)

		// As the current rate closes on the limit, clamp down harder on the
		// bytes available.
		if byteCount > 0 {
			if now == 0 {
				now = nowMsec()
			}
			current := float64(b.bands[Down].raw.SpeedBps(now, speedIntervalMsec))
			desired := float64(b.bands[Down].desiredBps)
			var r float64
			if desired >= 1 {
				r = current / desired
			}
			switch {
			case r > 1.0:
				byteCount = 0
			case r > 0.9:
				byteCount = int64(float64(byteCount) * 0.8)
			case r > 0.8:
				byteCount = int64(float64(byteCount) * 0.9)
			}
		}
	}

	if b.parent != nil && b.bands[dir].honorParent && byteCount > 0 {
		byteCount = b.parent.Clamp(now, dir, byteCount)
	}

	return byteCount
}

// Consumed records that byteCount bytes moved through this node, draining
// the tick budget for piece data and feeding the meters, then recurses into
// the parent.
func (b *Bandwidth) Consumed(now int64, dir Direction, byteCount int64, isPieceData bool) {
	bd := &b.bands[dir]

	if bd.limited && isPieceData {
		bd.bytesLeft -= min(bd.bytesLeft, byteCount)
	}

	bd.raw.Record(now, byteCount)
	if isPieceData {
		bd.piece.Record(now, byteCount)
	}

	if b.parent != nil {
		b.parent.Consumed(now, dir, byteCount, isPieceData)
	}
}

// RawSpeedBps reports the recent rate including protocol overhead.
func (b *Bandwidth) RawSpeedBps(now int64, dir Direction) int64 {
	return b.bands[dir].raw.SpeedBps(now, speedIntervalMsec)
}

// PieceSpeedBps reports the recent rate of payload-carrying bytes only.
func (b *Bandwidth) PieceSpeedBps(now int64, dir Direction) int64 {
	return b.bands[dir].piece.SpeedBps(now, speedIntervalMsec)
}

// BytesLeft exposes the remaining budget for the current tick.
func (b *Bandwidth) BytesLeft(dir Direction) int64 {
	return b.bands[dir].bytesLeft
}
