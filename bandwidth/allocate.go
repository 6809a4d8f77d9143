package bandwidth

import (
	"math/rand"
	"time"

	"github.com/anacrolix/log"
)

// Bytes handed to a peer per phase-one visit. Small enough that fast peers
// can't monopolise a tick, large enough to keep a full uTP frame buffered.
const allocateIncrement = 3000

var logger = log.Default.WithNames("bandwidth")

// Peer is the allocator's view of a peer-I/O object. Implementations run on
// the event thread.
type Peer interface {
	// Flush writes up to maxBytes in dir, returning how many were written.
	Flush(dir Direction, maxBytes int64) int64
	// HasBandwidthLeft reports whether budget remains at every node the
	// peer's transfers are clamped by.
	HasBandwidthLeft(dir Direction) bool
	// SetEnabled switches on-demand I/O for dir until the next tick.
	SetEnabled(dir Direction, enabled bool)
	// FlushOutgoingProtocol writes any pending protocol (non-piece)
	// messages, which are never budgeted.
	FlushOutgoingProtocol()
	// The allocator stamps each peer with its subtree's folded priority
	// before dispatch.
	SetAllocationPriority(Priority)
	AllocationPriority() Priority
}

// allocateBandwidth refills the tick budget for b's subtree and collects the
// attached peers into pool, folding priorities down the tree.
func (b *Bandwidth) allocateBandwidth(parentPriority Priority, dir Direction, period time.Duration, pool *[]Peer) {
	priority := max(parentPriority, b.priority)

	if b.bands[dir].limited {
		b.bands[dir].bytesLeft = b.bands[dir].desiredBps * period.Milliseconds() / 1000
	}

	if b.peer != nil {
		b.peer.SetAllocationPriority(priority)
		*pool = append(*pool, b.peer)
	}

	for child := range b.children {
		child.allocateBandwidth(priority, dir, period, pool)
	}
}

// phaseOne distributes bandwidth fairly so faster peers don't starve the
// others: repeatedly pick a peer at random and give it a small chunk, until
// no peer in the pool can use more.
func phaseOne(pool []Peer, dir Direction) {
	logger.Levelf(log.Debug, "%d peers to go round-robin for %s", len(pool), dir)
	n := len(pool)
	for n > 0 {
		i := rand.Intn(n)
		used := pool[i].Flush(dir, allocateIncrement)
		if used != allocateIncrement {
			// Peer is done writing for now; move it out of the active
			// prefix.
			pool[i], pool[n-1] = pool[n-1], pool[i]
			n--
		}
	}
}

// Allocate runs one tick against b's subtree: refill budgets and collect
// peers, dispatch phase-one over the priority pools, then enable on-demand
// I/O for peers with budget left to burn until the next tick.
func (b *Bandwidth) Allocate(dir Direction, period time.Duration) {
	var pool []Peer
	b.allocateBandwidth(PriorityLow, dir, period, &pool)

	// A high-priority peer joins every pool, a normal one the latter two,
	// so that higher-priority traffic reaches the tick's budget first.
	var high, normal, low []Peer
	for _, p := range pool {
		p.FlushOutgoingProtocol()

		switch p.AllocationPriority() {
		case PriorityHigh:
			high = append(high, p)
			fallthrough
		case PriorityNormal:
			normal = append(normal, p)
			fallthrough
		default:
			low = append(low, p)
		}
	}

	phaseOne(high, dir)
	phaseOne(normal, dir)
	phaseOne(low, dir)

	for _, p := range pool {
		p.SetEnabled(dir, p.HasBandwidthLeft(dir))
	}
}
