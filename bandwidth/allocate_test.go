package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer drains its node's budget the way a peer-I/O object would: each
// flush is clamped by the bandwidth tree, consumed as piece data, and
// bounded by how much the peer actually has queued.
type testPeer struct {
	node       *Bandwidth
	now        int64
	pending    int64
	received   int64
	flushCalls int
	enabled    [numDirections]bool
	priority   Priority
}

func newTestPeer(parent *Bandwidth, pending int64) *testPeer {
	p := &testPeer{
		node:    New(parent),
		now:     50000,
		pending: pending,
	}
	p.node.AttachPeer(p)
	return p
}

func (p *testPeer) Flush(dir Direction, maxBytes int64) int64 {
	p.flushCalls++
	n := p.node.Clamp(p.now, dir, min(maxBytes, p.pending))
	if n > 0 {
		p.node.Consumed(p.now, dir, n, true)
		p.pending -= n
		p.received += n
	}
	return n
}

func (p *testPeer) HasBandwidthLeft(dir Direction) bool {
	return p.node.Clamp(p.now, dir, 1) > 0
}

func (p *testPeer) SetEnabled(dir Direction, enabled bool) {
	p.enabled[dir] = enabled
}

func (p *testPeer) FlushOutgoingProtocol() {}

func (p *testPeer) SetAllocationPriority(pri Priority) {
	p.priority = pri
}

func (p *testPeer) AllocationPriority() Priority {
	return p.priority
}

func TestAllocateSplitsFairlyAcrossEqualPeers(t *testing.T) {
	// The random-pick dispatch is only approximately fair per tick, so
	// allow a few attempts before declaring the split unfair.
	for attempt := 0; attempt < 5; attempt++ {
		root := New(nil)
		root.SetLimited(Down, true)
		root.SetDesiredSpeedBps(Down, 1000000)

		a := newTestPeer(root, 1<<30)
		b := newTestPeer(root, 1<<30)

		root.Allocate(Down, time.Second)

		require.EqualValues(t, 1000000, a.received+b.received)
		if a.received >= 450000 && a.received <= 550000 {
			return
		}
	}
	t.Fatal("peer split fell outside [450kB, 550kB] on every attempt")
}

func TestAllocatePriorityPoolMembership(t *testing.T) {
	// Unlimited tree: every flush is bounded only by the peer's own queue,
	// so the visit counts per pool are deterministic. The high-priority
	// peer drains in the high pool and is still visited once in each of
	// normal and low; the low-priority peer is only ever visited in low.
	// Priorities fold down the tree by maximum, so the root is lowered too:
	// under a normal-priority root the low peer would fold up to normal.
	root := New(nil)
	root.SetPriority(PriorityLow)
	hi := newTestPeer(root, 9000)
	lo := newTestPeer(root, 9000)
	hi.node.SetPriority(PriorityHigh)
	lo.node.SetPriority(PriorityLow)

	root.Allocate(Down, time.Second)

	assert.Equal(t, 6, hi.flushCalls)
	assert.Equal(t, 4, lo.flushCalls)
	assert.EqualValues(t, 9000, hi.received)
	assert.EqualValues(t, 9000, lo.received)
}

func TestAllocateHighPriorityGetsBudgetFirst(t *testing.T) {
	root := New(nil)
	root.SetLimited(Down, true)
	root.SetDesiredSpeedBps(Down, 6000)

	hi := newTestPeer(root, 1<<20)
	lo := newTestPeer(root, 1<<20)
	hi.node.SetPriority(PriorityHigh)
	lo.node.SetPriority(PriorityLow)

	root.Allocate(Down, time.Second)

	assert.GreaterOrEqual(t, hi.received, int64(3000))
	assert.Greater(t, hi.received, lo.received)
}

func TestAllocateFoldsPriorityDownTheTree(t *testing.T) {
	root := New(nil)
	root.SetPriority(PriorityHigh)
	p := newTestPeer(root, 0)

	root.Allocate(Down, time.Second)
	assert.Equal(t, PriorityHigh, p.priority)
}

func TestAllocatePhaseTwoEnablesPeersWithBudgetLeft(t *testing.T) {
	root := New(nil)
	root.SetLimited(Down, true)
	root.SetDesiredSpeedBps(Down, 10000)

	p := newTestPeer(root, 3000)
	root.Allocate(Down, time.Second)

	// The peer drained its queue but the root has budget left over.
	require.EqualValues(t, 3000, p.received)
	assert.True(t, p.enabled[Down])

	// Next tick with a zero limit leaves nothing to burn.
	root.SetDesiredSpeedBps(Down, 0)
	root.Allocate(Down, time.Second)
	assert.False(t, p.enabled[Down])
}
