package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampNeverExceedsRequest(t *testing.T) {
	b := New(nil)
	assert.EqualValues(t, 5000, b.Clamp(1000, Down, 5000))

	b.SetLimited(Down, true)
	b.SetDesiredSpeedBps(Down, 1000)
	b.Allocate(Down, time.Second)
	got := b.Clamp(1000, Down, 5000)
	assert.LessOrEqual(t, got, int64(5000))
	assert.LessOrEqual(t, got, b.BytesLeft(Down))
	assert.EqualValues(t, 1000, got)
}

func TestClampHonorsAncestors(t *testing.T) {
	root := New(nil)
	child := New(root)

	root.SetLimited(Down, true)
	root.SetDesiredSpeedBps(Down, 500)
	child.SetLimited(Down, true)
	child.SetDesiredSpeedBps(Down, 1000)
	root.Allocate(Down, time.Second)

	assert.EqualValues(t, 500, child.Clamp(1000, Down, 5000))

	// Detaching from parent limits frees the child to its own cap.
	child.HonorParentLimits(Down, false)
	assert.EqualValues(t, 1000, child.Clamp(1000, Down, 5000))
}

func TestClampThrottleCurve(t *testing.T) {
	now := int64(100000)
	b := New(nil)
	b.SetLimited(Down, true)
	b.SetDesiredSpeedBps(Down, 1000)
	b.Allocate(Down, time.Second)

	// 95% of the desired rate over the speed interval: grants shrink to 80%.
	b.Consumed(now-100, Down, 1900, false)
	assert.EqualValues(t, 800, b.Clamp(now, Down, 1000))
}

func TestClampReadsDownRateForUpload(t *testing.T) {
	// Upload admission is clamped by current download pressure. This pins
	// the cross-direction read in the throttle curve.
	now := int64(100000)
	b := New(nil)
	b.SetLimited(Up, true)
	b.SetDesiredSpeedBps(Up, 1000)
	b.SetDesiredSpeedBps(Down, 1000)
	b.Allocate(Up, time.Second)

	b.Consumed(now-100, Down, 2200, false)
	assert.EqualValues(t, 0, b.Clamp(now, Up, 1000))
}

func TestConsumedDrainsAncestorBudgets(t *testing.T) {
	root := New(nil)
	child := New(root)

	root.SetLimited(Down, true)
	root.SetDesiredSpeedBps(Down, 1000)
	root.Allocate(Down, time.Second)

	child.Consumed(1000, Down, 400, true)
	assert.EqualValues(t, 600, root.BytesLeft(Down))

	// Non-piece bytes feed the meters but not the budget.
	child.Consumed(1000, Down, 400, false)
	assert.EqualValues(t, 600, root.BytesLeft(Down))
	assert.Greater(t, root.RawSpeedBps(1100, Down), root.PieceSpeedBps(1100, Down))
}

func TestSetParentMovesChildSets(t *testing.T) {
	r := New(nil)
	a := New(r)
	b := New(a)

	require.True(t, r.HasChild(a))
	require.True(t, a.HasChild(b))

	b.SetParent(r)
	assert.False(t, a.HasChild(b))
	assert.True(t, r.HasChild(a))
	assert.True(t, r.HasChild(b))
	assert.Equal(t, r, b.Parent())
}

func TestSetParentRejectsCycles(t *testing.T) {
	r := New(nil)
	a := New(r)
	b := New(a)

	require.Panics(t, func() { a.SetParent(a) })
	require.Panics(t, func() { r.SetParent(b) })
	require.Panics(t, func() { r.SetParent(a) })
}
