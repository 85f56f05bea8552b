package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirale/kibra/internal/registry"
	"github.com/kirale/kibra/internal/thread"
)

func TestJoinFloorsTimeout(t *testing.T) {
	r := registry.NewMLRRegistry()
	now := time.Now()
	e := r.Join("ff04::1", 10, now)
	require.False(t, e.Permanent)
	require.WithinDuration(t, now.Add(thread.MinMLRTimeout), e.ExpiresAt, time.Second)
}

func TestJoinPermanentSentinel(t *testing.T) {
	r := registry.NewMLRRegistry()
	e := r.Join("ff04::1", thread.PermanentTimeout, time.Now())
	require.True(t, e.Permanent)
}

func TestJoinIsIdempotent(t *testing.T) {
	r := registry.NewMLRRegistry()
	now := time.Now()
	r.Join("ff04::1", 3600, now)
	r.Join("ff04::1", 3600, now.Add(time.Minute))

	all := r.All()
	require.Len(t, all, 1)
}

func TestSweepDropsExpiredOnly(t *testing.T) {
	r := registry.NewMLRRegistry()
	now := time.Now()
	r.Join("ff04::1", uint32(thread.MinMLRTimeout.Seconds()), now.Add(-2*thread.MinMLRTimeout))
	r.Join("ff04::2", thread.PermanentTimeout, now)

	dropped := r.Sweep(now)
	require.Equal(t, []string{"ff04::1"}, dropped)

	_, ok := r.Lookup("ff04::2")
	require.True(t, ok, "permanent entries never expire")
}

func TestLeaveRemovesRegardlessOfPermanence(t *testing.T) {
	r := registry.NewMLRRegistry()
	r.Join("ff04::1", thread.PermanentTimeout, time.Now())
	r.Leave("ff04::1")

	_, ok := r.Lookup("ff04::1")
	require.False(t, ok)
}
