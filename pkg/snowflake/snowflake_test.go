package snowflake

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewGeneratorNodeRange(t *testing.T) {
	for _, node := range []int64{-1, MaxNode + 1} {
		_, err := NewGenerator(node)
		require.Error(t, err, "node %d", node)
	}
	_, err := NewGenerator(MaxNode)
	require.NoError(t, err)
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	var last ID
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, last)
		require.Equal(t, int64(3), id.Node())
		last = id
	}
}

func TestClockStepsBack(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g.clock = func() time.Time { return now }

	a := g.Next()
	now = now.Add(-10 * time.Millisecond)
	b := g.Next()
	require.Greater(t, b, a)
	require.Equal(t, a.Time(), b.Time())
	require.Equal(t, a.Seq()+1, b.Seq())
}

func TestSequenceExhaustionWaitsForNextMillisecond(t *testing.T) {
	g, err := NewGenerator(2)
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	g.clock = func() time.Time {
		calls++
		if calls > maxSeq+2 {
			return now.Add(time.Millisecond)
		}
		return now
	}

	var last ID
	for i := 0; i <= maxSeq; i++ {
		last = g.Next()
	}
	require.Equal(t, int64(maxSeq), last.Seq())
	next := g.Next()
	require.Equal(t, int64(0), next.Seq())
	require.Equal(t, now.Add(time.Millisecond), next.Time().UTC())
}

func TestIDCarriesIssueTime(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)
	before := time.Now().Add(-time.Second)
	id := g.Next()
	require.True(t, id.Time().After(before))
	require.Equal(t, fmt.Sprint(int64(id)), id.String())
}
