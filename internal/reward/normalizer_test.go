package reward

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/scheduler/internal/models"
)

func snapWithLikes(views, likes int64) models.MetricSnapshot {
	return models.MetricSnapshot{Views: views, Likes: likes}
}

func TestRewardColdStartIsNeutral(t *testing.T) {
	n := New(100, 5)

	for i := 0; i < 5; i++ {
		got, ok := n.Reward("instagram", snapWithLikes(1000, int64(10*(i+1))))
		assert.True(t, ok)
		assert.Equal(t, Neutral, got, "sample %d should be neutral before minSamples history", i)
	}
	// Sixth sample has enough history to rank against.
	got, ok := n.Reward("instagram", snapWithLikes(1000, 500))
	assert.True(t, ok)
	assert.NotEqual(t, Neutral, got)
}

func TestRewardRanksAgainstWindow(t *testing.T) {
	n := New(100, 5)
	for i := 1; i <= 10; i++ {
		_, ok := n.Reward("tiktok", snapWithLikes(1000, int64(i*10)))
		require.True(t, ok)
	}

	best, ok := n.Reward("tiktok", snapWithLikes(1000, 999))
	require.True(t, ok)
	assert.InDelta(t, 1.0, best, 1e-9)

	worst, ok := n.Reward("tiktok", snapWithLikes(1000, 1))
	require.True(t, ok)
	assert.InDelta(t, 0.0, worst, 1e-9)

	mid, ok := n.Reward("tiktok", snapWithLikes(1000, 55))
	require.True(t, ok)
	assert.Greater(t, mid, 0.0)
	assert.Less(t, mid, 1.0)
}

func TestRewardTiesSplitTheRank(t *testing.T) {
	n := New(100, 1)
	// Seed two identical scores, then score the same value again.
	_, ok := n.Reward("youtube", snapWithLikes(100, 10))
	require.True(t, ok)
	_, ok = n.Reward("youtube", snapWithLikes(100, 10))
	require.True(t, ok)

	got, ok := n.Reward("youtube", snapWithLikes(100, 10))
	require.True(t, ok)
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestRewardMalformedSnapshot(t *testing.T) {
	n := New(100, 1)
	_, ok := n.Reward("instagram", snapWithLikes(1000, 10))
	require.True(t, ok)

	cases := []models.MetricSnapshot{
		{Views: -1, Likes: 10},
		{Views: 100, Likes: -5},
		{Views: 100, WatchTime: -1},
		{}, // no signal at all
	}
	for i, snap := range cases {
		got, ok := n.Reward("instagram", snap)
		assert.False(t, ok, "case %d", i)
		assert.Equal(t, Neutral, got, "case %d", i)
	}
	// Malformed snapshots never enter the history window.
	assert.Equal(t, 1, n.SeenSamples("instagram"))
}

func TestRewardPlatformsAreIsolated(t *testing.T) {
	n := New(100, 1)
	for i := 0; i < 10; i++ {
		_, ok := n.Reward("instagram", snapWithLikes(1000, 900))
		require.True(t, ok)
	}

	// A cold platform still starts neutral despite instagram's history.
	got, ok := n.Reward("tiktok", snapWithLikes(1000, 1))
	require.True(t, ok)
	assert.Equal(t, Neutral, got)
}

func TestRewardWindowEvictsOldSamples(t *testing.T) {
	n := New(5, 1)
	// Fill the window with high scores, then push enough low scores to
	// evict them entirely.
	for i := 0; i < 5; i++ {
		_, ok := n.Reward("instagram", snapWithLikes(100, 90))
		require.True(t, ok)
	}
	for i := 0; i < 5; i++ {
		_, ok := n.Reward("instagram", snapWithLikes(100, 1))
		require.True(t, ok)
	}
	assert.Equal(t, 5, n.SeenSamples("instagram"))

	// A middling score now beats everything left in the window.
	got, ok := n.Reward("instagram", snapWithLikes(100, 10))
	require.True(t, ok)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestEngagementScore(t *testing.T) {
	cases := []struct {
		snap models.MetricSnapshot
		want float64
		ok   bool
	}{
		{models.MetricSnapshot{Views: 1000, Likes: 50, Comments: 10, Shares: 5, Saves: 5}, 0.07, true},
		{models.MetricSnapshot{Views: 0, Likes: 3}, 3.0, true},
		{models.MetricSnapshot{Views: 100, WatchTime: 3600}, 0.01, true},
		{models.MetricSnapshot{Views: -1}, 0, false},
		{models.MetricSnapshot{}, 0, false},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			got, ok := EngagementScore(tc.snap)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}
