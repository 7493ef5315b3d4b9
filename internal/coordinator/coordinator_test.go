package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/scheduler/internal/models"
)

var base = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func slot(platform string, offset time.Duration, score float64) models.Slot {
	return models.Slot{Platform: platform, At: base.Add(offset), Score: score}
}

func assertSeparated(t *testing.T, slots []models.Slot, min time.Duration) {
	t.Helper()
	for i := range slots {
		for j := i + 1; j < len(slots); j++ {
			d := slots[i].At.Sub(slots[j].At)
			if d < 0 {
				d = -d
			}
			assert.GreaterOrEqual(t, d, min, "%s and %s too close", slots[i].Platform, slots[j].Platform)
		}
	}
}

func TestResolveNoConflicts(t *testing.T) {
	c := New(30 * time.Minute)
	res, err := c.Resolve(map[string][]models.Slot{
		"instagram": {slot("instagram", 0, 0.9)},
		"youtube":   {slot("youtube", 2*time.Hour, 0.8)},
	})
	require.NoError(t, err)
	assert.Len(t, res.Slots, 2)
	assert.Equal(t, 0, res.Displaced)
	assertSeparated(t, res.Slots, 30*time.Minute)
}

func TestResolveDisplacesLowerScorer(t *testing.T) {
	c := New(30 * time.Minute)
	res, err := c.Resolve(map[string][]models.Slot{
		"instagram": {slot("instagram", 0, 0.9), slot("instagram", time.Hour, 0.7)},
		"youtube":   {slot("youtube", 10*time.Minute, 0.8), slot("youtube", 3*time.Hour, 0.6)},
	})
	require.NoError(t, err)
	require.Len(t, res.Slots, 2)
	assert.Equal(t, 1, res.Displaced)
	assertSeparated(t, res.Slots, 30*time.Minute)

	// The higher scorer keeps its first choice.
	assert.Equal(t, "instagram", res.Slots[0].Platform)
	assert.Equal(t, base, res.Slots[0].At)
	// The loser falls through to its next candidate.
	assert.Equal(t, base.Add(3*time.Hour), res.Slots[1].At)
}

func TestResolveExhaustedCandidates(t *testing.T) {
	c := New(30 * time.Minute)
	_, err := c.Resolve(map[string][]models.Slot{
		"instagram": {slot("instagram", 0, 0.9)},
		"tiktok":    {slot("tiktok", 5*time.Minute, 0.8), slot("tiktok", 20*time.Minute, 0.7)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAvailableSlot)

	var noSlot *NoSlotError
	require.True(t, errors.As(err, &noSlot))
	assert.Equal(t, "tiktok", noSlot.Platform)
}

func TestResolveEmptyCandidateList(t *testing.T) {
	c := New(30 * time.Minute)
	_, err := c.Resolve(map[string][]models.Slot{
		"instagram": {},
	})
	assert.ErrorIs(t, err, ErrNoAvailableSlot)
}

func TestResolveAlternativesExcludeWinner(t *testing.T) {
	c := New(30 * time.Minute)
	res, err := c.Resolve(map[string][]models.Slot{
		"instagram": {
			slot("instagram", 0, 0.9),
			slot("instagram", time.Hour, 0.5),
			slot("instagram", 2*time.Hour, 0.4),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Slots, 1)
	alts := res.Alternatives["instagram"]
	require.Len(t, alts, 2)
	for _, alt := range alts {
		assert.NotEqual(t, res.Slots[0].At, alt.At)
	}
}

func TestResolveAlternativesAreConflictFree(t *testing.T) {
	c := New(30 * time.Minute)
	// youtube is displaced from its first choice; that choice must not
	// resurface as a confirmable alternative.
	res, err := c.Resolve(map[string][]models.Slot{
		"instagram": {slot("instagram", 0, 0.9), slot("instagram", 10*time.Minute, 0.8)},
		"youtube":   {slot("youtube", 5*time.Minute, 0.85), slot("youtube", 2*time.Hour, 0.6)},
	})
	require.NoError(t, err)
	require.Len(t, res.Slots, 2)

	// Both leftover candidates sit inside the claimed windows here, so
	// neither platform may offer them.
	assert.Empty(t, res.Alternatives["instagram"])
	assert.Empty(t, res.Alternatives["youtube"])

	for platform, alts := range res.Alternatives {
		for _, alt := range alts {
			for _, won := range res.Slots {
				d := alt.At.Sub(won.At)
				if d < 0 {
					d = -d
				}
				assert.GreaterOrEqual(t, d, 30*time.Minute,
					"%s alternative at %v conflicts with claimed %v", platform, alt.At, won.At)
			}
		}
	}
}

func TestResolveThreePlatformsRespectSeparation(t *testing.T) {
	c := New(time.Hour)
	ranked := map[string][]models.Slot{
		"instagram": {slot("instagram", 0, 0.9), slot("instagram", 90*time.Minute, 0.8)},
		"youtube":   {slot("youtube", 10*time.Minute, 0.85), slot("youtube", 4*time.Hour, 0.5)},
		"tiktok":    {slot("tiktok", 20*time.Minute, 0.7), slot("tiktok", 6*time.Hour, 0.3)},
	}
	res, err := c.Resolve(ranked)
	require.NoError(t, err)
	require.Len(t, res.Slots, 3)
	assert.Equal(t, 2, res.Displaced)
	assertSeparated(t, res.Slots, time.Hour)
}
