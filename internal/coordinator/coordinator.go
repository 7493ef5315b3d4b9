package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/clipflow/scheduler/internal/models"
)

// ErrNoAvailableSlot means every remaining candidate for a platform sits
// inside the separation window of an already-claimed slot. The request fails
// rather than silently violating the spacing rule.
var ErrNoAvailableSlot = errors.New("no conflict-free slot available")

// NoSlotError identifies the platform whose alternatives were exhausted.
type NoSlotError struct {
	Platform string
}

func (e *NoSlotError) Error() string {
	return fmt.Sprintf("no conflict-free slot available for %s", e.Platform)
}

func (e *NoSlotError) Is(target error) bool { return target == ErrNoAvailableSlot }

// Coordinator spaces confirmed slots across the platforms of a single
// content batch. Batches are independent; cross-batch conflicts are
// intentionally not tracked.
type Coordinator struct {
	minSeparation time.Duration
}

func New(minSeparation time.Duration) *Coordinator {
	return &Coordinator{minSeparation: minSeparation}
}

// Resolution is the outcome of deconflicting one batch.
type Resolution struct {
	// Slots holds the winning slot per platform, ordered by sampled score
	// descending.
	Slots []models.Slot

	// Alternatives holds each platform's remaining ranked candidates.
	Alternatives map[string][]models.Slot

	// Displaced counts platforms that lost their first choice to a
	// higher-scoring platform.
	Displaced int
}

// Resolve assigns one slot per platform from its ranked candidates.
// Platforms claim slots in order of their best sampled score, so the
// higher-scoring platform wins a contested window and the loser falls
// through to its next-best candidate.
func (c *Coordinator) Resolve(ranked map[string][]models.Slot) (Resolution, error) {
	platforms := make([]string, 0, len(ranked))
	for platform, slots := range ranked {
		if len(slots) == 0 {
			return Resolution{}, &NoSlotError{Platform: platform}
		}
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool {
		a, b := ranked[platforms[i]][0], ranked[platforms[j]][0]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return platforms[i] < platforms[j]
	})

	res := Resolution{Alternatives: make(map[string][]models.Slot, len(platforms))}
	rest := make(map[string][]models.Slot, len(platforms))
	var claimed []time.Time
	for _, platform := range platforms {
		candidates := ranked[platform]
		pick := -1
		for i, slot := range candidates {
			if !c.conflicts(slot.At, claimed) {
				pick = i
				break
			}
		}
		if pick < 0 {
			return Resolution{}, &NoSlotError{Platform: platform}
		}
		if pick > 0 {
			res.Displaced++
		}
		winner := candidates[pick]
		claimed = append(claimed, winner.At)
		res.Slots = append(res.Slots, winner)

		others := make([]models.Slot, 0, len(candidates)-1)
		others = append(others, candidates[:pick]...)
		others = append(others, candidates[pick+1:]...)
		rest[platform] = others
	}

	// Alternatives must stay confirmable: drop any that sit inside the
	// separation window of a claimed slot.
	for platform, others := range rest {
		free := others[:0]
		for _, slot := range others {
			if !c.conflicts(slot.At, claimed) {
				free = append(free, slot)
			}
		}
		if len(free) > 0 {
			res.Alternatives[platform] = free
		}
	}
	return res, nil
}

func (c *Coordinator) conflicts(at time.Time, claimed []time.Time) bool {
	for _, t := range claimed {
		d := at.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < c.minSeparation {
			return true
		}
	}
	return false
}
