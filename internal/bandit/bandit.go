package bandit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/clipflow/scheduler/internal/models"
)

// ErrInvalidReward rejects rewards outside [0,1] before they touch the store.
var ErrInvalidReward = errors.New("reward out of range [0,1]")

// ArmStore is the slice of store behavior the model needs. All arm mutation
// funnels through it; the model never touches arm fields directly.
type ArmStore interface {
	ListArms(ctx context.Context, platform string, buckets []models.TimeBucket) (map[models.TimeBucket]models.Arm, error)
	ApplyReward(ctx context.Context, platform string, bucket models.TimeBucket, reward float64, now time.Time) (models.Arm, error)
	DecayArms(ctx context.Context, factor float64, now time.Time) (int64, error)
}

// CandidateSlot is a concrete future occurrence of a time bucket offered to
// Recommend for ranking.
type CandidateSlot struct {
	Bucket models.TimeBucket
	At     time.Time
}

// Model ranks candidate slots by Thompson Sampling over per-arm Beta
// beliefs. Sampling is intentionally randomized; the source is injectable so
// tests can fix the seed.
type Model struct {
	store ArmStore

	mu  sync.Mutex
	src rand.Source
}

// New builds a model seeded from the clock.
func New(store ArmStore) *Model {
	return NewWithSource(store, rand.NewSource(uint64(time.Now().UnixNano())))
}

// NewWithSource builds a model with a caller-supplied random source.
func NewWithSource(store ArmStore, src rand.Source) *Model {
	return &Model{store: store, src: src}
}

// Recommend samples theta ~ Beta(alpha, beta) for every candidate arm
// (unseen arms use the Beta(1,1) prior), ranks candidates by theta
// descending and returns the top k. Ties prefer the arm with more samples,
// then the earlier timestamp.
func (m *Model) Recommend(ctx context.Context, platform string, candidates []CandidateSlot, topK int) ([]models.Slot, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = len(candidates)
	}
	buckets := make([]models.TimeBucket, len(candidates))
	for i, c := range candidates {
		buckets[i] = c.Bucket
	}
	arms, err := m.store.ListArms(ctx, platform, buckets)
	if err != nil {
		return nil, fmt.Errorf("list arms: %w", err)
	}

	type ranked struct {
		slot    models.Slot
		samples int64
	}
	out := make([]ranked, 0, len(candidates))

	m.mu.Lock()
	for _, c := range candidates {
		arm, ok := arms[c.Bucket]
		if !ok {
			arm = models.PriorArm(platform, c.Bucket)
		}
		theta := distuv.Beta{Alpha: arm.Alpha, Beta: arm.Beta, Src: m.src}.Rand()
		out = append(out, ranked{
			slot: models.Slot{
				Platform: platform,
				Bucket:   c.Bucket,
				At:       c.At,
				Score:    theta,
			},
			samples: arm.SampleCount,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].slot.Score != out[j].slot.Score {
			return out[i].slot.Score > out[j].slot.Score
		}
		if out[i].samples != out[j].samples {
			return out[i].samples > out[j].samples
		}
		return out[i].slot.At.Before(out[j].slot.At)
	})

	if len(out) > topK {
		out = out[:topK]
	}
	slots := make([]models.Slot, len(out))
	for i, r := range out {
		slots[i] = r.slot
	}
	return slots, nil
}

// Update folds an observed reward into an arm: alpha += reward,
// beta += 1-reward, sample count and timestamp advance. The arm invariant
// alpha >= 1 && beta >= 1 is preserved because reward is bounded.
func (m *Model) Update(ctx context.Context, platform string, bucket models.TimeBucket, reward float64) (models.Arm, error) {
	if reward < 0 || reward > 1 {
		return models.Arm{}, fmt.Errorf("%w: %v", ErrInvalidReward, reward)
	}
	if !bucket.Valid() {
		return models.Arm{}, fmt.Errorf("bucket out of range: %d", bucket)
	}
	arm, err := m.store.ApplyReward(ctx, platform, bucket, reward, time.Now().UTC())
	if err != nil {
		return models.Arm{}, fmt.Errorf("apply reward: %w", err)
	}
	return arm, nil
}

// Decay narrows every arm's effective memory window by multiplying both
// shape parameters by the factor. The mean estimate is unchanged; only the
// confidence width shrinks. Runs on a periodic sweep, not per update.
func (m *Model) Decay(ctx context.Context, factor float64) (int64, error) {
	if factor <= 0 || factor >= 1 {
		return 0, fmt.Errorf("decay factor must be in (0,1): %v", factor)
	}
	n, err := m.store.DecayArms(ctx, factor, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("decay arms: %w", err)
	}
	return n, nil
}
