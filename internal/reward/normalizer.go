package reward

import (
	"sync"

	"github.com/clipflow/scheduler/internal/models"
)

// Neutral is the reward used when a platform has too little history or the
// snapshot is malformed. It leaves the arm's mean estimate unchanged in
// expectation.
const Neutral = 0.5

// Normalizer converts raw platform metric snapshots into a bounded [0,1]
// reward by rank-normalizing each new engagement score against a rolling
// window of recent scores for the same platform. Absolute thresholds are
// never needed and audience-size drift washes out of the window.
type Normalizer struct {
	window     int
	minSamples int

	mu      sync.Mutex
	history map[string]*ring
}

// New builds a normalizer with the given window size and the minimum number
// of prior samples required before rank normalization replaces the neutral
// cold-start reward.
func New(window, minSamples int) *Normalizer {
	if window <= 0 {
		window = 100
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	if minSamples > window {
		minSamples = window
	}
	return &Normalizer{
		window:     window,
		minSamples: minSamples,
		history:    map[string]*ring{},
	}
}

// Reward scores a snapshot against the platform's recent history and then
// records it. Malformed snapshots degrade to the neutral reward, are not
// recorded, and are reported through the second return value so the caller
// can log a warning without failing the feedback loop.
func (n *Normalizer) Reward(platform string, snap models.MetricSnapshot) (float64, bool) {
	score, ok := EngagementScore(snap)
	if !ok {
		return Neutral, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.history[platform]
	if r == nil {
		r = newRing(n.window)
		n.history[platform] = r
	}

	reward := Neutral
	if r.len() >= n.minSamples {
		below, equal := r.rank(score)
		reward = clamp((float64(below) + 0.5*float64(equal)) / float64(r.len()))
	}
	r.push(score)
	return reward, true
}

// SeenSamples reports how much history a platform has accumulated.
func (n *Normalizer) SeenSamples(platform string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r := n.history[platform]; r != nil {
		return r.len()
	}
	return 0
}

// EngagementScore collapses a snapshot to a single engagement figure:
// interactions per view, with average watch time contributing a small
// secondary term on video platforms. Returns false for snapshots that
// cannot be scored (negative counters or no signal at all).
func EngagementScore(snap models.MetricSnapshot) (float64, bool) {
	if snap.Views < 0 || snap.Likes < 0 || snap.Comments < 0 ||
		snap.Shares < 0 || snap.Saves < 0 || snap.WatchTime < 0 {
		return 0, false
	}
	interactions := snap.Likes + snap.Comments + snap.Shares + snap.Saves
	if snap.Views == 0 && interactions == 0 && snap.WatchTime == 0 {
		return 0, false
	}
	views := snap.Views
	if views < 1 {
		views = 1
	}
	score := float64(interactions) / float64(views)
	if snap.WatchTime > 0 {
		// Average watch seconds per view, scaled down so interaction rate
		// stays the dominant term. Rank normalization only needs monotone
		// contributions, not calibrated units.
		score += float64(snap.WatchTime) / float64(views) / 3600
	}
	return score, true
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ring is a fixed-capacity sample window.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, 0, capacity)}
}

func (r *ring) len() int {
	if r.full {
		return cap(r.buf)
	}
	return len(r.buf)
}

func (r *ring) push(v float64) {
	if !r.full {
		r.buf = append(r.buf, v)
		if len(r.buf) == cap(r.buf) {
			r.full = true
			r.next = 0
		}
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % cap(r.buf)
}

func (r *ring) rank(v float64) (below, equal int) {
	n := r.len()
	for i := 0; i < n; i++ {
		switch {
		case r.buf[i] < v:
			below++
		case r.buf[i] == v:
			equal++
		}
	}
	return below, equal
}
