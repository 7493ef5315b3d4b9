package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clipflow/scheduler/internal/bandit"
	"github.com/clipflow/scheduler/internal/coordinator"
	"github.com/clipflow/scheduler/internal/metrics"
	"github.com/clipflow/scheduler/internal/models"
	"github.com/clipflow/scheduler/internal/reward"
	"github.com/clipflow/scheduler/internal/store"
)

var (
	// ErrUnknownPlatform rejects requests naming a platform with no
	// configured arm space, before any store access.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrInvalidRequest covers structurally bad requests (empty platform
	// set, deadline before earliest time).
	ErrInvalidRequest = errors.New("invalid request")
)

// SnapshotArchiver stores raw outcome snapshots out of band. Failures are
// logged, never propagated into the feedback loop.
type SnapshotArchiver interface {
	ArchiveOutcome(ctx context.Context, outcome models.Outcome) (string, error)
}

// Config carries the scheduling knobs the boundary needs. All of them are
// explicit configuration rather than baked-in constants.
type Config struct {
	Platforms []string
	TopK      int
	Horizon   time.Duration
}

// Service exposes the scheduler's boundary operations: Recommend, Confirm,
// RecordOutcome, InspectArm, Analytics and the terminal post transitions.
type Service struct {
	cfg       Config
	platforms map[string]struct{}
	store     store.Store
	model     *bandit.Model
	rewards   *reward.Normalizer
	coord     *coordinator.Coordinator
	archiver  SnapshotArchiver
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

func New(cfg Config, st store.Store, model *bandit.Model, rewards *reward.Normalizer, coord *coordinator.Coordinator, archiver SnapshotArchiver, m *metrics.Metrics, logger *logrus.Logger) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = models.BucketsPerWeek * time.Hour
	}
	platforms := make(map[string]struct{}, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		platforms[p] = struct{}{}
	}
	return &Service{
		cfg:       cfg,
		platforms: platforms,
		store:     st,
		model:     model,
		rewards:   rewards,
		coord:     coord,
		archiver:  archiver,
		metrics:   m,
		logger:    logger,
	}
}

func (s *Service) checkPlatform(platform string) error {
	if _, ok := s.platforms[platform]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return nil
}

// Recommend ranks candidate slots for every platform in the request and
// deconflicts them across the batch. Purely a function of store state; it
// performs no network I/O.
func (s *Service) Recommend(ctx context.Context, req models.ScheduleRequest) (models.SlotRecommendation, error) {
	if len(req.Platforms) == 0 {
		return models.SlotRecommendation{}, fmt.Errorf("%w: no platforms", ErrInvalidRequest)
	}
	for _, p := range req.Platforms {
		if err := s.checkPlatform(p); err != nil {
			return models.SlotRecommendation{}, err
		}
	}

	now := time.Now().UTC()
	earliest := req.Earliest
	if earliest.Before(now) {
		earliest = now
	}
	deadline := earliest.Add(s.cfg.Horizon)
	if req.Deadline != nil {
		if !req.Deadline.After(earliest) {
			return models.SlotRecommendation{}, fmt.Errorf("%w: deadline not after earliest time", ErrInvalidRequest)
		}
		if req.Deadline.Before(deadline) {
			deadline = *req.Deadline
		}
	}

	candidates := candidateSlots(earliest, deadline)
	if len(candidates) == 0 {
		return models.SlotRecommendation{}, &coordinator.NoSlotError{Platform: req.Platforms[0]}
	}

	// The coordinator sees every ranked candidate so a displaced platform
	// can fall through the whole horizon; the top-k cut happens only when
	// shaping the response.
	ranked := make(map[string][]models.Slot, len(req.Platforms))
	for _, platform := range req.Platforms {
		slots, err := s.model.Recommend(ctx, platform, candidates, len(candidates))
		if err != nil {
			return models.SlotRecommendation{}, fmt.Errorf("recommend %s: %w", platform, err)
		}
		ranked[platform] = slots
	}

	res, err := s.coord.Resolve(ranked)
	if err != nil {
		return models.SlotRecommendation{}, err
	}
	maxAlts := s.cfg.TopK - 1
	for platform, alts := range res.Alternatives {
		if len(alts) > maxAlts {
			alts = alts[:maxAlts]
		}
		if len(alts) == 0 {
			delete(res.Alternatives, platform)
			continue
		}
		res.Alternatives[platform] = alts
	}
	for _, slot := range res.Slots {
		s.metrics.RecommendationsTotal.WithLabelValues(slot.Platform).Inc()
	}
	if res.Displaced > 0 {
		s.metrics.SlotConflictsTotal.Add(float64(res.Displaced))
	}
	s.logger.WithFields(logrus.Fields{
		"contentId": req.ContentID,
		"platforms": req.Platforms,
		"displaced": res.Displaced,
	}).Debug("recommendation served")

	return models.SlotRecommendation{
		ContentID:    req.ContentID,
		Slots:        res.Slots,
		Alternatives: res.Alternatives,
		GeneratedAt:  now,
	}, nil
}

// candidateSlots enumerates the first future occurrence of every weekly
// bucket inside [earliest, deadline]. Buckets repeat weekly against the same
// arm, so one occurrence per bucket is all a ranking needs.
func candidateSlots(earliest, deadline time.Time) []bandit.CandidateSlot {
	var out []bandit.CandidateSlot
	for b := models.TimeBucket(0); b < models.BucketsPerWeek; b++ {
		at := b.Next(earliest)
		if at.After(deadline) {
			continue
		}
		out = append(out, bandit.CandidateSlot{Bucket: b, At: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Confirm accepts one recommended slot. Idempotent by (content id,
// platform): a second confirmation returns the existing post unchanged.
func (s *Service) Confirm(ctx context.Context, contentID uuid.UUID, slot models.Slot) (models.ScheduledPost, error) {
	if err := s.checkPlatform(slot.Platform); err != nil {
		return models.ScheduledPost{}, err
	}
	if contentID == uuid.Nil {
		return models.ScheduledPost{}, fmt.Errorf("%w: content id required", ErrInvalidRequest)
	}
	if !slot.Bucket.Valid() {
		return models.ScheduledPost{}, fmt.Errorf("%w: bucket out of range", ErrInvalidRequest)
	}

	var (
		post     models.ScheduledPost
		existing bool
	)
	err := withRetry(ctx, func() error {
		var err error
		post, existing, err = s.store.CreateScheduledPost(ctx, store.ScheduledPostInput{
			ContentID: contentID,
			Platform:  slot.Platform,
			Bucket:    slot.Bucket,
			PublishAt: slot.At,
		})
		return err
	})
	if err != nil {
		return models.ScheduledPost{}, err
	}
	s.metrics.ConfirmationsTotal.WithLabelValues(slot.Platform, fmt.Sprintf("%t", existing)).Inc()
	if existing {
		s.logger.WithFields(logrus.Fields{
			"contentId": contentID,
			"platform":  slot.Platform,
			"postId":    post.ID,
		}).Debug("confirm replay, returning existing post")
	}
	return post, nil
}

// RecordOutcome feeds one engagement report back into the bandit. Duplicate
// and out-of-order deliveries are detected by snapshot version and acked
// without a second arm update. A malformed snapshot degrades to the neutral
// reward instead of failing the caller.
func (s *Service) RecordOutcome(ctx context.Context, outcome models.Outcome) error {
	var (
		post    models.ScheduledPost
		applied bool
	)
	err := withRetry(ctx, func() error {
		var err error
		post, applied, err = s.store.ClaimSnapshotVersion(ctx, outcome.PostID, outcome.SnapshotVersion)
		return err
	})
	if err != nil {
		return err
	}
	if !applied {
		s.metrics.OutcomesTotal.WithLabelValues(post.Platform, "duplicate").Inc()
		s.logger.WithFields(logrus.Fields{
			"postId":  outcome.PostID,
			"version": outcome.SnapshotVersion,
		}).Debug("stale outcome snapshot ignored")
		return nil
	}

	if outcome.Platform != "" && outcome.Platform != post.Platform {
		s.logger.WithFields(logrus.Fields{
			"postId":   outcome.PostID,
			"reported": outcome.Platform,
			"stored":   post.Platform,
		}).Warn("outcome platform mismatch, trusting stored post")
	}

	value, ok := s.rewards.Reward(post.Platform, outcome.Snapshot)
	result := "applied"
	if !ok {
		result = "malformed"
		s.logger.WithFields(logrus.Fields{
			"postId":   outcome.PostID,
			"platform": post.Platform,
		}).Warn("malformed metric snapshot, degrading to neutral reward")
	}

	err = withRetry(ctx, func() error {
		_, err := s.model.Update(ctx, post.Platform, post.Bucket, value)
		return err
	})
	if err != nil {
		// Give the claim back so a redelivery of this version is applied
		// instead of deduped as stale.
		relErr := withRetry(ctx, func() error {
			return s.store.ReleaseSnapshotVersion(ctx, outcome.PostID, outcome.SnapshotVersion)
		})
		if relErr != nil {
			s.logger.WithError(relErr).WithFields(logrus.Fields{
				"postId":  outcome.PostID,
				"version": outcome.SnapshotVersion,
			}).Error("snapshot claim release failed, reward for this version is lost")
		}
		return err
	}
	s.metrics.OutcomesTotal.WithLabelValues(post.Platform, result).Inc()
	s.metrics.RewardObserved.WithLabelValues(post.Platform).Observe(value)

	if s.archiver != nil {
		if key, err := s.archiver.ArchiveOutcome(ctx, outcome); err != nil {
			s.logger.WithError(err).WithField("postId", outcome.PostID).Warn("outcome archive failed")
		} else {
			s.logger.WithFields(logrus.Fields{"postId": outcome.PostID, "key": key}).Debug("outcome archived")
		}
	}
	return nil
}

// InspectArm is a read-only diagnostic. Unseen arms report the Beta(1,1)
// prior, matching what Recommend would sample from.
func (s *Service) InspectArm(ctx context.Context, platform string, bucket models.TimeBucket) (models.Arm, error) {
	if err := s.checkPlatform(platform); err != nil {
		return models.Arm{}, err
	}
	if !bucket.Valid() {
		return models.Arm{}, fmt.Errorf("%w: bucket out of range", ErrInvalidRequest)
	}
	arm, err := s.store.GetArm(ctx, platform, bucket)
	if errors.Is(err, store.ErrNotFound) {
		return models.PriorArm(platform, bucket), nil
	}
	return arm, err
}

// MarkPublished records that the publisher collaborator actually posted.
func (s *Service) MarkPublished(ctx context.Context, postID uuid.UUID) (models.ScheduledPost, error) {
	return s.transition(ctx, postID, models.PostStatusPublished)
}

// MarkCancelled records that the batch owner withdrew the post.
func (s *Service) MarkCancelled(ctx context.Context, postID uuid.UUID) (models.ScheduledPost, error) {
	return s.transition(ctx, postID, models.PostStatusCancelled)
}

func (s *Service) transition(ctx context.Context, postID uuid.UUID, status string) (models.ScheduledPost, error) {
	post, err := s.store.GetScheduledPost(ctx, postID)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	if post.Status == status {
		return post, nil
	}
	if post.Status != models.PostStatusScheduled {
		return models.ScheduledPost{}, fmt.Errorf("%w: post %s already %s", ErrInvalidRequest, postID, post.Status)
	}
	var updated models.ScheduledPost
	err = withRetry(ctx, func() error {
		var err error
		updated, err = s.store.UpdatePostStatus(ctx, postID, status)
		return err
	})
	if err != nil {
		return models.ScheduledPost{}, err
	}
	return updated, nil
}

// PlatformAnalytics summarizes learned timing preference for one platform.
type PlatformAnalytics struct {
	Platform  string       `json:"platform"`
	ArmCount  int          `json:"armCount"`
	AvgMean   float64      `json:"avgMean"`
	TopSlots  []ArmSummary `json:"topSlots"`
	Samples   int64        `json:"samples"`
	WindowLen int          `json:"rewardWindowLen"`
}

// ArmSummary is one bucket's posterior in human-readable form.
type ArmSummary struct {
	Bucket      models.TimeBucket `json:"bucket"`
	Label       string            `json:"label"`
	Mean        float64           `json:"mean"`
	SampleCount int64             `json:"sampleCount"`
}

// Analytics reports per-platform arm summaries, ranking buckets by
// posterior mean damped by how much evidence backs it.
func (s *Service) Analytics(ctx context.Context, platform string) (PlatformAnalytics, error) {
	if err := s.checkPlatform(platform); err != nil {
		return PlatformAnalytics{}, err
	}
	arms, err := s.store.ListPlatformArms(ctx, platform)
	if err != nil {
		return PlatformAnalytics{}, err
	}
	out := PlatformAnalytics{
		Platform:  platform,
		ArmCount:  len(arms),
		WindowLen: s.rewards.SeenSamples(platform),
	}
	if len(arms) == 0 {
		return out, nil
	}
	var meanSum float64
	for _, arm := range arms {
		meanSum += arm.Mean()
		out.Samples += arm.SampleCount
	}
	out.AvgMean = meanSum / float64(len(arms))

	sorted := append([]models.Arm(nil), arms...)
	sort.Slice(sorted, func(i, j int) bool {
		return confidenceWeighted(sorted[i]) > confidenceWeighted(sorted[j])
	})
	limit := 5
	if len(sorted) < limit {
		limit = len(sorted)
	}
	for _, arm := range sorted[:limit] {
		out.TopSlots = append(out.TopSlots, ArmSummary{
			Bucket:      arm.Bucket,
			Label:       arm.Bucket.String(),
			Mean:        arm.Mean(),
			SampleCount: arm.SampleCount,
		})
	}
	return out, nil
}

// defaultSlot is a well-known good posting window for a platform, used only
// to warm-start fresh arms.
type defaultSlot struct {
	day  time.Weekday
	hour int
}

// defaultSlots holds conventional engagement peaks per platform: evening
// posts on visual platforms, business hours on professional ones.
var defaultSlots = map[string][]defaultSlot{
	"instagram": {
		{time.Monday, 19}, {time.Tuesday, 19}, {time.Wednesday, 19},
		{time.Thursday, 19}, {time.Friday, 19},
	},
	"youtube": {
		{time.Sunday, 20}, {time.Monday, 20}, {time.Saturday, 15},
		{time.Sunday, 15}, {time.Wednesday, 18},
	},
	"tiktok": {
		{time.Tuesday, 21}, {time.Wednesday, 21}, {time.Thursday, 21},
		{time.Friday, 19}, {time.Saturday, 19},
	},
	"twitter": {
		{time.Tuesday, 9}, {time.Wednesday, 9}, {time.Thursday, 9},
		{time.Tuesday, 17}, {time.Wednesday, 17},
	},
	"linkedin": {
		{time.Tuesday, 8}, {time.Wednesday, 8}, {time.Thursday, 8},
		{time.Tuesday, 12}, {time.Wednesday, 17},
	},
}

// WarmStart gives each configured platform's default posting slots a single
// positive pseudo-observation, but only for arms with no record yet, so
// restarts and learned evidence are never disturbed. Returns the number of
// arms seeded.
func (s *Service) WarmStart(ctx context.Context) (int, error) {
	seeded := 0
	for _, platform := range s.cfg.Platforms {
		for _, slot := range defaultSlots[platform] {
			bucket, err := models.NewTimeBucket(slot.day, slot.hour)
			if err != nil {
				return seeded, err
			}
			_, err = s.store.GetArm(ctx, platform, bucket)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return seeded, err
			}
			if _, err := s.model.Update(ctx, platform, bucket, 1.0); err != nil {
				return seeded, err
			}
			seeded++
		}
	}
	if seeded > 0 {
		s.logger.WithField("arms", seeded).Info("warm-started default posting slots")
	}
	return seeded, nil
}

// DecaySweep runs one decay pass over the arm table. Driven by a periodic
// timer in the entrypoint, never by request traffic.
func (s *Service) DecaySweep(ctx context.Context, factor float64) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		var err error
		n, err = s.model.Decay(ctx, factor)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.DecaySweepsTotal.Inc()
	s.logger.WithFields(logrus.Fields{"factor": factor, "arms": n}).Info("decay sweep complete")
	return n, nil
}

func confidenceWeighted(arm models.Arm) float64 {
	n := float64(arm.SampleCount)
	return arm.Mean() * (n / (n + 10))
}

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// withRetry retries transient storage failures with bounded exponential
// backoff; domain errors pass through immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
