package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipflow/scheduler/internal/models"
)

type armKey struct {
	platform string
	bucket   models.TimeBucket
}

type postKey struct {
	contentID uuid.UUID
	platform  string
}

// memArm carries its own lock so updates to different arms never contend.
type memArm struct {
	mu  sync.Mutex
	arm models.Arm
}

// MemoryStore is an in-process Store used in tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	arms      map[armKey]*memArm
	posts     map[uuid.UUID]models.ScheduledPost
	postIndex map[postKey]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		arms:      map[armKey]*memArm{},
		posts:     map[uuid.UUID]models.ScheduledPost{},
		postIndex: map[postKey]uuid.UUID{},
	}
}

func (m *MemoryStore) armRecord(platform string, bucket models.TimeBucket, create bool) *memArm {
	key := armKey{platform: platform, bucket: bucket}
	m.mu.RLock()
	rec, ok := m.arms[key]
	m.mu.RUnlock()
	if ok || !create {
		return rec
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.arms[key]; ok {
		return rec
	}
	rec = &memArm{arm: models.PriorArm(platform, bucket)}
	m.arms[key] = rec
	return rec
}

func (m *MemoryStore) GetArm(ctx context.Context, platform string, bucket models.TimeBucket) (models.Arm, error) {
	rec := m.armRecord(platform, bucket, false)
	if rec == nil {
		return models.Arm{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.arm, nil
}

func (m *MemoryStore) ListArms(ctx context.Context, platform string, buckets []models.TimeBucket) (map[models.TimeBucket]models.Arm, error) {
	arms := make(map[models.TimeBucket]models.Arm, len(buckets))
	for _, b := range buckets {
		rec := m.armRecord(platform, b, false)
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		arms[b] = rec.arm
		rec.mu.Unlock()
	}
	return arms, nil
}

func (m *MemoryStore) ListPlatformArms(ctx context.Context, platform string) ([]models.Arm, error) {
	m.mu.RLock()
	recs := make([]*memArm, 0, len(m.arms))
	for key, rec := range m.arms {
		if key.platform == platform {
			recs = append(recs, rec)
		}
	}
	m.mu.RUnlock()

	arms := make([]models.Arm, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		arms = append(arms, rec.arm)
		rec.mu.Unlock()
	}
	sort.Slice(arms, func(i, j int) bool { return arms[i].Bucket < arms[j].Bucket })
	return arms, nil
}

func (m *MemoryStore) ApplyReward(ctx context.Context, platform string, bucket models.TimeBucket, reward float64, now time.Time) (models.Arm, error) {
	rec := m.armRecord(platform, bucket, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.arm.Alpha += reward
	rec.arm.Beta += 1 - reward
	rec.arm.SampleCount++
	rec.arm.LastUpdated = now
	return rec.arm, nil
}

func (m *MemoryStore) DecayArms(ctx context.Context, factor float64, now time.Time) (int64, error) {
	m.mu.RLock()
	recs := make([]*memArm, 0, len(m.arms))
	for _, rec := range m.arms {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	var decayed int64
	for _, rec := range recs {
		rec.mu.Lock()
		eff := factor
		if low := min(rec.arm.Alpha, rec.arm.Beta); eff*low < 1 {
			eff = 1 / low
		}
		if eff < 1 {
			rec.arm.Alpha *= eff
			rec.arm.Beta *= eff
			rec.arm.LastUpdated = now
			decayed++
		}
		rec.mu.Unlock()
	}
	return decayed, nil
}

func (m *MemoryStore) CreateScheduledPost(ctx context.Context, in ScheduledPostInput) (models.ScheduledPost, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	key := postKey{contentID: in.ContentID, platform: in.Platform}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.postIndex[key]; ok {
		return m.posts[id], true, nil
	}
	now := time.Now().UTC()
	post := models.ScheduledPost{
		ID:        in.ID,
		ContentID: in.ContentID,
		Platform:  in.Platform,
		Bucket:    in.Bucket,
		PublishAt: in.PublishAt,
		Status:    models.PostStatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.posts[post.ID] = post
	m.postIndex[key] = post.ID
	return post, false, nil
}

func (m *MemoryStore) GetScheduledPost(ctx context.Context, id uuid.UUID) (models.ScheduledPost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	post, ok := m.posts[id]
	if !ok {
		return models.ScheduledPost{}, ErrNotFound
	}
	return post, nil
}

func (m *MemoryStore) UpdatePostStatus(ctx context.Context, id uuid.UUID, status string) (models.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return models.ScheduledPost{}, ErrNotFound
	}
	post.Status = status
	post.UpdatedAt = time.Now().UTC()
	m.posts[id] = post
	return post, nil
}

func (m *MemoryStore) ClaimSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) (models.ScheduledPost, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[postID]
	if !ok {
		return models.ScheduledPost{}, false, ErrNotFound
	}
	if version <= post.LastSnapshotVersion {
		return post, false, nil
	}
	post.LastSnapshotVersion = version
	post.UpdatedAt = time.Now().UTC()
	m.posts[postID] = post
	return post, true, nil
}

func (m *MemoryStore) ReleaseSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[postID]
	if !ok || post.LastSnapshotVersion != version {
		return nil
	}
	post.LastSnapshotVersion = version - 1
	post.UpdatedAt = time.Now().UTC()
	m.posts[postID] = post
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
