package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BucketsPerWeek is the number of hour-of-week buckets an arm space holds
// per platform (7 days x 24 hours).
const BucketsPerWeek = 7 * 24

// TimeBucket is a discretized recurring weekly time window, numbered from
// Monday 00:00 UTC (bucket 0) through Sunday 23:00 UTC (bucket 167).
type TimeBucket int

// NewTimeBucket builds a bucket from a weekday and an hour of day.
func NewTimeBucket(day time.Weekday, hour int) (TimeBucket, error) {
	if hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range: %d", hour)
	}
	// time.Weekday counts from Sunday; buckets count from Monday.
	dow := (int(day) + 6) % 7
	return TimeBucket(dow*24 + hour), nil
}

// BucketOf returns the bucket containing t (evaluated in UTC).
func BucketOf(t time.Time) TimeBucket {
	t = t.UTC()
	dow := (int(t.Weekday()) + 6) % 7
	return TimeBucket(dow*24 + t.Hour())
}

// Valid reports whether b lies inside the weekly arm space.
func (b TimeBucket) Valid() bool {
	return b >= 0 && b < BucketsPerWeek
}

// Hour returns the hour-of-day component of the bucket.
func (b TimeBucket) Hour() int { return int(b) % 24 }

// Weekday returns the day-of-week component of the bucket.
func (b TimeBucket) Weekday() time.Weekday {
	return time.Weekday((int(b)/24 + 1) % 7)
}

// Next returns the first occurrence of the bucket strictly after the given
// instant, truncated to the hour.
func (b TimeBucket) Next(after time.Time) time.Time {
	after = after.UTC()
	start := after.Truncate(time.Hour)
	cur := int(BucketOf(start))
	diff := (int(b) - cur + BucketsPerWeek) % BucketsPerWeek
	candidate := start.Add(time.Duration(diff) * time.Hour)
	if !candidate.After(after) {
		candidate = candidate.Add(BucketsPerWeek * time.Hour)
	}
	return candidate
}

func (b TimeBucket) String() string {
	return fmt.Sprintf("%s-%02dh", b.Weekday().String()[:3], b.Hour())
}

// Arm holds the learned Beta-distribution belief for one (platform, bucket)
// pair. Alpha and Beta never drop below 1 through the update path.
type Arm struct {
	Platform    string     `json:"platform"`
	Bucket      TimeBucket `json:"bucket"`
	Alpha       float64    `json:"alpha"`
	Beta        float64    `json:"beta"`
	SampleCount int64      `json:"sampleCount"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

// Mean returns the posterior mean estimate alpha/(alpha+beta).
func (a Arm) Mean() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// PriorArm is the uninitialized Beta(1,1) belief for an arm with no record.
func PriorArm(platform string, bucket TimeBucket) Arm {
	return Arm{Platform: platform, Bucket: bucket, Alpha: 1, Beta: 1}
}

// ScheduleRequest is a finalized content descriptor handed over by the
// content pipeline. Immutable once created.
type ScheduleRequest struct {
	ContentID uuid.UUID  `json:"contentId"`
	Platforms []string   `json:"platforms"`
	Earliest  time.Time  `json:"earliest"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// Slot is one ranked candidate publish time for a platform.
type Slot struct {
	Platform string     `json:"platform"`
	Bucket   TimeBucket `json:"bucket"`
	At       time.Time  `json:"at"`
	Score    float64    `json:"score"`
}

// SlotRecommendation is the advisory output of a recommend call: the winning
// slot per platform plus each platform's remaining ranked alternatives. It is
// never persisted.
type SlotRecommendation struct {
	ContentID    uuid.UUID         `json:"contentId"`
	Slots        []Slot            `json:"slots"`
	Alternatives map[string][]Slot `json:"alternatives,omitempty"`
	GeneratedAt  time.Time         `json:"generatedAt"`
}

// Scheduled-post statuses. Published and cancelled are terminal.
const (
	PostStatusScheduled = "scheduled"
	PostStatusPublished = "published"
	PostStatusCancelled = "cancelled"
)

// ScheduledPost is a confirmed slot for one (content, platform) pair.
type ScheduledPost struct {
	ID                  uuid.UUID  `json:"id"`
	ContentID           uuid.UUID  `json:"contentId"`
	Platform            string     `json:"platform"`
	Bucket              TimeBucket `json:"bucket"`
	PublishAt           time.Time  `json:"publishAt"`
	Status              string     `json:"status"`
	LastSnapshotVersion int64      `json:"lastSnapshotVersion"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// MetricSnapshot is the raw per-platform engagement counters reported by the
// analytics collector. Platforms fill the fields they have.
type MetricSnapshot struct {
	Views     int64 `json:"views"`
	Likes     int64 `json:"likes"`
	Comments  int64 `json:"comments"`
	Shares    int64 `json:"shares"`
	Saves     int64 `json:"saves"`
	WatchTime int64 `json:"watchTime,omitempty"`
}

// Outcome is one asynchronous performance report for a published post.
// Snapshots for the same post may arrive repeatedly and out of order;
// SnapshotVersion orders them.
type Outcome struct {
	PostID          uuid.UUID      `json:"postId"`
	Platform        string         `json:"platform"`
	Snapshot        MetricSnapshot `json:"snapshot"`
	SnapshotVersion int64          `json:"snapshotVersion"`
	RecordedAt      time.Time      `json:"recordedAt"`
}
