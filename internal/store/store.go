package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clipflow/scheduler/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks transient storage failures; write-path callers
	// retry these with bounded backoff.
	ErrUnavailable = errors.New("storage unavailable")
)

// UnavailableError wraps a driver-level failure so callers can match
// ErrUnavailable while keeping the underlying cause in the chain.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Store is the single source of truth for arm statistics and scheduled
// posts. Arm rows are mutated only through ApplyReward and DecayArms; both
// are atomic per arm, so concurrent updates never lose increments.
type Store interface {
	GetArm(ctx context.Context, platform string, bucket models.TimeBucket) (models.Arm, error)
	ListArms(ctx context.Context, platform string, buckets []models.TimeBucket) (map[models.TimeBucket]models.Arm, error)
	ListPlatformArms(ctx context.Context, platform string) ([]models.Arm, error)
	ApplyReward(ctx context.Context, platform string, bucket models.TimeBucket, reward float64, now time.Time) (models.Arm, error)
	DecayArms(ctx context.Context, factor float64, now time.Time) (int64, error)

	CreateScheduledPost(ctx context.Context, in ScheduledPostInput) (models.ScheduledPost, bool, error)
	GetScheduledPost(ctx context.Context, id uuid.UUID) (models.ScheduledPost, error)
	UpdatePostStatus(ctx context.Context, id uuid.UUID, status string) (models.ScheduledPost, error)
	ClaimSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) (models.ScheduledPost, bool, error)
	ReleaseSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) error

	Ping(ctx context.Context) error
}

// ScheduledPostInput describes the row CreateScheduledPost inserts. Creation
// is idempotent by (content id, platform): when a row already exists it is
// returned untouched and the second return value is true.
type ScheduledPostInput struct {
	ID        uuid.UUID
	ContentID uuid.UUID
	Platform  string
	Bucket    models.TimeBucket
	PublishAt time.Time
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the scheduler tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS arms (
  platform text NOT NULL,
  bucket int NOT NULL,
  alpha double precision NOT NULL,
  beta double precision NOT NULL,
  sample_count bigint NOT NULL DEFAULT 0,
  last_updated timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (platform, bucket)
);
CREATE TABLE IF NOT EXISTS scheduled_posts (
  id uuid PRIMARY KEY,
  content_id uuid NOT NULL,
  platform text NOT NULL,
  bucket int NOT NULL,
  publish_at timestamptz NOT NULL,
  status text NOT NULL,
  last_snapshot_version bigint NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now(),
  UNIQUE (content_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_posts_publish_at ON scheduled_posts (publish_at);
`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return &UnavailableError{Op: "ensure schema", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArm(row rowScanner) (models.Arm, error) {
	var arm models.Arm
	if err := row.Scan(
		&arm.Platform,
		&arm.Bucket,
		&arm.Alpha,
		&arm.Beta,
		&arm.SampleCount,
		&arm.LastUpdated,
	); err != nil {
		return models.Arm{}, err
	}
	return arm, nil
}

func scanPost(row rowScanner) (models.ScheduledPost, error) {
	var post models.ScheduledPost
	if err := row.Scan(
		&post.ID,
		&post.ContentID,
		&post.Platform,
		&post.Bucket,
		&post.PublishAt,
		&post.Status,
		&post.LastSnapshotVersion,
		&post.CreatedAt,
		&post.UpdatedAt,
	); err != nil {
		return models.ScheduledPost{}, err
	}
	return post, nil
}

const armColumns = "platform, bucket, alpha, beta, sample_count, last_updated"

const postColumns = "id, content_id, platform, bucket, publish_at, status, last_snapshot_version, created_at, updated_at"

func (s *PGStore) GetArm(ctx context.Context, platform string, bucket models.TimeBucket) (models.Arm, error) {
	const query = `
		SELECT ` + armColumns + `
		FROM arms WHERE platform=$1 AND bucket=$2
	`
	arm, err := scanArm(s.db.QueryRowContext(ctx, query, platform, int(bucket)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Arm{}, ErrNotFound
		}
		return models.Arm{}, &UnavailableError{Op: "get arm", Err: err}
	}
	return arm, nil
}

func (s *PGStore) ListArms(ctx context.Context, platform string, buckets []models.TimeBucket) (map[models.TimeBucket]models.Arm, error) {
	ints := make([]int64, len(buckets))
	for i, b := range buckets {
		ints[i] = int64(b)
	}
	const query = `
		SELECT ` + armColumns + `
		FROM arms WHERE platform=$1 AND bucket = ANY($2)
	`
	rows, err := s.db.QueryContext(ctx, query, platform, pq.Array(ints))
	if err != nil {
		return nil, &UnavailableError{Op: "list arms", Err: err}
	}
	defer rows.Close()

	arms := make(map[models.TimeBucket]models.Arm, len(buckets))
	for rows.Next() {
		arm, err := scanArm(rows)
		if err != nil {
			return nil, &UnavailableError{Op: "scan arm", Err: err}
		}
		arms[arm.Bucket] = arm
	}
	if err := rows.Err(); err != nil {
		return nil, &UnavailableError{Op: "iterate arms", Err: err}
	}
	return arms, nil
}

func (s *PGStore) ListPlatformArms(ctx context.Context, platform string) ([]models.Arm, error) {
	const query = `
		SELECT ` + armColumns + `
		FROM arms WHERE platform=$1
		ORDER BY bucket
	`
	rows, err := s.db.QueryContext(ctx, query, platform)
	if err != nil {
		return nil, &UnavailableError{Op: "list platform arms", Err: err}
	}
	defer rows.Close()

	var arms []models.Arm
	for rows.Next() {
		arm, err := scanArm(rows)
		if err != nil {
			return nil, &UnavailableError{Op: "scan arm", Err: err}
		}
		arms = append(arms, arm)
	}
	if err := rows.Err(); err != nil {
		return nil, &UnavailableError{Op: "iterate arms", Err: err}
	}
	return arms, nil
}

// ApplyReward folds one bounded reward into an arm as a single atomic
// statement. A fresh arm starts from the Beta(1,1) prior.
func (s *PGStore) ApplyReward(ctx context.Context, platform string, bucket models.TimeBucket, reward float64, now time.Time) (models.Arm, error) {
	const query = `
		INSERT INTO arms (platform, bucket, alpha, beta, sample_count, last_updated)
		VALUES ($1, $2, 1 + $3, 1 + (1 - $3), 1, $4)
		ON CONFLICT (platform, bucket) DO UPDATE
		SET alpha = arms.alpha + $3,
		    beta = arms.beta + (1 - $3),
		    sample_count = arms.sample_count + 1,
		    last_updated = $4
		RETURNING ` + armColumns + `
	`
	arm, err := scanArm(s.db.QueryRowContext(ctx, query, platform, int(bucket), reward, now))
	if err != nil {
		return models.Arm{}, &UnavailableError{Op: "apply reward", Err: err}
	}
	return arm, nil
}

// DecayArms shrinks every arm's evidence by the given factor. The effective
// factor per arm is raised just enough that neither shape parameter lands
// below 1; either way the mean alpha/(alpha+beta) is preserved.
func (s *PGStore) DecayArms(ctx context.Context, factor float64, now time.Time) (int64, error) {
	const query = `
		UPDATE arms
		SET alpha = alpha * LEAST(1.0, GREATEST($1, 1.0 / LEAST(alpha, beta))),
		    beta = beta * LEAST(1.0, GREATEST($1, 1.0 / LEAST(alpha, beta))),
		    last_updated = $2
		WHERE LEAST(1.0, GREATEST($1, 1.0 / LEAST(alpha, beta))) < 1.0
	`
	res, err := s.db.ExecContext(ctx, query, factor, now)
	if err != nil {
		return 0, &UnavailableError{Op: "decay arms", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &UnavailableError{Op: "decay rows affected", Err: err}
	}
	return n, nil
}

func (s *PGStore) CreateScheduledPost(ctx context.Context, in ScheduledPostInput) (models.ScheduledPost, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const insert = `
		INSERT INTO scheduled_posts (id, content_id, platform, bucket, publish_at, status, last_snapshot_version)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		ON CONFLICT (content_id, platform) DO NOTHING
		RETURNING ` + postColumns + `
	`
	post, err := scanPost(s.db.QueryRowContext(ctx, insert, in.ID, in.ContentID, in.Platform, int(in.Bucket), in.PublishAt, models.PostStatusScheduled))
	if err == nil {
		return post, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledPost{}, false, &UnavailableError{Op: "insert scheduled post", Err: err}
	}

	// Conflict: the (content, platform) pair is already confirmed.
	const query = `
		SELECT ` + postColumns + `
		FROM scheduled_posts WHERE content_id=$1 AND platform=$2
	`
	post, err = scanPost(s.db.QueryRowContext(ctx, query, in.ContentID, in.Platform))
	if err != nil {
		return models.ScheduledPost{}, false, &UnavailableError{Op: "get scheduled post by content", Err: err}
	}
	return post, true, nil
}

func (s *PGStore) GetScheduledPost(ctx context.Context, id uuid.UUID) (models.ScheduledPost, error) {
	const query = `
		SELECT ` + postColumns + `
		FROM scheduled_posts WHERE id=$1
	`
	post, err := scanPost(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScheduledPost{}, ErrNotFound
		}
		return models.ScheduledPost{}, &UnavailableError{Op: "get scheduled post", Err: err}
	}
	return post, nil
}

func (s *PGStore) UpdatePostStatus(ctx context.Context, id uuid.UUID, status string) (models.ScheduledPost, error) {
	const query = `
		UPDATE scheduled_posts
		SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + postColumns + `
	`
	post, err := scanPost(s.db.QueryRowContext(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScheduledPost{}, ErrNotFound
		}
		return models.ScheduledPost{}, &UnavailableError{Op: "update post status", Err: err}
	}
	return post, nil
}

// ClaimSnapshotVersion advances a post's highest applied outcome version.
// The claim succeeds only for versions strictly greater than the current
// one, which is what makes at-least-once outcome delivery safe to replay.
func (s *PGStore) ClaimSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) (models.ScheduledPost, bool, error) {
	const claim = `
		UPDATE scheduled_posts
		SET last_snapshot_version=$2, updated_at=NOW()
		WHERE id=$1 AND last_snapshot_version < $2
		RETURNING ` + postColumns + `
	`
	post, err := scanPost(s.db.QueryRowContext(ctx, claim, postID, version))
	if err == nil {
		return post, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledPost{}, false, &UnavailableError{Op: "claim snapshot version", Err: err}
	}

	// Either the post is unknown or this version was already applied.
	post, err = s.GetScheduledPost(ctx, postID)
	if err != nil {
		return models.ScheduledPost{}, false, err
	}
	return post, false, nil
}

// ReleaseSnapshotVersion undoes a claim whose reward update failed, so the
// next delivery of the same version is applied instead of deduped. Dropping
// to version-1 keeps every older version rejected while re-admitting this
// one. A no-op when a newer claim has already moved the post past version.
func (s *PGStore) ReleaseSnapshotVersion(ctx context.Context, postID uuid.UUID, version int64) error {
	const query = `
		UPDATE scheduled_posts
		SET last_snapshot_version=$2 - 1, updated_at=NOW()
		WHERE id=$1 AND last_snapshot_version=$2
	`
	if _, err := s.db.ExecContext(ctx, query, postID, version); err != nil {
		return &UnavailableError{Op: "release snapshot version", Err: err}
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &UnavailableError{Op: "db ping", Err: err}
	}
	return nil
}
