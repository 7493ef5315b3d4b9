package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/scheduler/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func armRows(platform string, bucket int, alpha, beta float64, samples int64, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"platform", "bucket", "alpha", "beta", "sample_count", "last_updated"}).
		AddRow(platform, bucket, alpha, beta, samples, at)
}

func postRows(post models.ScheduledPost) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "content_id", "platform", "bucket", "publish_at", "status", "last_snapshot_version", "created_at", "updated_at"}).
		AddRow(post.ID, post.ContentID, post.Platform, int(post.Bucket), post.PublishAt, post.Status, post.LastSnapshotVersion, post.CreatedAt, post.UpdatedAt)
}

func TestPGEnsureSchema(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS arms").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGApplyRewardUpsert(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO arms").
		WithArgs("instagram", 67, 1.0, now).
		WillReturnRows(armRows("instagram", 67, 12.0, 4.0, 15, now))

	arm, err := st.ApplyReward(context.Background(), "instagram", 67, 1.0, now)
	require.NoError(t, err)
	assert.Equal(t, models.TimeBucket(67), arm.Bucket)
	assert.InDelta(t, 12.0, arm.Alpha, 1e-9)
	assert.Equal(t, int64(15), arm.SampleCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGApplyRewardUnavailable(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO arms").
		WillReturnError(errors.New("connection refused"))

	_, err := st.ApplyReward(context.Background(), "instagram", 67, 0.5, now)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPGGetArmNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM arms").
		WithArgs("tiktok", 3).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetArm(context.Background(), "tiktok", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGDecayArms(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE arms").
		WithArgs(0.98, now).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := st.DecayArms(context.Background(), 0.98, now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateScheduledPostInsert(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	in := ScheduledPostInput{
		ID:        uuid.New(),
		ContentID: uuid.New(),
		Platform:  "youtube",
		Bucket:    20,
		PublishAt: now.Add(2 * time.Hour),
	}
	want := models.ScheduledPost{
		ID:        in.ID,
		ContentID: in.ContentID,
		Platform:  in.Platform,
		Bucket:    in.Bucket,
		PublishAt: in.PublishAt,
		Status:    models.PostStatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectQuery("INSERT INTO scheduled_posts").
		WithArgs(in.ID, in.ContentID, in.Platform, 20, in.PublishAt, models.PostStatusScheduled).
		WillReturnRows(postRows(want))

	post, existing, err := st.CreateScheduledPost(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, want.ID, post.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateScheduledPostConflictReturnsExisting(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	contentID := uuid.New()
	existingPost := models.ScheduledPost{
		ID:        uuid.New(),
		ContentID: contentID,
		Platform:  "instagram",
		Bucket:    67,
		PublishAt: now.Add(time.Hour),
		Status:    models.PostStatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// ON CONFLICT DO NOTHING yields no row, then the existing row is fetched.
	mock.ExpectQuery("INSERT INTO scheduled_posts").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM scheduled_posts").
		WithArgs(contentID, "instagram").
		WillReturnRows(postRows(existingPost))

	post, existing, err := st.CreateScheduledPost(context.Background(), ScheduledPostInput{
		ContentID: contentID,
		Platform:  "instagram",
		Bucket:    67,
		PublishAt: now.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, existingPost.ID, post.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimSnapshotVersion(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	post := models.ScheduledPost{
		ID:                  uuid.New(),
		ContentID:           uuid.New(),
		Platform:            "tiktok",
		Bucket:              9,
		PublishAt:           now,
		Status:              models.PostStatusPublished,
		LastSnapshotVersion: 2,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	mock.ExpectQuery("UPDATE scheduled_posts").
		WithArgs(post.ID, int64(2)).
		WillReturnRows(postRows(post))

	got, applied, err := st.ClaimSnapshotVersion(context.Background(), post.ID, 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(2), got.LastSnapshotVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimSnapshotVersionStale(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()
	post := models.ScheduledPost{
		ID:                  uuid.New(),
		ContentID:           uuid.New(),
		Platform:            "tiktok",
		Bucket:              9,
		PublishAt:           now,
		Status:              models.PostStatusPublished,
		LastSnapshotVersion: 5,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	mock.ExpectQuery("UPDATE scheduled_posts").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM scheduled_posts").
		WithArgs(post.ID).
		WillReturnRows(postRows(post))

	got, applied, err := st.ClaimSnapshotVersion(context.Background(), post.ID, 3)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(5), got.LastSnapshotVersion)
}

func TestPGReleaseSnapshotVersion(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE scheduled_posts").
		WithArgs(id, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.ReleaseSnapshotVersion(context.Background(), id, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimSnapshotVersionUnknownPost(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE scheduled_posts").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM scheduled_posts").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, _, err := st.ClaimSnapshotVersion(context.Background(), id, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
