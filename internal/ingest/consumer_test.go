package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/scheduler/internal/models"
	"github.com/clipflow/scheduler/internal/store"
)

type sinkRecorder struct {
	outcomes []models.Outcome
	err      error
}

func (s *sinkRecorder) RecordOutcome(_ context.Context, outcome models.Outcome) error {
	if s.err != nil {
		return s.err
	}
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func testConsumer(sink OutcomeSink) *Consumer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Consumer{sink: sink, logger: logger}
}

func TestHandleValidOutcome(t *testing.T) {
	sink := &sinkRecorder{}
	c := testConsumer(sink)

	outcome := models.Outcome{
		PostID:          uuid.New(),
		Platform:        "instagram",
		Snapshot:        models.MetricSnapshot{Views: 100, Likes: 8},
		SnapshotVersion: 2,
		RecordedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(outcome)
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), raw))
	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, outcome.PostID, sink.outcomes[0].PostID)
	assert.Equal(t, int64(2), sink.outcomes[0].SnapshotVersion)
}

func TestHandleFillsMissingRecordedAt(t *testing.T) {
	sink := &sinkRecorder{}
	c := testConsumer(sink)

	raw, err := json.Marshal(map[string]interface{}{
		"postId":          uuid.New(),
		"snapshotVersion": 1,
	})
	require.NoError(t, err)

	require.NoError(t, c.handle(context.Background(), raw))
	require.Len(t, sink.outcomes, 1)
	assert.False(t, sink.outcomes[0].RecordedAt.IsZero())
}

func TestHandleDropsUndecodableEvent(t *testing.T) {
	sink := &sinkRecorder{}
	c := testConsumer(sink)

	// Commit bad payloads rather than wedging the partition.
	assert.NoError(t, c.handle(context.Background(), []byte("not json")))
	assert.Empty(t, sink.outcomes)
}

func TestHandleDropsUnknownPost(t *testing.T) {
	sink := &sinkRecorder{err: store.ErrNotFound}
	c := testConsumer(sink)

	raw, err := json.Marshal(models.Outcome{PostID: uuid.New(), SnapshotVersion: 1})
	require.NoError(t, err)
	assert.NoError(t, c.handle(context.Background(), raw))
}

func TestHandlePropagatesTransientErrors(t *testing.T) {
	transient := &store.UnavailableError{Op: "claim", Err: errors.New("connection reset")}
	sink := &sinkRecorder{err: transient}
	c := testConsumer(sink)

	raw, err := json.Marshal(models.Outcome{PostID: uuid.New(), SnapshotVersion: 1})
	require.NoError(t, err)

	// Transient failures must stay uncommitted so the group redelivers.
	handleErr := c.handle(context.Background(), raw)
	assert.ErrorIs(t, handleErr, store.ErrUnavailable)
}

func TestNewConsumerValidation(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sink := &sinkRecorder{}

	_, err := NewConsumer(Config{Topic: "outcomes", GroupID: "g"}, sink, logger)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, GroupID: "g"}, sink, logger)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, Topic: "outcomes"}, sink, logger)
	assert.Error(t, err)

	c, err := NewConsumer(Config{
		Brokers: []string{"localhost:9092"},
		Topic:   "outcomes",
		GroupID: "g",
	}, sink, logger)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.cfg.MaxBackoff)
}

func TestNextBackoffCapped(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(30*time.Second, 30*time.Second))
}
