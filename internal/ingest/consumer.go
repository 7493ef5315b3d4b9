package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/clipflow/scheduler/internal/models"
	"github.com/clipflow/scheduler/internal/store"
)

// OutcomeSink is what the consumer feeds; in production it is the scheduler
// service's RecordOutcome.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome models.Outcome) error
}

// Config configures the outcome-event consumer. Zero fields get defaults.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxBackoff caps the sleep between retries of a failing message or
	// poll. Defaults to 30s.
	MaxBackoff time.Duration
}

// Consumer drains the analytics outcome topic and feeds each event into the
// scheduler's feedback loop. Delivery is at-least-once: a message is only
// committed once RecordOutcome accepted it (or rejected it for a permanent
// reason), so transient storage trouble leads to redelivery, and the
// service's snapshot-version dedup makes the replay harmless.
type Consumer struct {
	reader *kafka.Reader
	sink   OutcomeSink
	logger *logrus.Logger
	cfg    Config
}

func NewConsumer(cfg Config, sink OutcomeSink, logger *logrus.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: group id required")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return &Consumer{reader: reader, sink: sink, logger: logger, cfg: cfg}, nil
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"topic": c.cfg.Topic,
		"group": c.cfg.GroupID,
	}).Info("outcome consumer starting")
	defer c.logger.Info("outcome consumer stopped")

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.close(ctx.Err())
			}
			c.logger.WithError(err).Warn("fetch outcome message")
			if !sleep(ctx, backoff) {
				return c.close(ctx.Err())
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}
		backoff = time.Second

		if err := c.handle(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return c.close(ctx.Err())
			}
			// Leave the message uncommitted; the group redelivers it.
			c.logger.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("outcome handling failed, will retry")
			if !sleep(ctx, backoff) {
				return c.close(ctx.Err())
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return c.close(ctx.Err())
			}
			c.logger.WithError(err).Warn("commit outcome offset")
		}
	}
}

// handle decodes and applies one event. A nil return means the offset may be
// committed; permanent rejections (bad JSON, unknown post) are logged and
// treated as handled so they never wedge the partition.
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var outcome models.Outcome
	if err := json.Unmarshal(value, &outcome); err != nil {
		c.logger.WithError(err).Warn("dropping undecodable outcome event")
		return nil
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now().UTC()
	}
	err := c.sink.RecordOutcome(ctx, outcome)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		c.logger.WithField("postId", outcome.PostID).Warn("dropping outcome for unknown post")
		return nil
	default:
		return err
	}
}

func (c *Consumer) close(cause error) error {
	if err := c.reader.Close(); err != nil {
		c.logger.WithError(err).Warn("close kafka reader")
	}
	return cause
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
