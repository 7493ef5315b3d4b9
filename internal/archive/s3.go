package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/clipflow/scheduler/internal/models"
)

// S3Archiver keeps raw outcome snapshots in object storage for offline
// analysis, at paths like:
//
//	s3://<bucket>/<prefix>/outcomes/YYYY/MM/DD/<postID>-v<version>.json
//
// The scheduler only learns from the normalized reward; the raw snapshots go
// to S3 so analysts can rebuild reward policy without replaying platforms.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates the archiver. Region and credentials come from the
// ambient AWS environment (AWS_REGION, AWS_PROFILE, key pairs).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveOutcome uploads one outcome snapshot and returns the object key.
func (a *S3Archiver) ArchiveOutcome(ctx context.Context, outcome models.Outcome) (string, error) {
	body, err := json.Marshal(outcome)
	if err != nil {
		return "", fmt.Errorf("marshal outcome: %w", err)
	}

	key := objectKey(a.prefix, outcome)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// objectKey partitions archived snapshots by recorded date so offline jobs
// can scan a day at a time.
func objectKey(prefix string, outcome models.Outcome) string {
	ts := outcome.RecordedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(prefix, "outcomes",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-v%d.json", outcome.PostID, outcome.SnapshotVersion),
	)
}
