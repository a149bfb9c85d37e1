// Package backup archives store exports to S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/sirupsen/logrus"
)

var ErrNoBackups = errors.New("no backups found")

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

func NewArchiver(ctx context.Context, cfg Config, logger *logrus.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup bucket is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible stores often reject the default flexible checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Push uploads a full export of st and returns the object key.
func (a *Archiver) Push(ctx context.Context, st *store.Store) (string, error) {
	var buf bytes.Buffer
	if err := st.ExportTo(ctx, &buf); err != nil {
		return "", fmt.Errorf("failed to export store: %w", err)
	}

	key := path.Join(a.prefix, fmt.Sprintf("arbai-%d.json", a.now().UnixMilli()))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload backup %s: %w", key, err)
	}

	a.logger.WithFields(logrus.Fields{
		"bucket": a.bucket,
		"key":    key,
		"bytes":  buf.Len(),
	}).Info("Store backup uploaded")
	return key, nil
}

// Pull downloads the backup at key and imports it into st, replacing its
// contents. An empty key selects the newest backup.
func (a *Archiver) Pull(ctx context.Context, key string, st *store.Store) (string, error) {
	if key == "" {
		latest, err := a.Latest(ctx)
		if err != nil {
			return "", err
		}
		key = latest
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to download backup %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := st.ImportFrom(ctx, out.Body); err != nil {
		return "", fmt.Errorf("failed to import backup %s: %w", key, err)
	}

	a.logger.WithFields(logrus.Fields{"bucket": a.bucket, "key": key}).Info("Store restored from backup")
	return key, nil
}

// Latest returns the key of the most recently modified backup.
func (a *Archiver) Latest(ctx context.Context) (string, error) {
	var (
		latestKey string
		latestAt  time.Time
	)

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list backups: %w", err)
		}
		for _, obj := range page.Contents {
			at := aws.ToTime(obj.LastModified)
			if latestKey == "" || at.After(latestAt) {
				latestKey, latestAt = aws.ToString(obj.Key), at
			}
		}
	}

	if latestKey == "" {
		return "", ErrNoBackups
	}
	return latestKey, nil
}
