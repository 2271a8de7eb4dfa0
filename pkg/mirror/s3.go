// Package mirror copies persisted result records to S3-compatible object
// storage and can seed an empty result directory back from it.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/rust-gcc/bottlecache/pkg/archive"
	"github.com/rust-gcc/bottlecache/pkg/config"
	"github.com/rust-gcc/bottlecache/pkg/diskstore"
	"github.com/rust-gcc/bottlecache/pkg/result"
)

const (
	defaultPrefix   = "results"
	defaultRegion   = "us-east-1"
	writeTestObject = ".bottlecache-write-test"
	jsonContentType = "application/json"
)

// Mirror uploads records and restores them.
type Mirror interface {
	// Preflight verifies the bucket is writable.
	Preflight(ctx context.Context) error
	// Mirror uploads every record. All records are attempted; the
	// failures are joined.
	Mirror(ctx context.Context, records []result.Record) error
	// Restore downloads every mirrored record into w and returns how many
	// were written. Objects that do not hold a valid record are skipped.
	Restore(ctx context.Context, w RecordWriter) (int, error)
}

// RecordWriter receives restored records.
type RecordWriter interface {
	Write(rec result.Record) error
}

// objectAPI is the subset of *s3.Client the mirror uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	PutObject(
		ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
	GetObject(
		ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
}

type s3Mirror struct {
	log    logrus.FieldLogger
	bucket string
	prefix string
	client objectAPI
}

// Compile-time interface check.
var _ Mirror = (*s3Mirror)(nil)

// NewS3 creates a Mirror backed by an S3-compatible bucket.
func NewS3(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 mirror requires a bucket")
	}

	return newS3Mirror(log, cfg, newS3Client(cfg)), nil
}

func newS3Mirror(
	log logrus.FieldLogger, cfg *config.S3Config, client objectAPI,
) *s3Mirror {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &s3Mirror{
		log:    log.WithField("component", "s3-mirror"),
		bucket: cfg.Bucket,
		prefix: prefix,
		client: client,
	}
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		} else {
			o.Region = defaultRegion
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}

// objectKey returns the key a record is mirrored under.
func (m *s3Mirror) objectKey(key result.Key) string {
	return m.prefix + "/" + diskstore.FileName(key)
}

func (m *s3Mirror) Preflight(ctx context.Context) error {
	content := fmt.Sprintf(
		"bottlecache write test: %s", time.Now().UTC().Format(time.RFC3339),
	)

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(m.prefix + "/" + writeTestObject),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", m.bucket, err)
	}

	return nil
}

func (m *s3Mirror) Mirror(ctx context.Context, records []result.Record) error {
	var errs []error

	for _, rec := range records {
		if err := m.put(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	m.log.WithFields(logrus.Fields{
		"records": len(records),
		"failed":  len(errs),
		"bucket":  m.bucket,
	}).Info("Mirrored records")

	return errors.Join(errs...)
}

func (m *s3Mirror) put(ctx context.Context, rec result.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.Key(), err)
	}

	key := m.objectKey(rec.Key())

	m.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": m.bucket,
	}).Debug("Uploading record")

	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(append(data, '\n')),
		ContentType: aws.String(jsonContentType),
	}); err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

func (m *s3Mirror) Restore(ctx context.Context, w RecordWriter) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(m.prefix + "/"),
	})

	restored := 0

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return restored, fmt.Errorf("listing s3://%s/%s: %w", m.bucket, m.prefix, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}

			data, err := m.get(ctx, key)
			if err != nil {
				return restored, err
			}

			rec, err := result.Parse(data)
			if err != nil {
				m.log.WithError(err).WithField("key", key).
					Warn("Skipping invalid mirrored record")

				continue
			}

			if err := w.Write(rec); err != nil {
				return restored, fmt.Errorf("restoring %q: %w", key, err)
			}

			restored++
		}
	}

	m.log.WithFields(logrus.Fields{
		"records": restored,
		"bucket":  m.bucket,
	}).Info("Restored records from mirror")

	return restored, nil
}

func (m *s3Mirror) get(ctx context.Context, key string) ([]byte, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, archive.MaxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}
