package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-keysync/interfaces"
)

// S3Backend implements a record store using Amazon S3 or compatible services.
// Object ETags are used as version tags.
//
// Saves are S3 conditional writes (If-None-Match for creation, If-Match for
// updates), so the service decides the winner of concurrent writers. Deletes
// compare the ETag with a HEAD request first, which is not atomic; only share
// and directory cleanup delete records.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 record store.
// If accessKey and secretKey are empty the default AWS credential chain is used.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}

	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Fetch retrieves an object and its ETag.
// Returns ErrContentNotFound if the object doesn't exist.
func (b *S3Backend) Fetch(ctx context.Context, id interfaces.RecordID) ([]byte, interfaces.VersionTag, error) {
	start := time.Now()
	key := b.getObjectKey(id)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.NoVersion, interfaces.ErrContentNotFound
		}

		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, interfaces.NoVersion, fmt.Errorf("%w: failed to get object from S3: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, interfaces.NoVersion, fmt.Errorf("%w: failed to read object body: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Fetched record from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, interfaces.VersionTag(aws.StringValue(result.ETag)), nil
}

// Save uploads the object with a precondition on its ETag.
func (b *S3Backend) Save(ctx context.Context, id interfaces.RecordID, data []byte, expected interfaces.VersionTag) (interfaces.VersionTag, error) {
	key := b.getObjectKey(id)

	var opts []request.Option
	switch expected {
	case interfaces.AnyVersion:
	case interfaces.NoVersion:
		opts = append(opts, request.WithSetRequestHeaders(map[string]string{"If-None-Match": "*"}))
	default:
		opts = append(opts, request.WithSetRequestHeaders(map[string]string{"If-Match": string(expected)}))
	}

	out, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}, opts...)
	if err != nil {
		if expected != interfaces.AnyVersion && (isS3PreconditionFailed(err) || isS3NotFound(err)) {
			return interfaces.NoVersion, fmt.Errorf("%w: %s does not match expected version %s", interfaces.ErrVersionConflict, id, expected)
		}
		return interfaces.NoVersion, fmt.Errorf("%w: failed to upload object to S3: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))

	return interfaces.VersionTag(aws.StringValue(out.ETag)), nil
}

func (b *S3Backend) Delete(ctx context.Context, id interfaces.RecordID, expected interfaces.VersionTag) error {
	key := b.getObjectKey(id)

	current, exists, err := b.head(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return interfaces.ErrContentNotFound
	}
	if err := checkExpected(id, true, current, expected); err != nil {
		return err
	}

	_, err = b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete object: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, zone interfaces.ZoneID, recordType interfaces.RecordType) ([]string, error) {
	prefix := b.getObjectKey(interfaces.RecordID{Zone: zone, Type: recordType}) + "/"

	var names []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list objects: %v", interfaces.ErrBackendUnavailable, err)
	}
	return names, nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) head(ctx context.Context, key string) (interfaces.VersionTag, bool, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return interfaces.NoVersion, false, nil
		}
		return interfaces.NoVersion, false, fmt.Errorf("%w: failed to head object: %v", interfaces.ErrBackendUnavailable, err)
	}
	return interfaces.VersionTag(aws.StringValue(out.ETag)), true, nil
}

// getObjectKey generates an S3 object key for a record id.
func (b *S3Backend) getObjectKey(id interfaces.RecordID) string {
	if b.prefix == "" {
		return id.Path()
	}
	return path.Join(b.prefix, id.Path())
}

// isS3PreconditionFailed reports a failed If-Match or If-None-Match, or a
// conditional write that lost to a concurrent one (409).
func isS3PreconditionFailed(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode() {
		case 409, 412:
			return true
		}
	}
	return false
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
		return true
	}
	return false
}
