package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/op/go-logging"
)

// TimestampLayout renders capture times: UTC, microsecond resolution.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const contentType = "application/json"

var (
	ErrBucketNotFound     = errors.New("bucket does not exist")
	ErrBucketAccessDenied = errors.New("access denied to bucket")
)

/*
ObjectStore is the slice of the Minio client the write path needs. The
archive never creates buckets; that belongs to the provisioner.

See https://min.io/docs/minio/linux/developers/go/API.html
*/
//go:generate mockgen -package=archive_test -destination=mock_object_store_test.go -source=archive.go ObjectStore
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive writes quote records into one bucket.
type Archive struct {
	store  ObjectStore
	bucket string
	log    *logging.Logger
}

func New(store ObjectStore, bucket string, log *logging.Logger) *Archive {
	return &Archive{store: store, bucket: bucket, log: log}
}

// Bucket returns the name of the target bucket.
func (a *Archive) Bucket() string { return a.bucket }

// Timestamp formats t the way keys and record metadata carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Key returns symbol/year/month/day/hour/timestamp.json for a capture at t.
// Date parts are unpadded. Two captures of a symbol collide only if they
// share the same microsecond.
func Key(symbol string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%d/%d/%d/%d/%s.json",
		symbol, t.Year(), int(t.Month()), t.Day(), t.Hour(), Timestamp(t))
}

// Put serializes record and stores it under Key(symbol, capturedAt). It
// returns the key written. Every failure is logged before it is returned.
func (a *Archive) Put(ctx context.Context, symbol string, capturedAt time.Time, record any) (string, error) {
	key := Key(symbol, capturedAt)

	if err := a.checkBucket(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(record)
	if err != nil {
		a.log.Errorf("Unexpected error storing data in S3: %v", err)
		return "", fmt.Errorf("encoding record: %w", err)
	}

	_, err = a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		a.log.Errorf("Error storing data in S3: %v", err)
		return "", fmt.Errorf("putting %s/%s: %w", a.bucket, key, err)
	}
	a.log.Infof("Successfully stored data in S3: %s", key)
	return key, nil
}

// checkBucket separates a missing bucket from one we may not touch.
func (a *Archive) checkBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		switch {
		case resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
			a.log.Errorf("S3 bucket %s does not exist", a.bucket)
			return fmt.Errorf("%w: %s", ErrBucketNotFound, a.bucket)
		case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
			a.log.Errorf("Access denied to S3 bucket %s", a.bucket)
			return fmt.Errorf("%w %s: %w", ErrBucketAccessDenied, a.bucket, err)
		default:
			a.log.Errorf("Error checking S3 bucket %s: %v", a.bucket, err)
			return fmt.Errorf("checking bucket %s: %w", a.bucket, err)
		}
	}
	if !exists {
		a.log.Errorf("S3 bucket %s does not exist", a.bucket)
		return fmt.Errorf("%w: %s", ErrBucketNotFound, a.bucket)
	}
	return nil
}
