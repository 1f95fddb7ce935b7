package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// s3API is the subset of the S3 client the bucket backend calls.
type s3API interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
}

// S3Config holds bucket connection settings.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for S3-compatible services
	AccessKeyID     string // optional, falls back to the default credential chain
	SecretAccessKey string
	ForcePathStyle  bool
}

// Bucket is a Store backed by an S3 bucket.
type Bucket struct {
	bucket string
	svc    s3API
}

// NewBucket opens an AWS session and returns a bucket store.
func NewBucket(cfg S3Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket name is required")
	}

	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &Bucket{bucket: cfg.Bucket, svc: s3.New(sess)}, nil
}

// newBucketWithClient wires a bucket store to an existing client.
func newBucketWithClient(bucket string, svc s3API) *Bucket {
	return &Bucket{bucket: bucket, svc: svc}
}

// Put uploads the object. Non-seekable bodies are spooled to a temp file
// first since the request signer needs to rewind the body.
func (b *Bucket) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	body, cleanup, err := seekable(r)
	if err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}
	defer cleanup()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: encodeMetadata(metadata),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cd, ok := metadata[MetaContentDisposition]; ok {
		input.ContentDisposition = aws.String(cd)
	}

	out, err := b.svc.PutObjectWithContext(ctx, input)
	if err != nil {
		return ObjectInfo{}, b.mapError("put", key, err)
	}

	info := ObjectInfo{
		Key:         key,
		Size:        size,
		ContentType: contentType,
		Metadata:    metadata,
	}
	if out != nil {
		info.ETag = aws.StringValue(out.ETag)
	}
	return info, nil
}

// seekable returns r as an io.ReadSeeker, spooling it to disk when needed.
func seekable(r io.Reader) (io.ReadSeeker, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, func() {}, nil
	}

	f, err := os.CreateTemp("", "objstore-spool-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return f, cleanup, nil
}

// Get opens the object body.
func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := b.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, b.mapError("get", key, err)
	}

	info := ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ContentType:  aws.StringValue(out.ContentType),
		ETag:         aws.StringValue(out.ETag),
		LastModified: aws.TimeValue(out.LastModified),
		Metadata:     decodeMetadata(out.Metadata),
	}
	return out.Body, info, nil
}

// Head returns object attributes.
func (b *Bucket) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, b.mapError("head", key, err)
	}

	return ObjectInfo{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ContentType:  aws.StringValue(out.ContentType),
		ETag:         aws.StringValue(out.ETag),
		LastModified: aws.TimeValue(out.LastModified),
		Metadata:     decodeMetadata(out.Metadata),
	}, nil
}

// Delete removes the object. S3 deletes are idempotent, so the key is
// checked first to report ErrNotFound for missing objects.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if _, err := b.Head(ctx, key); err != nil {
		return err
	}

	_, err := b.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.mapError("delete", key, err)
	}
	return nil
}

// List drains every ListObjectsV2 page under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []ObjectInfo
	err := b.svc.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				ETag:         aws.StringValue(obj.ETag),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, b.mapError("list", prefix, err)
	}
	return objects, nil
}

// mapError translates AWS errors into store errors.
func (b *Bucket) mapError(op, key string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
		}
	}
	return unavailable(op, key, err)
}

// encodeMetadata RFC 2047-encodes non-ASCII user metadata values. S3 only
// carries ASCII in x-amz-meta headers and hands other values back as encoded
// words anyway. ASCII values pass through unchanged.
func encodeMetadata(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = aws.String(mime.QEncoding.Encode("utf-8", v))
	}
	return out
}

// decodeMetadata lowercases the keys, which S3 returns canonicalized, and
// decodes RFC 2047 encoded words in the values.
func decodeMetadata(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	var dec mime.WordDecoder
	out := make(map[string]string, len(m))
	for k, v := range m {
		val := aws.StringValue(v)
		if decoded, err := dec.DecodeHeader(val); err == nil {
			val = decoded
		}
		out[strings.ToLower(k)] = val
	}
	return out
}
