package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]*string
	modified    time.Time
}

// fakeS3 is an in-memory bucket that pages list results.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	failWith error
	deletes  []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), pageSize: 2}
}

type mockAWSError string

func (m mockAWSError) Error() string   { return string(m) }
func (m mockAWSError) Code() string    { return string(m) }
func (m mockAWSError) Message() string { return string(m) }
func (m mockAWSError) OrigErr() error  { return nil }

func (f *fakeS3) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(input.Key)] = fakeObject{
		body:        data,
		contentType: aws.StringValue(input.ContentType),
		metadata:    input.Metadata,
		modified:    time.Now(),
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, input *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.StringValue(input.Key)]
	if !ok {
		// HEAD responses carry no body, so S3 reports a bare 404.
		return nil, awserr.NewRequestFailure(mockAWSError("NotFound"), 404, "req-1")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}, nil
}

func (f *fakeS3) DeleteObjectWithContext(_ aws.Context, input *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.StringValue(input.Key)
	f.deletes = append(f.deletes, key)
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var pages []*s3.ListObjectsV2Output
	for i := 0; i < len(keys); i += f.pageSize {
		end := i + f.pageSize
		if end > len(keys) {
			end = len(keys)
		}
		page := &s3.ListObjectsV2Output{}
		for _, k := range keys[i:end] {
			page.Contents = append(page.Contents, &s3.Object{
				Key:          aws.String(k),
				Size:         aws.Int64(int64(len(f.objects[k].body))),
				LastModified: aws.Time(f.objects[k].modified),
			})
		}
		pages = append(pages, page)
	}
	f.mu.Unlock()

	if len(pages) == 0 {
		fn(&s3.ListObjectsV2Output{}, true)
		return nil
	}
	for i, p := range pages {
		if !fn(p, i == len(pages)-1) {
			break
		}
	}
	return nil
}

func TestBucketPutGet(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)
	ctx := context.Background()

	meta := map[string]string{MetaContentDisposition: `attachment; filename="a.txt"`}
	info, err := b.Put(ctx, "u1/1-a.txt", strings.NewReader("hello"), 5, "text/plain", meta)
	require.NoError(t, err)
	assert.Equal(t, `"etag"`, info.ETag)
	assert.Equal(t, int64(5), info.Size)

	rc, got, err := b.Get(ctx, "u1/1-a.txt")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, `attachment; filename="a.txt"`, got.Metadata[MetaContentDisposition])
}

func TestBucketPutNonSeekableBody(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)

	body := io.MultiReader(strings.NewReader("he"), strings.NewReader("llo"))
	_, err := b.Put(context.Background(), "u1/1-a", body, 5, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(fake.objects["u1/1-a"].body))
}

func TestBucketHead(t *testing.T) {
	b := newBucketWithClient("files", newFakeS3())
	ctx := context.Background()

	_, err := b.Head(ctx, "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Put(ctx, "u1/1-a", strings.NewReader("abc"), 3, "text/plain", nil)
	require.NoError(t, err)

	info, err := b.Head(ctx, "u1/1-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "text/plain", info.ContentType)
}

func TestBucketGetMissing(t *testing.T) {
	b := newBucketWithClient("files", newFakeS3())

	_, _, err := b.Get(context.Background(), "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBucketDelete(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)
	ctx := context.Background()

	_, err := b.Put(ctx, "u1/1-a", strings.NewReader("abc"), 3, "", nil)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "u1/1-a"))
	assert.ErrorIs(t, b.Delete(ctx, "u1/1-a"), ErrNotFound)
	assert.Equal(t, []string{"u1/1-a"}, fake.deletes)
}

func TestBucketListDrainsPages(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)
	ctx := context.Background()

	for _, k := range []string{"u1/1-a", "u1/2-b", "u1/3-c", "u1/F/.foldermarker", "u1/F/4-d", "u2/5-e"} {
		_, err := b.Put(ctx, k, strings.NewReader("x"), 1, "", nil)
		require.NoError(t, err)
	}

	objs, err := b.List(ctx, "u1/")
	require.NoError(t, err)
	assert.Len(t, objs, 5)
	for _, o := range objs {
		assert.True(t, strings.HasPrefix(o.Key, "u1/"))
		assert.Equal(t, int64(1), o.Size)
	}
}

func TestBucketUnavailable(t *testing.T) {
	fake := newFakeS3()
	fake.failWith = awserr.New(request.ErrCodeRequestError, "send request failed", errors.New("connection refused"))
	b := newBucketWithClient("files", fake)
	ctx := context.Background()

	_, err := b.Put(ctx, "u1/1-a", strings.NewReader("x"), 1, "", nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = b.List(ctx, "u1/")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = b.Head(ctx, "u1/1-a")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestNewBucketRequiresName(t *testing.T) {
	_, err := NewBucket(S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestNewBucket(t *testing.T) {
	b, err := NewBucket(S3Config{
		Bucket:          "files",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "files", b.bucket)
}

func TestDecodeMetadata(t *testing.T) {
	assert.Nil(t, decodeMetadata(nil))
	assert.Equal(t, map[string]string{"display-name": "a"},
		decodeMetadata(map[string]*string{"Display-Name": aws.String("a")}))
}

func TestBucketMetadataNonASCII(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)
	ctx := context.Background()

	meta := map[string]string{MetaDisplayName: "café.pdf", MetaContentDisposition: `attachment; filename="a.pdf"`}
	_, err := b.Put(ctx, "u1/1-caf.pdf", strings.NewReader("pdf"), 3, "application/pdf", meta)
	require.NoError(t, err)

	// Only ASCII goes on the wire.
	sent := aws.StringValue(fake.objects["u1/1-caf.pdf"].metadata[MetaDisplayName])
	assert.NotEqual(t, "café.pdf", sent)
	for _, r := range sent {
		assert.Less(t, r, rune(128))
	}
	assert.Equal(t, `attachment; filename="a.pdf"`, aws.StringValue(fake.objects["u1/1-caf.pdf"].metadata[MetaContentDisposition]))

	info, err := b.Head(ctx, "u1/1-caf.pdf")
	require.NoError(t, err)
	assert.Equal(t, "café.pdf", info.Metadata[MetaDisplayName])

	rc, got, err := b.Get(ctx, "u1/1-caf.pdf")
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "café.pdf", got.Metadata[MetaDisplayName])
}

func TestBucketMetadataDecodesServerEncodedWords(t *testing.T) {
	fake := newFakeS3()
	b := newBucketWithClient("files", fake)

	// S3 returns non-ASCII values written by other clients as B-encoded words.
	fake.objects["u1/1-x"] = fakeObject{
		body:     []byte("x"),
		metadata: map[string]*string{"Display-Name": aws.String("=?UTF-8?B?Y2Fmw6kucGRm?=")},
		modified: time.Now(),
	}

	info, err := b.Head(context.Background(), "u1/1-x")
	require.NoError(t, err)
	assert.Equal(t, "café.pdf", info.Metadata[MetaDisplayName])
}
