package s3

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kilnbook/kilnbook-backend/pkg/storage"
)

type fakeAPI struct {
	objects map[string][]byte
	types   map[string]string
	headErr error
	deleted []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	f.deleted = append(f.deleted, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if *in.Bucket != "kilns" {
		return nil, &types.NoSuchBucket{}
	}
	return &s3.HeadBucketOutput{}, nil
}

type fakePresigner struct {
	gotKey string
	gotTTL time.Duration
}

func (p *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	p.gotKey = *in.Key
	p.gotTTL = opts.Expires
	return &PresignedRequest{URL: "https://kilns.s3.amazonaws.com/" + *in.Key + "?X-Amz-Signature=abc"}, nil
}

func TestWriteAndDelete(t *testing.T) {
	api := newFakeAPI()
	store := NewWithAPI(api, &fakePresigner{}, "kilns")
	ctx := context.Background()

	if err := store.Write(ctx, "items/o/i/p.png", []byte("png"), "image/png"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(api.objects["items/o/i/p.png"]) != "png" || api.types["items/o/i/p.png"] != "image/png" {
		t.Fatalf("unexpected stored object")
	}
	if err := store.Delete(ctx, "items/o/i/p.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "items/o/i/p.png"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(api.deleted) != 1 {
		t.Fatalf("missing keys must not issue a delete, got %v", api.deleted)
	}
}

func TestDeletePropagatesHeadFailures(t *testing.T) {
	api := newFakeAPI()
	api.headErr = errors.New("throttled")
	store := NewWithAPI(api, &fakePresigner{}, "kilns")

	err := store.Delete(context.Background(), "items/o/i/p.png")
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected a non-NotFound error, got %v", err)
	}
}

func TestSignReadURL(t *testing.T) {
	presigner := &fakePresigner{}
	store := NewWithAPI(newFakeAPI(), presigner, "kilns")
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	url, expires, err := store.SignReadURL(context.Background(), "items/o/i/p.png", 10*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if url == "" || presigner.gotKey != "items/o/i/p.png" || presigner.gotTTL != 10*time.Minute {
		t.Fatalf("unexpected presign call: %q %q %v", url, presigner.gotKey, presigner.gotTTL)
	}
	if !expires.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
}

func TestPing(t *testing.T) {
	if err := NewWithAPI(newFakeAPI(), &fakePresigner{}, "kilns").Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := NewWithAPI(newFakeAPI(), &fakePresigner{}, "missing").Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure for missing bucket")
	}
}
