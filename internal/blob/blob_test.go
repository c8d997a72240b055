package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestKey_SanitizesAndScopes(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	tests := []struct {
		user, chat, name string
		want             string
	}{
		{"u1", "c1", "report.pdf", "chats/u1/c1/1700000000123-report.pdf"},
		{"u1", "c1", "../../etc/passwd", "chats/u1/c1/1700000000123-passwd"},
		{"u1", "c1", "my file (1).pdf", "chats/u1/c1/1700000000123-my_file__1_.pdf"},
		{"u/x", "c1", "..", "chats/x/c1/1700000000123-file"},
		{"u1", "c1", `C:\docs\a.pdf`, "chats/u1/c1/1700000000123-a.pdf"},
	}
	for _, tc := range tests {
		if got := Key(tc.user, tc.chat, tc.name, now); got != tc.want {
			t.Errorf("Key(%q,%q,%q) = %q, want %q", tc.user, tc.chat, tc.name, got, tc.want)
		}
	}
}

func TestDiskStore_PutDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://localhost:8080/blobs/")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()

	obj, err := s.Put(ctx, "chats/u/c/1-a.pdf", "application/pdf", strings.NewReader("%PDF-1.4"), 8)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != "http://localhost:8080/blobs/chats/u/c/1-a.pdf" {
		t.Fatalf("URL = %q", obj.URL)
	}
	b, err := os.ReadFile(filepath.Join(dir, "chats", "u", "c", "1-a.pdf"))
	if err != nil || string(b) != "%PDF-1.4" {
		t.Fatalf("stored bytes = %q, %v", b, err)
	}

	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "chats", "u", "c", "1-a.pdf")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file should be gone, stat err = %v", err)
	}
	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
}

func TestDiskStore_RejectsEscapingKeys(t *testing.T) {
	s, _ := NewDiskStore(t.TempDir(), "http://x")
	for _, k := range []string{"../evil", "..", "/abs/path", ""} {
		if _, err := s.Put(context.Background(), k, "", strings.NewReader("x"), 1); err == nil {
			t.Errorf("Put(%q) should fail", k)
		}
	}
}

func TestDiskStore_NoPartialObjectOnReadError(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewDiskStore(dir, "http://x")
	body := io.MultiReader(strings.NewReader("partial"), errReader{})
	if _, err := s.Put(context.Background(), "k.pdf", "", body, 0); err == nil {
		t.Fatalf("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, got %d entries", len(entries))
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

// fakeS3 records single-part uploads and deletes.
type fakeS3 struct {
	put     *s3.PutObjectInput
	body    []byte
	deleted []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.put = in
	b, err := io.ReadAll(in.Body)
	f.body = b
	return &s3.PutObjectOutput{}, err
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("unexpected multipart")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("unexpected multipart")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("unexpected multipart")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_PutAndDelete(t *testing.T) {
	fake := &fakeS3{}
	s := newS3Store(fake, S3Options{Bucket: "docs", Region: "eu-west-1"})

	obj, err := s.Put(context.Background(), "chats/u/c/1-a.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-")), 5)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.URL != "https://docs.s3.eu-west-1.amazonaws.com/chats/u/c/1-a.pdf" {
		t.Fatalf("URL = %q", obj.URL)
	}
	if aws.ToString(fake.put.Bucket) != "docs" || aws.ToString(fake.put.ContentType) != "application/pdf" || string(fake.body) != "%PDF-" {
		t.Fatalf("unexpected put input: bucket=%q ct=%q body=%q", aws.ToString(fake.put.Bucket), aws.ToString(fake.put.ContentType), fake.body)
	}

	if err := s.Delete(context.Background(), obj.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != obj.Key {
		t.Fatalf("deleted = %v", fake.deleted)
	}
}

func TestS3Store_CustomEndpointURL(t *testing.T) {
	s := newS3Store(&fakeS3{}, S3Options{Bucket: "docs", Region: "us-east-1", Endpoint: "http://minio:9000/"})
	if got := s.objectURL("k.pdf"); got != "http://minio:9000/docs/k.pdf" {
		t.Fatalf("objectURL = %q", got)
	}
}

func TestNewS3Store_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewS3Store(ctx, S3Options{Region: "us-east-1"}); err == nil {
		t.Fatalf("missing bucket should fail")
	}
	if _, err := NewS3Store(ctx, S3Options{Bucket: "b", Region: "us-east-1", AccessKey: "only"}); err == nil {
		t.Fatalf("half credentials should fail")
	}
}
