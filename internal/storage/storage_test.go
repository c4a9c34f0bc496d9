package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestIsNoSuchKey(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("wrap: %w", ErrNotFound), true},
		{"minio code", minio.ErrorResponse{Code: "NoSuchKey"}, true},
		{"string fallback", errors.New("The specified key does not exist."), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsNoSuchKey(tc.err); got != tc.want {
			t.Errorf("%s: IsNoSuchKey = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemory_UploadDownloadURL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("https://blobs.example.invalid")

	url, err := m.Upload(ctx, "a/b.png", []byte("png"), UploadOptions{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://blobs.example.invalid/a/b.png" {
		t.Fatalf("url = %q", url)
	}
	data, err := m.Download(ctx, "a/b.png")
	if err != nil || string(data) != "png" {
		t.Fatalf("download = %q, %v", data, err)
	}
	if m.ContentType("a/b.png") != "image/png" {
		t.Fatalf("content type = %q", m.ContentType("a/b.png"))
	}

	if _, err := m.Download(ctx, "missing"); !IsNoSuchKey(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.URL(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
