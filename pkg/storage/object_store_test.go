package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "conversations/c1/abc/invoice.pdf"

	if _, err := s.PresignGet(ctx, key, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}
	if err := s.Put(ctx, key, strings.NewReader("pdf-bytes"), 9, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	u, err := s.PresignGet(ctx, key, time.Minute)
	if err != nil || !strings.HasPrefix(u, "memory://"+key) {
		t.Fatalf("unexpected presign: %q %v", u, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Has(key) {
		t.Fatalf("expected object to be removed")
	}
}

func TestNewMinioStoreRequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Bucket: "chat"}); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
}
