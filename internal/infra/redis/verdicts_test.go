package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, mr
}

func TestVerdictStore_RoundTripWithTTL(t *testing.T) {
	client, mr := newTestClient(t)
	s := NewVerdictStore(client, "")
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "verdict:status:TXN-1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "verdict:status:TXN-1", []byte(`"NEW"`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(ctx, "verdict:status:TXN-1")
	if err != nil || !ok || string(got) != `"NEW"` {
		t.Fatalf("expected stored verdict, got %q ok=%v err=%v", got, ok, err)
	}
	if ttl := mr.TTL("collector:verdict:status:TXN-1"); ttl != time.Minute {
		t.Errorf("expected 1m TTL on prefixed key, got %v", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "verdict:status:TXN-1"); ok {
		t.Error("expected verdict to expire")
	}
}

func TestVerdictStore_Delete(t *testing.T) {
	client, _ := newTestClient(t)
	s := NewVerdictStore(client, "")
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("expected missing key delete to succeed, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected key to be gone")
	}
}

func TestVerdictStore_ClearOnlyTouchesPrefix(t *testing.T) {
	client, mr := newTestClient(t)
	s := NewVerdictStore(client, "tenant-a:")
	other := NewVerdictStore(client, "tenant-b:")
	ctx := context.Background()

	for i := 0; i < scanBatch+10; i++ {
		key := "verdict:existence:TXN-" + time.Duration(i).String()
		if err := s.Set(ctx, key, []byte("true"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	_ = other.Set(ctx, "verdict:existence:TXN-1", []byte("true"), time.Minute)
	if err := mr.Set("unrelated", "x"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if n, err := s.Len(ctx); err != nil || n != scanBatch+10 {
		t.Fatalf("expected %d keys, got %d (%v)", scanBatch+10, n, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("expected prefix to be empty, got %d keys", n)
	}
	if n, _ := other.Len(ctx); n != 1 {
		t.Errorf("expected other prefix untouched, got %d keys", n)
	}
	if !mr.Exists("unrelated") {
		t.Error("expected unprefixed key to survive")
	}
}
