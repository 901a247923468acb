package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestStringOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("got %q, %v", v, err)
	}

	if err := s.SetEX(ctx, "ek", "v", time.Hour); err != nil {
		t.Fatal(err)
	}
	ttl, err := s.TTL(ctx, "ek")
	if err != nil || ttl <= 0 {
		t.Fatalf("expected positive ttl, got %v, %v", ttl, err)
	}

	ok, err := s.SetNX(ctx, "lock", "1", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed: %v %v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", "2", 30*time.Second)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to fail: %v %v", ok, err)
	}

	exists, err := s.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("expected k to exist: %v %v", exists, err)
	}

	if err := s.Del(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	exists, _ = s.Exists(ctx, "k")
	if exists {
		t.Fatal("expected k to be gone after Del")
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.IncrBy(ctx, "counter", 5)
	if err != nil || n != 5 {
		t.Fatalf("got %d, %v", n, err)
	}
	n, err = s.Incr(ctx, "counter")
	if err != nil || n != 6 {
		t.Fatalf("got %d, %v", n, err)
	}

	f, err := s.IncrByFloat(ctx, "cost", 0.5)
	if err != nil || f != 0.5 {
		t.Fatalf("got %v, %v", f, err)
	}
	f, err = s.IncrByFloat(ctx, "cost", 0.25)
	if err != nil || f != 0.75 {
		t.Fatalf("got %v, %v", f, err)
	}
}

func TestHash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.HSet(ctx, "h", "a", "1", "b", "2"); err != nil {
		t.Fatal(err)
	}
	v, err := s.HGet(ctx, "h", "a")
	if err != nil || v != "1" {
		t.Fatalf("got %q, %v", v, err)
	}
	all, err := s.HGetAll(ctx, "h")
	if err != nil || len(all) != 2 {
		t.Fatalf("got %v, %v", all, err)
	}
	if err := s.HDel(ctx, "h", "a"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.HGetAll(ctx, "h")
	if len(all) != 1 {
		t.Fatalf("expected 1 field left, got %d", len(all))
	}
}

func TestSortedSetSlidingWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := float64(time.Now().Unix())
	for i := 0; i < 3; i++ {
		if err := s.ZAdd(ctx, "z", now, member(i)); err != nil {
			t.Fatal(err)
		}
	}

	card, err := s.ZCard(ctx, "z")
	if err != nil || card != 3 {
		t.Fatalf("got %d, %v", card, err)
	}

	if err := s.ZRemRangeByScore(ctx, "z", 0, now-1); err != nil {
		t.Fatal(err)
	}
	card, _ = s.ZCard(ctx, "z")
	if card != 3 {
		t.Fatalf("expected entries to survive the trim, got %d", card)
	}

	if err := s.ZRemRangeByScore(ctx, "z", 0, now+1); err != nil {
		t.Fatal(err)
	}
	card, _ = s.ZCard(ctx, "z")
	if card != 0 {
		t.Fatalf("expected all entries trimmed, got %d", card)
	}
}

func TestScanKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		if err := s.Set(ctx, "apikey:"+member(i), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, "other:1", "x"); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	err := s.ScanKeys(ctx, "apikey:*", func(key string) error {
		seen[key] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 matches, got %d", len(seen))
	}
}

func member(i int) string {
	return string(rune('a' + i))
}
