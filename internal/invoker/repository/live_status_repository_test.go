package repository

import (
	"context"
	"testing"
	"time"

	"invoker/internal/common/cache"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func newLiveStatusStore(t *testing.T) (*LiveStatusStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCacheWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewLiveStatusStore(c, time.Hour), mr
}

func TestLiveStatusPutAndGet(t *testing.T) {
	store, mr := newLiveStatusStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, 42, model.LiveStatusUpdate{Stage: "build started"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, 42, model.LiveStatusUpdate{Stage: "build finished: BUILT"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !mr.Exists("lsu-42") {
		t.Fatalf("expected key lsu-42")
	}
	if ttl := mr.TTL("lsu-42"); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	got, err := store.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stage != "build finished: BUILT" {
		t.Fatalf("unexpected latest update %+v", got)
	}
	history, err := store.History(ctx, 42)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Stage != "build started" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestLiveStatusHistoryIsCapped(t *testing.T) {
	store, _ := newLiveStatusStore(t)
	store.HistoryLen = 3
	ctx := context.Background()

	for i := int32(0); i < 5; i++ {
		score := i
		if err := store.Put(ctx, 1, model.LiveStatusUpdate{Score: &score}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	history, err := store.History(ctx, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 || *history[0].Score != 2 || *history[2].Score != 4 {
		t.Fatalf("unexpected capped history %+v", history)
	}
}

func TestLiveStatusGetMissing(t *testing.T) {
	store, _ := newLiveStatusStore(t)
	if _, err := store.Get(context.Background(), 5); !pkgerrors.Is(err, pkgerrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestLiveStatusNilCache(t *testing.T) {
	var store *LiveStatusStore
	if err := store.Put(context.Background(), 1, model.LiveStatusUpdate{}); !pkgerrors.Is(err, pkgerrors.CacheError) {
		t.Fatalf("expected CacheError, got %v", err)
	}
}
