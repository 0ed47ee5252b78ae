package kv

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStoreGetSetDelete(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedisStore(srv.Addr(), "", "stylesync")
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "lastSync", "123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !srv.Exists("stylesync:lastSync") {
		t.Fatalf("expected prefixed key in redis, keys=%v", srv.Keys())
	}
	v, ok, err := s.Get(ctx, "lastSync")
	if err != nil || !ok || v != "123" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}
	if err := s.Delete(ctx, "lastSync"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "lastSync"); ok {
		t.Fatalf("expected key removed")
	}
}

func TestRedisStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedisStore(srv.Addr(), "", "")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- s.Update(ctx, "list", func(cur string, ok bool) (string, error) {
				var list []int
				if ok {
					if err := json.Unmarshal([]byte(cur), &list); err != nil {
						return "", err
					}
				}
				raw, err := json.Marshal(append(list, n))
				return string(raw), err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	var list []int
	if ok, err := GetJSON(ctx, s, "list", &list); err != nil || !ok {
		t.Fatalf("get json: %v %v", ok, err)
	}
	if len(list) != writers {
		t.Fatalf("expected %d entries, got %v", writers, list)
	}
}

func TestRedisStoreUpdateAbortsOnCallbackError(t *testing.T) {
	srv := miniredis.RunT(t)
	s := NewRedisStore(srv.Addr(), "", "")
	ctx := context.Background()
	if err := s.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	boom := errors.New("boom")
	if err := s.Update(ctx, "k", func(string, bool) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if v, _, _ := s.Get(ctx, "k"); v != "v1" {
		t.Fatalf("value changed after failed update: %q", v)
	}
}

func TestHashedKey(t *testing.T) {
	a := HashedKey("recentGeneratedImages_", "userA")
	b := HashedKey("recentGeneratedImages_", "userB")
	if a == b {
		t.Fatalf("distinct ids share a key")
	}
	if !strings.HasPrefix(a, "recentGeneratedImages_") || len(a) != len("recentGeneratedImages_")+12 {
		t.Fatalf("unexpected key shape %q", a)
	}
	if strings.Contains(a, "userA") {
		t.Fatalf("key exposes raw id: %q", a)
	}
	if a != HashedKey("recentGeneratedImages_", "userA") {
		t.Fatalf("key not stable")
	}
}
