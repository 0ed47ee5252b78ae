package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"styleai/pkg/domain"
)

func newTestRedisFeed(t *testing.T, mr *miniredis.Miniredis) *RedisFeed {
	t.Helper()
	feed, err := NewRedisFeed(RedisConfig{
		Client:     redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Stream:     "test:changes",
		StartID:    "0",
		Block:      20 * time.Millisecond,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("new redis feed: %v", err)
	}
	return feed
}

func TestRedisFeedFansOutToEverySubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	feed := newTestRedisFeed(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := feed.Publish(ctx, "car", "doc-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan domain.ChangeEvent, 4)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = feed.Subscribe(ctx, func(_ context.Context, ev domain.ChangeEvent) error {
				got <- ev
				return nil
			}, nil)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			if ev.Collection != "car" || ev.Key != "doc-1" || ev.ID == "" || ev.At.IsZero() {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
	cancel()
	wg.Wait()
}

func TestRedisFeedAcksAfterMaxRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	feed := newTestRedisFeed(t, mr)
	ctx := context.Background()

	sub, err := feed.subscriber(ctx)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	if _, err := feed.Publish(ctx, "style", ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := sub.read(ctx)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read = %d msgs, %v", len(msgs), err)
	}

	failing := func(context.Context, domain.ChangeEvent) error { return errors.New("boom") }
	pending := func() int64 {
		p, err := feed.client.XPending(ctx, feed.stream, sub.group).Result()
		if err != nil {
			t.Fatalf("xpending: %v", err)
		}
		return p.Count
	}

	sub.handle(ctx, msgs[0], failing)
	if n := pending(); n != 1 {
		t.Fatalf("failed event should stay pending, got %d", n)
	}
	sub.handle(ctx, msgs[0], failing)
	sub.handle(ctx, msgs[0], failing)
	if n := pending(); n != 0 {
		t.Fatalf("event should be acked after max retries, pending=%d", n)
	}
	if !mr.Exists("test:changes") {
		t.Fatalf("stream entries must not be deleted")
	}
}

func TestRedisFeedSkipsMalformedEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	feed := newTestRedisFeed(t, mr)
	ctx := context.Background()
	sub, err := feed.subscriber(ctx)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}
	if err := feed.client.XAdd(ctx, &redis.XAddArgs{Stream: feed.stream, Values: map[string]any{"junk": "1"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	msgs, err := sub.read(ctx)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read = %d msgs, %v", len(msgs), err)
	}
	called := false
	sub.handle(ctx, msgs[0], func(context.Context, domain.ChangeEvent) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler must not see malformed entries")
	}
}

func TestPublishRequiresCollection(t *testing.T) {
	mr := miniredis.RunT(t)
	feed := newTestRedisFeed(t, mr)
	if _, err := feed.Publish(context.Background(), " ", "k"); err == nil {
		t.Fatalf("expected error for empty collection")
	}
}

func TestEventCodec(t *testing.T) {
	ev, err := newEvent("users", "u1")
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	body, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := decodeEvent(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.ID != ev.ID || back.Collection != "users" || back.Key != "u1" || !back.At.Equal(ev.At) {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, ev)
	}
	if _, err := decodeEvent([]byte(`{"collection":"users"}`)); err == nil {
		t.Fatalf("expected error for event without id")
	}
}

func TestMuxDispatch(t *testing.T) {
	mux := NewMux()
	var seen []string
	mux.Handle("car", func(_ context.Context, ev domain.ChangeEvent) error {
		seen = append(seen, "car:"+ev.Key)
		return nil
	})
	mux.Handle("car", func(context.Context, domain.ChangeEvent) error {
		return errors.New("second failed")
	})
	err := mux.Dispatch(context.Background(), domain.ChangeEvent{Collection: "car", Key: "k"})
	if err == nil || len(seen) != 1 || seen[0] != "car:k" {
		t.Fatalf("dispatch = %v, seen %v", err, seen)
	}
	if err := mux.Dispatch(context.Background(), domain.ChangeEvent{Collection: "boats"}); err != nil {
		t.Fatalf("unrouted events are ignored, got %v", err)
	}
}
