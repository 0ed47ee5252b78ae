package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"styleai/internal/util"
	"styleai/pkg/domain"
)

// RedisConfig configures a RedisFeed. Either Client or Addr is required.
type RedisConfig struct {
	Client   redis.UniversalClient
	Addr     string
	Password string
	Stream   string
	// Group names a durable subscriber. Processes sharing a group split the
	// events between them. When empty every Subscribe call gets its own
	// group, removed again when Subscribe returns.
	Group string
	// StartID is where a new group starts reading: "$" for new events only,
	// "0" for the whole retained stream.
	StartID    string
	MaxLen     int64
	Block      time.Duration
	ClaimIdle  time.Duration
	MaxRetries int
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

// RedisFeed is a Feed on a Redis stream with one consumer group per subscriber.
type RedisFeed struct {
	client     redis.UniversalClient
	ownsClient bool
	stream     string
	group      string
	startID    string
	maxLen     int64
	block      time.Duration
	claimIdle  time.Duration
	maxRetries int
	readCount  int64
	claimCount int64
	logger     *slog.Logger
}

func NewRedisFeed(cfg RedisConfig) (*RedisFeed, error) {
	client := cfg.Client
	ownsClient := false
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
		ownsClient = true
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "stylesync:changes"
	}
	startID := strings.TrimSpace(cfg.StartID)
	if startID == "" {
		startID = "$"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		client:     client,
		ownsClient: ownsClient,
		stream:     stream,
		group:      strings.TrimSpace(cfg.Group),
		startID:    startID,
		maxLen:     maxLen,
		block:      block,
		claimIdle:  claimIdle,
		maxRetries: maxRetries,
		readCount:  readCount,
		claimCount: claimCount,
		logger:     logger,
	}, nil
}

func (f *RedisFeed) Publish(ctx context.Context, collection, key string) (domain.ChangeEvent, error) {
	ev, err := newEvent(collection, key)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	if err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":   ev.ID,
			"collection": ev.Collection,
			"key":        ev.Key,
			"at":         ev.At.Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("publish change: %w", err)
	}
	return ev, nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, h Handler, ready func()) error {
	sub, err := f.subscriber(ctx)
	if err != nil {
		return err
	}
	if sub.ephemeral {
		defer func() {
			cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = f.client.XGroupDestroy(cleanup, f.stream, sub.group).Err()
		}()
	}
	if ready != nil {
		ready()
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if msgs, err := sub.claimPending(ctx); err == nil {
			for _, msg := range msgs {
				sub.handle(ctx, msg, h)
			}
		}
		msgs, err := sub.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("change feed read failed", "stream", f.stream, "group", sub.group, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			sub.handle(ctx, msg, h)
		}
	}
}

func (f *RedisFeed) Close() error {
	if f.ownsClient {
		return f.client.Close()
	}
	return nil
}

// redisSubscriber is one consumer inside one group.
type redisSubscriber struct {
	feed      *RedisFeed
	group     string
	consumer  string
	ephemeral bool

	mu       sync.Mutex
	attempts map[string]int
}

func (f *RedisFeed) subscriber(ctx context.Context) (*redisSubscriber, error) {
	group := f.group
	ephemeral := group == ""
	if ephemeral {
		group = "sub-" + util.NewID()
	}
	err := f.client.XGroupCreateMkStream(ctx, f.stream, group, f.startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &redisSubscriber{
		feed:      f,
		group:     group,
		consumer:  util.NewID(),
		ephemeral: ephemeral,
		attempts:  make(map[string]int),
	}, nil
}

func (s *redisSubscriber) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.feed.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.feed.stream, ">"},
		Count:    s.feed.readCount,
		Block:    s.feed.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

func (s *redisSubscriber) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	res, _, err := s.feed.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.feed.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.feed.claimIdle,
		Start:    "0-0",
		Count:    s.feed.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// handle runs h for msg. Failed events stay pending and are reclaimed after
// ClaimIdle, until MaxRetries is reached. Entries are never deleted from the
// stream because other groups may not have read them yet.
func (s *redisSubscriber) handle(ctx context.Context, msg redis.XMessage, h Handler) {
	ev, ok := eventFromValues(msg.Values)
	if !ok {
		s.ack(ctx, msg.ID)
		return
	}
	err := h(ctx, ev)
	if err == nil {
		s.ack(ctx, msg.ID)
		return
	}
	s.mu.Lock()
	s.attempts[msg.ID]++
	n := s.attempts[msg.ID]
	s.mu.Unlock()
	if n >= s.feed.maxRetries {
		s.feed.logger.Warn("dropping change event after retries",
			"event_id", ev.ID, "collection", ev.Collection, "attempts", n, "err", err)
		s.ack(ctx, msg.ID)
		return
	}
	s.feed.logger.Debug("change event failed; will retry",
		"event_id", ev.ID, "collection", ev.Collection, "attempt", n, "err", err)
}

func (s *redisSubscriber) ack(ctx context.Context, msgID string) {
	_, _ = s.feed.client.XAck(ctx, s.feed.stream, s.group, msgID).Result()
	s.mu.Lock()
	delete(s.attempts, msgID)
	s.mu.Unlock()
}

func eventFromValues(values map[string]any) (domain.ChangeEvent, bool) {
	id, _ := values["event_id"].(string)
	collection, _ := values["collection"].(string)
	if id == "" || collection == "" {
		return domain.ChangeEvent{}, false
	}
	key, _ := values["key"].(string)
	ev := domain.ChangeEvent{ID: id, Collection: collection, Key: key}
	if raw, _ := values["at"].(string); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ev.At = t
		}
	}
	return ev, true
}
