// Package changefeed delivers document change notifications to every
// subscribed process.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"styleai/internal/util"
	"styleai/pkg/domain"
)

// Handler processes one change event. A returned error asks the feed to
// redeliver the event later.
type Handler func(ctx context.Context, ev domain.ChangeEvent) error

// Feed publishes change events and fans them out to subscribers.
type Feed interface {
	Publish(ctx context.Context, collection, key string) (domain.ChangeEvent, error)
	// Subscribe blocks, delivering events to h until ctx is done. ready, when
	// not nil, runs once the subscription is bound and before any event is
	// handled; events published earlier may never be seen.
	Subscribe(ctx context.Context, h Handler, ready func()) error
	Close() error
}

func newEvent(collection, key string) (domain.ChangeEvent, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return domain.ChangeEvent{}, errors.New("changefeed: collection required")
	}
	return domain.ChangeEvent{
		ID:         util.NewID(),
		Collection: collection,
		Key:        strings.TrimSpace(key),
		At:         time.Now().UTC(),
	}, nil
}

func encodeEvent(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(body []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.ID == "" || ev.Collection == "" {
		return domain.ChangeEvent{}, errors.New("decode change event: id and collection required")
	}
	return ev, nil
}
