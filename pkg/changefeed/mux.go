package changefeed

import (
	"context"
	"errors"
	"sync"

	"styleai/pkg/domain"
)

// Mux routes events to the handlers registered for their collection.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string][]Handler)}
}

// Handle registers h for events of collection.
func (m *Mux) Handle(collection string, h Handler) {
	m.mu.Lock()
	m.handlers[collection] = append(m.handlers[collection], h)
	m.mu.Unlock()
}

// Dispatch runs every handler of ev's collection and joins their errors.
// Events nobody handles are ignored.
func (m *Mux) Dispatch(ctx context.Context, ev domain.ChangeEvent) error {
	m.mu.RLock()
	hs := m.handlers[ev.Collection]
	m.mu.RUnlock()
	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
