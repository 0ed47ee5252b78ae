package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"styleai/internal/util"
	"styleai/pkg/domain"
)

// MemoryStore is an in-process Store used by tests and the local dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]domain.CatalogDocument
	profiles map[string]domain.UserProfile
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]domain.CatalogDocument),
		profiles: make(map[string]domain.UserProfile),
	}
}

func (m *MemoryStore) ListDocuments(_ context.Context, category domain.Category) ([]domain.CatalogDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CatalogDocument
	for _, d := range m.docs {
		if d.Category == category {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc domain.CatalogDocument) (domain.CatalogDocument, error) {
	if err := ValidateDocument(doc); err != nil {
		return domain.CatalogDocument{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = util.NewID()
	}
	// Keep creation times strictly increasing so equal positions list in
	// insertion order even when the clock does not advance.
	m.seq++
	now := time.Now().UTC()
	if prev, ok := m.docs[doc.ID]; ok {
		doc.CreatedAt = prev.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now.Add(time.Duration(m.seq))
	}
	doc.UpdatedAt = now
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (domain.UserProfile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, profile domain.UserProfile) error {
	if strings.TrimSpace(profile.UserID) == "" {
		return errors.New("profile user id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.profiles[profile.UserID]; ok {
		profile.CreatedAt = prev.CreatedAt
	} else if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	m.profiles[profile.UserID] = profile
	return nil
}

func (m *MemoryStore) AddCoins(_ context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return 0, ErrProfileNotFound
	}
	if p.Coins+delta < 0 {
		return p.Coins, ErrInsufficientCoins
	}
	p.Coins += delta
	p.UpdatedAt = time.Now().UTC()
	m.profiles[userID] = p
	return p.Coins, nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.profiles, userID)
	m.mu.Unlock()
	return nil
}
