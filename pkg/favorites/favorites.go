// Package favorites stores the catalog values each user marked as favorite.
package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"styleai/pkg/kv"
)

const keyPrefix = "favorites_"

// StorageKey is the persisted set key of userID.
func StorageKey(userID string) string {
	return kv.HashedKey(keyPrefix, userID)
}

// Set is the per-user favorites set, kept in insertion order.
type Set struct {
	kv kv.Store
}

func New(store kv.Store) *Set {
	return &Set{kv: store}
}

// List returns the user's favorites, oldest first.
func (s *Set) List(ctx context.Context, userID string) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("favorites: user id required")
	}
	var values []string
	if _, err := kv.GetJSON(ctx, s.kv, StorageKey(userID), &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

// IsFavorite reports whether value is in the user's set.
func (s *Set) IsFavorite(ctx context.Context, userID, value string) (bool, error) {
	values, err := s.List(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(values, strings.TrimSpace(value)), nil
}

// Toggle adds value when absent and removes it otherwise. It returns whether
// value is a favorite afterwards.
func (s *Set) Toggle(ctx context.Context, userID, value string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("favorites: user id required")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false, errors.New("favorites: value required")
	}
	var now bool
	err := s.kv.Update(ctx, StorageKey(userID), func(cur string, ok bool) (string, error) {
		var values []string
		if ok && cur != "" {
			if err := json.Unmarshal([]byte(cur), &values); err != nil {
				values = nil
			}
		}
		if i := slices.Index(values, value); i >= 0 {
			values = slices.Delete(values, i, i+1)
			now = false
		} else {
			values = append(values, value)
			now = true
		}
		raw, err := json.Marshal(values)
		return string(raw), err
	})
	if err != nil {
		return false, fmt.Errorf("toggle favorite: %w", err)
	}
	return now, nil
}

// Clear removes the user's set.
func (s *Set) Clear(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("favorites: user id required")
	}
	return s.kv.Delete(ctx, StorageKey(userID))
}
