package store

import (
	"context"
	"errors"
	"strings"

	"styleai/pkg/domain"
)

var (
	// ErrInvalidDocument is returned when a catalog document misses required fields.
	ErrInvalidDocument   = errors.New("invalid catalog document")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrInsufficientCoins = errors.New("insufficient coins")
)

// CatalogStore reads and writes catalog metadata documents.
type CatalogStore interface {
	// ListDocuments returns the documents of a category ordered by position,
	// then creation time.
	ListDocuments(ctx context.Context, category domain.Category) ([]domain.CatalogDocument, error)
	SaveDocument(ctx context.Context, doc domain.CatalogDocument) (domain.CatalogDocument, error)
	DeleteDocument(ctx context.Context, id string) error
}

// ProfileStore persists per-user profile documents.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (domain.UserProfile, bool, error)
	SaveProfile(ctx context.Context, profile domain.UserProfile) error
	// AddCoins adjusts the coin balance and returns the new value. The balance
	// never drops below zero.
	AddCoins(ctx context.Context, userID string, delta int64) (int64, error)
	DeleteProfile(ctx context.Context, userID string) error
}

// Store is the document store backing catalog sync and user sessions.
type Store interface {
	CatalogStore
	ProfileStore
}

// ValidateDocument checks the fields every catalog document must carry.
func ValidateDocument(doc domain.CatalogDocument) error {
	if _, ok := domain.ParseCategory(string(doc.Category)); !ok {
		return errors.Join(ErrInvalidDocument, errors.New("unknown category "+string(doc.Category)))
	}
	if strings.TrimSpace(doc.FileName) == "" {
		return errors.Join(ErrInvalidDocument, errors.New("fileName required"))
	}
	if strings.Contains(doc.FileName, "/") {
		return errors.Join(ErrInvalidDocument, errors.New("fileName must not contain '/'"))
	}
	if strings.TrimSpace(doc.Value) == "" {
		return errors.Join(ErrInvalidDocument, errors.New("value required"))
	}
	return nil
}
