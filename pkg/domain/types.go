package domain

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryStyle        Category = "style"
	CategoryCar          Category = "car"
	CategoryProfessional Category = "professional"
)

// Categories returns every catalog category in canonical order.
func Categories() []Category {
	return []Category{CategoryStyle, CategoryCar, CategoryProfessional}
}

// ParseCategory maps a collection name to a category.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryStyle:
		return CategoryStyle, true
	case CategoryCar:
		return CategoryCar, true
	case CategoryProfessional:
		return CategoryProfessional, true
	}
	return "", false
}

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Genders returns the variants a gendered document expands into, in publish order.
func Genders() []Gender {
	return []Gender{GenderMale, GenderFemale}
}

// CollectionUsers is the document collection holding user profiles.
const CollectionUsers = "users"

// CatalogDocument is the remote metadata describing one catalog entry.
type CatalogDocument struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	FileName  string    `json:"fileName"`
	Value     string    `json:"value"`
	Gendered  bool      `json:"gendered"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CatalogItem is a resolved catalog entry backed by a local file.
type CatalogItem struct {
	Category     Category `json:"category"`
	Value        string   `json:"value"`
	RemoteRef    string   `json:"remoteRef"`
	LocalURI     string   `json:"uri"`
	ThumbnailURI string   `json:"thumbnailUri,omitempty"`
	Gender       Gender   `json:"gender,omitempty"`
}

// Key is the identity of an item within a snapshot.
func (i CatalogItem) Key() string {
	return string(i.Category) + "|" + i.Value + "|" + string(i.Gender)
}

// CatalogSnapshot holds the published items of every category.
// Slices are never mutated after publication; treat them as read-only.
type CatalogSnapshot struct {
	Style        []CatalogItem `json:"style"`
	Car          []CatalogItem `json:"car"`
	Professional []CatalogItem `json:"professional"`
}

// Items returns the items published for a category.
func (s CatalogSnapshot) Items(c Category) []CatalogItem {
	switch c {
	case CategoryStyle:
		return s.Style
	case CategoryCar:
		return s.Car
	case CategoryProfessional:
		return s.Professional
	}
	return nil
}

// WithCategory returns a copy of s with the items of c replaced.
func (s CatalogSnapshot) WithCategory(c Category, items []CatalogItem) CatalogSnapshot {
	cp := make([]CatalogItem, len(items))
	copy(cp, items)
	switch c {
	case CategoryStyle:
		s.Style = cp
	case CategoryCar:
		s.Car = cp
	case CategoryProfessional:
		s.Professional = cp
	}
	return s
}

// Len counts the items across all categories.
func (s CatalogSnapshot) Len() int {
	return len(s.Style) + len(s.Car) + len(s.Professional)
}

// SyncState records when the last full catalog sync completed.
type SyncState struct {
	LastSyncMillis int64 `json:"lastSyncMillis"`
}

// Due reports whether a full resync is needed at now.
func (s SyncState) Due(now time.Time, interval time.Duration) bool {
	if s.LastSyncMillis <= 0 {
		return true
	}
	return now.UnixMilli()-s.LastSyncMillis >= interval.Milliseconds()
}

type UserProfile struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Surname   string    `json:"surname"`
	Email     string    `json:"email"`
	Coins     int64     `json:"coins"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeEvent notifies subscribers that a document in a collection changed.
type ChangeEvent struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Key        string    `json:"key,omitempty"`
	At         time.Time `json:"at"`
}
