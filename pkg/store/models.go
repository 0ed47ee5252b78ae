package store

import "time"

// GORM models used for persistence.
type CatalogDocumentModel struct {
	ID        string    `gorm:"primaryKey"`
	Category  string    `gorm:"not null;index:idx_catalog_category_position,priority:1"`
	FileName  string    `gorm:"not null"`
	Value     string    `gorm:"not null"`
	Gendered  bool      `gorm:"not null;default:false"`
	Position  int       `gorm:"not null;default:0;index:idx_catalog_category_position,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type UserProfileModel struct {
	UserID    string `gorm:"primaryKey"`
	Name      string
	Surname   string
	Email     string
	Coins     int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
