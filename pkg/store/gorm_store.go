package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"styleai/internal/util"
	"styleai/pkg/domain"
)

const migrateLockID int64 = 51735173

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&CatalogDocumentModel{}, &UserProfileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) ListDocuments(ctx context.Context, category domain.Category) ([]domain.CatalogDocument, error) {
	var models []CatalogDocumentModel
	if err := s.db.WithContext(ctx).
		Where("category = ?", string(category)).
		Order("position asc, created_at asc, id asc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.CatalogDocument, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

func (s *GormStore) SaveDocument(ctx context.Context, doc domain.CatalogDocument) (domain.CatalogDocument, error) {
	if err := ValidateDocument(doc); err != nil {
		return domain.CatalogDocument{}, err
	}
	now := time.Now().UTC()
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = util.NewID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	model := documentToModel(doc)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"category", "file_name", "value", "gendered", "position", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.CatalogDocument{}, err
	}
	return doc, nil
}

func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&CatalogDocumentModel{}, "id = ?", id).Error
}

func (s *GormStore) GetProfile(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	var model UserProfileModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserProfile{}, false, nil
		}
		return domain.UserProfile{}, false, err
	}
	return profileFromModel(model), true, nil
}

func (s *GormStore) SaveProfile(ctx context.Context, profile domain.UserProfile) error {
	if strings.TrimSpace(profile.UserID) == "" {
		return errors.New("profile user id required")
	}
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	model := profileToModel(profile)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "surname", "email", "coins", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) AddCoins(ctx context.Context, userID string, delta int64) (int64, error) {
	var coins int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model UserProfileModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "user_id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProfileNotFound
			}
			return err
		}
		coins = model.Coins
		if model.Coins+delta < 0 {
			return ErrInsufficientCoins
		}
		coins = model.Coins + delta
		return tx.Model(&UserProfileModel{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"coins": coins, "updated_at": time.Now().UTC()}).Error
	})
	return coins, err
}

func (s *GormStore) DeleteProfile(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Delete(&UserProfileModel{}, "user_id = ?", userID).Error
}

func documentToModel(doc domain.CatalogDocument) CatalogDocumentModel {
	return CatalogDocumentModel{
		ID:        doc.ID,
		Category:  string(doc.Category),
		FileName:  doc.FileName,
		Value:     doc.Value,
		Gendered:  doc.Gendered,
		Position:  doc.Position,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func documentFromModel(m CatalogDocumentModel) domain.CatalogDocument {
	return domain.CatalogDocument{
		ID:        m.ID,
		Category:  domain.Category(m.Category),
		FileName:  m.FileName,
		Value:     m.Value,
		Gendered:  m.Gendered,
		Position:  m.Position,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func profileToModel(p domain.UserProfile) UserProfileModel {
	return UserProfileModel{
		UserID:    p.UserID,
		Name:      p.Name,
		Surname:   p.Surname,
		Email:     p.Email,
		Coins:     p.Coins,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func profileFromModel(m UserProfileModel) domain.UserProfile {
	return domain.UserProfile{
		UserID:    m.UserID,
		Name:      m.Name,
		Surname:   m.Surname,
		Email:     m.Email,
		Coins:     m.Coins,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
