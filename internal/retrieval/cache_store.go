package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/citeline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a CacheStore backed by the retrieval_cache_entries table,
// shared by every process using the same database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("retrieval: db is required")
	}
	return &GormStore{db: db}, nil
}

// Get implements CacheStore.
func (s *GormStore) Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("retrieval: cache get: %w", err)
	}
	if !entry.ExpiresAt.After(now) {
		return nil, false, nil
	}
	return []byte(entry.Value), true, nil
}

// Set implements CacheStore.
func (s *GormStore) Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	entry := models.CacheEntry{
		CacheKey:  key,
		Value:     string(value),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "created_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("retrieval: cache set: %w", err)
	}
	return nil
}

// Prune deletes entries that expired at or before now.
func (s *GormStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("retrieval: cache prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}
