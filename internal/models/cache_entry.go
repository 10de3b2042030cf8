package models

import "time"

// CacheEntry holds one serialized retrieval result.
type CacheEntry struct {
	CacheKey  string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:mediumtext;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// TableName specifies the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "retrieval_cache_entries"
}
