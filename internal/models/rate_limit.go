package models

import "time"

// Rate-limit scopes.
const (
	ScopeUser         = "user"
	ScopeOrganization = "organization"
)

// RateLimitCounter is the lock row for one scope key ("user:<id>" or
// "org:<id>"). Every check touches it before counting events.
type RateLimitCounter struct {
	ScopeKey  string `gorm:"primaryKey;size:160"`
	Scope     string `gorm:"size:16;not null"`
	UpdatedAt time.Time
}

// RateLimitEvent records one accepted message send for a scope key.
type RateLimitEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ScopeKey  string    `gorm:"size:160;not null;index:idx_rate_event_key_time,priority:1"`
	CreatedAt time.Time `gorm:"index:idx_rate_event_key_time,priority:2;index"`
}
