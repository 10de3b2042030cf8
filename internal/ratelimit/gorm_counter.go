package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/citeline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCounter implements Counter on the relational store. Each Acquire runs
// in one transaction that first writes the counter rows for its keys, so
// concurrent checks for the same user or organization serialize on those
// rows before they count.
type GormCounter struct {
	db *gorm.DB
}

// NewGormCounter creates a GormCounter.
func NewGormCounter(db *gorm.DB) (*GormCounter, error) {
	if db == nil {
		return nil, fmt.Errorf("ratelimit: db is required")
	}
	return &GormCounter{db: db}, nil
}

// Acquire implements Counter.
func (c *GormCounter) Acquire(ctx context.Context, rules []Rule, now time.Time) (Decision, error) {
	dec := Decision{Counts: make(map[string]int, len(rules))}

	// Lock rows in key order so two checks never wait on each other crosswise.
	locked := append([]Rule(nil), rules...)
	sort.Slice(locked, func(i, j int) bool { return locked[i].Key < locked[j].Key })

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range locked {
			row := models.RateLimitCounter{ScopeKey: r.Key, Scope: r.Scope, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "scope_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("lock %s: %w", r.Key, err)
			}
		}

		for i := range rules {
			r := rules[i]
			cutoff := now.Add(-r.Window)
			var count int64
			if err := tx.Model(&models.RateLimitEvent{}).
				Where("scope_key = ? AND created_at > ?", r.Key, cutoff).
				Count(&count).Error; err != nil {
				return fmt.Errorf("count %s: %w", r.Key, err)
			}
			dec.Counts[r.Key] = int(count)
			if int(count) < r.Limit || dec.Violated != nil {
				continue
			}

			dec.Violated = &r
			var oldest models.RateLimitEvent
			if err := tx.Where("scope_key = ? AND created_at > ?", r.Key, cutoff).
				Order("created_at ASC").First(&oldest).Error; err == nil {
				dec.OldestHit = oldest.CreatedAt
			}
		}
		if dec.Violated != nil {
			return nil
		}

		events := make([]models.RateLimitEvent, 0, len(rules))
		for _, r := range rules {
			events = append(events, models.RateLimitEvent{ScopeKey: r.Key, CreatedAt: now})
		}
		if err := tx.Create(&events).Error; err != nil {
			return fmt.Errorf("record hit: %w", err)
		}
		dec.Allowed = true
		for _, r := range rules {
			dec.Counts[r.Key]++
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: acquire: %w", err)
	}
	return dec, nil
}

// Prune deletes events older than maxWindow. It returns the number of rows removed.
func (c *GormCounter) Prune(ctx context.Context, now time.Time, maxWindow time.Duration) (int64, error) {
	result := c.db.WithContext(ctx).
		Where("created_at <= ?", now.Add(-maxWindow)).
		Delete(&models.RateLimitEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("ratelimit: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}
