package janitor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/citeline/internal/db"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/ratelimit"
	"github.com/zulandar/citeline/internal/retrieval"
)

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Opts{Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if !strings.Contains(err.Error(), "parse schedule") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "parse schedule")
	}
}

func TestNew_InvalidTask(t *testing.T) {
	if _, err := New(Opts{Tasks: []Task{{Name: "x"}}}); err == nil {
		t.Fatal("expected error for task without run func")
	}
}

func TestNext_DefaultSchedule(t *testing.T) {
	j, err := New(Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	want := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	if got := j.Next(from); !got.Equal(want) {
		t.Errorf("Next(%s) = %s, want %s", from, got, want)
	}
}

func TestRunOnce_ContinuesAfterFailure(t *testing.T) {
	var ran atomic.Int32
	j, err := New(Opts{Tasks: []Task{
		{Name: "broken", Run: func(context.Context, time.Time) (int64, error) { return 0, errors.New("boom") }},
		{Name: "ok", Run: func(context.Context, time.Time) (int64, error) { ran.Add(1); return 3, nil }},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	removed, err := j.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken: boom") {
		t.Errorf("err = %v, want to mention broken task", err)
	}
	if ran.Load() != 1 {
		t.Error("second task did not run")
	}
	if removed["ok"] != 3 {
		t.Errorf("removed[ok] = %d, want 3", removed["ok"])
	}
}

func TestRunOnce_PrunesCacheAndRateLimitEvents(t *testing.T) {
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

	gormDB.Create(&[]models.CacheEntry{
		{CacheKey: "expired", Value: "[]", ExpiresAt: now.Add(-time.Minute)},
		{CacheKey: "fresh", Value: "[]", ExpiresAt: now.Add(time.Minute)},
	})
	gormDB.Create(&[]models.RateLimitEvent{
		{ScopeKey: "org:acme", CreatedAt: now.Add(-30 * time.Hour)},
		{ScopeKey: "org:acme", CreatedAt: now.Add(-time.Hour)},
	})

	store, _ := retrieval.NewGormStore(gormDB)
	counter, _ := ratelimit.NewGormCounter(gormDB)
	j, err := New(Opts{
		Now: func() time.Time { return now },
		Tasks: []Task{
			{Name: "retrieval_cache", Run: store.Prune},
			{Name: "rate_limit_events", Run: func(ctx context.Context, now time.Time) (int64, error) {
				return counter.Prune(ctx, now, 24*time.Hour)
			}},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	removed, err := j.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if removed["retrieval_cache"] != 1 {
		t.Errorf("cache pruned = %d, want 1", removed["retrieval_cache"])
	}
	if removed["rate_limit_events"] != 1 {
		t.Errorf("events pruned = %d, want 1", removed["rate_limit_events"])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	j, err := New(Opts{Schedule: "0 0 1 1 *"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
