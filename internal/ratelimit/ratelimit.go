// Package ratelimit gates message sends with rolling-window limits per user
// and per organization. Counts live in the shared database so every
// process sees the same numbers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/citeline/internal/metrics"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/observability"
)

// Default limits.
const (
	DefaultUserLimit  = 50
	DefaultUserWindow = time.Hour
	DefaultOrgLimit   = 1000
	DefaultOrgWindow  = 24 * time.Hour
)

// Rule is one scope's limit over a rolling window.
type Rule struct {
	Key    string
	Scope  string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an Acquire call. When Allowed is false,
// Violated names the first rule that was at its limit and OldestHit is the
// earliest counted event for that rule.
type Decision struct {
	Allowed   bool
	Violated  *Rule
	OldestHit time.Time
	Counts    map[string]int
}

// Counter atomically counts and records hits for a set of rules. A hit is
// recorded for every rule only when all rules are under their limit.
type Counter interface {
	Acquire(ctx context.Context, rules []Rule, now time.Time) (Decision, error)
}

// ExceededError reports which scope rejected a send. It is a retry-later
// condition, not a failure of the service.
type ExceededError struct {
	Scope      string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit of %d messages per %s exceeded", e.Scope, e.Limit, e.Window)
}

// IsExceeded unwraps err to an *ExceededError.
func IsExceeded(err error) (*ExceededError, bool) {
	var ee *ExceededError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// Limiter checks the user and organization limits for a message send.
type Limiter struct {
	counter    Counter
	userLimit  int
	userWindow time.Duration
	orgLimit   int
	orgWindow  time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// LimiterOpts holds parameters for creating a Limiter.
type LimiterOpts struct {
	Counter    Counter
	UserLimit  int           // defaults to DefaultUserLimit
	UserWindow time.Duration // defaults to DefaultUserWindow
	OrgLimit   int           // defaults to DefaultOrgLimit
	OrgWindow  time.Duration // defaults to DefaultOrgWindow
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(opts LimiterOpts) (*Limiter, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("ratelimit: counter is required")
	}
	l := &Limiter{
		counter:    opts.Counter,
		userLimit:  opts.UserLimit,
		userWindow: opts.UserWindow,
		orgLimit:   opts.OrgLimit,
		orgWindow:  opts.OrgWindow,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if l.userLimit <= 0 {
		l.userLimit = DefaultUserLimit
	}
	if l.userWindow <= 0 {
		l.userWindow = DefaultUserWindow
	}
	if l.orgLimit <= 0 {
		l.orgLimit = DefaultOrgLimit
	}
	if l.orgWindow <= 0 {
		l.orgWindow = DefaultOrgWindow
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// UserKey is the counter key for a user.
func UserKey(userID string) string { return "user:" + userID }

// OrgKey is the counter key for an organization.
func OrgKey(orgID string) string { return "org:" + orgID }

// Rules returns the rules checked for a user of an organization, user first.
func (l *Limiter) Rules(userID, orgID string) []Rule {
	return []Rule{
		{Key: UserKey(userID), Scope: models.ScopeUser, Limit: l.userLimit, Window: l.userWindow},
		{Key: OrgKey(orgID), Scope: models.ScopeOrganization, Limit: l.orgLimit, Window: l.orgWindow},
	}
}

// Check records one send for userID and orgID, or returns an
// *ExceededError without recording anything when either scope is full.
func (l *Limiter) Check(ctx context.Context, userID, orgID string) error {
	if userID == "" || orgID == "" {
		return fmt.Errorf("ratelimit: user and organization are required")
	}
	now := l.now().UTC()
	dec, err := l.counter.Acquire(ctx, l.Rules(userID, orgID), now)
	if err != nil {
		return fmt.Errorf("ratelimit: check %s: %w", userID, err)
	}
	if dec.Allowed {
		return nil
	}

	rule := dec.Violated
	retry := rule.Window
	if !dec.OldestHit.IsZero() {
		retry = dec.OldestHit.Add(rule.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
	}
	l.metrics.RateLimited(rule.Scope)
	observability.LoggerFromContext(ctx).Warn("rate limit exceeded",
		"user_id", userID,
		"organization_id", orgID,
		"scope", rule.Scope,
		"limit", rule.Limit,
		"count", dec.Counts[rule.Key],
	)
	return &ExceededError{
		Scope:      rule.Scope,
		Limit:      rule.Limit,
		Window:     rule.Window,
		RetryAfter: retry,
	}
}
