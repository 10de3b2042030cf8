// Package janitor periodically prunes expired retrieval cache entries and
// rate-limit events that have left every window.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/citeline/internal/observability"
)

// DefaultSchedule runs the janitor every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is one pruning job. Run returns the number of rows removed.
type Task struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int64, error)
}

// Janitor runs its tasks on a cron schedule.
type Janitor struct {
	schedule cron.Schedule
	tasks    []Task
	now      func() time.Time
}

// Opts holds parameters for creating a Janitor.
type Opts struct {
	Schedule string // defaults to DefaultSchedule
	Tasks    []Task
	Now      func() time.Time
}

// New creates a Janitor.
func New(opts Opts) (*Janitor, error) {
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("janitor: parse schedule %q: %w", expr, err)
	}
	for _, t := range opts.Tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("janitor: task needs a name and a run func")
		}
	}
	j := &Janitor{schedule: sched, tasks: opts.Tasks, now: opts.Now}
	if j.now == nil {
		j.now = time.Now
	}
	return j, nil
}

// Next returns the first run time after from.
func (j *Janitor) Next(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// RunOnce runs every task once. A failing task does not stop the others;
// their errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) (map[string]int64, error) {
	now := j.now().UTC()
	log := observability.LoggerFromContext(ctx)
	removed := make(map[string]int64, len(j.tasks))
	var errs []error
	for _, t := range j.tasks {
		n, err := t.Run(ctx, now)
		if err != nil {
			log.Error("janitor task failed", "task", t.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		removed[t.Name] = n
		if n > 0 {
			log.Info("janitor pruned rows", "task", t.Name, "rows", n)
		}
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("janitor: %w", errors.Join(errs...))
	}
	return removed, nil
}

// Run blocks, running the tasks on schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	timer := time.NewTimer(j.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			j.RunOnce(ctx)
			timer.Reset(j.untilNext())
		}
	}
}

func (j *Janitor) untilNext() time.Duration {
	now := j.now()
	d := j.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
