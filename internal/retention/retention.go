// Package retention runs the scheduled audit cleanup job: entries older
// than the configured retention window are purged from the trail and its
// backing store on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/vigil/internal/audit"
)

// Job purges expired audit entries on a cron schedule.
type Job struct {
	trail    *audit.Trail
	schedule cron.Schedule
	expr     string
	maxAge   time.Duration
	logger   *slog.Logger
}

// New creates a retention job. The expression uses the standard five-field
// cron format.
func New(trail *audit.Trail, expr string, maxAge time.Duration, logger *slog.Logger) (*Job, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &Job{
		trail:    trail,
		schedule: schedule,
		expr:     expr,
		maxAge:   maxAge,
		logger:   logger,
	}, nil
}

// Start begins the retention loop. Returns a cancel function.
func (j *Job) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "audit retention started",
			slog.String("schedule", j.expr),
			slog.String("max_age", j.maxAge.String()),
		)

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("audit retention stopped")
				return
			case <-timer.C:
				j.runOnce(ctx)
			}
		}
	}()

	return cancel
}

// RunOnce executes a single cleanup pass immediately. Exposed for the CLI.
func (j *Job) RunOnce(ctx context.Context) int {
	return j.runOnce(ctx)
}

func (j *Job) runOnce(ctx context.Context) int {
	start := time.Now()
	removed := j.trail.CleanupOlderThan(ctx, j.maxAge)
	j.logger.InfoContext(ctx, "audit retention pass complete",
		slog.Int("removed", removed),
		slog.String("duration", time.Since(start).String()),
	)
	return removed
}
