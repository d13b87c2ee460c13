package diag

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper runs registered housekeeping jobs on a cron schedule: the
// pending-request reaper and the channel census both hang off it.
// Jobs run on the cron goroutine and must only post events or take
// their own locks, never call into the dispatcher directly.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper builds a Sweeper with the given jobs registered on one
// shared schedule.
func NewSweeper(schedule string, logger *slog.Logger, jobs ...func()) (*Sweeper, error) {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	for i, job := range jobs {
		if _, err := c.AddFunc(schedule, job); err != nil {
			return nil, fmt.Errorf("adding sweep job %d: %w", i, err)
		}
	}
	return &Sweeper{cron: c, logger: logger.With("component", "sweeper")}, nil
}

// Start begins scheduled execution.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Debug("sweeper started")
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Debug("sweeper stopped")
}
