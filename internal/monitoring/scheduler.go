package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Pruner removes expired entries from a store.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Scheduler prunes expired sessions on a cron schedule.
type Scheduler struct {
	pruner  Pruner
	cron    *cron.Cron
	timeout time.Duration
	done    chan struct{}
}

// NewScheduler creates a scheduler that runs pruner on spec, a standard
// five-field cron expression.
func NewScheduler(pruner Pruner, spec string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		pruner:  pruner,
		cron:    cron.New(),
		timeout: 30 * time.Second,
		done:    make(chan struct{}),
	}
	if _, err := s.cron.AddFunc(spec, s.prune); err != nil {
		return nil, fmt.Errorf("failed to register prune job: %w", err)
	}
	return s, nil
}

// Run starts the scheduler and blocks until Stop is called.
func (s *Scheduler) Run() {
	log.Info().Msg("Starting session prune scheduler...")

	// Run once immediately on start
	s.prune()

	s.cron.Start()
	<-s.done
	log.Info().Msg("Stopped session prune scheduler.")
}

// Stop halts the scheduler and waits for a running prune to finish. It must
// be called at most once.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.done)
}

// Next returns when the prune job runs next, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.pruner.Prune(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to prune expired sessions")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("Scheduler: pruned expired sessions")
	}
}
