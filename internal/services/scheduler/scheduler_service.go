// Package scheduler evaluates enabled sync jobs against their cron
// schedules and emits execution events for due ones.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/relay/internal/common"
	"github.com/ternarybob/relay/internal/interfaces"
	"github.com/ternarybob/relay/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Service implements SchedulerService with a fixed evaluation tick.
// Each tick loads all enabled jobs and dispatches the due ones onto the
// event bus; the job runtime's singleton guard absorbs any double
// dispatch across ticks or workers.
type Service struct {
	configStore  interfaces.ConfigStore
	eventService interfaces.EventService
	config       common.SchedulerConfig
	logger       arbor.ILogger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewService creates the scheduler.
func NewService(configStore interfaces.ConfigStore, eventService interfaces.EventService, config common.SchedulerConfig, logger arbor.ILogger) interfaces.SchedulerService {
	return &Service{
		configStore:  configStore,
		eventService: eventService,
		config:       config,
		logger:       logger,
	}
}

// Start launches the evaluation loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	tick := s.config.TickInterval
	if tick <= 0 {
		tick = time.Minute
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	go s.loop(tick)

	s.logger.Info().
		Str("tick_interval", tick.String()).
		Msg("Scheduler started")
	return nil
}

// Stop halts the evaluation loop and waits for it to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(tick time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), tick)
			if _, err := s.EvaluateNow(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Schedule evaluation failed")
			}
			cancel()
		}
	}
}

// EvaluateNow runs one evaluation pass and returns the number of jobs
// dispatched.
func (s *Service) EvaluateNow(ctx context.Context) (int, error) {
	jobs, err := s.configStore.ListEnabledJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load enabled jobs: %w", err)
	}

	now := time.Now()
	dispatched := 0
	for _, job := range jobs {
		due, err := JobDue(job, now)
		if err != nil {
			s.logger.Warn().
				Str("job_id", job.ID.Hex()).
				Str("cron", job.Schedule.Cron).
				Err(err).
				Msg("Skipping job with invalid schedule")
			continue
		}
		if !due {
			continue
		}

		// Cumulative jitter spreads a burst of due jobs across the
		// dispatch window instead of firing them in one instant.
		if max := s.config.DispatchJitterMs; max > 0 {
			delay := time.Duration(rand.Intn(max)) * time.Millisecond
			select {
			case <-ctx.Done():
				return dispatched, ctx.Err()
			case <-time.After(delay):
			}
		}

		err = s.eventService.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobExecute,
			Payload: map[string]interface{}{"jobId": job.ID.Hex()},
		})
		if err != nil {
			s.logger.Error().
				Str("job_id", job.ID.Hex()).
				Err(err).
				Msg("Failed to dispatch due job")
			continue
		}
		dispatched++
		s.logger.Info().
			Str("job_id", job.ID.Hex()).
			Str("cron", job.Schedule.Cron).
			Msg("Dispatched due job")
	}

	return dispatched, nil
}

// JobDue decides whether a job should run now: the first cron occurrence
// strictly after lastRunAt (epoch when the job never ran), evaluated in
// the job's timezone, has arrived. A missed occurrence stays due until a
// run moves lastRunAt past it.
func JobDue(job *models.SyncJob, now time.Time) (bool, error) {
	schedule, err := cronParser.Parse(job.Schedule.Cron)
	if err != nil {
		return false, fmt.Errorf("failed to parse cron %q: %w", job.Schedule.Cron, err)
	}

	loc := time.UTC
	if job.Schedule.Timezone != "" {
		loc, err = time.LoadLocation(job.Schedule.Timezone)
		if err != nil {
			return false, fmt.Errorf("failed to load timezone %q: %w", job.Schedule.Timezone, err)
		}
	}

	lastRun := time.Unix(0, 0)
	if job.LastRunAt != nil {
		lastRun = *job.LastRunAt
	}

	next := schedule.Next(lastRun.In(loc))
	return !next.After(now.In(loc)), nil
}
