// Package scheduler runs named periodic tasks (daily summary, weekly
// cleanup, hourly backups) on wall-clock schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Schedule computes the next run after a given time.
type Schedule func(after time.Time) time.Time

// Daily returns a schedule firing once a day at hour:minute local time.
func Daily(hour, minute int) Schedule {
	return func(after time.Time) time.Time {
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Weekly returns a schedule firing once a week on the given weekday.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	daily := Daily(hour, minute)
	return func(after time.Time) time.Time {
		next := daily(after)
		for next.Weekday() != day {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}

// Every returns a fixed-interval schedule.
func Every(interval time.Duration) Schedule {
	return func(after time.Time) time.Time {
		return after.Add(interval)
	}
}

// Task is one named periodic callback.
type Task struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error

	next time.Time
}

// Scheduler drives registered tasks from a single check loop.
type Scheduler struct {
	logger zerolog.Logger

	mu       sync.Mutex
	tasks    []*Task
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	checkInterval time.Duration
	now           func() time.Time
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:        logger.With().Str("component", "scheduler").Logger(),
		stopChan:      make(chan struct{}),
		checkInterval: time.Minute,
		now:           time.Now,
	}
}

// Register adds a task. It must be called before Start.
func (s *Scheduler) Register(name string, schedule Schedule, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &Task{Name: name, Schedule: schedule, Run: run})
}

// Start launches the check loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	now := s.now()
	for _, task := range s.tasks {
		task.next = task.Schedule(now)
		s.logger.Info().Str("task", task.Name).Time("next", task.next).Msg("task scheduled")
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop halts the check loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDue(s.now())
		case <-s.stopChan:
			return
		}
	}
}

// runDue executes every task whose next-run time has passed, then
// reschedules it.
func (s *Scheduler) runDue(now time.Time) {
	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if !now.Before(task.next) {
			due = append(due, task)
			task.next = task.Schedule(now)
		}
	}
	s.mu.Unlock()

	for _, task := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			s.logger.Error().Err(err).Str("task", task.Name).Msg("scheduled task failed")
		} else {
			s.logger.Info().Str("task", task.Name).
				Dur("elapsed", time.Since(start)).Msg("scheduled task complete")
		}
		cancel()
	}
}
