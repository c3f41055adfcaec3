package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDailySchedule(t *testing.T) {
	daily := Daily(0, 0)

	at := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	next := daily(at)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Exactly at the boundary rolls to the next day.
	at = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	next = daily(at)
	if !next.Equal(want) {
		t.Errorf("next at boundary = %v, want %v", next, want)
	}
}

func TestWeeklySchedule(t *testing.T) {
	weekly := Weekly(time.Sunday, 2, 0)

	// 2026-03-10 is a Tuesday.
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	next := weekly(at)
	want := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want Sunday %v", next, want)
	}
	if next.Weekday() != time.Sunday {
		t.Errorf("next weekday = %v, want Sunday", next.Weekday())
	}
}

func TestEverySchedule(t *testing.T) {
	hourly := Every(time.Hour)
	at := time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC)
	if next := hourly(at); !next.Equal(at.Add(time.Hour)) {
		t.Errorf("next = %v, want %v", next, at.Add(time.Hour))
	}
}

func TestRunDueExecutesAndReschedules(t *testing.T) {
	s := New(zerolog.Nop())

	ran := 0
	s.Register("test", Every(time.Hour), func(ctx context.Context) error {
		ran++
		return nil
	})

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Not yet due.
	s.runDue(start.Add(30 * time.Minute))
	if ran != 0 {
		t.Fatalf("task ran %d times before due, want 0", ran)
	}

	// Due: runs once and reschedules.
	s.runDue(start.Add(time.Hour))
	if ran != 1 {
		t.Fatalf("task ran %d times, want 1", ran)
	}

	// Immediately after, not due again.
	s.runDue(start.Add(time.Hour + time.Minute))
	if ran != 1 {
		t.Fatalf("task ran %d times right after rescheduling, want 1", ran)
	}

	// Due again one hour later.
	s.runDue(start.Add(2*time.Hour + time.Minute))
	if ran != 2 {
		t.Fatalf("task ran %d times, want 2", ran)
	}
}
