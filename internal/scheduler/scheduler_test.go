package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsImmediatelyAndRepeats(t *testing.T) {
	var runs int32
	s := New(5*time.Millisecond, TaskFunc(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("ignored")
	}), nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", atomic.LoadInt32(&runs))
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
	s.Stop()
	if err := <-done; err != nil {
		t.Fatalf("expected nil error after Stop, got %v", err)
	}
}

func TestScheduler_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(time.Hour, TaskFunc(func(ctx context.Context) error { return nil }), nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := New(0, TaskFunc(func(ctx context.Context) error { return nil }), nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
