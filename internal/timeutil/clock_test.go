package timeutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestWaitZeroDurationReturnsImmediately(t *testing.T) {
	if err := Wait(context.Background(), NewMockClock(epoch), 0); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWaitCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Wait(ctx, RealClock{}, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitAbortsMidWait(t *testing.T) {
	clock := NewMockClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Wait(ctx, clock, time.Second) }()

	for clock.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestWaitCompletesOnAdvance(t *testing.T) {
	clock := NewMockClock(epoch)
	done := make(chan error, 1)
	go func() { done <- Wait(context.Background(), clock, 300*time.Millisecond) }()

	for clock.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(200 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Wait returned before the settling delay elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Advance")
	}
}

func TestMockClockNowAndSince(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Advance(5 * time.Second)
	if got := clock.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now() = %v", got)
	}
	if got := clock.Since(epoch); got != 5*time.Second {
		t.Errorf("Since() = %v", got)
	}
}

func TestMockTicker(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
