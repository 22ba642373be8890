package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/xylen-coordinator/internal/clock"
)

func TestFakeSleepReleasesOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)

	done := make(chan struct{})
	go func() {
		fc.Sleep(context.Background(), 10*time.Second)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}

	if !fc.Now().Equal(start.Add(10 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", fc.Now(), start.Add(10*time.Second))
	}
}

func TestFakeSleepReleasesOnContextCancel(t *testing.T) {
	fc := clock.NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		fc.Sleep(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after context cancel")
	}
}

func TestRealNowAdvances(t *testing.T) {
	rc := clock.NewReal()
	t1 := rc.Now()
	rc.Sleep(context.Background(), time.Millisecond)
	t2 := rc.Now()
	if !t2.After(t1) {
		t.Fatalf("expected Now() to advance, got t1=%v t2=%v", t1, t2)
	}
}
