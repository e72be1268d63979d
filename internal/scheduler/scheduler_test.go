package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SettleCore/internal/observability"
)

var testMetrics = observability.NewMetrics()

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunsPassesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var ticks atomic.Int32
	done := make(chan struct{})

	passes := []Pass{
		{Name: "first", Run: func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			return nil
		}},
		{Name: "second", Run: func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			if ticks.Add(1) == 1 {
				close(done)
			}
			return nil
		}},
	}

	s := New(20*time.Millisecond, func() bool { return true }, passes,
		testMetrics, observability.NewLogger("scheduler-test"))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	<-done
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("pass order = %v", order)
	}
}

func TestSinkGateSkipsPasses(t *testing.T) {
	var ran atomic.Int32
	var ready atomic.Bool

	passes := []Pass{{Name: "work", Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}}

	s := New(50*time.Millisecond, ready.Load, passes,
		testMetrics, observability.NewLogger("scheduler-test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Gate closed: the re-arm delay fires many times without running work.
	time.Sleep(120 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatalf("passes ran %d times with sink missing", ran.Load())
	}

	// Gate opens: the next (short) re-arm runs the work.
	ready.Store(true)
	waitFor(t, time.Second, func() bool { return ran.Load() > 0 })
}

func TestSingleFlight(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})

	passes := []Pass{{Name: "slow", Run: func(ctx context.Context) error {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}}

	s := New(15*time.Millisecond, func() bool { return true }, passes,
		testMetrics, observability.NewLogger("scheduler-test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, time.Second, func() bool { return started.Load() == 1 })

	// Several intervals elapse while the first tick is stuck; no second
	// tick may start.
	time.Sleep(80 * time.Millisecond)
	if got := started.Load(); got != 1 {
		t.Errorf("ticks started = %d, want 1", got)
	}

	close(release)
	waitFor(t, time.Second, func() bool { return started.Load() >= 2 })
}

func TestRunOnce(t *testing.T) {
	var ran int
	s := New(time.Hour, func() bool { return true },
		[]Pass{{Name: "work", Run: func(context.Context) error { ran++; return nil }}},
		testMetrics, observability.NewLogger("scheduler-test"))

	s.RunOnce(context.Background())
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(10*time.Millisecond, func() bool { return true }, nil,
		testMetrics, observability.NewLogger("scheduler-test"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
