package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeScheduler hands the loop a controllable token supply.
type fakeScheduler struct {
	mu        sync.Mutex
	totalSent float64
	unpaid    float64
	started   int
	stopped   chan struct{}
	awaited   chan struct{} // signalled on each AwaitFullToken entry
}

func newFakeScheduler(totalSent, unpaid float64) *fakeScheduler {
	return &fakeScheduler{
		totalSent: totalSent,
		unpaid:    unpaid,
		stopped:   make(chan struct{}),
		awaited:   make(chan struct{}, 16),
	}
}

func (s *fakeScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *fakeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

func (s *fakeScheduler) TotalSent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSent
}

func (s *fakeScheduler) UnpaidTokens() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unpaid
}

func (s *fakeScheduler) MarkSent(tokens float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSent += tokens
	s.unpaid -= tokens
	if s.unpaid < 0 {
		s.unpaid = 0
	}
}

func (s *fakeScheduler) AwaitFullToken(ctx context.Context) bool {
	s.awaited <- struct{}{}
	select {
	case <-s.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// fakeConn is a Connection whose lifecycle the test controls.
type fakeConn struct {
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	err       error
	ended     bool
	destroyed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) End() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	c.finish(nil)
}

func (c *fakeConn) Destroy(err error) {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.finish(err)
}

func testLoop(sched Scheduler, onError func(error)) *Loop {
	return NewLoop(LoopConfig{
		Schedule:       sched,
		RequestID:      "req-test",
		AttemptTimeout: time.Second,
		RetryDelay:     time.Millisecond,
		OnError:        onError,
	})
}

func waitAwaited(t *testing.T, sched *fakeScheduler) {
	t.Helper()
	select {
	case <-sched.awaited:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never awaited a full token")
	}
}

func TestEndingDrainsWithoutDust(t *testing.T) {
	sched := newFakeScheduler(1, 0.03)
	loop := testLoop(sched, nil)

	attempts := 0
	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			attempts++
			return nil, errors.New("should not be called")
		})
		close(runDone)
	}()

	waitAwaited(t, sched)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v; want nil", err)
	}
	<-runDone

	if attempts != 0 {
		t.Fatalf("attempt called %d times; want 0 (0.03 rounds to dust)", attempts)
	}
	if loop.GaveUp() {
		t.Fatal("GaveUp() = true; want false")
	}
}

func TestEndingRetryBound(t *testing.T) {
	sched := newFakeScheduler(1, 0.5)

	var errCount int
	var errMu sync.Mutex
	loop := testLoop(sched, func(err error) {
		errMu.Lock()
		errCount++
		errMu.Unlock()
	})

	attempts := 0
	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			attempts++
			return nil, errors.New("boom")
		})
		close(runDone)
	}()

	waitAwaited(t, sched)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v; want nil", err)
	}
	<-runDone

	if attempts != stopRetries {
		t.Fatalf("attempt called %d times; want %d", attempts, stopRetries)
	}
	errMu.Lock()
	defer errMu.Unlock()
	if errCount != stopRetries {
		t.Fatalf("OnError called %d times; want %d", errCount, stopRetries)
	}
	if !loop.GaveUp() {
		t.Fatal("GaveUp() = false; want true after retry bound")
	}
}

func TestExhaustionIsNotFailure(t *testing.T) {
	sched := newFakeScheduler(0, 1)
	loop := testLoop(sched, func(err error) {
		t.Errorf("OnError called with %v; exhaustion must not count as failure", err)
	})

	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			conn := newFakeConn()
			conn.finish(&RejectError{Message: exhaustedMessage})
			return conn, nil
		})
		close(runDone)
	}()

	// The first (exhausted) payment must count as sent, after which the
	// loop waits for the next full token.
	waitAwaited(t, sched)
	if got := sched.TotalSent(); got != 1 {
		t.Fatalf("TotalSent() = %v; want 1 after exhausted connection", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Pause(ctx); err != nil {
		t.Fatalf("Pause() = %v; want nil", err)
	}
	<-runDone
}

func TestPausePreemptsTokenWait(t *testing.T) {
	sched := newFakeScheduler(1, 0)
	loop := testLoop(sched, nil)

	attempts := 0
	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			attempts++
			return nil, errors.New("should not be called")
		})
		close(runDone)
	}()

	waitAwaited(t, sched)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Pause(ctx); err != nil {
		t.Fatalf("Pause() = %v; want nil", err)
	}
	<-runDone

	if attempts != 0 {
		t.Fatalf("attempt called %d times; want 0 (pause preempts the wait)", attempts)
	}
	if loop.Running() {
		t.Fatal("Running() = true after pause")
	}
}

func TestRunWhileRunningIsNoop(t *testing.T) {
	sched := newFakeScheduler(1, 0)
	loop := testLoop(sched, nil)

	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			return nil, errors.New("should not be called")
		})
		close(runDone)
	}()
	waitAwaited(t, sched)

	// Second Run must return immediately but still restart the scheduler.
	loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
		return nil, errors.New("should not be called")
	})

	sched.mu.Lock()
	started := sched.started
	sched.mu.Unlock()
	if started != 2 {
		t.Fatalf("scheduler started %d times; want 2", started)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Pause(ctx); err != nil {
		t.Fatalf("Pause() = %v; want nil", err)
	}
	<-runDone
}

func TestStopDuringFirstTokenDestroysConnection(t *testing.T) {
	sched := newFakeScheduler(0, 0.5)
	loop := testLoop(sched, nil)

	conn := newFakeConn()
	proceed := make(chan struct{})
	attemptStarted := make(chan struct{})
	calls := 0

	runDone := make(chan struct{})
	go func() {
		loop.Run(context.Background(), func(ctx context.Context, fraction float64) (Connection, error) {
			calls++
			if calls == 1 {
				close(attemptStarted)
				<-proceed
				return conn, nil
			}
			// Let the drain settle on the retry.
			return nil, &RejectError{Message: exhaustedMessage}
		})
		close(runDone)
	}()

	<-attemptStarted
	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopDone <- loop.Stop(ctx)
	}()

	// Wait for the stop to take effect, then let the attempt return.
	deadline := time.Now().Add(2 * time.Second)
	for loop.StateName() != "ending" {
		if time.Now().After(deadline) {
			t.Fatal("loop never reached ending state")
		}
		time.Sleep(time.Millisecond)
	}
	close(proceed)

	if err := <-stopDone; err != nil {
		t.Fatalf("Stop() = %v; want nil", err)
	}
	<-runDone

	conn.mu.Lock()
	destroyed := conn.destroyed
	conn.mu.Unlock()
	if !destroyed {
		t.Fatal("in-flight first-token connection was not destroyed on stop")
	}
}
