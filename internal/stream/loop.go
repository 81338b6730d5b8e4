package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

// The number of retries before giving up while draining.
const stopRetries = 5

const (
	defaultRetryDelay     = 2 * time.Second
	defaultAttemptTimeout = 30 * time.Second
)

type loopState int

const (
	stateDone loopState = iota
	stateLoop
	stateEnding
)

func (s loopState) String() string {
	switch s {
	case stateLoop:
		return "loop"
	case stateEnding:
		return "ending"
	default:
		return "done"
	}
}

// AttemptFunc opens one protocol connection paying the requested fraction
// of a token (0–1).
type AttemptFunc func(ctx context.Context, tokenFraction float64) (Connection, error)

// LoopConfig configures a Loop. Schedule and RequestID are required.
type LoopConfig struct {
	Schedule  Scheduler
	RequestID string
	// AttemptTimeout bounds a single connection attempt so a hung dial
	// cannot stall shutdown. Zero means the default.
	AttemptTimeout time.Duration
	// RetryDelay is the backoff between failed attempts. Zero means the
	// default.
	RetryDelay time.Duration
	// OnError receives retried protocol failures for diagnostics. May be
	// nil.
	OnError func(err error)
}

// Loop drives a sequence of protocol connections until told to end,
// honoring token availability and exhaustion signals.
//
// States: loop (steady running), ending (graceful drain), done (terminal).
// Stop moves to ending so the unpaid remainder is settled; Pause moves
// straight to done, keeping the loop reusable for a later Run.
type Loop struct {
	schedule       Scheduler
	requestID      string
	attemptTimeout time.Duration
	retryDelay     time.Duration
	onError        func(err error)

	mu      sync.Mutex
	state   loopState
	running bool
	conn    Connection
	exit    chan struct{}
	wake    chan struct{}
	gaveUp  bool
}

func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		schedule:       cfg.Schedule,
		requestID:      cfg.RequestID,
		attemptTimeout: cfg.AttemptTimeout,
		retryDelay:     cfg.RetryDelay,
		onError:        cfg.OnError,
	}
	if l.attemptTimeout == 0 {
		l.attemptTimeout = defaultAttemptTimeout
	}
	if l.retryDelay == 0 {
		l.retryDelay = defaultRetryDelay
	}
	return l
}

// Run drives the payment loop until the state is done. Calling Run while a
// loop is already active is a no-op, though the scheduler is (re)started
// unconditionally, which is what resumes a paused session.
func (l *Loop) Run(ctx context.Context, attempt AttemptFunc) {
	l.mu.Lock()
	l.state = stateLoop
	l.gaveUp = false
	l.schedule.Start()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	exit := make(chan struct{})
	l.exit = exit
	l.wake = make(chan struct{}, 1)
	l.mu.Unlock()

	attempts := 0 // retry count while state=ending
	for l.currentState() != stateDone && ctx.Err() == nil {
		isFirstToken := l.schedule.TotalSent() == 0
		fraction := 1.0
		switch l.currentState() {
		case stateLoop:
			// After the very first token payment, wait out a full token
			// before paying again.
			if !isFirstToken {
				if !l.schedule.AwaitFullToken(ctx) {
					// Interrupted, likely by pause/stop. Re-evaluate state
					// instead of paying.
					continue
				}
			}
		case stateEnding:
			fraction = math.Min(l.schedule.UnpaidTokens(), 1.0)
			fraction = math.Floor(fraction*20) / 20 // don't pay tiny token pieces
			if fraction == 0 {
				l.setState(stateDone)
				continue
			}
		}

		err := l.payOnce(ctx, attempt, fraction, isFirstToken)
		if err == nil {
			attempts = 0
			continue
		}
		if l.onError != nil {
			l.onError(err)
		}
		if l.currentState() == stateEnding {
			attempts++
			if attempts == stopRetries {
				slog.Warn("stream loop giving up after repeated errors",
					"request_id", l.requestID, "attempts", attempts, "error", err)
				l.mu.Lock()
				l.state = stateDone
				l.gaveUp = true
				l.mu.Unlock()
				continue
			}
		}
		slog.Debug("stream attempt failed; retrying", "request_id", l.requestID,
			"delay", l.retryDelay, "error", err)
		l.backoff(ctx)
	}

	l.mu.Lock()
	l.running = false
	close(exit)
	l.mu.Unlock()
}

// payOnce opens one connection and waits for it to close or error. An
// exhausted-capacity signal counts as success: it means the requested
// amount was fully consumed.
func (l *Loop) payOnce(ctx context.Context, attempt AttemptFunc, fraction float64, firstToken bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.attemptTimeout)
	conn, err := attempt(dialCtx, fraction)
	cancel()
	if err != nil {
		if IsExhausted(err) {
			l.schedule.MarkSent(fraction)
			return nil
		}
		return err
	}

	l.mu.Lock()
	l.conn = conn
	endingDuringFirst := l.state == stateEnding && firstToken
	l.mu.Unlock()

	// A stop issued mid-connect during the first token would otherwise
	// wait out the whole first payment; tear it down to bound shutdown
	// latency.
	if endingDuringFirst {
		conn.Destroy(errors.New("monetization stopped during connect"))
	}

	var connErr error
	select {
	case <-conn.Done():
		connErr = conn.Err()
	case <-ctx.Done():
		conn.Destroy(ctx.Err())
		<-conn.Done()
		connErr = ctx.Err()
	}

	l.mu.Lock()
	l.conn = nil
	l.mu.Unlock()

	if connErr != nil && !IsExhausted(connErr) {
		return connErr
	}
	l.schedule.MarkSent(fraction)
	return nil
}

func (l *Loop) backoff(ctx context.Context) {
	l.mu.Lock()
	wake := l.wake
	l.mu.Unlock()
	timer := time.NewTimer(l.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-ctx.Done():
	}
}

// Stop requests a graceful drain: the unpaid remainder is settled before
// the loop exits. Blocks until the run loop has actually exited.
func (l *Loop) Stop(ctx context.Context) error {
	return l.shutdown(ctx, stateEnding)
}

// Pause halts immediately without settling the remainder. The loop stays
// usable; a later Run resumes payment.
func (l *Loop) Pause(ctx context.Context) error {
	return l.shutdown(ctx, stateDone)
}

func (l *Loop) shutdown(ctx context.Context, to loopState) error {
	l.mu.Lock()
	l.state = to
	l.schedule.Stop()
	conn := l.conn
	running := l.running
	exit := l.exit
	wake := l.wake
	l.mu.Unlock()

	if conn != nil {
		conn.End()
	}
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	if running {
		select {
		case <-exit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GaveUp reports whether the last run ended because the drain retry bound
// was exhausted, which the router treats as an abort.
func (l *Loop) GaveUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gaveUp
}

// Running reports whether a run loop is currently active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// StateName returns the current state for introspection surfaces.
func (l *Loop) StateName() string {
	return l.currentState().String()
}

func (l *Loop) currentState() loopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s loopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
