package stream

import (
	"context"
	"sync"
	"time"
)

// Scheduler produces a steady token supply representing "amount payable
// now". One token is one complete scheduling unit.
type Scheduler interface {
	// Start begins (or resumes) token accrual. Safe to call repeatedly.
	Start()
	// Stop halts accrual and interrupts any pending AwaitFullToken.
	Stop()
	// TotalSent returns the number of tokens already paid out.
	TotalSent() float64
	// UnpaidTokens returns the accrued-but-unpaid amount.
	UnpaidTokens() float64
	// MarkSent records tokens as paid after a connection settles.
	MarkSent(tokens float64)
	// AwaitFullToken blocks until a full unpaid token is available. It
	// returns false when interrupted by Stop or context cancellation, in
	// which case the caller must re-evaluate its state before paying.
	AwaitFullToken(ctx context.Context) bool
}

// BandwidthScheduler accrues tokens linearly over wall-clock time while
// started.
type BandwidthScheduler struct {
	tokenInterval time.Duration // time to accrue one full token

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	base      float64 // tokens accrued across previous running spans
	sent      float64
	stopped   chan struct{}
}

// NewBandwidthScheduler returns a scheduler accruing one token per
// tokenInterval of running time.
func NewBandwidthScheduler(tokenInterval time.Duration) *BandwidthScheduler {
	closed := make(chan struct{})
	close(closed)
	return &BandwidthScheduler{tokenInterval: tokenInterval, stopped: closed}
}

func (s *BandwidthScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.stopped = make(chan struct{})
}

func (s *BandwidthScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.base = s.accruedLocked()
	s.running = false
	close(s.stopped)
}

func (s *BandwidthScheduler) accruedLocked() float64 {
	if !s.running {
		return s.base
	}
	return s.base + float64(time.Since(s.startedAt))/float64(s.tokenInterval)
}

func (s *BandwidthScheduler) TotalSent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *BandwidthScheduler) UnpaidTokens() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	unpaid := s.accruedLocked() - s.sent
	if unpaid < 0 {
		return 0
	}
	return unpaid
}

func (s *BandwidthScheduler) MarkSent(tokens float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += tokens
}

func (s *BandwidthScheduler) AwaitFullToken(ctx context.Context) bool {
	for {
		s.mu.Lock()
		deficit := 1 - (s.accruedLocked() - s.sent)
		running := s.running
		stopped := s.stopped
		s.mu.Unlock()

		if deficit <= 0 {
			return true
		}
		if !running {
			return false
		}

		timer := time.NewTimer(time.Duration(deficit * float64(s.tokenInterval)))
		select {
		case <-timer.C:
			// re-check; MarkSent may have moved the goalposts
		case <-stopped:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}
