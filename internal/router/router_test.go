package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/stream"
	"github.com/dgnsrekt/wm_agent/internal/tabstate"
	"github.com/dgnsrekt/wm_agent/internal/types"
)

type fakeAuth struct {
	token     string
	active    bool
	onRefresh func()
}

func (f *fakeAuth) GetTokenMaybeRefresh(ctx context.Context) (string, error) {
	if f.onRefresh != nil {
		f.onRefresh()
	}
	return f.token, nil
}

func (f *fakeAuth) SubscriptionActive() bool { return f.active }

type fakeMessenger struct {
	mu   sync.Mutex
	sent []types.TabMessage
}

func (m *fakeMessenger) SendToTab(tabID int, msg types.TabMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMessenger) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, msg := range m.sent {
		out[i] = msg.Command
	}
	return out
}

func (m *fakeMessenger) lastState() (types.SetMonetizationStateData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Command == types.NotifySetMonetizationState {
			return m.sent[i].Data.(types.SetMonetizationStateData), true
		}
	}
	return types.SetMonetizationStateData{}, false
}

type fakeConn struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
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

func (c *fakeConn) End()              { c.finish(nil) }
func (c *fakeConn) Destroy(err error) { c.finish(err) }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, req stream.PayRequest) (stream.Connection, error) {
	c := &fakeConn{done: make(chan struct{})}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// manualScheduler never accrues on its own: one token is available up
// front and waits block until stopped.
type manualScheduler struct {
	mu      sync.Mutex
	sent    float64
	unpaid  float64
	stopped chan struct{}
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{unpaid: 1, stopped: make(chan struct{})}
}

func (s *manualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
		s.stopped = make(chan struct{})
	default:
	}
}

func (s *manualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
}

func (s *manualScheduler) TotalSent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *manualScheduler) UnpaidTokens() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unpaid
}

func (s *manualScheduler) MarkSent(tokens float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += tokens
	s.unpaid -= tokens
	if s.unpaid < 0 {
		s.unpaid = 0
	}
}

func (s *manualScheduler) AwaitFullToken(ctx context.Context) bool {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	select {
	case <-stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

type harness struct {
	router    *Router
	states    *tabstate.Store
	auth      *fakeAuth
	messenger *fakeMessenger
	dialer    *fakeDialer
}

func newHarness() *harness {
	states := tabstate.NewStore()
	a := &fakeAuth{token: "tok", active: true}
	m := &fakeMessenger{}
	d := &fakeDialer{}
	r := New(Config{
		States:       states,
		Auth:         a,
		Messenger:    m,
		Dialer:       d,
		NewScheduler: func() stream.Scheduler { return newManualScheduler() },
		RetryDelay:   time.Millisecond,
	})
	return &harness{router: r, states: states, auth: a, messenger: m, dialer: d}
}

func TestStartRefusedWithoutToken(t *testing.T) {
	h := newHarness()
	h.auth.token = ""
	h.auth.active = false

	if h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"}) {
		t.Fatal("StartSession() = true; want false without a token")
	}
	state, ok := h.messenger.lastState()
	if !ok || state.State != types.MonetizationStopped {
		t.Fatalf("last state notification = %+v; want stopped", state)
	}
	if got := len(h.router.Sessions()); got != 0 {
		t.Fatalf("Sessions() has %d entries; want 0", got)
	}
}

func TestStartRefusedWithoutSubscription(t *testing.T) {
	h := newHarness()
	h.auth.active = false

	if h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"}) {
		t.Fatal("StartSession() = true; want false without an active subscription")
	}
	state, _ := h.messenger.lastState()
	if state.State != types.MonetizationStopped {
		t.Fatalf("last state = %v; want stopped", state.State)
	}
}

func TestStartSupersededByStopDuringRefresh(t *testing.T) {
	h := newHarness()
	h.auth.onRefresh = func() {
		// A stop lands while the token refresh is in flight.
		h.states.LogLastCommand(1, "stop")
	}

	if h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"}) {
		t.Fatal("StartSession() = true; want false when superseded by stop")
	}
	if got := len(h.router.Sessions()); got != 0 {
		t.Fatalf("Sessions() has %d entries; want 0", got)
	}
}

func TestAtMostOneSessionPerTab(t *testing.T) {
	h := newHarness()

	if !h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"}) {
		t.Fatal("first StartSession() = false; want true")
	}
	if !h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r2"}) {
		t.Fatal("second StartSession() = false; want true")
	}

	sessions := h.router.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Sessions() has %d entries; want 1", len(sessions))
	}
	if sessions[0].RequestID != "r2" {
		t.Fatalf("live session = %q; want r2 (newer start supersedes)", sessions[0].RequestID)
	}

	h.router.StopSession(1)
}

func TestIdempotentStop(t *testing.T) {
	h := newHarness()

	if !h.router.StopSession(7) {
		t.Fatal("StopSession() = false on tab with no session; want true")
	}
	st := h.states.Get(7)
	if st.Monetized || st.Total != 0 || st.LastMonetization.Command != "" {
		t.Fatalf("TabState not cleared after stop: %+v", st)
	}
	state, ok := h.messenger.lastState()
	if !ok || state.State != types.MonetizationStopped {
		t.Fatalf("last notification = %+v; want stopped", state)
	}

	// And again, after a real session lifecycle.
	h.router.StartSession(context.Background(), 7, types.StartRequest{RequestID: "r1"})
	h.router.StopSession(7)
	if !h.router.StopSession(7) {
		t.Fatal("repeated StopSession() = false; want true")
	}
	if st := h.states.Get(7); st.Monetized || st.Total != 0 {
		t.Fatalf("TabState not cleared after repeated stop: %+v", st)
	}
}

func TestMoneyRoutingStartThenProgress(t *testing.T) {
	h := newHarness()
	h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1", PaymentPointer: "$wallet.example/alice"})

	h.router.HandleMoney(types.MoneyEvent{RequestID: "r1", PacketNumber: 0, SentAmount: 12})
	h.router.HandleMoney(types.MoneyEvent{RequestID: "r1", PacketNumber: 1, SentAmount: 5})

	var sawStart, sawProgress bool
	startFirst := false
	for _, cmd := range h.messenger.commands() {
		switch cmd {
		case types.NotifyMonetizationStart:
			sawStart = true
			startFirst = !sawProgress
		case types.NotifyMonetizationProgress:
			sawProgress = true
		}
	}
	if !sawStart || !sawProgress {
		t.Fatalf("commands = %v; want both start and progress", h.messenger.commands())
	}
	if !startFirst {
		t.Fatal("monetizationStart was not emitted before the first progress notification")
	}

	if got := h.states.Get(1).Total; got != 17 {
		t.Fatalf("Total = %v; want 17", got)
	}
	if !h.states.Get(1).Monetized {
		t.Fatal("tab not marked monetized after money events")
	}

	h.router.StopSession(1)
}

func TestMoneyEventForUnknownStreamIgnored(t *testing.T) {
	h := newHarness()
	h.router.HandleMoney(types.MoneyEvent{RequestID: "ghost", PacketNumber: 0, SentAmount: 3})
	if got := len(h.messenger.commands()); got != 0 {
		t.Fatalf("%d notifications sent for unmapped stream; want 0", got)
	}
}

func TestPauseNoopWhenSticky(t *testing.T) {
	h := newHarness()
	h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"})
	h.states.Set(1, func(st *types.TabState) { st.StickyState = types.StickySticky })

	h.router.PauseSession(1)
	if got := h.states.Get(1).LastMonetization.Command; got != "start" {
		t.Fatalf("last command = %q after sticky pause; want start (no-op)", got)
	}

	h.router.StopSession(1)
}

func TestResumeNoopWhenPaused(t *testing.T) {
	h := newHarness()
	h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"})
	h.router.PauseSession(1)
	h.states.Set(1, func(st *types.TabState) { st.PlayState = types.PlayPaused })

	h.router.ResumeSession(1)
	if got := h.states.Get(1).LastMonetization.Command; got != "pause" {
		t.Fatalf("last command = %q after paused resume; want pause (no-op)", got)
	}

	h.router.StopSession(1)
}

func TestAbortActsAsStop(t *testing.T) {
	h := newHarness()
	h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1"})

	h.router.Abort("r1")

	if got := len(h.router.Sessions()); got != 0 {
		t.Fatalf("Sessions() has %d entries after abort; want 0", got)
	}
	state, _ := h.messenger.lastState()
	if state.State != types.MonetizationStopped {
		t.Fatalf("last state = %v after abort; want stopped", state.State)
	}
	if st := h.states.Get(1); st.Monetized || st.Total != 0 {
		t.Fatalf("TabState not cleared after abort: %+v", st)
	}

	// Aborting an unknown request is harmless.
	h.router.Abort("ghost")
}

func TestEndToEndStartProgressStop(t *testing.T) {
	h := newHarness()

	if !h.router.StartSession(context.Background(), 1, types.StartRequest{RequestID: "r1", PaymentPointer: "$wallet.example/alice"}) {
		t.Fatal("StartSession() = false; want true")
	}
	state, ok := h.messenger.lastState()
	if !ok || state.State != types.MonetizationPending {
		t.Fatalf("state after start = %+v; want pending", state)
	}

	h.router.HandleMoney(types.MoneyEvent{RequestID: "r1", PaymentPointer: "$wallet.example/alice", PacketNumber: 0, SentAmount: 10})

	cmds := h.messenger.commands()
	wantTail := []string{types.NotifyMonetizationStart, types.NotifyMonetizationProgress}
	if len(cmds) < len(wantTail) {
		t.Fatalf("commands = %v; want tail %v", cmds, wantTail)
	}
	for i, want := range wantTail {
		if got := cmds[len(cmds)-len(wantTail)+i]; got != want {
			t.Fatalf("commands = %v; want tail %v", cmds, wantTail)
		}
	}

	h.router.StopSession(1)
	state, _ = h.messenger.lastState()
	if state.State != types.MonetizationStopped {
		t.Fatalf("state after stop = %v; want stopped", state.State)
	}
	st := h.states.Get(1)
	if st.Monetized || st.Total != 0 || st.PlayState != types.PlayPlaying || st.StickyState != types.StickyNormal {
		t.Fatalf("TabState after stop = %+v; want defaults", st)
	}
}
