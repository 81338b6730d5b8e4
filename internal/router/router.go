// Package router binds the start/pause/resume/stop command surface to
// stream loops and routes payment progress back to the originating tab.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/auth"
	"github.com/dgnsrekt/wm_agent/internal/stream"
	"github.com/dgnsrekt/wm_agent/internal/tabstate"
	"github.com/dgnsrekt/wm_agent/internal/types"
	"github.com/google/uuid"
)

// stopTimeout bounds a graceful drain; past it the session context is
// cancelled outright.
const stopTimeout = 30 * time.Second

// Messenger delivers typed notifications to a tab's page context.
type Messenger interface {
	SendToTab(tabID int, msg types.TabMessage) error
}

// Sink receives a copy of session lifecycle and money events for
// diagnostics (journal, SSE feed). Implementations must not block.
type Sink interface {
	SessionEvent(tabID int, requestID, kind string, payload any)
}

// SessionInfo is a read-only snapshot for introspection surfaces.
type SessionInfo struct {
	TabID          int     `json:"tab_id"`
	RequestID      string  `json:"request_id"`
	PaymentPointer string  `json:"payment_pointer"`
	InitiatingURL  string  `json:"initiating_url"`
	State          string  `json:"state"`
	Running        bool    `json:"running"`
	Total          float64 `json:"total"`
}

type session struct {
	tabID     int
	requestID string
	details   types.StartRequest
	loop      *stream.Loop
	attempt   stream.AttemptFunc
	ctx       context.Context
	cancel    context.CancelFunc
}

// Config wires a Router. NewScheduler lets tests substitute token supply;
// nil selects the bandwidth scheduler with the given token interval.
type Config struct {
	States         *tabstate.Store
	Auth           auth.Provider
	Messenger      Messenger
	Dialer         stream.Dialer
	Sink           Sink // may be nil
	NewScheduler   func() stream.Scheduler
	TokenInterval  time.Duration
	RetryDelay     time.Duration // 0 = loop default
	AttemptTimeout time.Duration // 0 = loop default
}

// Router owns the tab<->stream mapping. At most one live session exists
// per tab; starting a new one explicitly closes any prior session for
// that tab. The maps are mutated only at session start/stop boundaries.
type Router struct {
	states         *tabstate.Store
	auth           auth.Provider
	messenger      Messenger
	dialer         stream.Dialer
	sink           Sink
	newScheduler   func() stream.Scheduler
	retryDelay     time.Duration
	attemptTimeout time.Duration

	mu            sync.Mutex
	tabsToStreams map[int]string
	streamsToTabs map[string]int
	sessions      map[string]*session
}

func New(cfg Config) *Router {
	newScheduler := cfg.NewScheduler
	if newScheduler == nil {
		interval := cfg.TokenInterval
		if interval == 0 {
			interval = time.Minute
		}
		newScheduler = func() stream.Scheduler { return stream.NewBandwidthScheduler(interval) }
	}
	return &Router{
		states:         cfg.States,
		auth:           cfg.Auth,
		messenger:      cfg.Messenger,
		dialer:         cfg.Dialer,
		sink:           cfg.Sink,
		newScheduler:   newScheduler,
		retryDelay:     cfg.RetryDelay,
		attemptTimeout: cfg.AttemptTimeout,
		tabsToStreams:  make(map[int]string),
		streamsToTabs:  make(map[string]int),
		sessions:       make(map[string]*session),
	}
}

// StartSession begins a payment stream for a tab. It refuses (returning
// false, with a "stopped" notification rather than an error) when no
// token is available, the account has no active entitlement, or a newer
// command has already superseded this start.
func (r *Router) StartSession(ctx context.Context, tabID int, req types.StartRequest) bool {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	r.states.LogLastCommand(tabID, "start")
	r.states.Set(tabID, func(st *types.TabState) {
		st.Monetized = true
	})

	// Optimistically emit pending off the cached flag; things may have
	// changed since the last whoami, in which case the refresh below
	// corrects course.
	emittedPending := false
	if r.auth.SubscriptionActive() {
		r.sendState(tabID, types.MonetizationPending, req.RequestID)
		emittedPending = true
	}

	token, err := r.auth.GetTokenMaybeRefresh(ctx)
	if err != nil {
		slog.Warn("token refresh failed", "tab_id", tabID, "error", err)
		token = ""
	}
	if token == "" {
		slog.Warn("start cancelled; no token", "tab_id", tabID)
		r.sendState(tabID, types.MonetizationStopped, req.RequestID)
		return false
	}
	if !r.auth.SubscriptionActive() {
		slog.Info("start cancelled; no active subscription", "tab_id", tabID)
		r.sendState(tabID, types.MonetizationStopped, req.RequestID)
		return false
	}
	if !emittedPending {
		r.sendState(tabID, types.MonetizationPending, req.RequestID)
	}

	// The token refresh suspended us; a newer pause/stop may have landed
	// meanwhile and wins.
	if last := r.states.Get(tabID).LastMonetization.Command; last != "start" {
		slog.Info("start cancelled; superseded", "tab_id", tabID, "by", last)
		return false
	}

	// One live session per tab: a restart supersedes by explicit close.
	r.closeStream(tabID)

	loop := stream.NewLoop(stream.LoopConfig{
		Schedule:       r.newScheduler(),
		RequestID:      req.RequestID,
		RetryDelay:     r.retryDelay,
		AttemptTimeout: r.attemptTimeout,
		OnError: func(err error) {
			slog.Debug("stream error; will retry", "request_id", req.RequestID, "error", err)
			r.emit(tabID, req.RequestID, "error", err.Error())
		},
	})
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		tabID:     tabID,
		requestID: req.RequestID,
		details:   req,
		loop:      loop,
		ctx:       sessCtx,
		cancel:    cancel,
	}
	sess.attempt = func(ctx context.Context, fraction float64) (stream.Connection, error) {
		return r.dialer.Dial(ctx, stream.PayRequest{
			RequestID:      req.RequestID,
			PaymentPointer: req.PaymentPointer,
			InitiatingURL:  req.InitiatingURL,
			TokenFraction:  fraction,
			Token:          token,
		})
	}

	r.mu.Lock()
	r.tabsToStreams[tabID] = req.RequestID
	r.streamsToTabs[req.RequestID] = tabID
	r.sessions[req.RequestID] = sess
	r.mu.Unlock()

	slog.Info("starting stream", "tab_id", tabID, "request_id", req.RequestID,
		"payment_pointer", req.PaymentPointer)
	r.emit(tabID, req.RequestID, "start", req)
	go r.drive(sess)
	return true
}

// drive runs the loop to completion and propagates a give-up as an abort.
func (r *Router) drive(sess *session) {
	sess.loop.Run(sess.ctx, sess.attempt)
	if sess.loop.GaveUp() {
		r.Abort(sess.requestID)
	}
}

// Abort handles a protocol-level irrecoverable failure, treated
// identically to an externally issued stop.
func (r *Router) Abort(requestID string) {
	r.mu.Lock()
	tabID, ok := r.streamsToTabs[requestID]
	r.mu.Unlock()
	if !ok {
		return // already closed
	}
	slog.Warn("aborting monetization request", "request_id", requestID, "tab_id", tabID)
	r.emit(tabID, requestID, "abort", nil)
	r.StopSession(tabID)
}

// PauseSession pauses the tab's stream. No-op when the tab is sticky.
func (r *Router) PauseSession(tabID int) {
	if r.states.Get(tabID).StickyState == types.StickySticky {
		return
	}
	r.doPause(tabID)
}

func (r *Router) doPause(tabID int) {
	r.states.LogLastCommand(tabID, "pause")
	sess := r.sessionForTab(tabID)
	if sess == nil {
		return
	}
	slog.Info("pausing stream", "tab_id", tabID, "request_id", sess.requestID)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sess.loop.Pause(ctx); err != nil {
		slog.Warn("pause did not settle in time", "request_id", sess.requestID, "error", err)
	}
	r.sendState(tabID, types.MonetizationStopped, sess.requestID)
	r.emit(tabID, sess.requestID, "pause", nil)
}

// ResumeSession resumes a paused stream. No-op when the user explicitly
// paused playback.
func (r *Router) ResumeSession(tabID int) {
	if r.states.Get(tabID).PlayState == types.PlayPaused {
		return
	}
	r.doResume(tabID)
}

func (r *Router) doResume(tabID int) {
	r.states.LogLastCommand(tabID, "resume")
	sess := r.sessionForTab(tabID)
	if sess == nil {
		return
	}
	slog.Info("resuming stream", "tab_id", tabID, "request_id", sess.requestID)
	r.sendState(tabID, types.MonetizationPending, sess.requestID)
	r.emit(tabID, sess.requestID, "resume", nil)
	go r.drive(sess)
}

// StopSession closes the tab's session if one exists, clears the tab
// state and notifies the tab with a terminal "stopped". Always succeeds;
// safe on tabs with no session.
func (r *Router) StopSession(tabID int) bool {
	r.states.LogLastCommand(tabID, "stop")
	requestID, closed := r.closeStream(tabID)
	r.sendState(tabID, types.MonetizationStopped, requestID)
	r.states.Clear(tabID)
	if closed {
		r.emit(tabID, requestID, "stop", nil)
	}
	return true
}

// closeStream drains and unmaps the tab's session, if any. The mapping is
// removed before the drain so late events route nowhere instead of to a
// dying session.
func (r *Router) closeStream(tabID int) (string, bool) {
	r.mu.Lock()
	requestID, ok := r.tabsToStreams[tabID]
	var sess *session
	if ok {
		sess = r.sessions[requestID]
		delete(r.tabsToStreams, tabID)
		delete(r.streamsToTabs, requestID)
		delete(r.sessions, requestID)
	}
	r.mu.Unlock()
	if sess == nil {
		return requestID, ok
	}

	slog.Info("closing stream", "tab_id", tabID, "request_id", requestID)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sess.loop.Stop(ctx); err != nil {
		slog.Warn("drain timed out; cancelling session", "request_id", requestID, "error", err)
	}
	sess.cancel()
	return requestID, true
}

// HandleMoney routes one payment-progress packet to the owning tab. The
// first packet of a session additionally triggers a distinct start
// notification, before the progress one.
func (r *Router) HandleMoney(ev types.MoneyEvent) {
	r.mu.Lock()
	tabID, ok := r.streamsToTabs[ev.RequestID]
	r.mu.Unlock()
	if !ok {
		slog.Debug("money event for unmapped stream", "request_id", ev.RequestID)
		return
	}

	if ev.PacketNumber == 0 {
		r.send(tabID, types.TabMessage{
			Command: types.NotifyMonetizationStart,
			Data: types.MonetizationStartData{
				PaymentPointer: ev.PaymentPointer,
				RequestID:      ev.RequestID,
			},
		})
		r.emit(tabID, ev.RequestID, "first-packet", nil)
		if r.states.Get(tabID).Adapted {
			r.send(tabID, types.TabMessage{Command: types.NotifyCheckAdaptedContent})
		}
	}

	total := r.states.AddTotal(tabID, ev.SentAmount)
	r.send(tabID, types.TabMessage{Command: types.NotifyMonetizationProgress, Data: ev})
	r.emit(tabID, ev.RequestID, "progress", map[string]any{"event": ev, "total": total})
}

// ContentScriptInit handles a reloading page: any stream for the tab is
// closed and the tab state reset. Noop when no stream exists.
func (r *Router) ContentScriptInit(tabID int) {
	r.closeStream(tabID)
	r.states.Clear(tabID)
}

// OnTabRemoved cleans up when a tab closes.
func (r *Router) OnTabRemoved(tabID int) {
	r.closeStream(tabID)
	r.states.Remove(tabID)
}

// MarkAdapted records a page's report that its content is adapted for
// monetized viewing. Consulted again on the first packet of a session.
func (r *Router) MarkAdapted(tabID int, adapted bool, coilSite string) {
	r.states.Set(tabID, func(st *types.TabState) {
		st.Adapted = adapted
		st.CoilSite = coilSite
	})
}

// SetStreamControls applies popup play/sticky toggles to a tab.
func (r *Router) SetStreamControls(tabID int, sticky types.StickyState, play types.PlayState, action string) {
	r.states.Set(tabID, func(st *types.TabState) {
		st.StickyState = sticky
		st.PlayState = play
	})
	if action == "togglePlayOrPause" {
		switch play {
		case types.PlayPaused:
			r.doPause(tabID)
		case types.PlayPlaying:
			r.doResume(tabID)
		}
	}
}

// TabState exposes a copy of the tab's state for introspection.
func (r *Router) TabState(tabID int) types.TabState {
	return r.states.Get(tabID)
}

// Sessions snapshots all live sessions.
func (r *Router) Sessions() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			TabID:          s.tabID,
			RequestID:      s.requestID,
			PaymentPointer: s.details.PaymentPointer,
			InitiatingURL:  s.details.InitiatingURL,
			State:          s.loop.StateName(),
			Running:        s.loop.Running(),
			Total:          r.states.Get(s.tabID).Total,
		})
	}
	return out
}

func (r *Router) sessionForTab(tabID int) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	requestID, ok := r.tabsToStreams[tabID]
	if !ok {
		return nil
	}
	return r.sessions[requestID]
}

func (r *Router) sendState(tabID int, state types.MonetizationState, requestID string) {
	r.mu.Lock()
	if mapped, ok := r.tabsToStreams[tabID]; ok {
		requestID = mapped
	}
	r.mu.Unlock()
	r.send(tabID, types.TabMessage{
		Command: types.NotifySetMonetizationState,
		Data:    types.SetMonetizationStateData{RequestID: requestID, State: state},
	})
}

func (r *Router) send(tabID int, msg types.TabMessage) {
	if err := r.messenger.SendToTab(tabID, msg); err != nil {
		slog.Debug("tab message delivery failed", "tab_id", tabID, "command", msg.Command, "error", err)
	}
}

func (r *Router) emit(tabID int, requestID, kind string, payload any) {
	if r.sink != nil {
		r.sink.SessionEvent(tabID, requestID, kind, payload)
	}
}
