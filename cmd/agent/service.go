package main

import (
	"context"

	"github.com/dgnsrekt/wm_agent/internal/api"
	"github.com/dgnsrekt/wm_agent/internal/cdp"
	"github.com/dgnsrekt/wm_agent/internal/frames"
	"github.com/dgnsrekt/wm_agent/internal/relay"
	"github.com/dgnsrekt/wm_agent/internal/router"
	"github.com/dgnsrekt/wm_agent/internal/types"
)

// agentService adapts the live components to the HTTP API surface.
type agentService struct {
	client   *cdp.Client
	registry *frames.Registry
	router   *router.Router
	broker   *relay.Broker
}

func (s *agentService) Health(ctx context.Context) api.HealthInfo {
	return api.HealthInfo{
		Status:     "ok",
		Tabs:       s.client.TabCount(),
		Sessions:   len(s.router.Sessions()),
		SSEClients: s.broker.ClientCount(),
	}
}

func (s *agentService) ListTabs(ctx context.Context) []api.TabSummary {
	ids, err := s.client.TabIDs(ctx)
	if err != nil {
		return nil
	}
	out := make([]api.TabSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, api.TabSummary{
			TabID:  id,
			Frames: len(s.registry.GetFrames(id)),
			State:  s.router.TabState(id),
		})
	}
	return out
}

func (s *agentService) GetTabFrames(ctx context.Context, tabID int) ([]types.Frame, error) {
	if !s.tabAttached(ctx, tabID) {
		return nil, api.ErrTabNotFound
	}
	return s.registry.GetFrames(tabID), nil
}

func (s *agentService) GetTabState(ctx context.Context, tabID int) (types.TabState, error) {
	if !s.tabAttached(ctx, tabID) {
		return types.TabState{}, api.ErrTabNotFound
	}
	return s.router.TabState(tabID), nil
}

func (s *agentService) ListSessions(ctx context.Context) []router.SessionInfo {
	return s.router.Sessions()
}

// StopSession is idempotent: stopping a tab with no live session still
// succeeds.
func (s *agentService) StopSession(ctx context.Context, tabID int) error {
	s.router.StopSession(tabID)
	return nil
}

func (s *agentService) PauseSession(ctx context.Context, tabID int) error {
	s.router.PauseSession(tabID)
	return nil
}

func (s *agentService) ResumeSession(ctx context.Context, tabID int) error {
	s.router.ResumeSession(tabID)
	return nil
}

func (s *agentService) SetStreamControls(ctx context.Context, tabID int, sticky, play bool) error {
	stickyState := types.StickyNormal
	if sticky {
		stickyState = types.StickySticky
	}
	playState := types.PlayPaused
	if play {
		playState = types.PlayPlaying
	}
	s.router.SetStreamControls(tabID, stickyState, playState, "")
	return nil
}

func (s *agentService) tabAttached(ctx context.Context, tabID int) bool {
	ids, err := s.client.TabIDs(ctx)
	if err != nil {
		return false
	}
	for _, id := range ids {
		if id == tabID {
			return true
		}
	}
	return false
}
