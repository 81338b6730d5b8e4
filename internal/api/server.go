package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/wm_agent/internal/relay"
	"github.com/dgnsrekt/wm_agent/internal/router"
	"github.com/dgnsrekt/wm_agent/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrTabNotFound is returned by Service implementations when the
// requested tab is not attached.
var ErrTabNotFound = errors.New("tab not found")

// Service is the agent surface the HTTP API exposes.
type Service interface {
	Health(ctx context.Context) HealthInfo
	ListTabs(ctx context.Context) []TabSummary
	GetTabFrames(ctx context.Context, tabID int) ([]types.Frame, error)
	GetTabState(ctx context.Context, tabID int) (types.TabState, error)
	ListSessions(ctx context.Context) []router.SessionInfo
	StopSession(ctx context.Context, tabID int) error
	PauseSession(ctx context.Context, tabID int) error
	ResumeSession(ctx context.Context, tabID int) error
	SetStreamControls(ctx context.Context, tabID int, sticky, play bool) error
}

// HealthInfo reports agent liveness and attachment counts.
type HealthInfo struct {
	Status     string `json:"status"`
	Tabs       int    `json:"tabs"`
	Sessions   int    `json:"sessions"`
	SSEClients int    `json:"sse_clients"`
}

// TabSummary is one attached tab plus its monetization state.
type TabSummary struct {
	TabID  int            `json:"tab_id"`
	Frames int            `json:"frames"`
	State  types.TabState `json:"state"`
}

type tabIDInput struct {
	TabID int `path:"tab_id"`
}

// NewServer builds the HTTP handler: typed REST routes plus the SSE
// event feed at /api/v1/events.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(requestLogger)
	mux.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("WM Agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(mux, cfg)

	mux.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	mux.Get("/api/v1/events", relay.SSEHandler(broker))

	registerTabHandlers(api, svc)
	registerSessionHandlers(api, svc)

	return mux
}

func registerTabHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body HealthInfo
	}

	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Agent health and attachment counts", Tags: []string{"Agent"}},
		func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body = svc.Health(ctx)
			return out, nil
		})

	type listTabsOutput struct {
		Body struct {
			Tabs []TabSummary `json:"tabs"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, _ *struct{}) (*listTabsOutput, error) {
			out := &listTabsOutput{}
			out.Body.Tabs = svc.ListTabs(ctx)
			return out, nil
		})

	type framesOutput struct {
		Body struct {
			Frames []types.Frame `json:"frames"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "get-tab-frames", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/frames", Summary: "Tracked frames of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*framesOutput, error) {
			frames, err := svc.GetTabFrames(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &framesOutput{}
			out.Body.Frames = frames
			return out, nil
		})

	type tabStateOutput struct {
		Body types.TabState
	}

	huma.Register(api, huma.Operation{OperationID: "get-tab-state", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/state", Summary: "Monetization state of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabStateOutput, error) {
			state, err := svc.GetTabState(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabStateOutput{}
			out.Body = state
			return out, nil
		})
}

func registerSessionHandlers(api huma.API, svc Service) {
	type listSessionsOutput struct {
		Body struct {
			Sessions []router.SessionInfo `json:"sessions"`
		}
	}

	huma.Register(api, huma.Operation{OperationID: "list-sessions", Method: http.MethodGet, Path: "/api/v1/sessions", Summary: "List live payment sessions", Tags: []string{"Sessions"}},
		func(ctx context.Context, _ *struct{}) (*listSessionsOutput, error) {
			out := &listSessionsOutput{}
			out.Body.Sessions = svc.ListSessions(ctx)
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "stop-session", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/stop", Summary: "Stop the tab's payment session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *tabIDInput) (*struct{}, error) {
			if err := svc.StopSession(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})

	huma.Register(api, huma.Operation{OperationID: "pause-session", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/pause", Summary: "Pause the tab's payment session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *tabIDInput) (*struct{}, error) {
			if err := svc.PauseSession(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resume-session", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/resume", Summary: "Resume a paused payment session", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *tabIDInput) (*struct{}, error) {
			if err := svc.ResumeSession(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-stream-controls", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/controls", Summary: "Set sticky and play controls for a tab", Tags: []string{"Sessions"}},
		func(ctx context.Context, input *struct {
			TabID int `path:"tab_id"`
			Body  struct {
				Sticky bool `json:"sticky" doc:"Hold the stream open across pause requests"`
				Play   bool `json:"play" doc:"Whether media playback is active"`
			}
		}) (*struct{}, error) {
			if err := svc.SetStreamControls(ctx, input.TabID, input.Body.Sticky, input.Body.Play); err != nil {
				return nil, mapErr(err)
			}
			return nil, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTabNotFound) {
		return huma.Error404NotFound(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
