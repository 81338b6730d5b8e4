package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/journal"
	"github.com/dgnsrekt/wm_agent/internal/notify"
	"github.com/dgnsrekt/wm_agent/internal/relay"
	"github.com/dgnsrekt/wm_agent/internal/types"
)

// eventSink fans session events out to the journal, the SSE feed and, for
// aborts, the NTFY endpoint. It tracks the initiating URL per request so
// later events land under the right journal segment.
type eventSink struct {
	journal      *journal.Journal
	broker       *relay.Broker
	ntfyEndpoint string

	mu   sync.Mutex
	urls map[string]string // requestID -> initiating URL
}

func newEventSink(j *journal.Journal, broker *relay.Broker, ntfyEndpoint string) *eventSink {
	return &eventSink{
		journal:      j,
		broker:       broker,
		ntfyEndpoint: ntfyEndpoint,
		urls:         make(map[string]string),
	}
}

func (s *eventSink) SessionEvent(tabID int, requestID, kind string, payload any) {
	url := s.trackURL(requestID, kind, payload)

	if err := s.journal.Record(journal.Entry{
		TabID:         tabID,
		RequestID:     requestID,
		Kind:          kind,
		InitiatingURL: url,
		Payload:       payload,
	}); err != nil {
		slog.Debug("Journal write skipped", "kind", kind, "error", err)
	}

	s.broker.PublishJSON(feedFor(kind), map[string]any{
		"tabId":     tabID,
		"requestId": requestID,
		"kind":      kind,
		"payload":   payload,
	})

	if kind == "abort" && s.ntfyEndpoint != "" {
		go s.sendAbortAlert(tabID, requestID, url)
	}
}

func (s *eventSink) trackURL(requestID, kind string, payload any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == "start" {
		if req, ok := payload.(types.StartRequest); ok {
			s.urls[requestID] = req.InitiatingURL
		}
	}
	url := s.urls[requestID]
	if kind == "stop" || kind == "abort" {
		delete(s.urls, requestID)
	}
	return url
}

func (s *eventSink) sendAbortAlert(tabID int, requestID, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := notify.SendAbortAlert(ctx, http.DefaultClient, s.ntfyEndpoint, tabID, requestID, url); err != nil {
		slog.Warn("Abort alert failed", "tab_id", tabID, "request_id", requestID, "error", err)
	}
}

func feedFor(kind string) string {
	switch kind {
	case "first-packet":
		return types.NotifyMonetizationStart
	case "progress":
		return types.NotifyMonetizationProgress
	default:
		return "session"
	}
}
