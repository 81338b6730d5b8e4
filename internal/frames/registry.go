package frames

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/wm_agent/internal/types"
)

// NavFrame is one frame as reported by the host's navigation telemetry.
// Telemetry is authoritative for URL and structure but cannot report
// in-page readiness.
type NavFrame struct {
	FrameID       int
	ParentFrameID int
	URL           string
}

// Host is the browser surface the registry consumes: frame enumeration for
// bootstrap, single-frame lookup to complete records that first appear via
// an in-page report, and one-shot probe injection to recover an unknown
// readiness state.
type Host interface {
	TabIDs(ctx context.Context) ([]int, error)
	EnumerateFrames(ctx context.Context, tabID int) ([]NavFrame, error)
	GetNavFrame(ctx context.Context, spec types.FrameSpec) (NavFrame, error)
	InjectProbe(ctx context.Context, spec types.FrameSpec) error
}

// partialFrame buffers updates for a frame that is not yet complete.
// It is surfaced as frameAdded only once every required field is known.
type partialFrame struct {
	frame     types.Frame
	hasFrame  bool
	hasParent bool
	hasHref   bool
	hasTop    bool
}

func (p *partialFrame) complete() bool {
	return p.hasFrame && p.hasParent && p.hasHref && p.hasTop
}

// Registry reconciles fragmented, out-of-order frame updates from two
// independent channels into per-tab frame lists. All storage is owned by
// the registry; callers only see copies and events.
type Registry struct {
	host   Host
	broker *Broker

	mu      sync.Mutex
	tabs    map[int][]*types.Frame
	pending map[types.FrameSpec]*partialFrame

	now func() int64 // millis, swappable in tests
}

func NewRegistry(host Host, broker *Broker) *Registry {
	return &Registry{
		host:    host,
		broker:  broker,
		tabs:    make(map[int][]*types.Frame),
		pending: make(map[types.FrameSpec]*partialFrame),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// GetFrames returns the complete frames of a tab in insertion order.
// The returned slice and its elements are copies.
func (r *Registry) GetFrames(tabID int) []types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := r.tabs[tabID]
	out := make([]types.Frame, len(frames))
	for i, f := range frames {
		out[i] = *f
	}
	return out
}

// GetFrame returns a copy of one complete frame, if present.
func (r *Registry) GetFrame(spec types.FrameSpec) (types.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f := r.lookup(spec); f != nil {
		return *f, true
	}
	return types.Frame{}, false
}

func (r *Registry) lookup(spec types.FrameSpec) *types.Frame {
	for _, f := range r.tabs[spec.TabID] {
		if f.FrameID == spec.FrameID {
			return f
		}
	}
	return nil
}

// UpdateOrAddFrame merges a partial update into the frame record for
// (tabID, frameID). Updates older than the stored record are discarded in
// their entirety; merge outcome is independent of arrival order given
// distinct timestamps. New frames are buffered until complete, then
// surfaced as a single frameAdded. Field changes on known frames emit one
// frameChanged carrying only the changed fields; a bare timestamp refresh
// emits nothing.
func (r *Registry) UpdateOrAddFrame(source string, tabID, frameID int, partial types.FrameUpdate) {
	if partial.LastUpdateTimeMS == 0 {
		partial.LastUpdateTimeMS = r.now()
	}
	spec := types.FrameSpec{TabID: tabID, FrameID: frameID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f := r.lookup(spec); f != nil {
		if f.LastUpdateTimeMS > partial.LastUpdateTimeMS {
			slog.Debug("ignoring stale frame update", "source", source, "tab_id", tabID, "frame_id", frameID,
				"stored_ms", f.LastUpdateTimeMS, "update_ms", partial.LastUpdateTimeMS)
			return
		}
		changed, changes := mergeFrame(f, partial)
		if changes == 0 {
			return
		}
		r.broker.Publish(Event{
			Type: FrameChanged, From: source, TabID: tabID, FrameID: frameID,
			Frame: copyFrame(f), Changed: changed,
		})
		return
	}

	p, ok := r.pending[spec]
	if !ok {
		p = &partialFrame{frame: types.Frame{FrameID: frameID, ParentFrameID: types.NoParentFrame}}
		r.pending[spec] = p
	} else if p.frame.LastUpdateTimeMS > partial.LastUpdateTimeMS {
		slog.Debug("ignoring stale frame update", "source", source, "tab_id", tabID, "frame_id", frameID)
		return
	}
	p.absorb(partial)

	if !p.complete() {
		slog.Debug("buffering incomplete frame", "source", source, "tab_id", tabID, "frame_id", frameID)
		return
	}

	delete(r.pending, spec)
	f := p.frame
	r.tabs[tabID] = append(r.tabs[tabID], &f)
	r.broker.Publish(Event{
		Type: FrameAdded, From: source, TabID: tabID, FrameID: frameID, Frame: copyFrame(&f),
	})
}

// absorb merges non-nil fields into the buffered record and marks them known.
func (p *partialFrame) absorb(u types.FrameUpdate) {
	if u.FrameID != nil {
		p.frame.FrameID = *u.FrameID
		p.hasFrame = true
	}
	if u.ParentFrameID != nil {
		p.frame.ParentFrameID = *u.ParentFrameID
		p.hasParent = true
	}
	if u.Href != nil {
		p.frame.Href = *u.Href
		p.hasHref = true
	}
	if u.Top != nil {
		p.frame.Top = *u.Top
		p.hasTop = true
	}
	if u.State != nil {
		p.frame.State = *u.State
	}
	p.frame.LastUpdateTimeMS = u.LastUpdateTimeMS
}

// mergeFrame applies non-nil fields in place and returns the changed field
// set plus the count of content changes. A timestamp refresh alone does
// not count as a content change.
func mergeFrame(f *types.Frame, u types.FrameUpdate) (*types.FrameUpdate, int) {
	changed := &types.FrameUpdate{LastUpdateTimeMS: u.LastUpdateTimeMS}
	changes := 0
	if u.FrameID != nil && f.FrameID != *u.FrameID {
		f.FrameID = *u.FrameID
		changed.FrameID = u.FrameID
		changes++
	}
	if u.ParentFrameID != nil && f.ParentFrameID != *u.ParentFrameID {
		f.ParentFrameID = *u.ParentFrameID
		changed.ParentFrameID = u.ParentFrameID
		changes++
	}
	if u.Href != nil && f.Href != *u.Href {
		f.Href = *u.Href
		changed.Href = u.Href
		changes++
	}
	if u.State != nil && f.State != *u.State {
		f.State = *u.State
		changed.State = u.State
		changes++
	}
	if u.Top != nil && f.Top != *u.Top {
		f.Top = *u.Top
		changed.Top = u.Top
		changes++
	}
	f.LastUpdateTimeMS = u.LastUpdateTimeMS
	return changed, changes
}

func copyFrame(f *types.Frame) *types.Frame {
	c := *f
	return &c
}

// RemoveFrame handles an explicit unload notification for one frame.
func (r *Registry) RemoveFrame(source string, spec types.FrameSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, spec)
	frames := r.tabs[spec.TabID]
	for i, f := range frames {
		if f.FrameID == spec.FrameID {
			r.tabs[spec.TabID] = append(frames[:i], frames[i+1:]...)
			r.broker.Publish(Event{Type: FrameRemoved, From: source, TabID: spec.TabID, FrameID: spec.FrameID})
			break
		}
	}
	if len(r.tabs[spec.TabID]) == 0 {
		delete(r.tabs, spec.TabID)
	}
}

// RemoveTab destroys all frames of a tab together (tab closed). Buffered
// records that never completed are logged as anomalies here.
func (r *Registry) RemoveTab(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for spec := range r.pending {
		if spec.TabID == tabID {
			slog.Warn("dropping frame that never completed", "tab_id", tabID, "frame_id", spec.FrameID)
			delete(r.pending, spec)
		}
	}
	frames := r.tabs[tabID]
	delete(r.tabs, tabID)
	for _, f := range frames {
		r.broker.Publish(Event{Type: FrameRemoved, From: "tabRemoved", TabID: tabID, FrameID: f.FrameID})
	}
}

// trackable applies the original telemetry filter: only http(s) frames
// that are the top frame or direct children of it are tracked.
func trackable(frameID, parentFrameID int, url string) bool {
	if !strings.HasPrefix(url, "http") {
		return false
	}
	return frameID == 0 || parentFrameID == 0
}

// OnNavigation ingests one navigation telemetry event. Telemetry never
// carries readiness, so a frame whose state is still unknown afterwards
// gets a one-shot probe.
func (r *Registry) OnNavigation(ctx context.Context, source string, tabID int, nav NavFrame) {
	if !trackable(nav.FrameID, nav.ParentFrameID, nav.URL) {
		return
	}
	r.UpdateOrAddFrame(source, tabID, nav.FrameID, types.FrameUpdate{
		FrameID:       types.Int(nav.FrameID),
		ParentFrameID: types.Int(nav.ParentFrameID),
		Href:          types.Str(nav.URL),
		Top:           types.Bool(nav.FrameID == 0),
	})
	spec := types.FrameSpec{TabID: tabID, FrameID: nav.FrameID}
	if f, ok := r.GetFrame(spec); ok && f.State == types.StateUnknown {
		r.requestFrameState(ctx, spec)
	}
}

// OnFrameStateReport ingests an in-page readiness report. Reports are
// authoritative for readiness but lag structure; a report for an unseen
// frame is completed from the host's navigation lookup.
func (r *Registry) OnFrameStateReport(ctx context.Context, spec types.FrameSpec, report types.FrameStateReport) {
	if _, ok := r.GetFrame(spec); ok {
		// top, frameId and parentFrameId don't change
		r.UpdateOrAddFrame("frameStateChange", spec.TabID, spec.FrameID, types.FrameUpdate{
			Href:  types.Str(report.Href),
			State: types.DocState(report.State),
		})
		return
	}
	nav, err := r.host.GetNavFrame(ctx, spec)
	if err != nil {
		slog.Warn("frame state report for unresolvable frame", "tab_id", spec.TabID, "frame_id", spec.FrameID, "error", err)
		return
	}
	r.UpdateOrAddFrame("frameStateChange", spec.TabID, spec.FrameID, types.FrameUpdate{
		FrameID:       types.Int(spec.FrameID),
		ParentFrameID: types.Int(nav.ParentFrameID),
		Href:          types.Str(nav.URL),
		State:         types.DocState(report.State),
		Top:           types.Bool(spec.FrameID == 0),
	})
}

// Bootstrap proactively enumerates existing frames of existing tabs so
// state survives an agent restart instead of waiting for the next
// navigation event.
func (r *Registry) Bootstrap(ctx context.Context) error {
	tabIDs, err := r.host.TabIDs(ctx)
	if err != nil {
		return err
	}
	for _, tabID := range tabIDs {
		navFrames, err := r.host.EnumerateFrames(ctx, tabID)
		if err != nil {
			slog.Warn("frame enumeration failed", "tab_id", tabID, "error", err)
			continue
		}
		for _, nav := range navFrames {
			r.OnNavigation(ctx, "bootstrap", tabID, nav)
		}
	}
	return nil
}

// requestFrameState injects a one-shot probe that makes the frame report
// its current document.readyState. A probe failure is logged and not
// retried; the frame stays unknown until the other channel reports.
func (r *Registry) requestFrameState(ctx context.Context, spec types.FrameSpec) {
	if err := r.host.InjectProbe(ctx, spec); err != nil {
		slog.Warn("frame state probe failed", "tab_id", spec.TabID, "frame_id", spec.FrameID, "error", err)
	}
}
