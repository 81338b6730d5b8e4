// Package cdp attaches to browser tabs over the Chrome DevTools Protocol
// and bridges page traffic to the frame registry and the session router.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	proto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/wm_agent/internal/frames"
	"github.com/dgnsrekt/wm_agent/internal/types"
)

// bindingName is the function pages call to reach the agent:
// window.__wmAgent(JSON.stringify({command, data})).
const bindingName = "__wmAgent"

const defaultEvalTimeout = 10 * time.Second

// FrameSink receives frame lifecycle traffic. Satisfied by
// frames.Registry.
type FrameSink interface {
	OnNavigation(ctx context.Context, source string, tabID int, nav frames.NavFrame)
	OnFrameStateReport(ctx context.Context, spec types.FrameSpec, report types.FrameStateReport)
	UpdateOrAddFrame(source string, tabID, frameID int, partial types.FrameUpdate)
	RemoveFrame(source string, spec types.FrameSpec)
	RemoveTab(tabID int)
}

// Commands receives monetization commands decoded from page messages.
// Satisfied by router.Router.
type Commands interface {
	StartSession(ctx context.Context, tabID int, req types.StartRequest) bool
	PauseSession(tabID int)
	ResumeSession(tabID int)
	StopSession(tabID int) bool
	ContentScriptInit(tabID int)
	OnTabRemoved(tabID int)
	SetStreamControls(tabID int, sticky types.StickyState, play types.PlayState, action string)
	MarkAdapted(tabID int, adapted bool, coilSite string)
}

// Options configures the browser connection.
type Options struct {
	CDPURL       string
	TabURLFilter string
	EvalTimeout  time.Duration
}

// Client manages CDP connections to browser tabs. Tabs are assigned small
// integer IDs on attach; CDP frame IDs are mapped per tab with the main
// frame always numbered 0.
type Client struct {
	opts     Options
	frames   FrameSink
	commands Commands

	allocCtx    context.Context
	allocCancel context.CancelFunc

	tabs     map[int]*tabContext
	byTarget map[target.ID]int
	nextTab  int
	mu       sync.RWMutex
	done     chan struct{}
}

type tabContext struct {
	id       int
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	url       string
	rootFrame proto.FrameID
	frameNums map[proto.FrameID]int
	nextFrame int
}

func NewClient(opts Options) *Client {
	if opts.EvalTimeout == 0 {
		opts.EvalTimeout = defaultEvalTimeout
	}
	return &Client{
		opts:     opts,
		tabs:     make(map[int]*tabContext),
		byTarget: make(map[target.ID]int),
		nextTab:  1,
		done:     make(chan struct{}),
	}
}

// AttachHandlers wires the frame registry and the session router. Must be
// called before Connect.
func (c *Client) AttachHandlers(sink FrameSink, commands Commands) {
	c.frames = sink
	c.commands = commands
}

// Connect dials the browser and attaches to every page target matching the
// tab URL filter.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("Connecting to browser", "url", c.opts.CDPURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.opts.CDPURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	slog.Info("Found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !c.matchesTabURL(t.URL) {
			slog.Debug("Skipping tab (url filter)", "url", t.URL)
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("Failed to attach to tab", "target_id", t.TargetID, "url", t.URL, "error", err)
			continue
		}
		attachedCount++
	}

	if attachedCount == 0 {
		return fmt.Errorf("no tabs found matching WM_TAB_URL_FILTER=%q", c.opts.TabURLFilter)
	}

	slog.Info("Attached to tabs", "count", attachedCount, "tab_url_filter", c.opts.TabURLFilter)
	return nil
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))

	c.mu.Lock()
	tab := &tabContext{
		id:        c.nextTab,
		targetID:  targetID,
		ctx:       tabCtx,
		cancel:    tabCancel,
		url:       url,
		frameNums: make(map[proto.FrameID]int),
		nextFrame: 1,
	}
	c.nextTab++
	c.tabs[tab.id] = tab
	c.byTarget[targetID] = tab.id
	c.mu.Unlock()

	err := chromedp.Run(tabCtx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(bindingName),
		runtime.AddBinding(bindingName).WithExecutionContextName(probeWorldName),
	)
	if err != nil {
		tabCancel()
		c.mu.Lock()
		delete(c.tabs, tab.id)
		delete(c.byTarget, targetID)
		c.mu.Unlock()
		return fmt.Errorf("failed to enable page/runtime domains: %w", err)
	}

	slog.Info("Attached to tab", "tab_id", tab.id, "target_id", targetID, "url", truncateURL(url))
	chromedp.ListenTarget(tabCtx, c.createEventHandler(tab))

	go func() {
		<-tabCtx.Done()
		c.detachTab(tab)
	}()

	return nil
}

func (c *Client) detachTab(tab *tabContext) {
	c.mu.Lock()
	_, present := c.tabs[tab.id]
	delete(c.tabs, tab.id)
	delete(c.byTarget, tab.targetID)
	c.mu.Unlock()
	if !present {
		return
	}

	slog.Info("Tab detached", "tab_id", tab.id, "url", truncateURL(tab.currentURL()))
	if c.frames != nil {
		c.frames.RemoveTab(tab.id)
	}
	if c.commands != nil {
		c.commands.OnTabRemoved(tab.id)
	}
}

func (c *Client) createEventHandler(tab *tabContext) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			c.onFrameNavigated(tab, e)
		case *page.EventNavigatedWithinDocument:
			if num, ok := tab.lookupFrame(e.FrameID); ok {
				c.frames.UpdateOrAddFrame("navigation", tab.id, num, types.FrameUpdate{
					Href: types.Str(e.URL),
				})
			}
		case *page.EventFrameStoppedLoading:
			if num, ok := tab.lookupFrame(e.FrameID); ok {
				c.frames.UpdateOrAddFrame("navigation", tab.id, num, types.FrameUpdate{
					State: types.DocState(types.StateComplete),
				})
			}
		case *page.EventFrameDetached:
			if num, ok := tab.dropFrame(e.FrameID); ok {
				c.frames.RemoveFrame("navigation", types.FrameSpec{TabID: tab.id, FrameID: num})
			}
		case *runtime.EventBindingCalled:
			if e.Name == bindingName {
				c.handleBinding(tab, e.Payload)
			}
		}
	}
}

func (c *Client) onFrameNavigated(tab *tabContext, e *page.EventFrameNavigated) {
	isRoot := e.Frame.ParentID == ""
	if isRoot {
		tab.setRoot(e.Frame.ID, e.Frame.URL)
	}
	num := tab.frameNum(e.Frame.ID)
	parent := types.NoParentFrame
	if !isRoot {
		parent = tab.frameNum(e.Frame.ParentID)
	}
	c.frames.OnNavigation(context.Background(), "navigation", tab.id, frames.NavFrame{
		FrameID:       num,
		ParentFrameID: parent,
		URL:           e.Frame.URL,
	})
	if isRoot {
		// Full navigation replaces the document; any live stream for the
		// tab is orphaned and must be torn down.
		go c.commands.ContentScriptInit(tab.id)
	}
}

// handleBinding decodes a page message and routes it. Session commands run
// on their own goroutine: StartSession does network I/O and must not stall
// the CDP event loop.
func (c *Client) handleBinding(tab *tabContext, payload string) {
	var envelope struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		slog.Warn("Undecodable page message", "tab_id", tab.id, "error", err)
		return
	}

	switch envelope.Command {
	case types.CmdStartMonetization:
		var req types.StartRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			slog.Warn("Bad start request", "tab_id", tab.id, "error", err)
			return
		}
		go c.commands.StartSession(context.Background(), tab.id, req)
	case types.CmdPauseMonetization:
		go c.commands.PauseSession(tab.id)
	case types.CmdResumeMonetization:
		go c.commands.ResumeSession(tab.id)
	case types.CmdStopMonetization:
		go c.commands.StopSession(tab.id)
	case types.CmdContentScriptInit:
		go c.commands.ContentScriptInit(tab.id)
	case types.CmdSetStreamControls:
		var data struct {
			Sticky bool   `json:"sticky"`
			Play   bool   `json:"play"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			slog.Warn("Bad stream controls", "tab_id", tab.id, "error", err)
			return
		}
		sticky := types.StickyNormal
		if data.Sticky {
			sticky = types.StickySticky
		}
		play := types.PlayPaused
		if data.Play {
			play = types.PlayPlaying
		}
		go c.commands.SetStreamControls(tab.id, sticky, play, data.Action)
	case types.CmdAdaptedSite:
		var data struct {
			Adapted  bool   `json:"adapted"`
			CoilSite string `json:"coilSite"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			slog.Warn("Bad adapted site report", "tab_id", tab.id, "error", err)
			return
		}
		c.commands.MarkAdapted(tab.id, data.Adapted, data.CoilSite)
	case types.CmdFrameStateChange:
		var report frameStateMessage
		if err := json.Unmarshal(envelope.Data, &report); err != nil {
			slog.Warn("Bad frame state report", "tab_id", tab.id, "error", err)
			return
		}
		spec := types.FrameSpec{TabID: tab.id, FrameID: report.FrameID}
		go c.frames.OnFrameStateReport(context.Background(), spec, types.FrameStateReport{
			Href:  report.Href,
			State: report.State,
		})
	case types.CmdUnloadFrame:
		var data struct {
			FrameID int `json:"frameId"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return
		}
		c.frames.RemoveFrame("unload", types.FrameSpec{TabID: tab.id, FrameID: data.FrameID})
	default:
		slog.Debug("Unhandled page command", "tab_id", tab.id, "command", envelope.Command)
	}
}

type frameStateMessage struct {
	FrameID int                 `json:"frameId"`
	Href    string              `json:"href"`
	State   types.DocumentState `json:"state"`
}

// SendToTab posts a notification into the tab's top document via
// window.postMessage.
func (c *Client) SendToTab(tabID int, msg types.TabMessage) error {
	tab, ok := c.tab(tabID)
	if !ok {
		return fmt.Errorf("tab %d not attached", tabID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, c.opts.EvalTimeout)
	defer cancel()

	expr := fmt.Sprintf("window.postMessage(%s, '*')", data)
	return chromedp.Run(evalCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(expr).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return nil
	}))
}

// TabIDs implements frames.Host.
func (c *Client) TabIDs(ctx context.Context) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.tabs))
	for id := range c.tabs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// EnumerateFrames implements frames.Host by walking the tab's frame tree.
func (c *Client) EnumerateFrames(ctx context.Context, tabID int) ([]frames.NavFrame, error) {
	tab, ok := c.tab(tabID)
	if !ok {
		return nil, fmt.Errorf("tab %d not attached", tabID)
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, c.opts.EvalTimeout)
	defer cancel()

	var tree *page.FrameTree
	err := chromedp.Run(evalCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("frame tree for tab %d: %w", tabID, err)
	}

	tab.setRoot(tree.Frame.ID, tree.Frame.URL)

	var out []frames.NavFrame
	var walk func(node *page.FrameTree, parentNum int)
	walk = func(node *page.FrameTree, parentNum int) {
		num := tab.frameNum(node.Frame.ID)
		out = append(out, frames.NavFrame{
			FrameID:       num,
			ParentFrameID: parentNum,
			URL:           node.Frame.URL,
		})
		for _, child := range node.ChildFrames {
			walk(child, num)
		}
	}
	walk(tree, types.NoParentFrame)
	return out, nil
}

// GetNavFrame implements frames.Host.
func (c *Client) GetNavFrame(ctx context.Context, spec types.FrameSpec) (frames.NavFrame, error) {
	navs, err := c.EnumerateFrames(ctx, spec.TabID)
	if err != nil {
		return frames.NavFrame{}, err
	}
	for _, nav := range navs {
		if nav.FrameID == spec.FrameID {
			return nav, nil
		}
	}
	return frames.NavFrame{}, fmt.Errorf("frame %d not present in tab %d", spec.FrameID, spec.TabID)
}

// TabCount reports how many tabs are currently attached.
func (c *Client) TabCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tabs)
}

func (c *Client) Close() error {
	close(c.done)

	c.mu.Lock()
	c.tabs = make(map[int]*tabContext)
	c.byTarget = make(map[target.ID]int)
	c.mu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) tab(tabID int) (*tabContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tab, ok := c.tabs[tabID]
	return tab, ok
}

func (c *Client) matchesTabURL(url string) bool {
	if c.opts.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.opts.TabURLFilter))
}

func (t *tabContext) setRoot(id proto.FrameID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rootFrame = id
	t.url = url
	t.frameNums[id] = 0
}

func (t *tabContext) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// frameNum maps a CDP frame ID to the tab-local integer ID, assigning the
// next free number on first sight. The main frame is always 0.
func (t *tabContext) frameNum(id proto.FrameID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if num, ok := t.frameNums[id]; ok {
		return num
	}
	num := t.nextFrame
	t.nextFrame++
	t.frameNums[id] = num
	return num
}

func (t *tabContext) lookupFrame(id proto.FrameID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	num, ok := t.frameNums[id]
	return num, ok
}

func (t *tabContext) dropFrame(id proto.FrameID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	num, ok := t.frameNums[id]
	if ok && num != 0 {
		delete(t.frameNums, id)
	}
	return num, ok
}

// cdpFrameID resolves a tab-local frame number back to its CDP ID.
func (t *tabContext) cdpFrameID(num int) (proto.FrameID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, n := range t.frameNums {
		if n == num {
			return id, true
		}
	}
	return "", false
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
