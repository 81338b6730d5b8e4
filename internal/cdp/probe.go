package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	proto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/wm_agent/internal/types"
)

// probeWorldName is the isolated world probes run in. The agent binding is
// exposed there so probes can report later readiness transitions.
const probeWorldName = "wm_agent_probe"

// probeScriptTmpl returns the frame's current state and keeps reporting
// readystatechange transitions through the agent binding. The frame number
// is baked into the script because the page has no notion of it.
const probeScriptTmpl = `(() => {
  const report = () => {
    if (typeof window.%[1]s === 'function') {
      window.%[1]s(JSON.stringify({
        command: %[2]q,
        data: { frameId: %[3]d, href: location.href, state: document.readyState },
      }));
    }
  };
  document.addEventListener('readystatechange', report);
  return { href: location.href, state: document.readyState };
})()`

// InjectProbe implements frames.Host. The evaluation is dispatched on its
// own goroutine: probes are requested from CDP event handlers, and running
// a CDP command synchronously there would deadlock the event loop.
func (c *Client) InjectProbe(ctx context.Context, spec types.FrameSpec) error {
	tab, ok := c.tab(spec.TabID)
	if !ok {
		return fmt.Errorf("tab %d not attached", spec.TabID)
	}
	frameID, ok := tab.cdpFrameID(spec.FrameID)
	if !ok {
		return fmt.Errorf("frame %d unknown in tab %d", spec.FrameID, spec.TabID)
	}

	go c.runProbe(tab, spec, frameID)
	return nil
}

func (c *Client) runProbe(tab *tabContext, spec types.FrameSpec, frameID proto.FrameID) {
	evalCtx, cancel := context.WithTimeout(tab.ctx, c.opts.EvalTimeout)
	defer cancel()

	script := fmt.Sprintf(probeScriptTmpl, bindingName, types.CmdFrameStateChange, spec.FrameID)

	var report types.FrameStateReport
	err := chromedp.Run(evalCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		worldID, err := page.CreateIsolatedWorld(frameID).WithWorldName(probeWorldName).Do(ctx)
		if err != nil {
			return err
		}
		res, exc, err := runtime.Evaluate(script).
			WithContextID(worldID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return json.Unmarshal(res.Value, &report)
	}))
	if err != nil {
		slog.Warn("Frame state probe failed",
			"tab_id", spec.TabID,
			"frame_id", spec.FrameID,
			"error", err)
		return
	}

	c.frames.OnFrameStateReport(context.Background(), spec, report)
}
