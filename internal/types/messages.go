package types

// Command names carried on the page message channel.
const (
	CmdStartMonetization  = "startWebMonetization"
	CmdPauseMonetization  = "pauseWebMonetization"
	CmdResumeMonetization = "resumeWebMonetization"
	CmdStopMonetization   = "stopWebMonetization"
	CmdContentScriptInit  = "contentScriptInit"
	CmdFrameStateChange   = "frameStateChange"
	CmdUnloadFrame        = "unloadFrame"
	CmdSetStreamControls  = "setStreamControls"
	CmdAdaptedSite        = "adaptedSite"
)

// Notification names sent back to pages and observers.
const (
	NotifyMonetizationStart    = "monetizationStart"
	NotifyMonetizationProgress = "monetizationProgress"
	NotifySetMonetizationState = "setMonetizationState"
	NotifyCheckAdaptedContent  = "checkAdaptedContent"
)

// MonetizationState is the coarse session state communicated to a page.
type MonetizationState string

const (
	MonetizationPending MonetizationState = "pending"
	MonetizationStarted MonetizationState = "started"
	MonetizationStopped MonetizationState = "stopped"
)

// PlayState and StickyState control automatic pause behaviour per tab.
// Sticky suppresses pause-on-inactivity.
type PlayState string

const (
	PlayPlaying PlayState = "playing"
	PlayPaused  PlayState = "paused"
)

type StickyState string

const (
	StickySticky StickyState = "sticky"
	StickyNormal StickyState = "normal"
)

// MonetizationCommand records the last start/pause/resume/stop issued for a
// tab. The timestamp lets late async completions detect they were
// superseded.
type MonetizationCommand struct {
	Command string `json:"command"`
	TimeMS  int64  `json:"time_ms"`
}

// TabState is the per-tab derived monetization state consumed by the popup
// projection and the session router. Clearing a tab always resets the whole
// record.
type TabState struct {
	Monetized        bool                `json:"monetized"`
	Total            float64             `json:"total"`
	PlayState        PlayState           `json:"play_state"`
	StickyState      StickyState         `json:"sticky_state"`
	CoilSite         string              `json:"coil_site,omitempty"`
	Adapted          bool                `json:"adapted"`
	Favicon          string              `json:"favicon,omitempty"`
	LastMonetization MonetizationCommand `json:"last_monetization"`
}

// StartRequest is the payload of a startWebMonetization command.
type StartRequest struct {
	RequestID      string `json:"requestId"`
	PaymentPointer string `json:"paymentPointer"`
	InitiatingURL  string `json:"initiatingUrl"`
}

// FrameStateReport is the payload of a frameStateChange message pushed by
// code running inside a frame.
type FrameStateReport struct {
	Href  string        `json:"href"`
	State DocumentState `json:"state"`
}

// MoneyEvent is one payment-progress packet surfaced by a stream
// connection. PacketNumber 0 marks the first packet of a session.
type MoneyEvent struct {
	RequestID      string  `json:"requestId"`
	PaymentPointer string  `json:"paymentPointer"`
	PacketNumber   int     `json:"packetNumber"`
	Amount         string  `json:"amount"`
	AssetCode      string  `json:"assetCode"`
	AssetScale     int     `json:"assetScale"`
	SentAmount     float64 `json:"sentAmount"`
	InitiatingURL  string  `json:"initiatingUrl"`
}

// TabMessage is one typed message delivered to a tab's page context.
type TabMessage struct {
	Command string `json:"command"`
	Data    any    `json:"data"`
}

// SetMonetizationStateData is the payload of a setMonetizationState
// notification.
type SetMonetizationStateData struct {
	RequestID string            `json:"requestId,omitempty"`
	State     MonetizationState `json:"state"`
}

// MonetizationStartData is the payload of a monetizationStart notification.
type MonetizationStartData struct {
	PaymentPointer string `json:"paymentPointer"`
	RequestID      string `json:"requestId"`
}
