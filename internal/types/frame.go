package types

// FrameSpec identifies one browsing context within a tab.
type FrameSpec struct {
	TabID   int `json:"tab_id"`
	FrameID int `json:"frame_id"`
}

// DocumentState mirrors document.readyState as reported from inside a frame.
// StateUnknown is the transient value before any in-page report arrives;
// navigation telemetry alone cannot determine it.
type DocumentState string

const (
	StateUnknown     DocumentState = ""
	StateLoading     DocumentState = "loading"
	StateInteractive DocumentState = "interactive"
	StateComplete    DocumentState = "complete"
)

// NoParentFrame is the ParentFrameID sentinel for the top frame, which has
// no real parent. Frame ID 0 conventionally denotes the top frame itself.
const NoParentFrame = -1

// Frame is the reconciled record for one browsing context. Updates arrive
// from two independent channels (navigation telemetry and in-page reports)
// and are merged field by field under the last-writer-wins timestamp rule.
type Frame struct {
	FrameID       int           `json:"frame_id"`
	ParentFrameID int           `json:"parent_frame_id"`
	Href          string        `json:"href"`
	State         DocumentState `json:"state"`
	Top           bool          `json:"top"`

	// LastUpdateTimeMS orders updates across channels. An incoming update
	// older than this value is discarded in its entirety.
	LastUpdateTimeMS int64 `json:"last_update_time_ms"`
}

// FrameUpdate is a partial Frame. Nil fields are "not reported by this
// update" and never overwrite stored values.
type FrameUpdate struct {
	FrameID          *int
	ParentFrameID    *int
	Href             *string
	State            *DocumentState
	Top              *bool
	LastUpdateTimeMS int64
}

// Int returns a pointer, for building FrameUpdate literals.
func Int(v int) *int { return &v }

// Str returns a pointer, for building FrameUpdate literals.
func Str(v string) *string { return &v }

// Bool returns a pointer, for building FrameUpdate literals.
func Bool(v bool) *bool { return &v }

// DocState returns a pointer, for building FrameUpdate literals.
func DocState(v DocumentState) *DocumentState { return &v }
