package chat

import "encoding/json"

// FragmentType discriminates the incremental events of a generation stream.
// These values double as SSE event names on the wire.
type FragmentType string

// Fragment event types.
const (
	FragmentTextDelta      FragmentType = "text-delta"
	FragmentReasoningDelta FragmentType = "reasoning-delta"
	FragmentDataPart       FragmentType = "data-part"
	FragmentFinish         FragmentType = "finish"
)

// Fragment is one incremental unit of a streaming generation response.
// Delta carries content for the two delta types; Kind and Payload carry
// the body of a data-part event.
type Fragment struct {
	Type    FragmentType    `json:"type"`
	Delta   string          `json:"delta,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
