package streaming

import "context"

// StreamEvent is a typed real-time event pushed to the notification layer.
// Kind is one of the schema.Push* constants; each kind has exactly one
// emitting component, enforced by the ownership table in this package.
type StreamEvent struct {
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id,omitempty"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// matches reports whether an event passes the filter. An empty filter
// matches everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
