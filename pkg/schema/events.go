package schema

// EventType enumerates the kinds of fine-grained execution events.
type EventType string

const (
	EventAgentCall         EventType = "agent_call"
	EventToolCall          EventType = "tool_call"
	EventCodeExec          EventType = "code_exec"
	EventFileGen           EventType = "file_gen"
	EventHandoff           EventType = "handoff"
	EventApprovalRequested EventType = "approval_requested"
	EventStateTransition   EventType = "state_transition"
)

// EventSubtype qualifies an event within its type.
type EventSubtype string

const (
	SubtypeStart    EventSubtype = "start"
	SubtypeComplete EventSubtype = "complete"
	SubtypeError    EventSubtype = "error"
)

// criticalEventTypes are always captured: never sampled, never dropped on
// queue saturation.
var criticalEventTypes = map[EventType]bool{
	EventAgentCall:         true,
	EventHandoff:           true,
	EventApprovalRequested: true,
	EventStateTransition:   true,
}

// IsCriticalEvent reports whether an event must bypass sampling and the
// overflow drop policy. Any error subtype is critical regardless of type.
func IsCriticalEvent(t EventType, sub EventSubtype) bool {
	return criticalEventTypes[t] || sub == SubtypeError
}

// Push-stream event kinds emitted to the notification layer. Each kind is
// emitted from exactly one component; see the ownership table in
// internal/capture.
const (
	PushDAGCreated           = "dag_created"
	PushNodeStatusChanged    = "dag_node_status_changed"
	PushEventAppended        = "execution_event_appended"
	PushApprovalRequested    = "approval_requested"
	PushWorkflowStateChanged = "workflow_state_changed"
)
