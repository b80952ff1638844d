package streaming

import (
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// pushOwners maps each push-stream kind to the one component allowed to emit
// it. Double emission of the same kind from two components is a wiring bug,
// so every emitter asserts its kinds at construction instead of relying on
// convention.
var pushOwners = map[string]string{
	schema.PushDAGCreated:           "tracker",
	schema.PushNodeStatusChanged:    "tracker",
	schema.PushWorkflowStateChanged: "run_fsm",
	schema.PushEventAppended:        "capture_pipeline",
	schema.PushApprovalRequested:    "facade",
}

// OwnerOf returns the component that owns a push kind.
func OwnerOf(kind string) (string, bool) {
	owner, ok := pushOwners[kind]
	return owner, ok
}

// AssertOwner panics if the named component claims a kind it does not own.
// Every publishing component calls it from its constructor for each kind it
// emits; a panic here means a code change broke the ownership table, not a
// runtime condition.
func AssertOwner(component, kind string) {
	owner, ok := pushOwners[kind]
	if !ok {
		panic("unregistered push kind: " + kind)
	}
	if owner != component {
		panic("push kind " + kind + " owned by " + owner + ", claimed by " + component)
	}
}
