package branch

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/dagtrail/dagtrail/internal/engine"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// CreateRequest describes a new branch of an existing run.
type CreateRequest struct {
	ParentRunID  string `json:"parent_run_id"`
	OriginNodeID string `json:"origin_node_id"`
	Name         string `json:"name,omitempty"`
	Hypothesis   string `json:"hypothesis,omitempty"`
	// Instructions steer the branch's divergent continuation.
	Instructions string `json:"instructions,omitempty"`
	// ExecuteImmediately moves the branch straight to planning instead of
	// leaving it a draft for later editing.
	ExecuteImmediately bool `json:"execute_immediately,omitempty"`
}

// Manager creates and compares branch runs. A branch copies its parent's
// prefix up to and including the origin node, then diverges with its own
// instructions. The copy is atomic: either the full branch materializes or
// nothing does.
type Manager struct {
	store  store.Store
	runFSM *engine.RunFSM
	logger *slog.Logger
}

// NewManager creates a branch manager.
func NewManager(st store.Store, runFSM *engine.RunFSM, logger *slog.Logger) *Manager {
	return &Manager{store: st, runFSM: runFSM, logger: logger}
}

// Create forks a new run from the parent at the origin node. The origin must
// be a terminal node of the parent: branching from a node still in flight
// would copy a prefix whose tail is unstable.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Run, error) {
	parent, err := m.store.GetRun(ctx, req.ParentRunID)
	if err != nil {
		return nil, err
	}

	origin, err := m.store.GetNode(ctx, req.OriginNodeID)
	if err != nil {
		return nil, err
	}
	if origin.RunID != parent.ID {
		return nil, schema.NewErrorf(schema.ErrCodeBranch,
			"origin node %s does not belong to run %s", req.OriginNodeID, req.ParentRunID)
	}
	if !origin.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeBranch,
			"origin node %s is %s; branches fork only from terminal nodes",
			origin.Key, origin.Status).WithNode(origin.ID)
	}

	branchRun := &store.Run{
		ID:           uuid.NewString(),
		SessionID:    parent.SessionID,
		Mode:         parent.Mode,
		Status:       schema.RunStatusDraft,
		Name:         req.Name,
		ParentRunID:  parent.ID,
		OriginNodeID: origin.ID,
		Hypothesis:   req.Hypothesis,
		Instructions: req.Instructions,
	}

	// idMap receives the parent→branch node ID remapping so callers can
	// correlate copied nodes with their originals.
	idMap := make(map[string]string)
	if err := m.store.CopyRunPrefix(ctx, parent.ID, origin.Idx, branchRun, idMap); err != nil {
		return nil, err
	}

	// The branch always materializes as a draft; immediate execution goes
	// through the state machine so the stored status and the state history
	// cannot drift apart.
	if req.ExecuteImmediately {
		to := schema.RunStatusPlanning
		if err := m.runFSM.Transition(ctx, branchRun.ID, schema.RunStatusDraft, to, "branch created for immediate execution"); err != nil {
			return nil, err
		}
		if err := m.store.UpdateRun(ctx, branchRun.ID, store.RunUpdate{Status: &to}, branchRun.Version); err != nil {
			return nil, err
		}
		branchRun.Status = to
		branchRun.Version++
	}

	m.logger.InfoContext(ctx, "branch created",
		"run_id", branchRun.ID, "parent_run_id", parent.ID,
		"origin_node", origin.Key, "copied_nodes", len(idMap))
	return branchRun, nil
}

// Tree returns the parent run and all branches forked from it, including
// branches of branches, as a flat list rooted at the given run.
func (m *Manager) Tree(ctx context.Context, rootRunID string) ([]*store.Run, error) {
	root, err := m.store.GetRun(ctx, rootRunID)
	if err != nil {
		return nil, err
	}

	out := []*store.Run{root}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		children, err := m.store.ListRuns(ctx, store.RunFilter{ParentRunID: id})
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, child)
			frontier = append(frontier, child.ID)
		}
	}
	return out, nil
}

// NodePair aligns one position of two compared runs. Either side may be nil
// when the runs have different lengths past the shared prefix.
type NodePair struct {
	Position int         `json:"position"`
	Left     *store.Node `json:"left,omitempty"`
	Right    *store.Node `json:"right,omitempty"`
	// Aligned reports whether both sides occupy this position with the same
	// logical key. Comparison past the divergence point is positional only.
	Aligned bool `json:"aligned"`
}

// Comparison is the side-by-side view of two runs.
type Comparison struct {
	LeftRunID  string     `json:"left_run_id"`
	RightRunID string     `json:"right_run_id"`
	Pairs      []NodePair `json:"pairs"`
	// SharedPrefix counts leading aligned positions, the part both runs
	// inherited from their common ancestry.
	SharedPrefix int `json:"shared_prefix"`
}

// Compare builds a positional side-by-side comparison of two runs' nodes,
// ordered by index. Nodes only one run has appear with a nil counterpart.
func (m *Manager) Compare(ctx context.Context, leftRunID, rightRunID string) (*Comparison, error) {
	left, err := m.orderedNodes(ctx, leftRunID)
	if err != nil {
		return nil, err
	}
	right, err := m.orderedNodes(ctx, rightRunID)
	if err != nil {
		return nil, err
	}

	n := len(left)
	if len(right) > n {
		n = len(right)
	}

	cmp := &Comparison{LeftRunID: leftRunID, RightRunID: rightRunID}
	prefixIntact := true
	for i := 0; i < n; i++ {
		pair := NodePair{Position: i}
		if i < len(left) {
			pair.Left = left[i]
		}
		if i < len(right) {
			pair.Right = right[i]
		}
		pair.Aligned = pair.Left != nil && pair.Right != nil && pair.Left.Key == pair.Right.Key
		if prefixIntact && pair.Aligned {
			cmp.SharedPrefix++
		} else {
			prefixIntact = false
		}
		cmp.Pairs = append(cmp.Pairs, pair)
	}
	return cmp, nil
}

func (m *Manager) orderedNodes(ctx context.Context, runID string) ([]*store.Node, error) {
	nodes, err := m.store.ListNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Idx < nodes[j].Idx })
	return nodes, nil
}
