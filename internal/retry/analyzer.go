package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/dagtrail/dagtrail/internal/expressions"
	"github.com/dagtrail/dagtrail/internal/store"
	"github.com/dagtrail/dagtrail/pkg/schema"
)

// Rule classifies an error text into a kind. Substring patterns match
// case-insensitively; an optional expr predicate refines the match with the
// variables `text`, `attempt` and `agent`.
type Rule struct {
	Kind      schema.ErrorKind
	Patterns  []string
	Predicate string
	Hint      string
}

// defaultRules is the built-in classification table, checked in order.
// First match wins, so more specific kinds come first.
var defaultRules = []Rule{
	{
		Kind:     schema.KindUserCancelled,
		Patterns: []string{"cancelled by user", "canceled by user", "user abort", "operation was canceled"},
		Hint:     "the user stopped the run; do not retry",
	},
	{
		Kind:     schema.KindTimeout,
		Patterns: []string{"timeout", "timed out", "deadline exceeded", "context deadline"},
		Hint:     "increase the step deadline or split the work",
	},
	{
		Kind:     schema.KindResourceExhausted,
		Patterns: []string{"rate limit", "too many requests", "quota exceeded", "resource exhausted", "429"},
		Hint:     "back off and retry after the provider window resets",
	},
	{
		Kind:     schema.KindInvalidOutputFormat,
		Patterns: []string{"invalid json", "unmarshal", "schema validation", "unexpected token", "malformed output"},
		Hint:     "re-prompt the agent with the expected output schema",
	},
	{
		Kind:     schema.KindMissingDependency,
		Patterns: []string{"dependency not completed", "upstream failed", "missing input", "prerequisite"},
		Hint:     "repair the upstream node before retrying this one",
	},
	{
		Kind:     schema.KindPersistenceError,
		Patterns: []string{"database is locked", "disk i/o", "sqlite_busy", "constraint failed", "connection refused"},
		Hint:     "check storage health; the run state may be behind",
	},
	{
		Kind:     schema.KindIllegalStateTransition,
		Patterns: []string{"invalid transition", "illegal state"},
		Hint:     "inspect the state history; a writer bypassed the tracker",
	},
	{
		Kind:     schema.KindTransientToolError,
		Patterns: []string{"connection reset", "temporarily unavailable", "503", "502", "eof", "broken pipe", "tool error"},
		Hint:     "transient tool failure; retry usually succeeds",
	},
}

// retryable marks which kinds the policy will retry at all. Unknown errors
// get exactly one retry; user cancellation and persistence failures none.
var retryable = map[schema.ErrorKind]bool{
	schema.KindTransientToolError:  true,
	schema.KindTimeout:             true,
	schema.KindResourceExhausted:   true,
	schema.KindInvalidOutputFormat: true,
}

// Config tunes the retry policy.
type Config struct {
	// MaxAttempts is the per-node retry budget for retryable kinds.
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the computed delay before jitter.
	MaxBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  2 * time.Minute,
	}
}

// Decision is the analyzer's verdict on one failure.
type Decision struct {
	Kind    schema.ErrorKind `json:"kind"`
	Retry   bool             `json:"retry"`
	Backoff time.Duration    `json:"backoff,omitempty"`
	Hint    string           `json:"hint,omitempty"`
	Attempt int              `json:"attempt"`
}

// Analyzer classifies node failures and decides whether and when to retry.
// Every recorded failure lands in the node's persisted retry context, so a
// later attempt (or a human) can see the full failure lineage.
type Analyzer struct {
	store  store.Store
	expr   *expressions.ExprEngine
	logger *slog.Logger
	rules  []Rule
	cfg    Config
}

// NewAnalyzer creates an analyzer with the built-in rule table. Extra rules
// are consulted before the defaults so deployments can override kinds.
func NewAnalyzer(st store.Store, exprEngine *expressions.ExprEngine, logger *slog.Logger, cfg Config, extra ...Rule) *Analyzer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	rules := make([]Rule, 0, len(extra)+len(defaultRules))
	rules = append(rules, extra...)
	rules = append(rules, defaultRules...)
	return &Analyzer{store: st, expr: exprEngine, logger: logger, rules: rules, cfg: cfg}
}

// Classify maps an error text to a kind and remediation hint. Unmatched
// errors are KindUnknown.
func (a *Analyzer) Classify(ctx context.Context, errText, agent string, attempt int) (schema.ErrorKind, string) {
	lower := strings.ToLower(errText)
	for _, rule := range a.rules {
		if !matchPatterns(lower, rule.Patterns) {
			continue
		}
		if rule.Predicate != "" && !a.evalPredicate(ctx, rule.Predicate, errText, agent, attempt) {
			continue
		}
		return rule.Kind, rule.Hint
	}
	return schema.KindUnknown, ""
}

// Analyze classifies a failure, records the attempt in the node's retry
// context and returns the retry decision. The attempt number is derived
// from the persisted context, not caller bookkeeping.
func (a *Analyzer) Analyze(ctx context.Context, runID, nodeID, agent, errText string) (*Decision, error) {
	attempts, err := a.store.ListRetryAttempts(ctx, runID, nodeID)
	if err != nil {
		return nil, err
	}
	attempt := len(attempts) + 1

	kind, hint := a.Classify(ctx, errText, agent, attempt)

	if err := a.store.AppendRetryAttempt(ctx, &store.RetryAttempt{
		RunID:     runID,
		NodeID:    nodeID,
		Attempt:   attempt,
		Kind:      kind,
		ErrorText: errText,
		Hint:      hint,
	}); err != nil {
		return nil, err
	}

	decision := &Decision{Kind: kind, Hint: hint, Attempt: attempt}
	if a.shouldRetry(kind, attempt) {
		decision.Retry = true
		decision.Backoff = a.ComputeBackoff(attempt)
	}

	a.logger.InfoContext(ctx, "failure analyzed",
		"run_id", runID, "node_id", nodeID, "kind", kind,
		"attempt", attempt, "retry", decision.Retry)
	return decision, nil
}

// shouldRetry applies the retry budget per kind. Unknown failures get one
// attempt in case they were transient; cancellation and persistence
// failures are never retried.
func (a *Analyzer) shouldRetry(kind schema.ErrorKind, attempt int) bool {
	switch {
	case retryable[kind]:
		return attempt <= a.cfg.MaxAttempts
	case kind == schema.KindUnknown:
		return attempt <= 1
	default:
		return false
	}
}

// ComputeBackoff returns the delay before the given attempt: exponential
// from the base, capped, with up to 25% jitter so simultaneous failures
// don't retry in lockstep.
func (a *Analyzer) ComputeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := a.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
	return backoff + jitter
}

// Context returns the node's persisted retry context: every recorded
// attempt, oldest first.
func (a *Analyzer) Context(ctx context.Context, runID, nodeID string) ([]*store.RetryAttempt, error) {
	return a.store.ListRetryAttempts(ctx, runID, nodeID)
}

// Reset clears a node's retry context, typically after a successful manual
// repair, so a future failure starts a fresh budget.
func (a *Analyzer) Reset(ctx context.Context, runID, nodeID string) error {
	return a.store.ClearRetryAttempts(ctx, runID, nodeID)
}

func matchPatterns(lowerText string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lowerText, p) {
			return true
		}
	}
	return false
}

// evalPredicate runs an expr refinement. Evaluation failures reject the
// rule rather than the classification; the next rule still gets a chance.
func (a *Analyzer) evalPredicate(ctx context.Context, predicate, errText, agent string, attempt int) bool {
	if a.expr == nil {
		return true
	}
	ok, err := a.expr.EvaluateBool(ctx, predicate, map[string]any{
		"text":    errText,
		"agent":   agent,
		"attempt": attempt,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "retry rule predicate failed", "predicate", predicate, "error", err)
		return false
	}
	return ok
}
