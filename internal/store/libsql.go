package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/dagtrail/dagtrail/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, session_id, mode, status, name, parent_run_id, origin_node_id, hypothesis, instructions, error, created_at, started_at, completed_at, updated_at, version`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Version == 0 {
		run.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, string(run.Mode), string(run.Status), nullStr(run.Name),
		nullStr(run.ParentRunID), nullStr(run.OriginNodeID),
		nullStr(run.Hypothesis), nullStr(run.Instructions), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		timeOrNow(run.UpdatedAt), run.Version,
	)
	return wrapStoreErr(err, "create run")
}

func scanRun(sc interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	var (
		name, parentID, originID, hypothesis, instructions sql.NullString
		errJSON                                            sql.NullString
		mode, status                                       string
		startedAt, completedAt                             sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.SessionID, &mode, &status, &name, &parentID, &originID,
		&hypothesis, &instructions, &errJSON, &run.CreatedAt, &startedAt, &completedAt,
		&run.UpdatedAt, &run.Version); err != nil {
		return nil, err
	}
	run.Mode = schema.RunMode(mode)
	run.Status = schema.RunStatus(status)
	run.Name = name.String
	run.ParentRunID = parentID.String
	run.OriginNodeID = originID.String
	run.Hypothesis = hypothesis.String
	run.Instructions = instructions.String
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Instructions != nil {
		sets = append(sets, "instructions = ?")
		args = append(args, *update.Instructions)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP", "version = version + 1")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStoreErr(err, "update run")
	}
	return s.checkVersioned(ctx, res, "runs", "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Nodes ---

const nodeColumns = `id, run_id, key, idx, type, agent, title, status, error_summary, error_kind, retry_count, metadata, started_at, completed_at, created_at, updated_at, version`

func (s *LibSQLStore) CreateNode(ctx context.Context, node *Node) error {
	if node.Version == 0 {
		node.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.RunID, node.Key, node.Idx, string(node.Type),
		nullStr(node.Agent), nullStr(node.Title), string(node.Status),
		nullStr(node.ErrorSummary), nullStr(string(node.ErrorKind)), node.RetryCount,
		nullRaw(node.Metadata), nullTime(node.StartedAt), nullTime(node.CompletedAt),
		timeOrNow(node.CreatedAt), timeOrNow(node.UpdatedAt), node.Version,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "node key %q already exists in run %s", node.Key, node.RunID).WithCause(err)
	}
	return wrapStoreErr(err, "create node")
}

func scanNode(sc interface{ Scan(...any) error }) (*Node, error) {
	n := &Node{}
	var (
		agent, title, errSummary, errKind sql.NullString
		metadata                          sql.NullString
		typ, status                       string
		startedAt, completedAt            sql.NullTime
	)
	if err := sc.Scan(&n.ID, &n.RunID, &n.Key, &n.Idx, &typ, &agent, &title, &status,
		&errSummary, &errKind, &n.RetryCount, &metadata, &startedAt, &completedAt,
		&n.CreatedAt, &n.UpdatedAt, &n.Version); err != nil {
		return nil, err
	}
	n.Type = schema.NodeType(typ)
	n.Status = schema.NodeStatus(status)
	n.Agent = agent.String
	n.Title = title.String
	n.ErrorSummary = errSummary.String
	n.ErrorKind = schema.ErrorKind(errKind.String)
	n.Metadata = rawOrNil(metadata)
	if startedAt.Valid {
		n.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		n.CompletedAt = &completedAt.Time
	}
	return n, nil
}

func (s *LibSQLStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node", id)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *LibSQLStore) GetNodeByKey(ctx context.Context, runID, key string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE run_id = ? AND key = ?`, runID, key)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node", runID+"/"+key)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *LibSQLStore) UpdateNode(ctx context.Context, id string, update NodeUpdate, expectedVersion int64) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Idx != nil {
		sets = append(sets, "idx = ?")
		args = append(args, *update.Idx)
	}
	if update.ErrorSummary != nil {
		sets = append(sets, "error_summary = ?")
		args = append(args, *update.ErrorSummary)
	}
	if update.ErrorKind != nil {
		sets = append(sets, "error_kind = ?")
		args = append(args, string(*update.ErrorKind))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, string(update.Metadata))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP", "version = version + 1")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE nodes SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStoreErr(err, "update node")
	}
	return s.checkVersioned(ctx, res, "nodes", "node", id)
}

func (s *LibSQLStore) ListNodes(ctx context.Context, runID string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE run_id = ? ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- Edges ---

func (s *LibSQLStore) CreateEdge(ctx context.Context, edge *Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (run_id, from_node_id, to_node_id) VALUES (?, ?, ?)`,
		edge.RunID, edge.FromNodeID, edge.ToNodeID,
	)
	return wrapStoreErr(err, "create edge")
}

func (s *LibSQLStore) ListEdges(ctx context.Context, runID string) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, from_node_id, to_node_id FROM edges WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e := &Edge{}
		if err := rows.Scan(&e.RunID, &e.FromNodeID, &e.ToNodeID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Execution events ---

const eventColumns = `id, run_id, node_id, parent_event_id, event_type, subtype, agent, inputs, outputs, error_text, metadata, logged_at, started_at, completed_at, duration_ms, execution_order, depth`

// AppendEvents inserts a batch of events in one transaction. Events carry
// their execution_order already assigned by the capture pipeline; the store
// never computes ordering.
func (s *LibSQLStore) AppendEvents(ctx context.Context, events []*ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.LoggedAt.IsZero() {
			e.LoggedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.RunID, nullStr(e.NodeID), nullStr(e.ParentEventID),
			string(e.Type), nullStr(string(e.Subtype)), nullStr(e.Agent),
			nullRaw(e.Inputs), nullRaw(e.Outputs), nullStr(e.ErrorText), nullRaw(e.Metadata),
			e.LoggedAt, nullTime(e.StartedAt), nullTime(e.CompletedAt),
			e.DurationMs, e.ExecutionOrder, e.Depth,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

func scanEvent(sc interface{ Scan(...any) error }) (*ExecutionEvent, error) {
	e := &ExecutionEvent{}
	var (
		nodeID, parentID, subtype, agent, errText sql.NullString
		inputs, outputs, metadata                 sql.NullString
		typ                                       string
		startedAt, completedAt                    sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.RunID, &nodeID, &parentID, &typ, &subtype, &agent,
		&inputs, &outputs, &errText, &metadata, &e.LoggedAt, &startedAt, &completedAt,
		&e.DurationMs, &e.ExecutionOrder, &e.Depth); err != nil {
		return nil, err
	}
	e.NodeID = nodeID.String
	e.ParentEventID = parentID.String
	e.Type = schema.EventType(typ)
	e.Subtype = schema.EventSubtype(subtype.String)
	e.Agent = agent.String
	e.Inputs = rawOrNil(inputs)
	e.Outputs = rawOrNil(outputs)
	e.ErrorText = errText.String
	e.Metadata = rawOrNil(metadata)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) GetEvent(ctx context.Context, id string) (*ExecutionEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("event", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, filter EventFilter) ([]*ExecutionEvent, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}

	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Subtype != "" {
		where = append(where, "subtype = ?")
		args = append(args, string(filter.Subtype))
	}
	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, filter.Agent)
	}
	if filter.SinceSeq > 0 {
		where = append(where, "execution_order > ?")
		args = append(args, filter.SinceSeq)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY node_id, execution_order ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ExecutionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Artifacts ---

func (s *LibSQLStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, node_id, event_id, kind, name, uri, size, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, nullStr(artifact.NodeID), nullStr(artifact.EventID),
		artifact.Kind, artifact.Name, nullStr(artifact.URI), artifact.Size,
		nullRaw(artifact.Meta), timeOrNow(artifact.CreatedAt),
	)
	return wrapStoreErr(err, "create artifact")
}

func (s *LibSQLStore) ListArtifacts(ctx context.Context, runID, nodeID string) ([]*Artifact, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}
	if nodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, nodeID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_id, kind, name, uri, size, meta, created_at
		 FROM artifacts WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var nodeID, eventID, uri, meta sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &nodeID, &eventID, &a.Kind, &a.Name, &uri, &a.Size, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.NodeID = nodeID.String
		a.EventID = eventID.String
		a.URI = uri.String
		a.Meta = rawOrNil(meta)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// --- Retry attempts ---

func (s *LibSQLStore) AppendRetryAttempt(ctx context.Context, attempt *RetryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_attempts (run_id, node_id, attempt, kind, error_text, hint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.RunID, attempt.NodeID, attempt.Attempt, string(attempt.Kind),
		attempt.ErrorText, nullStr(attempt.Hint), timeOrNow(attempt.CreatedAt),
	)
	return wrapStoreErr(err, "append retry attempt")
}

func (s *LibSQLStore) ListRetryAttempts(ctx context.Context, runID, nodeID string) ([]*RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, attempt, kind, error_text, hint, created_at
		 FROM retry_attempts WHERE run_id = ? AND node_id = ? ORDER BY attempt ASC`, runID, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*RetryAttempt
	for rows.Next() {
		a := &RetryAttempt{}
		var kind string
		var hint sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.NodeID, &a.Attempt, &kind, &a.ErrorText, &hint, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = schema.ErrorKind(kind)
		a.Hint = hint.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *LibSQLStore) ClearRetryAttempts(ctx context.Context, runID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_attempts WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	return err
}

// --- State-history log ---

func (s *LibSQLStore) AppendTransition(ctx context.Context, tr *StateTransition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_transitions (run_id, node_id, from_state, to_state, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.RunID, nullStr(tr.NodeID), tr.FromState, tr.ToState, nullStr(tr.Reason), timeOrNow(tr.CreatedAt),
	)
	return wrapStoreErr(err, "append transition")
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, runID string) ([]*StateTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, from_state, to_state, reason, created_at
		 FROM state_transitions WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trs []*StateTransition
	for rows.Next() {
		tr := &StateTransition{}
		var nodeID, reason sql.NullString
		if err := rows.Scan(&tr.ID, &tr.RunID, &nodeID, &tr.FromState, &tr.ToState, &reason, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.NodeID = nodeID.String
		tr.Reason = reason.String
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

// --- Branching ---

// CopyRunPrefix creates newRun and copies the parent's prefix (nodes with
// idx <= originIdx plus their edges, events and artifacts) in a single
// transaction. Copied rows get fresh IDs; idMap is filled with old node ID →
// new node ID so the caller can resolve the origin pointer.
func (s *LibSQLStore) CopyRunPrefix(ctx context.Context, parentRunID string, originIdx int, newRun *Run, idMap map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if newRun.Version == 0 {
		newRun.Version = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newRun.ID, newRun.SessionID, string(newRun.Mode), string(newRun.Status), nullStr(newRun.Name),
		nullStr(newRun.ParentRunID), nullStr(newRun.OriginNodeID),
		nullStr(newRun.Hypothesis), nullStr(newRun.Instructions), nullRaw(newRun.Error),
		timeOrNow(newRun.CreatedAt), nullTime(newRun.StartedAt), nullTime(newRun.CompletedAt),
		timeOrNow(newRun.UpdatedAt), newRun.Version,
	); err != nil {
		return fmt.Errorf("insert branch run: %w", err)
	}

	// Copy prefix nodes with fresh IDs.
	rows, err := tx.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE run_id = ? AND idx <= ? ORDER BY idx ASC`,
		parentRunID, originIdx)
	if err != nil {
		return fmt.Errorf("select prefix nodes: %w", err)
	}
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return err
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, n := range nodes {
		newID := uuid.New().String()
		idMap[n.ID] = newID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (`+nodeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newID, newRun.ID, n.Key, n.Idx, string(n.Type),
			nullStr(n.Agent), nullStr(n.Title), string(n.Status),
			nullStr(n.ErrorSummary), nullStr(string(n.ErrorKind)), n.RetryCount,
			nullRaw(n.Metadata), nullTime(n.StartedAt), nullTime(n.CompletedAt),
			n.CreatedAt, n.UpdatedAt, int64(1),
		); err != nil {
			return fmt.Errorf("copy node %s: %w", n.Key, err)
		}
	}

	// Copy edges whose endpoints both landed in the prefix.
	edgeRows, err := tx.QueryContext(ctx,
		`SELECT from_node_id, to_node_id FROM edges WHERE run_id = ?`, parentRunID)
	if err != nil {
		return fmt.Errorf("select edges: %w", err)
	}
	type pair struct{ from, to string }
	var pairs []pair
	for edgeRows.Next() {
		var p pair
		if err := edgeRows.Scan(&p.from, &p.to); err != nil {
			edgeRows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	edgeRows.Close()
	if err := edgeRows.Err(); err != nil {
		return err
	}
	for _, p := range pairs {
		from, okF := idMap[p.from]
		to, okT := idMap[p.to]
		if !okF || !okT {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (run_id, from_node_id, to_node_id) VALUES (?, ?, ?)`,
			newRun.ID, from, to,
		); err != nil {
			return fmt.Errorf("copy edge: %w", err)
		}
	}

	// Copy events of prefix nodes verbatim except for identity columns.
	// Parent pointers stay within the prefix by construction (a child event
	// always belongs to the same node as its parent).
	evRows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? AND node_id IN
		   (SELECT id FROM nodes WHERE run_id = ? AND idx <= ?)
		 ORDER BY node_id, execution_order ASC`,
		parentRunID, parentRunID, originIdx)
	if err != nil {
		return fmt.Errorf("select prefix events: %w", err)
	}
	var events []*ExecutionEvent
	for evRows.Next() {
		e, err := scanEvent(evRows)
		if err != nil {
			evRows.Close()
			return err
		}
		events = append(events, e)
	}
	evRows.Close()
	if err := evRows.Err(); err != nil {
		return err
	}

	eventIDMap := make(map[string]string, len(events))
	for _, e := range events {
		eventIDMap[e.ID] = uuid.New().String()
	}
	for _, e := range events {
		parentID := ""
		if e.ParentEventID != "" {
			parentID = eventIDMap[e.ParentEventID]
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventIDMap[e.ID], newRun.ID, nullStr(idMap[e.NodeID]), nullStr(parentID),
			string(e.Type), nullStr(string(e.Subtype)), nullStr(e.Agent),
			nullRaw(e.Inputs), nullRaw(e.Outputs), nullStr(e.ErrorText), nullRaw(e.Metadata),
			e.LoggedAt, nullTime(e.StartedAt), nullTime(e.CompletedAt),
			e.DurationMs, e.ExecutionOrder, e.Depth,
		); err != nil {
			return fmt.Errorf("copy event: %w", err)
		}
	}

	// Copy prefix artifacts.
	artRows, err := tx.QueryContext(ctx,
		`SELECT id, node_id, event_id, kind, name, uri, size, meta, created_at
		 FROM artifacts WHERE run_id = ? AND node_id IN
		   (SELECT id FROM nodes WHERE run_id = ? AND idx <= ?)`,
		parentRunID, parentRunID, originIdx)
	if err != nil {
		return fmt.Errorf("select prefix artifacts: %w", err)
	}
	var arts []*Artifact
	for artRows.Next() {
		a := &Artifact{}
		var nodeID, eventID, uri, meta sql.NullString
		if err := artRows.Scan(&a.ID, &nodeID, &eventID, &a.Kind, &a.Name, &uri, &a.Size, &meta, &a.CreatedAt); err != nil {
			artRows.Close()
			return err
		}
		a.NodeID = nodeID.String
		a.EventID = eventID.String
		a.URI = uri.String
		a.Meta = rawOrNil(meta)
		arts = append(arts, a)
	}
	artRows.Close()
	if err := artRows.Err(); err != nil {
		return err
	}
	for _, a := range arts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (id, run_id, node_id, event_id, kind, name, uri, size, meta, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), newRun.ID, nullStr(idMap[a.NodeID]), nullStr(eventIDMap[a.EventID]),
			a.Kind, a.Name, nullStr(a.URI), a.Size, nullRaw(a.Meta), a.CreatedAt,
		); err != nil {
			return fmt.Errorf("copy artifact: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit branch copy: %w", err)
	}
	return nil
}

// --- Retention ---

// DeleteTerminalRunsBefore removes terminal runs completed before the cutoff.
// Child rows cascade via foreign keys.
func (s *LibSQLStore) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN ('completed', 'failed', 'cancelled')
		 AND completed_at IS NOT NULL AND completed_at < ?
		 AND id NOT IN (SELECT DISTINCT parent_run_id FROM runs WHERE parent_run_id IS NOT NULL)`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TrailError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func wrapStoreErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*schema.TrailError); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// checkVersioned distinguishes a missing row from a version conflict when a
// guarded UPDATE touches nothing.
func (s *LibSQLStore) checkVersioned(ctx context.Context, res sql.Result, table, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return storeNotFound(resource, id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q was modified concurrently", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
