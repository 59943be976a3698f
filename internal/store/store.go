// Package store is the SQLite ledger: every request event, every governance
// decision and the history of pattern activations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS request_events (
	request_id    TEXT PRIMARY KEY,
	cell_id       TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	policy_passed INTEGER NOT NULL,
	prompt        TEXT,
	response      TEXT,
	domain        TEXT,
	tags_json     TEXT,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_request_events_cell ON request_events(cell_id, created_at);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id    TEXT NOT NULL,
	context_hash  TEXT,
	trigger_type  TEXT NOT NULL,
	signals_json  TEXT,
	evidence_refs TEXT,
	decision      TEXT NOT NULL,
	reason        TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pattern_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	pattern_id    TEXT NOT NULL,
	complexity    REAL NOT NULL,
	perf          REAL NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES pattern_versions(version_id)
);

CREATE TABLE IF NOT EXISTS active_pattern (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES pattern_versions(version_id)
);
`

// #endregion schema

// timeLayout is shared with provenance rows so every created_at column
// sorts the same way.
const timeLayout = logging.TimeLayout

// #region store-struct
// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations. ":memory:" is
// accepted for tests.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region request-events
// RecordEvent appends ev to request_events. It satisfies metrics.Sink.
func (s *Store) RecordEvent(ctx context.Context, ev metrics.RequestEvent) error {
	if ev.RequestID == "" {
		ev.RequestID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	var tags any
	if len(ev.Tags) > 0 {
		raw, err := json.Marshal(ev.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tags = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_events (request_id, cell_id, latency_ms, success, policy_passed, prompt, response, domain, tags_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		ev.RequestID, ev.CellID, ev.LatencyMs, boolInt(ev.Success), boolInt(ev.PolicyPassed),
		nullIfEmpty(ev.Prompt), nullIfEmpty(ev.Response), nullIfEmpty(ev.Domain), tags,
		ev.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert request event: %w", err)
	}
	return nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]metrics.RequestEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := `SELECT request_id, cell_id, latency_ms, success, policy_passed, prompt, response, domain, tags_json, created_at
	      FROM request_events WHERE 1=1`
	var args []any
	if f.CellID != "" {
		q += ` AND cell_id = ?`
		args = append(args, f.CellID)
	}
	if f.Domain != "" {
		q += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []metrics.RequestEvent
	for rows.Next() {
		var (
			ev                       metrics.RequestEvent
			success, passed          int
			prompt, response, domain sql.NullString
			tags                     sql.NullString
			created                  string
		)
		if err := rows.Scan(&ev.RequestID, &ev.CellID, &ev.LatencyMs, &success, &passed,
			&prompt, &response, &domain, &tags, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Success = success != 0
		ev.PolicyPassed = passed != 0
		ev.Prompt = prompt.String
		ev.Response = response.String
		ev.Domain = domain.String
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &ev.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Totals returns the all-time aggregate per cell, ordered by cell id.
func (s *Store) Totals(ctx context.Context) ([]CellTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cell_id, COUNT(*), SUM(success), SUM(policy_passed), AVG(latency_ms)
		 FROM request_events GROUP BY cell_id ORDER BY cell_id`)
	if err != nil {
		return nil, fmt.Errorf("totals: %w", err)
	}
	defer rows.Close()

	var out []CellTotals
	for rows.Next() {
		var t CellTotals
		if err := rows.Scan(&t.CellID, &t.Count, &t.SuccessCount, &t.PolicyPassed, &t.AvgLatency); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// #endregion request-events

// #region provenance
// RecordDecision writes a provenance row.
func (s *Store) RecordDecision(entry logging.ProvenanceEntry) error {
	return logging.LogDecision(s.db, entry)
}

// ListProvenance returns the newest rows, optionally for one trigger type.
func (s *Store) ListProvenance(ctx context.Context, triggerType string, limit int) ([]logging.ProvenanceEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT subject_id, context_hash, trigger_type, signals_json, evidence_refs, decision, reason, created_at
	      FROM provenance_log`
	var args []any
	if triggerType != "" {
		q += ` WHERE trigger_type = ?`
		args = append(args, triggerType)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	var out []logging.ProvenanceEntry
	for rows.Next() {
		var (
			e                                  logging.ProvenanceEntry
			ctxHash, signals, evidence, reason sql.NullString
			created                            string
		)
		if err := rows.Scan(&e.SubjectID, &ctxHash, &e.TriggerType, &signals, &evidence, &e.Decision, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		e.ContextHash = ctxHash.String
		e.SignalsJSON = signals.String
		e.EvidenceRefs = evidence.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion provenance

// #region pattern-versions
// CommitPattern records an activation of patternID on top of the current one
// and moves the active pointer, atomically.
func (s *Store) CommitPattern(ctx context.Context, patternID string, complexity, perf float64) (PatternVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PatternVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT version_id FROM active_pattern WHERE id = 1`).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return PatternVersion{}, fmt.Errorf("get active: %w", err)
	}

	pv := PatternVersion{
		VersionID:  uuid.New().String(),
		ParentID:   parent.String,
		PatternID:  patternID,
		Complexity: complexity,
		Perf:       perf,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pattern_versions (version_id, parent_id, pattern_id, complexity, perf, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pv.VersionID, nullIfEmpty(pv.ParentID), pv.PatternID, pv.Complexity, pv.Perf,
		pv.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return PatternVersion{}, fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_pattern (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		pv.VersionID,
	)
	if err != nil {
		return PatternVersion{}, fmt.Errorf("set active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PatternVersion{}, fmt.Errorf("commit: %w", err)
	}
	return pv, nil
}

// CurrentPattern reads the active pattern version.
func (s *Store) CurrentPattern(ctx context.Context) (PatternVersion, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT version_id FROM active_pattern WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return PatternVersion{}, ErrNoActivePattern
	}
	if err != nil {
		return PatternVersion{}, fmt.Errorf("get active: %w", err)
	}
	return s.PatternVersion(ctx, id)
}

// PatternVersion retrieves one activation by id.
func (s *Store) PatternVersion(ctx context.Context, id string) (PatternVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version_id, parent_id, pattern_id, complexity, perf, created_at
		 FROM pattern_versions WHERE version_id = ?`, id)
	pv, err := scanPatternVersion(row.Scan)
	if err != nil {
		return PatternVersion{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return pv, nil
}

// RollbackPattern moves the active pointer back to a previous activation.
func (s *Store) RollbackPattern(ctx context.Context, versionID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pattern_versions WHERE version_id = ?`, versionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", versionID)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE active_pattern SET version_id = ? WHERE id = 1`, versionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// ListPatternVersions returns the most recent activations.
func (s *Store) ListPatternVersions(ctx context.Context, limit int) ([]PatternVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version_id, parent_id, pattern_id, complexity, perf, created_at
		 FROM pattern_versions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []PatternVersion
	for rows.Next() {
		pv, err := scanPatternVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

func scanPatternVersion(scan func(dest ...any) error) (PatternVersion, error) {
	var (
		pv      PatternVersion
		parent  sql.NullString
		created string
	)
	if err := scan(&pv.VersionID, &parent, &pv.PatternID, &pv.Complexity, &pv.Perf, &created); err != nil {
		return PatternVersion{}, err
	}
	pv.ParentID = parent.String
	pv.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return pv, nil
}

// #endregion pattern-versions

// #region helpers
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
