package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the fixed-width timestamp stored in the ledger so that
// created_at columns sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrIncompleteEntry is returned for a provenance entry without subject,
// trigger or decision.
var ErrIncompleteEntry = errors.New("logging: incomplete provenance entry")

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// #region log-decision
// LogDecision writes entry to the provenance_log table.
func LogDecision(db Execer, entry ProvenanceEntry) error {
	return LogDecisionContext(context.Background(), db, entry)
}

// LogDecisionContext is LogDecision bound to ctx. A zero CreatedAt is
// stamped with the current time.
func LogDecisionContext(ctx context.Context, db Execer, entry ProvenanceEntry) error {
	if entry.SubjectID == "" || entry.TriggerType == "" || entry.Decision == "" {
		return fmt.Errorf("%w: subject=%q trigger=%q decision=%q",
			ErrIncompleteEntry, entry.SubjectID, entry.TriggerType, entry.Decision)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO provenance_log (subject_id, context_hash, trigger_type, signals_json, evidence_refs, decision, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SubjectID,
		nullIfEmpty(entry.ContextHash),
		entry.TriggerType,
		nullIfEmpty(entry.SignalsJSON),
		nullIfEmpty(entry.EvidenceRefs),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.UTC().Format(TimeLayout),
	)
	if err != nil {
		return fmt.Errorf("log %s decision for %s: %w", entry.TriggerType, entry.SubjectID, err)
	}
	return nil
}

// #endregion log-decision

// #region signals
// SignalsJSON encodes a record for ProvenanceEntry.SignalsJSON. Encoding
// failures yield an empty string, which is stored as NULL.
func SignalsJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// #endregion signals

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
