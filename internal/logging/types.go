package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	SubjectID    string // pattern id, cell id or request id the decision is about
	ContextHash  string
	TriggerType  string // "evolution" | "policy" | "synthesis"
	SignalsJSON  string
	EvidenceRefs string
	Decision     string // "commit" | "rollback" | "block" | "create" | "merge"
	Reason       string
	CreatedAt    time.Time
}

// #endregion provenance-entry

// #region evolution-record
// EvolutionRecord captures the complete gate inputs of one evolution cycle.
// Serialized as JSON into provenance_log.signals_json.
type EvolutionRecord struct {
	ActivePattern  string  `json:"active_pattern"`
	Candidate      string  `json:"candidate"`
	PreSuccess     float64 `json:"pre_success"`
	PostSuccess    float64 `json:"post_success"`
	PreComplexity  float64 `json:"pre_complexity"`
	PostComplexity float64 `json:"post_complexity"`
	StaleCycles    int     `json:"stale_cycles"`

	// Gate output
	DeltaV     float64 `json:"delta_v"`
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	GateAction string  `json:"gate_action"`
	GateReason string  `json:"gate_reason"`
}

// #endregion evolution-record

// #region policy-record
// PolicyRecord captures a blocked request without its cleartext.
type PolicyRecord struct {
	PromptHash string  `json:"prompt_hash"`
	Risk       float64 `json:"risk"`
	Threshold  float64 `json:"threshold"`
	Reason     string  `json:"reason"`
}

// #endregion policy-record
