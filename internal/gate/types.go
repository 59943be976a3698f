package gate

// #region actions
const (
	ActionCommit   = "commit"
	ActionRollback = "rollback"
)

// #endregion actions

// #region gate-config
// GateConfig holds the Lyapunov weights.
type GateConfig struct {
	Alpha float64 // weight on success improvement
	Beta  float64 // weight on complexity increase
}

// DefaultGateConfig returns alpha 1.0, beta 0.5.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Alpha: 1.0,
		Beta:  0.5,
	}
}

// #endregion gate-config

// #region sample
// Sample is one observation of the system: success level and structural
// complexity.
type Sample struct {
	Success    float64
	Complexity float64
}

// #endregion sample

// #region gate-decision
// GateDecision is the output of Assess.
type GateDecision struct {
	Action      string // "commit" | "rollback"
	Reason      string
	DeltaV      float64
	DSuccess    float64
	DComplexity float64
	Alpha       float64
	Beta        float64
}

// #endregion gate-decision
