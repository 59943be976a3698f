package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds, stored in the "kind" field of every line.
const (
	KindAction    = "action"
	KindTool      = "tool"
	KindEvolution = "evolution"
	KindCell      = "cell"
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// #region action
// PolicyVerdict is the policy outcome recorded on an action.
type PolicyVerdict struct {
	Passed bool    `json:"passed"`
	Reason string  `json:"reason,omitempty"`
	Risk   float64 `json:"risk"`
}

// ActionEvent records one dispatched request. Prompt and response are kept
// only as hashes.
type ActionEvent struct {
	Kind             string        `json:"kind"`
	RequestID        string        `json:"requestId"`
	CellID           string        `json:"cellId"`
	PromptHash       string        `json:"promptHash"`
	ResponseHash     string        `json:"responseHash"`
	Policy           PolicyVerdict `json:"policy"`
	RouterStrategy   string        `json:"routerStrategy"`
	AdaptationReason string        `json:"adaptationReason"`
	Timestamp        string        `json:"timestamp"`
	Signature        string        `json:"signature"`
	SignatureAlgo    string        `json:"signatureAlgo"`
}

type actionPayload struct {
	RequestID        string        `json:"requestId"`
	CellID           string        `json:"cellId"`
	PromptHash       string        `json:"promptHash"`
	ResponseHash     string        `json:"responseHash"`
	Policy           PolicyVerdict `json:"policy"`
	RouterStrategy   string        `json:"routerStrategy"`
	AdaptationReason string        `json:"adaptationReason"`
}

func (e ActionEvent) payload() any {
	return actionPayload{
		RequestID:        e.RequestID,
		CellID:           e.CellID,
		PromptHash:       e.PromptHash,
		ResponseHash:     e.ResponseHash,
		Policy:           e.Policy,
		RouterStrategy:   e.RouterStrategy,
		AdaptationReason: e.AdaptationReason,
	}
}

// ActionInput carries the cleartext an ActionEvent is built from.
type ActionInput struct {
	RequestID        string
	CellID           string
	Prompt           string
	Response         string
	Policy           PolicyVerdict
	RouterStrategy   string
	AdaptationReason string
}

// SignAction hashes the prompt and response and signs the action.
func (s *Signer) SignAction(in ActionInput) (ActionEvent, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	ev := ActionEvent{
		Kind:             KindAction,
		RequestID:        in.RequestID,
		CellID:           in.CellID,
		PromptHash:       HashText(in.Prompt),
		ResponseHash:     HashText(in.Response),
		Policy:           in.Policy,
		RouterStrategy:   in.RouterStrategy,
		AdaptationReason: in.AdaptationReason,
		Timestamp:        now(),
		SignatureAlgo:    SignatureAlgo,
	}
	sig, err := s.Sign(ev.payload())
	if err != nil {
		return ActionEvent{}, err
	}
	ev.Signature = sig
	return ev, nil
}

// #endregion action

// #region tool
// ToolEvent records one governed tool execution.
type ToolEvent struct {
	Kind          string `json:"kind"`
	ToolID        string `json:"toolId"`
	InputHash     string `json:"inputHash"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
	Timestamp     string `json:"timestamp"`
	Signature     string `json:"signature"`
	SignatureAlgo string `json:"signatureAlgo"`
}

type toolPayload struct {
	ToolID    string `json:"toolId"`
	InputHash string `json:"inputHash"`
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	LatencyMs int64  `json:"latencyMs"`
	Timestamp string `json:"timestamp"`
}

func (e ToolEvent) payload() any {
	return toolPayload{e.ToolID, e.InputHash, e.OK, e.Error, e.LatencyMs, e.Timestamp}
}

// SignToolEvent hashes input and signs the execution record.
func (s *Signer) SignToolEvent(toolID string, input any, ok bool, errMsg string, latencyMs int64) (ToolEvent, error) {
	ev := ToolEvent{
		Kind:          KindTool,
		ToolID:        toolID,
		InputHash:     HashJSON(input),
		OK:            ok,
		Error:         errMsg,
		LatencyMs:     latencyMs,
		Timestamp:     now(),
		SignatureAlgo: SignatureAlgo,
	}
	sig, err := s.Sign(ev.payload())
	if err != nil {
		return ToolEvent{}, err
	}
	ev.Signature = sig
	return ev, nil
}

// #endregion tool

// #region evolution
// EvolutionEvent records a gated structural change.
type EvolutionEvent struct {
	Kind           string  `json:"kind"`
	PatternID      string  `json:"patternId"`
	DeltaV         float64 `json:"deltaV"`
	Timestamp      string  `json:"timestamp"`
	PreSuccess     float64 `json:"preSuccess"`
	PostSuccess    float64 `json:"postSuccess"`
	PreComplexity  float64 `json:"preComplexity"`
	PostComplexity float64 `json:"postComplexity"`
	Alpha          float64 `json:"alpha"`
	Beta           float64 `json:"beta"`
	Decision       string  `json:"decision"`
	CanaryN        int     `json:"canaryN"`
	CanaryWindowMs int64   `json:"canaryWindowMs"`
	Signature      string  `json:"signature"`
	SignatureAlgo  string  `json:"signatureAlgo"`
}

type evolutionPayload struct {
	PatternID      string  `json:"patternId"`
	DeltaV         float64 `json:"deltaV"`
	Timestamp      string  `json:"timestamp"`
	PreSuccess     float64 `json:"preSuccess"`
	PostSuccess    float64 `json:"postSuccess"`
	PreComplexity  float64 `json:"preComplexity"`
	PostComplexity float64 `json:"postComplexity"`
	Alpha          float64 `json:"alpha"`
	Beta           float64 `json:"beta"`
	Decision       string  `json:"decision"`
	CanaryN        int     `json:"canaryN"`
	CanaryWindowMs int64   `json:"canaryWindowMs"`
}

func (e EvolutionEvent) payload() any {
	return evolutionPayload{
		PatternID:      e.PatternID,
		DeltaV:         e.DeltaV,
		Timestamp:      e.Timestamp,
		PreSuccess:     e.PreSuccess,
		PostSuccess:    e.PostSuccess,
		PreComplexity:  e.PreComplexity,
		PostComplexity: e.PostComplexity,
		Alpha:          e.Alpha,
		Beta:           e.Beta,
		Decision:       e.Decision,
		CanaryN:        e.CanaryN,
		CanaryWindowMs: e.CanaryWindowMs,
	}
}

// SignEvolutionEvent stamps and signs ev. Kind, Timestamp and the signature
// fields are overwritten.
func (s *Signer) SignEvolutionEvent(ev EvolutionEvent) (EvolutionEvent, error) {
	ev.Kind = KindEvolution
	ev.Timestamp = now()
	ev.SignatureAlgo = SignatureAlgo
	sig, err := s.Sign(ev.payload())
	if err != nil {
		return EvolutionEvent{}, err
	}
	ev.Signature = sig
	return ev, nil
}

// #endregion evolution

// #region cell
// CellEvent records a cell entering or leaving the pool.
type CellEvent struct {
	Kind          string   `json:"kind"`
	EventID       string   `json:"eventId"`
	CellID        string   `json:"cellId"`
	Event         string   `json:"event"` // created | retired
	Tags          []string `json:"tags"`
	Timestamp     string   `json:"timestamp"`
	Signature     string   `json:"signature"`
	SignatureAlgo string   `json:"signatureAlgo"`
}

type cellPayload struct {
	CellID    string   `json:"cellId"`
	Event     string   `json:"event"`
	Tags      []string `json:"tags"`
	Timestamp string   `json:"timestamp"`
}

func (e CellEvent) payload() any {
	return cellPayload{e.CellID, e.Event, e.Tags, e.Timestamp}
}

// SignCellEvent signs a pool change for cellID.
func (s *Signer) SignCellEvent(cellID, event string, tags []string) (CellEvent, error) {
	if tags == nil {
		tags = []string{}
	}
	ev := CellEvent{
		Kind:          KindCell,
		EventID:       uuid.NewString(),
		CellID:        cellID,
		Event:         event,
		Tags:          tags,
		Timestamp:     now(),
		SignatureAlgo: SignatureAlgo,
	}
	sig, err := s.Sign(ev.payload())
	if err != nil {
		return CellEvent{}, err
	}
	ev.Signature = sig
	return ev, nil
}

// #endregion cell
