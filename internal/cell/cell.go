// Package cell implements role-specialised request handlers wrapping the
// language-model backend.
package cell

import (
	"context"
	"strings"
	"sync"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/backend"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/textsim"
)

// #region constants
const (
	// BaseID is the general-purpose cell every pool starts with.
	BaseID = "cell-base"

	defaultSystemPrompt = "You are a helpful AI assistant."
	defaultTemperature  = 0.6
	defaultMaxTokens    = 300
	defaultMemorySize   = 6

	classifyHint = "\n\nAt the end, output a JSON object with keys domain (1-2 words) and tags (3-6 short tags)."
	emptyReply   = "(no content)"
)

// precisionTags flag cells that should cool down as confidence grows.
var precisionTags = map[string]bool{"code": true, "analysis": true, "technical": true}

// #endregion constants

// #region types
// Identity is the immutable part of a cell.
type Identity struct {
	ID           string
	Tags         []string
	SystemPrompt string
	MaxTokens    int
}

// Params is the mutable parameter block owned by a cell.
type Params struct {
	Temperature float64
	Memory      []backend.Message
}

// Config describes a new cell. Zero fields take defaults.
type Config struct {
	ID           string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MemorySize   int
	Tags         []string
}

// TempBounds bounds the temperature a cell may be adjusted to.
type TempBounds struct {
	Min float64
	Max float64
}

// DefaultTempBounds returns [0.1, 0.9].
func DefaultTempBounds() TempBounds {
	return TempBounds{Min: 0.1, Max: 0.9}
}

// #endregion types

// #region cell
// Cell pairs an immutable identity with a mutex-guarded parameter block.
type Cell struct {
	id       Identity
	memLimit int

	mu     sync.Mutex
	params Params
}

// New builds a cell from cfg.
func New(cfg Config) *Cell {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultMemorySize
	}
	if cfg.MemorySize < 0 {
		cfg.MemorySize = 0
	}
	tags := make([]string, len(cfg.Tags))
	for i, t := range cfg.Tags {
		tags[i] = strings.ToLower(t)
	}
	return &Cell{
		id: Identity{
			ID:           cfg.ID,
			Tags:         tags,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
		},
		memLimit: cfg.MemorySize,
		params:   Params{Temperature: cfg.Temperature},
	}
}

// ID returns the cell id.
func (c *Cell) ID() string { return c.id.ID }

// Tags returns a copy of the capability tags.
func (c *Cell) Tags() []string { return append([]string(nil), c.id.Tags...) }

// Identity returns a copy of the immutable identity.
func (c *Cell) Identity() Identity {
	id := c.id
	id.Tags = c.Tags()
	return id
}

// Params returns a snapshot of the parameter block.
func (c *Cell) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Params{
		Temperature: c.params.Temperature,
		Memory:      append([]backend.Message(nil), c.params.Memory...),
	}
}

// #endregion cell

// #region act
// Act sends input to the backend together with the cell's system prompt and
// short memory. With a nil backend it answers with the stub text. The backend
// call runs without holding the cell lock.
func (c *Cell) Act(ctx context.Context, b backend.Backend, input string) (string, error) {
	c.mu.Lock()
	msgs := make([]backend.Message, 0, len(c.params.Memory)+2)
	msgs = append(msgs, backend.Message{Role: "system", Content: c.id.SystemPrompt})
	msgs = append(msgs, c.params.Memory...)
	msgs = append(msgs, backend.Message{Role: "user", Content: input + classifyHint})
	temp := c.params.Temperature
	c.mu.Unlock()

	if b == nil {
		stub := backend.StubText(c.id.ID, input)
		c.remember(input, stub)
		return stub, nil
	}

	text, err := b.Complete(ctx, msgs, temp, c.id.MaxTokens)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = emptyReply
	}
	c.remember(input, text)
	return text, nil
}

// remember stores a completed turn. Failed calls leave memory untouched.
func (c *Cell) remember(input, reply string) {
	c.mu.Lock()
	c.pushLocked(backend.Message{Role: "user", Content: input})
	c.pushLocked(backend.Message{Role: "assistant", Content: reply})
	c.mu.Unlock()
}

func (c *Cell) pushLocked(m backend.Message) {
	if c.memLimit == 0 {
		return
	}
	c.params.Memory = append(c.params.Memory, m)
	if over := len(c.params.Memory) - c.memLimit; over > 0 {
		c.params.Memory = append([]backend.Message(nil), c.params.Memory[over:]...)
	}
}

// #endregion act

// #region match
// MatchTags scores how well input matches the cell's capability tags:
// min(1, 0.7*jaccard + 0.3*best fuzzy token match).
func (c *Cell) MatchTags(input string) float64 {
	if len(c.id.Tags) == 0 {
		return 0
	}
	in := textsim.TokenSet(input)
	tagTokens := make(map[string]struct{})
	for _, tag := range c.id.Tags {
		for _, tok := range textsim.Tokenize(tag) {
			tagTokens[tok] = struct{}{}
		}
	}
	j := textsim.Jaccard(in, tagTokens)
	best := 0.0
	for t := range tagTokens {
		for w := range in {
			best = max(best, textsim.Fuzzy(t, w))
		}
	}
	return min(1, 0.7*j+0.3*best)
}

// IsPrecision reports whether any tag marks the cell as precision focused.
func (c *Cell) IsPrecision() bool {
	for _, t := range c.id.Tags {
		if precisionTags[t] {
			return true
		}
	}
	return false
}

// #endregion match

// #region adjust
// AdjustParameters maps confidence in [0,1] onto the temperature range.
// Precision cells get colder as confidence rises, others warmer. The result is
// rounded to two decimals and clamped to bounds. Only the feedback controller
// calls this.
func (c *Cell) AdjustParameters(confidence float64, bounds TempBounds) float64 {
	if bounds.Max <= bounds.Min {
		bounds = DefaultTempBounds()
	}
	confidence = textsim.Clamp01(confidence)
	span := bounds.Max - bounds.Min
	var t float64
	if c.IsPrecision() {
		t = bounds.Max - confidence*span
	} else {
		t = bounds.Min + confidence*span
	}
	t = float64(int64(t*100+0.5)) / 100
	t = max(bounds.Min, min(bounds.Max, t))

	c.mu.Lock()
	c.params.Temperature = t
	c.mu.Unlock()
	return t
}

// #endregion adjust
