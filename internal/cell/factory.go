package cell

import "strings"

// #region signature
// Signature describes a cell proposed by domain synthesis.
type Signature struct {
	ID           string   `json:"id"`
	Tags         []string `json:"tags"`
	Temperature  float64  `json:"temperature"`
	SystemPrompt string   `json:"systemPrompt"`
	MemorySize   int      `json:"memorySize,omitempty"` // 0 keeps the default window
}

// #endregion signature

const toolInstructions = " You are tool-aware. When a tool is applicable (file.list.dir, file.read.range, search.regex, file.write, log.append), " +
	`output ONLY JSON in the format {"tool":{"id":"tool-name","input":{...}}} with the correct parameters, no extra text. ` +
	"Use: file.list.dir(dir), file.read.range(file, start, bytes), search.regex(pattern, dir), file.write(file, content), log.append(file, content)."

const basePrompt = "You are a tool execution assistant. When the user mentions any of these tools: " +
	"file.list.dir, file.read.range, search.regex, file.write, log.append - you MUST immediately output ONLY the tool JSON. " +
	"Do not explain, do not describe, do not add text. Just output the JSON."

// #region factory
// FromDomain builds a cell "cell-<id>" whose prompt carries tool instructions.
func FromDomain(sig Signature) *Cell {
	id := sig.ID
	if !strings.HasPrefix(id, "cell-") {
		id = "cell-" + id
	}
	return New(Config{
		ID:           id,
		SystemPrompt: sig.SystemPrompt + toolInstructions,
		Temperature:  sig.Temperature,
		Tags:         sig.Tags,
		MemorySize:   sig.MemorySize,
	})
}

// BaseSignature describes the general-purpose base cell.
func BaseSignature() Signature {
	return Signature{
		ID:           "base",
		SystemPrompt: basePrompt,
		Temperature:  0.1,
		Tags:         []string{"general", "assist"},
	}
}

// NewBase returns the general-purpose base cell.
func NewBase() *Cell {
	return FromDomain(BaseSignature())
}

// #endregion factory
