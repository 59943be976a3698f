package pattern

import "errors"

// #region types
// Spec describes one dispatch pattern: the cells it activates, the routing
// strategy it expects and an optional role graph.
type Spec struct {
	ID     string      `json:"id"`
	Cells  []string    `json:"cells"`
	Router string      `json:"router"`
	Tags   []string    `json:"tags,omitempty"`
	Edges  [][2]string `json:"edges,omitempty"`
	Roles  []string    `json:"roles,omitempty"`
}

// File is the persisted registry layout.
type File struct {
	Version  int    `json:"version"`
	Patterns []Spec `json:"patterns"`
	Default  string `json:"default,omitempty"`
}

// Complexity weights.
const (
	WeightNodes = 1.0
	WeightEdges = 1.0
	WeightDepth = 1.0
	WeightRoles = 0.5
)

// #endregion types

var (
	// ErrNoPatterns is returned by Synthesize on an empty registry.
	ErrNoPatterns = errors.New("pattern: registry is empty")

	// ErrUnknownPattern is returned when an id is not registered.
	ErrUnknownPattern = errors.New("pattern: unknown id")

	// ErrInvalidPattern is returned by Add for a spec without id or cells.
	ErrInvalidPattern = errors.New("pattern: invalid spec")
)
