// Package pattern keeps the catalogue of dispatch patterns, the active
// selection and the structural complexity measure used by the stability gate.
package pattern

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/jsonfile"
)

// #region registry
// Registry holds the pattern list and the nullable active id.
type Registry struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	file   File
	active string
}

// NewRegistry loads path. A missing or invalid file leaves an empty registry
// with no active pattern.
func NewRegistry(path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{path: path, logger: logger, file: File{Version: 1}}
	r.Load()
	return r
}

// Load rereads the registry file.
func (r *Registry) Load() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.file = File{Version: 1}
	r.active = ""
	if r.path == "" {
		return
	}
	var f File
	if err := jsonfile.Load(r.path, &f); err != nil {
		if !jsonfile.Missing(err) {
			r.logger.Warn("pattern registry unreadable, starting empty", zap.String("path", r.path), zap.Error(err))
		}
		return
	}
	if f.Patterns == nil {
		r.logger.Warn("pattern registry has no patterns list, starting empty", zap.String("path", r.path))
		return
	}
	r.file = f
	if f.Default != "" {
		if _, ok := r.getLocked(f.Default); ok {
			r.active = f.Default
			return
		}
		r.logger.Warn("pattern registry default is not registered", zap.String("path", r.path), zap.String("default", f.Default))
	}
	if len(f.Patterns) > 0 {
		r.active = f.Patterns[0].ID
	}
}

// Save writes the registry with the active id as default.
func (r *Registry) Save() error {
	r.mu.RLock()
	f := r.file
	f.Patterns = slices.Clone(r.file.Patterns)
	f.Default = r.active
	r.mu.RUnlock()

	if r.path == "" {
		return nil
	}
	if err := jsonfile.Save(r.path, f); err != nil {
		return fmt.Errorf("save pattern registry: %w", err)
	}
	return nil
}

// #endregion registry

// #region accessors
// List returns a copy of every pattern.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.file.Patterns)
}

// Get returns the pattern with id.
func (r *Registry) Get(id string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id string) (Spec, bool) {
	for _, p := range r.file.Patterns {
		if p.ID == id {
			return p, true
		}
	}
	return Spec{}, false
}

// ActiveID returns the active pattern id, empty when none.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Active returns the active pattern, if it exists.
func (r *Registry) Active() (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return Spec{}, false
	}
	return r.getLocked(r.active)
}

// SetActive selects id. Empty clears the selection.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if _, ok := r.getLocked(id); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPattern, id)
		}
	}
	r.active = id
	return nil
}

// Add registers spec. Registered patterns are immutable, so a duplicate id
// is rejected.
func (r *Registry) Add(spec Spec) error {
	if spec.ID == "" || len(spec.Cells) == 0 {
		return fmt.Errorf("%w: id and cells are required", ErrInvalidPattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.getLocked(spec.ID); ok {
		return fmt.Errorf("%w: %q already registered", ErrInvalidPattern, spec.ID)
	}
	r.file.Patterns = append(r.file.Patterns, spec)
	return nil
}

// #endregion accessors

// #region complexity
// Complexity is nodes + edges + longest path + 0.5 per role.
func Complexity(p Spec) float64 {
	return WeightNodes*float64(len(p.Cells)) +
		WeightEdges*float64(len(p.Edges)) +
		WeightDepth*float64(LongestPath(p.Edges)) +
		WeightRoles*float64(len(p.Roles))
}

// ActiveComplexity is the complexity of the active pattern, 0 when none.
func (r *Registry) ActiveComplexity() float64 {
	p, ok := r.Active()
	if !ok {
		return 0
	}
	return Complexity(p)
}

// LongestPath returns the number of edges on the longest directed path.
// A node reached again while still on the DFS stack counts as a leaf.
func LongestPath(edges [][2]string) int {
	graph := make(map[string][]string)
	var order []string
	for _, e := range edges {
		if _, ok := graph[e[0]]; !ok {
			order = append(order, e[0])
		}
		graph[e[0]] = append(graph[e[0]], e[1])
	}

	memo := make(map[string]int)
	onStack := make(map[string]bool)
	var dfs func(u string) int
	dfs = func(u string) int {
		if v, ok := memo[u]; ok {
			return v
		}
		if onStack[u] {
			return 0
		}
		onStack[u] = true
		best := 0
		for _, v := range graph[u] {
			best = max(best, 1+dfs(v))
		}
		onStack[u] = false
		memo[u] = best
		return best
	}

	longest := 0
	for _, u := range order {
		longest = max(longest, dfs(u))
	}
	return longest
}

// #endregion complexity

// #region synthesize
// Synthesize proposes the next pattern: the least complex one strictly above
// the active complexity, otherwise the pattern after the active one in
// registry order.
func (r *Registry) Synthesize() (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.file.Patterns) == 0 {
		return Spec{}, ErrNoPatterns
	}
	current := 0.0
	if p, ok := r.getLocked(r.active); ok {
		current = Complexity(p)
	}

	var (
		best   Spec
		bestCx float64
		found  bool
	)
	for _, p := range r.file.Patterns {
		cx := Complexity(p)
		if cx <= current {
			continue
		}
		if !found || cx < bestCx {
			best, bestCx, found = p, cx, true
		}
	}
	if found {
		return best, nil
	}

	idx := slices.IndexFunc(r.file.Patterns, func(p Spec) bool { return p.ID == r.active })
	idx = max(0, idx)
	return r.file.Patterns[(idx+1)%len(r.file.Patterns)], nil
}

// #endregion synthesize
