package cell

import (
	"strings"
	"sync"
)

// #region pool
// Pool is the ordered, concurrency-safe set of live cells.
type Pool struct {
	mu    sync.RWMutex
	cells []*Cell
}

// NewPool creates a pool seeded with cells, skipping duplicate ids.
func NewPool(cells ...*Cell) *Pool {
	p := &Pool{}
	for _, c := range cells {
		p.Add(c)
	}
	return p
}

// Add appends c unless a cell with the same id exists.
func (p *Pool) Add(c *Cell) bool {
	if c == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.cells {
		if existing.ID() == c.ID() {
			return false
		}
	}
	p.cells = append(p.cells, c)
	return true
}

// Remove drops the cell with id. The base cell is never removed.
func (p *Pool) Remove(id string) bool {
	if id == BaseID {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.cells {
		if c.ID() == id {
			p.cells = append(p.cells[:i], p.cells[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the cell with id.
func (p *Pool) Get(id string) (*Cell, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.cells {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// Base returns the base cell, or the first cell if none is named BaseID.
func (p *Pool) Base() *Cell {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.cells {
		if c.ID() == BaseID {
			return c
		}
	}
	if len(p.cells) > 0 {
		return p.cells[0]
	}
	return nil
}

// List returns the cells in insertion order.
func (p *Pool) List() []*Cell {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Cell(nil), p.cells...)
}

// IDs returns the cell ids in insertion order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.cells))
	for i, c := range p.cells {
		ids[i] = c.ID()
	}
	return ids
}

// ShortIDs returns the ids without the "cell-" prefix, as a set.
func (p *Pool) ShortIDs() map[string]bool {
	out := make(map[string]bool)
	for _, id := range p.IDs() {
		out[strings.TrimPrefix(id, "cell-")] = true
	}
	return out
}

// Len returns the number of cells.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cells)
}

// #endregion pool
