// Package sequence provides deterministic IDs for tests and local runs.
package sequence

import (
	"fmt"
	"sync"
)

// Generator returns prefix-1, prefix-2, ...
type Generator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// New creates a Generator with the given prefix.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns the next identifier.
func (g *Generator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}
