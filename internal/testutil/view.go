package testutil

import "fmt"

// FixedViewGenerator hands out predictable page-view tokens.
//
// The first token is "<prefix>-1", then "<prefix>-2", and so on, so golden
// traces that include view tokens are byte-identical across runs.
//
// Not safe for concurrent use; engines generate view tokens from one
// goroutine at page load.
type FixedViewGenerator struct {
	prefix string
	n      int
}

// NewFixedViewGenerator creates a generator. An empty prefix means "view".
func NewFixedViewGenerator(prefix string) *FixedViewGenerator {
	if prefix == "" {
		prefix = "view"
	}
	return &FixedViewGenerator{prefix: prefix}
}

// Generate returns the next token.
//
// Implements engine.ViewTokenGenerator.
func (g *FixedViewGenerator) Generate() string {
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
