// Package disclosure bounds the size of what flows back into the
// conversation: result processors shape oversized tool outputs, and
// compactors shrink the Context itself when it outgrows its budget.
package disclosure

import "github.com/harun/agentloop/pkg/tool"

// Processor transforms tool results before they are merged into the
// Context. Error outcomes always pass through unchanged.
type Processor interface {
	Process(results []tool.Result) []tool.Result
}

// Chain applies processors in order.
type Chain []Processor

// Process runs every processor over the results.
func (c Chain) Process(results []tool.Result) []tool.Result {
	for _, p := range c {
		results = p.Process(results)
	}
	return results
}
