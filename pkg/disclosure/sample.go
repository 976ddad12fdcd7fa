package disclosure

import (
	"math/rand"
	"sort"

	"github.com/harun/agentloop/pkg/tool"
)

// Sampling strategies.
const (
	StrategyFirst       = "first"
	StrategyRandom      = "random"
	StrategyDistributed = "distributed"
)

// SampleSummary replaces an oversized collection in a tool result.
type SampleSummary struct {
	Items      []interface{} `json:"items"`
	TotalCount int           `json:"total_count"`
	Sampled    bool          `json:"sampled"`
	Strategy   string        `json:"strategy"`
}

// Sample reduces oversized list outputs to Size representative items.
// Collections at or under Size pass through unsampled.
type Sample struct {
	Size     int
	Strategy string

	// rng overrides the randomness source in tests.
	rng *rand.Rand
}

// NewSample creates a Sample processor. An empty strategy means first.
func NewSample(size int, strategy string) Sample {
	if strategy == "" {
		strategy = StrategyFirst
	}
	return Sample{Size: size, Strategy: strategy}
}

// Process implements Processor.
func (s Sample) Process(results []tool.Result) []tool.Result {
	if s.Size <= 0 {
		return results
	}

	out := make([]tool.Result, len(results))
	for i, res := range results {
		if !res.OK() {
			out[i] = res
			continue
		}
		if items, ok := res.Output.([]interface{}); ok && len(items) > s.Size {
			res.Output = SampleSummary{
				Items:      s.pick(items),
				TotalCount: len(items),
				Sampled:    true,
				Strategy:   s.Strategy,
			}
		}
		out[i] = res
	}
	return out
}

func (s Sample) pick(items []interface{}) []interface{} {
	switch s.Strategy {
	case StrategyRandom:
		rng := s.rng
		if rng == nil {
			rng = rand.New(rand.NewSource(rand.Int63()))
		}
		indices := rng.Perm(len(items))[:s.Size]
		sort.Ints(indices)
		picked := make([]interface{}, s.Size)
		for i, idx := range indices {
			picked[i] = items[idx]
		}
		return picked
	case StrategyDistributed:
		picked := make([]interface{}, s.Size)
		if s.Size == 1 {
			picked[0] = items[0]
			return picked
		}
		// Evenly spaced indices spanning the full range.
		step := float64(len(items)-1) / float64(s.Size-1)
		for i := range picked {
			picked[i] = items[int(float64(i)*step+0.5)]
		}
		return picked
	default:
		return append([]interface{}(nil), items[:s.Size]...)
	}
}
