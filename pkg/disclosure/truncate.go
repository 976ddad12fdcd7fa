package disclosure

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/harun/agentloop/pkg/tool"
)

// DefaultMarker is appended to truncated output.
const DefaultMarker = "... [truncated]"

// Truncate cuts oversized tool outputs down to MaxSize units: bytes for
// text, elements for lists, keys for maps. Anything already within
// budget passes through unchanged.
type Truncate struct {
	MaxSize int
	Marker  string
}

// NewTruncate creates a Truncate processor with the default marker.
func NewTruncate(maxSize int) Truncate {
	return Truncate{MaxSize: maxSize, Marker: DefaultMarker}
}

// Process implements Processor.
func (t Truncate) Process(results []tool.Result) []tool.Result {
	if t.MaxSize <= 0 {
		return results
	}
	marker := t.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	out := make([]tool.Result, len(results))
	for i, res := range results {
		if !res.OK() {
			out[i] = res
			continue
		}
		res.Output = t.truncateValue(res.Output, marker)
		out[i] = res
	}
	return out
}

func (t Truncate) truncateValue(value interface{}, marker string) interface{} {
	switch v := value.(type) {
	case string:
		return truncateString(v, t.MaxSize, marker)
	case []byte:
		return []byte(truncateString(string(v), t.MaxSize, marker))
	case []interface{}:
		if len(v) <= t.MaxSize {
			return v
		}
		kept := append([]interface{}(nil), v[:t.MaxSize]...)
		return append(kept, marker)
	case map[string]interface{}:
		if len(v) <= t.MaxSize {
			return v
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kept := make(map[string]interface{}, t.MaxSize+1)
		for _, k := range keys[:t.MaxSize] {
			kept[k] = v[k]
		}
		kept[marker] = fmt.Sprintf("%d keys dropped", len(v)-t.MaxSize)
		return kept
	default:
		return value
	}
}

// truncateString cuts s to at most max bytes at a rune boundary so the
// result is always valid UTF-8, then appends the marker.
func truncateString(s string, max int, marker string) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
