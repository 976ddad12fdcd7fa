package disclosure

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/harun/agentloop/pkg/tool"
)

const (
	defaultSampleSize  = 5
	defaultSummarySize = 2000
	excerptBytes       = 200
	maxSummaryDepth    = 3
)

// Summarize replaces large tool outputs with a type-driven structural
// summary: lists report count plus a sample, maps report keys, text
// reports length plus an excerpt, structs report their field layout.
type Summarize struct {
	SampleSize     int
	MaxSummarySize int
}

// NewSummarize creates a Summarize processor with sensible defaults.
func NewSummarize(sampleSize, maxSummarySize int) Summarize {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	if maxSummarySize <= 0 {
		maxSummarySize = defaultSummarySize
	}
	return Summarize{SampleSize: sampleSize, MaxSummarySize: maxSummarySize}
}

// Process implements Processor.
func (s Summarize) Process(results []tool.Result) []tool.Result {
	out := make([]tool.Result, len(results))
	for i, res := range results {
		if !res.OK() {
			out[i] = res
			continue
		}
		res.Output = s.enforceCap(s.summarize(res.Output, 0))
		out[i] = res
	}
	return out
}

// enforceCap bounds the rendered size of a summary. A summary whose
// encoding exceeds MaxSummarySize degrades to capped text.
func (s Summarize) enforceCap(summary interface{}) interface{} {
	if s.MaxSummarySize <= 0 {
		return summary
	}
	encoded, err := json.Marshal(summary)
	if err != nil || len(encoded) <= s.MaxSummarySize {
		return summary
	}
	return s.capText(string(encoded))
}

func (s Summarize) summarize(value interface{}, depth int) interface{} {
	if depth >= maxSummaryDepth {
		return s.capText(fmt.Sprintf("%v", value))
	}

	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return map[string]interface{}{
			"type":    "text",
			"length":  len(v),
			"excerpt": truncateString(v, excerptBytes, ""),
			"summary": fmt.Sprintf("text of %d bytes", len(v)),
		}
	case []interface{}:
		sample := make([]interface{}, 0, s.SampleSize)
		for _, item := range v[:min(len(v), s.SampleSize)] {
			sample = append(sample, s.summarize(item, depth+1))
		}
		return map[string]interface{}{
			"type":    "list",
			"count":   len(v),
			"sample":  sample,
			"summary": fmt.Sprintf("list of %d items", len(v)),
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		shown := keys[:min(len(keys), s.SampleSize)]

		sample := make(map[string]interface{}, len(shown))
		for _, k := range shown {
			sample[k] = s.summarize(v[k], depth+1)
		}
		return map[string]interface{}{
			"type":    "map",
			"count":   len(v),
			"keys":    shown,
			"sample":  sample,
			"summary": fmt.Sprintf("map with %d keys", len(v)),
		}
	default:
		return s.summarizeReflected(value, depth)
	}
}

// summarizeReflected handles tagged records and anything else the type
// switch misses. Recursion depth is already bounded by the caller.
func (s Summarize) summarizeReflected(value interface{}, depth int) interface{} {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		fields := make(map[string]interface{}, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			fields[field.Name] = s.summarize(rv.Field(i).Interface(), depth+1)
		}
		return map[string]interface{}{
			"type":        "struct",
			"struct_name": rt.Name(),
			"fields":      fields,
		}
	case reflect.Slice, reflect.Array:
		generic := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			generic[i] = rv.Index(i).Interface()
		}
		return s.summarize(generic, depth)
	default:
		return value
	}
}

func (s Summarize) capText(text string) string {
	return truncateString(text, s.MaxSummarySize, DefaultMarker)
}
