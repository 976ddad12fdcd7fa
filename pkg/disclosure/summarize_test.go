package disclosure

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/harun/agentloop/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeText(t *testing.T) {
	long := strings.Repeat("lorem ipsum ", 100)
	results := NewSummarize(0, 0).Process([]tool.Result{{ToolName: "tool", Output: long}})

	summary := results[0].Output.(map[string]interface{})
	assert.Equal(t, "text", summary["type"])
	assert.Equal(t, len(long), summary["length"])
	assert.LessOrEqual(t, len(summary["excerpt"].(string)), 200)
	assert.Contains(t, summary["summary"], "text of")
}

func TestSummarizeList(t *testing.T) {
	items := make([]interface{}, 30)
	for i := range items {
		items[i] = i
	}
	results := NewSummarize(3, 0).Process([]tool.Result{{ToolName: "tool", Output: items}})

	summary := results[0].Output.(map[string]interface{})
	assert.Equal(t, "list", summary["type"])
	assert.Equal(t, 30, summary["count"])
	assert.Len(t, summary["sample"], 3)
}

func TestSummarizeMap(t *testing.T) {
	input := map[string]interface{}{"alpha": 1, "beta": 2, "gamma": 3}
	results := NewSummarize(2, 0).Process([]tool.Result{{ToolName: "tool", Output: input}})

	summary := results[0].Output.(map[string]interface{})
	assert.Equal(t, "map", summary["type"])
	assert.Equal(t, 3, summary["count"])
	assert.Equal(t, []string{"alpha", "beta"}, summary["keys"])
	assert.Len(t, summary["sample"], 2)
}

func TestSummarizeEnforcesOverallCap(t *testing.T) {
	input := make(map[string]interface{}, 10000)
	for i := 0; i < 10000; i++ {
		input[fmt.Sprintf("key-%05d", i)] = strings.Repeat("x", 50)
	}

	results := NewSummarize(3, 500).Process([]tool.Result{{ToolName: "tool", Output: input}})

	capped, ok := results[0].Output.(string)
	require.True(t, ok, "oversized summary should degrade to capped text")
	assert.LessOrEqual(t, len(capped), 500+len(DefaultMarker))
}

func TestSummarizeWithinCapKeepsStructure(t *testing.T) {
	input := map[string]interface{}{"alpha": 1, "beta": 2}
	results := NewSummarize(3, 2000).Process([]tool.Result{{ToolName: "tool", Output: input}})

	summary, ok := results[0].Output.(map[string]interface{})
	require.True(t, ok)
	encoded, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(encoded), 2000)
}

func TestSummarizeStruct(t *testing.T) {
	type report struct {
		Title string
		Rows  []interface{}
	}
	results := NewSummarize(2, 0).Process([]tool.Result{
		{ToolName: "tool", Output: report{Title: "q3", Rows: []interface{}{1, 2}}},
	})

	summary := results[0].Output.(map[string]interface{})
	assert.Equal(t, "struct", summary["type"])
	assert.Equal(t, "report", summary["struct_name"])

	fields := summary["fields"].(map[string]interface{})
	require.Contains(t, fields, "Title")
	require.Contains(t, fields, "Rows")
}

func TestSummarizeBoundsRecursionDepth(t *testing.T) {
	// Nesting far deeper than the recursion bound must not blow up.
	deep := interface{}("leaf")
	for i := 0; i < 50; i++ {
		deep = []interface{}{deep}
	}

	results := NewSummarize(2, 100).Process([]tool.Result{{ToolName: "tool", Output: deep}})
	assert.NotNil(t, results[0].Output)
}

func TestSummarizeErrorOutcomePassesThrough(t *testing.T) {
	results := NewSummarize(2, 0).Process([]tool.Result{{ToolName: "tool", Err: "boom"}})
	assert.Equal(t, "boom", results[0].Err)
	assert.Nil(t, results[0].Output)
}
