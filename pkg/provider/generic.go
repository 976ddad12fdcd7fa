package provider

import (
	"encoding/json"
	"strings"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/tidwall/gjson"
)

// Normalized is a raw response reduced to the loop's needs.
type Normalized struct {
	Content      string
	ToolCalls    []conversation.ToolCall
	Thinking     string
	Usage        map[string]int
	Model        string
	FinishReason string
}

// Normalize applies the adapter's extractors, falling back to generic
// parsing for everything the adapter defers.
func Normalize(p Provider, raw interface{}) (Normalized, error) {
	doc, docErr := rawJSON(raw)

	var out Normalized

	if ext := p.ExtractContent(raw); !ext.Deferred {
		out.Content = ext.Value
	} else {
		if docErr != nil {
			return Normalized{}, docErr
		}
		out.Content = GenericContent(doc)
	}

	if ext := p.ExtractToolCalls(raw); !ext.Deferred {
		out.ToolCalls = ext.Value
	} else {
		if docErr != nil {
			return Normalized{}, docErr
		}
		out.ToolCalls = GenericToolCalls(doc)
	}

	if ext := p.ExtractThinking(raw); !ext.Deferred {
		out.Thinking = ext.Value
	} else if docErr == nil {
		out.Thinking = GenericThinking(doc)
	}

	var meta map[string]interface{}
	if ext := p.ExtractMetadata(raw); !ext.Deferred {
		meta = ext.Value
	} else if docErr == nil {
		meta = GenericMetadata(doc)
	}
	if usage, ok := meta["usage"].(map[string]int); ok {
		out.Usage = usage
	}
	if model, ok := meta["model"].(string); ok {
		out.Model = model
	}
	if reason, ok := meta["finish_reason"].(string); ok {
		out.FinishReason = reason
	}

	return out, nil
}

// rawJSON renders a raw response as a JSON document for gjson paths.
func rawJSON(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		if gjson.Valid(v) {
			return v, nil
		}
		return "", errs.New(errs.TypeParse, "raw response is not valid JSON")
	case []byte:
		if gjson.ValidBytes(v) {
			return string(v), nil
		}
		return "", errs.New(errs.TypeParse, "raw response is not valid JSON")
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return "", errs.Wrap(errs.TypeParse, "raw response is not serializable", err)
		}
		return string(data), nil
	}
}

// GenericContent pulls assistant text out of the common envelope
// shapes: a bare content string, an OpenAI choice, or Anthropic-style
// content blocks.
func GenericContent(doc string) string {
	if v := gjson.Get(doc, "content"); v.Type == gjson.String {
		return v.String()
	}
	if v := gjson.Get(doc, `content.#(type=="text")#.text`); v.Exists() {
		parts := []string{}
		for _, part := range v.Array() {
			parts = append(parts, part.String())
		}
		return strings.Join(parts, "")
	}
	if v := gjson.Get(doc, "choices.0.message.content"); v.Exists() {
		return v.String()
	}
	if v := gjson.Get(doc, "text"); v.Exists() {
		return v.String()
	}
	return ""
}

// GenericToolCalls recognizes the common function-call shapes.
func GenericToolCalls(doc string) []conversation.ToolCall {
	var calls []conversation.ToolCall

	// Flat tool_calls list: {id, name, arguments}.
	for _, tc := range gjson.Get(doc, "tool_calls").Array() {
		calls = append(calls, conversation.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      firstString(tc, "name", "function.name"),
			Arguments: argumentsMap(tc.Get("arguments"), tc.Get("function.arguments")),
		})
	}
	if calls != nil {
		return calls
	}

	// OpenAI chat completion choice.
	for _, tc := range gjson.Get(doc, "choices.0.message.tool_calls").Array() {
		calls = append(calls, conversation.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: argumentsMap(tc.Get("function.arguments")),
		})
	}
	if calls != nil {
		return calls
	}

	// Anthropic tool_use content blocks.
	for _, block := range gjson.Get(doc, `content.#(type=="tool_use")#`).Array() {
		calls = append(calls, conversation.ToolCall{
			ID:        block.Get("id").String(),
			Name:      block.Get("name").String(),
			Arguments: argumentsMap(block.Get("input")),
		})
	}
	return calls
}

// GenericThinking pulls reasoning text when the envelope exposes it.
func GenericThinking(doc string) string {
	if v := gjson.Get(doc, "thinking"); v.Type == gjson.String {
		return v.String()
	}
	if v := gjson.Get(doc, `content.#(type=="thinking")#.thinking`); v.Exists() {
		parts := []string{}
		for _, part := range v.Array() {
			parts = append(parts, part.String())
		}
		return strings.Join(parts, "")
	}
	return ""
}

// GenericMetadata pulls usage, model, and finish reason.
func GenericMetadata(doc string) map[string]interface{} {
	meta := map[string]interface{}{}

	if usage := gjson.Get(doc, "usage"); usage.IsObject() {
		counters := map[string]int{}
		usage.ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.Number {
				counters[key.String()] = int(value.Int())
			}
			return true
		})
		meta["usage"] = counters
	}
	if model := gjson.Get(doc, "model"); model.Exists() {
		meta["model"] = model.String()
	}
	for _, path := range []string{"finish_reason", "stop_reason", "choices.0.finish_reason"} {
		if v := gjson.Get(doc, path); v.Exists() {
			meta["finish_reason"] = v.String()
			break
		}
	}
	return meta
}

func firstString(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// argumentsMap decodes tool arguments whether they arrive as an object
// or as a JSON-encoded string.
func argumentsMap(candidates ...gjson.Result) map[string]interface{} {
	for _, c := range candidates {
		if !c.Exists() {
			continue
		}
		doc := c.Raw
		if c.Type == gjson.String {
			doc = c.String()
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(doc), &args); err == nil {
			return args
		}
	}
	return map[string]interface{}{}
}
