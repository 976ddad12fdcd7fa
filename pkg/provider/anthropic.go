package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/stream"
)

// Anthropic adapts the Claude Messages API to the provider contract.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(opts Options) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...)}, nil
}

// Name implements Provider.
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Introspect implements Provider.
func (p *Anthropic) Introspect() Capabilities {
	return Capabilities{
		Features: []string{"tools", "streaming", "thinking", "system_prompt"},
		Models: []string{
			"claude-sonnet-4-20250514",
			"claude-3-5-sonnet-20241022",
			"claude-3-5-haiku-20241022",
		},
		Constraints: map[string]interface{}{
			"max_tokens_required": true,
		},
	}
}

// Call implements Provider. The raw response is *anthropic.Message.
func (p *Anthropic) Call(ctx context.Context, req Request) (interface{}, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	return p.client.Messages.New(ctx, params)
}

// Stream implements Provider.
func (p *Anthropic) Stream(ctx context.Context, req Request) (*stream.Reader, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	reader, writer := stream.Pipe()
	sse := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		acc := anthropic.Message{}
		thinking := ""
		for sse.Next() {
			event := sse.Current()
			if err := acc.Accumulate(event); err != nil {
				writer.Close(err)
				return
			}

			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			var chunk stream.Chunk
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				chunk = stream.Chunk{Type: stream.ChunkContent, Content: d.Text}
			case anthropic.ThinkingDelta:
				thinking += d.Thinking
				chunk = stream.Chunk{Type: stream.ChunkThinking, Thinking: d.Thinking}
			case anthropic.InputJSONDelta:
				chunk = stream.Chunk{Type: stream.ChunkToolCall, ToolCallRaw: d.PartialJSON}
			default:
				continue
			}
			if err := writer.Send(ctx, chunk); err != nil {
				writer.Close(err)
				return
			}
		}
		if err := sse.Err(); err != nil {
			writer.Close(err)
			return
		}

		done := stream.Done{
			Output:       messageText(&acc),
			Thinking:     thinking,
			Usage:        messageUsage(&acc),
			Model:        string(acc.Model),
			FinishReason: string(acc.StopReason),
			Raw:          &acc,
		}
		if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkDone, Done: &done}); err != nil {
			writer.Close(err)
			return
		}
		writer.Close(nil)
	}()

	return reader, nil
}

// ExtractContent implements Provider.
func (p *Anthropic) ExtractContent(raw interface{}) Extraction[string] {
	msg, ok := raw.(*anthropic.Message)
	if !ok {
		return Defer[string]()
	}
	return Extracted(messageText(msg))
}

// ExtractToolCalls implements Provider.
func (p *Anthropic) ExtractToolCalls(raw interface{}) Extraction[[]conversation.ToolCall] {
	msg, ok := raw.(*anthropic.Message)
	if !ok {
		return Defer[[]conversation.ToolCall]()
	}

	var calls []conversation.ToolCall
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tu.JSON.Input.Raw()), &args); err != nil {
			args = map[string]interface{}{}
		}
		calls = append(calls, conversation.ToolCall{
			ID:        tu.ID,
			Name:      tu.Name,
			Arguments: args,
		})
	}
	return Extracted(calls)
}

// ExtractThinking implements Provider.
func (p *Anthropic) ExtractThinking(raw interface{}) Extraction[string] {
	msg, ok := raw.(*anthropic.Message)
	if !ok {
		return Defer[string]()
	}
	thinking := ""
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.ThinkingBlock); ok {
			thinking += tb.Thinking
		}
	}
	return Extracted(thinking)
}

// ExtractMetadata implements Provider.
func (p *Anthropic) ExtractMetadata(raw interface{}) Extraction[map[string]interface{}] {
	msg, ok := raw.(*anthropic.Message)
	if !ok {
		return Defer[map[string]interface{}]()
	}
	return Extracted(map[string]interface{}{
		"usage":         messageUsage(msg),
		"model":         string(msg.Model),
		"finish_reason": string(msg.StopReason),
	})
}

func (p *Anthropic) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case conversation.RoleSystem:
			// Handled via the top-level system field.
		case conversation.RoleTool:
			callID := msg.ToolCallID
			if callID == "" {
				callID = msg.Name
			}
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(callID, msg.Content, false),
			))
		case conversation.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, tool := range req.Tools {
			name, _ := tool["name"].(string)
			description, _ := tool["description"].(string)
			inputSchema, _ := tool["input_schema"].(map[string]interface{})
			if name == "" {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool definition missing name")
			}

			toolParam := anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(description),
			}
			if inputSchema != nil {
				toolParam.InputSchema = anthropic.ToolInputSchemaParam{
					Properties: inputSchema["properties"],
				}
				if required, ok := inputSchema["required"].([]string); ok {
					toolParam.InputSchema.Required = required
				} else if required, ok := inputSchema["required"].([]interface{}); ok {
					names := make([]string, 0, len(required))
					for _, r := range required {
						if s, ok := r.(string); ok {
							names = append(names, s)
						}
					}
					toolParam.InputSchema.Required = names
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params, nil
}

func messageText(msg *anthropic.Message) string {
	text := ""
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	return text
}

func messageUsage(msg *anthropic.Message) map[string]int {
	return map[string]int{
		"input_tokens":  int(msg.Usage.InputTokens),
		"output_tokens": int(msg.Usage.OutputTokens),
		"total_tokens":  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
}
