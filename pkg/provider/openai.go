package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/stream"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI adapts the chat completions API to the provider contract.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(reqOpts...)}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string {
	return "openai"
}

// Introspect implements Provider.
func (p *OpenAI) Introspect() Capabilities {
	return Capabilities{
		Features: []string{"tools", "streaming", "system_prompt", "json_mode"},
		Models:   []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
	}
}

// Call implements Provider. The raw response is *openai.ChatCompletion.
func (p *OpenAI) Call(ctx context.Context, req Request) (interface{}, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	return p.client.Chat.Completions.New(ctx, params)
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, req Request) (*stream.Reader, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	reader, writer := stream.Pipe()
	sse := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		acc := openai.ChatCompletionAccumulator{}
		for sse.Next() {
			part := sse.Current()
			acc.AddChunk(part)

			if len(part.Choices) == 0 {
				continue
			}
			delta := part.Choices[0].Delta
			if delta.Content != "" {
				if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkContent, Content: delta.Content}); err != nil {
					writer.Close(err)
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkToolCall, ToolCallRaw: tc.Function.Arguments}); err != nil {
					writer.Close(err)
					return
				}
			}
		}
		if err := sse.Err(); err != nil {
			writer.Close(err)
			return
		}

		done := stream.Done{
			Model: acc.Model,
			Usage: map[string]int{
				"input_tokens":  int(acc.Usage.PromptTokens),
				"output_tokens": int(acc.Usage.CompletionTokens),
				"total_tokens":  int(acc.Usage.TotalTokens),
			},
			Raw: &acc.ChatCompletion,
		}
		if len(acc.Choices) > 0 {
			done.Output = acc.Choices[0].Message.Content
			done.FinishReason = acc.Choices[0].FinishReason
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
func (p *OpenAI) ExtractContent(raw interface{}) Extraction[string] {
	completion, ok := raw.(*openai.ChatCompletion)
	if !ok || len(completion.Choices) == 0 {
		return Defer[string]()
	}
	return Extracted(completion.Choices[0].Message.Content)
}

// ExtractToolCalls implements Provider.
func (p *OpenAI) ExtractToolCalls(raw interface{}) Extraction[[]conversation.ToolCall] {
	completion, ok := raw.(*openai.ChatCompletion)
	if !ok || len(completion.Choices) == 0 {
		return Defer[[]conversation.ToolCall]()
	}

	var calls []conversation.ToolCall
	for _, tc := range completion.Choices[0].Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]interface{}{}
		}
		calls = append(calls, conversation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return Extracted(calls)
}

// ExtractThinking implements Provider. Chat completions carry no
// reasoning channel, so extraction defers to generic parsing.
func (p *OpenAI) ExtractThinking(raw interface{}) Extraction[string] {
	return Defer[string]()
}

// ExtractMetadata implements Provider.
func (p *OpenAI) ExtractMetadata(raw interface{}) Extraction[map[string]interface{}] {
	completion, ok := raw.(*openai.ChatCompletion)
	if !ok {
		return Defer[map[string]interface{}]()
	}
	meta := map[string]interface{}{
		"usage": map[string]int{
			"input_tokens":  int(completion.Usage.PromptTokens),
			"output_tokens": int(completion.Usage.CompletionTokens),
			"total_tokens":  int(completion.Usage.TotalTokens),
		},
		"model": completion.Model,
	}
	if len(completion.Choices) > 0 {
		meta["finish_reason"] = completion.Choices[0].FinishReason
	}
	return Extracted(meta)
}

func (p *OpenAI) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case conversation.RoleSystem:
			if req.SystemPrompt == "" {
				messages = append(messages, openai.SystemMessage(msg.Content))
			}
		case conversation.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case conversation.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case conversation.RoleTool:
			callID := msg.ToolCallID
			if callID == "" {
				callID = msg.Name
			}
			messages = append(messages, openai.ToolMessage(callID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, tool := range req.Tools {
			name, _ := tool["name"].(string)
			description, _ := tool["description"].(string)
			inputSchema, _ := tool["input_schema"].(map[string]interface{})
			if name == "" {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("tool definition missing name")
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        name,
					Description: openai.String(description),
					Parameters:  openai.FunctionParameters(inputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}
