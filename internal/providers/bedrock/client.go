// Package bedrock implements llm.Provider on top of the AWS Bedrock
// Converse/ConverseStream API, for deployments that want model access
// brokered through an AWS account instead of holding a provider API key
// directly.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"manifold/internal/llm"
	"manifold/internal/observability"
)

const defaultMaxTokens int32 = 4096

// Config holds the settings needed to construct a Bedrock-backed Client.
type Config struct {
	Region    string
	Model     string
	MaxTokens int
}

type Client struct {
	runtime   *bedrockruntime.Client
	model     string
	maxTokens int32
}

// New dials AWS using the default credential chain (environment, shared
// config, container/instance role) scoped to cfg.Region.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("bedrock: model is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	maxTokens := int32(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		runtime:   bedrockruntime.NewFromConfig(awsCfg),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

func (c *Client) pickModel(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.model
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	messages, system, err := adaptMessages(msgs)
	if err != nil {
		return llm.Message{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.pickModel(model)),
		Messages:        messages,
		System:          system,
		ToolConfig:      adaptTools(tools),
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)},
	}

	ctx, span := llm.StartRequestSpan(ctx, "Bedrock Converse", c.pickModel(model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", c.pickModel(model)).Msg("bedrock_converse_error")
		return llm.Message{}, fmt.Errorf("bedrock converse: %w", err)
	}

	result := llm.Message{Role: "assistant"}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *brtypes.ContentBlockMemberToolUse:
				result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
					Name: aws.ToString(b.Value.Name),
					ID:   aws.ToString(b.Value.ToolUseId),
					Args: decodeDocument(b.Value.Input),
				})
			}
		}
		result.Content = text.String()
	}

	if out.Usage != nil {
		promptTokens := int(aws.ToInt32(out.Usage.InputTokens))
		completionTokens := int(aws.ToInt32(out.Usage.OutputTokens))
		llm.RecordTokenAttributes(span, promptTokens, completionTokens, promptTokens+completionTokens)
		llm.RecordTokenMetrics(c.pickModel(model), promptTokens, completionTokens)
	}

	return result, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	messages, system, err := adaptMessages(msgs)
	if err != nil {
		return err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(c.pickModel(model)),
		Messages:        messages,
		System:          system,
		ToolConfig:      adaptTools(tools),
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(c.maxTokens)},
	}

	ctx, span := llm.StartRequestSpan(ctx, "Bedrock ConverseStream", c.pickModel(model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)
	log := observability.LoggerWithTrace(ctx)

	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", c.pickModel(model)).Msg("bedrock_stream_start_error")
		return fmt.Errorf("bedrock converse stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return fmt.Errorf("bedrock: stream output missing event stream")
	}
	defer func() { _ = stream.Close() }()

	toolBuffers := map[int32]*toolBuffer{}
	toolCount := 0
	var lastStop string

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				idx := aws.ToInt32(ev.Value.ContentBlockIndex)
				toolBuffers[idx] = &toolBuffer{
					id:   aws.ToString(tu.Value.ToolUseId),
					name: aws.ToString(tu.Value.Name),
				}
				toolCount++
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch delta := ev.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					h.OnDelta(delta.Value)
				}
			case *brtypes.ContentBlockDeltaMemberReasoningContent:
				if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
					h.OnThoughtSummary(text.Value)
				}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				if tb := toolBuffers[idx]; tb != nil && delta.Value.Input != nil {
					tb.fragments.WriteString(aws.ToString(delta.Value.Input))
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			idx := aws.ToInt32(ev.Value.ContentBlockIndex)
			if tb := toolBuffers[idx]; tb != nil {
				delete(toolBuffers, idx)
				h.OnToolCall(llm.ToolCall{Name: tb.name, ID: tb.id, Args: tb.finalInput()})
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			lastStop = string(ev.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				llm.ReportUsage(h, llm.Usage{
					InputTokens:      int(aws.ToInt32(ev.Value.Usage.InputTokens)),
					OutputTokens:     int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
					CacheReadTokens:  int(aws.ToInt32(ev.Value.Usage.CacheReadInputTokens)),
					CacheWriteTokens: int(aws.ToInt32(ev.Value.Usage.CacheWriteInputTokens)),
				})
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", c.pickModel(model)).Msg("bedrock_stream_error")
		return fmt.Errorf("bedrock stream: %w", err)
	}

	switch {
	case toolCount > 0:
		llm.ReportStop(h, "tool_use")
	default:
		llm.ReportStop(h, normalizeStopReason(lastStop))
	}
	return nil
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	s := tb.fragments.String()
	if s == "" {
		s = "{}"
	}
	return json.RawMessage(s)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// normalizeStopReason maps a Bedrock Converse stop_reason to the canonical
// message_stop vocabulary shared across providers.
func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_use"
	case "max_tokens":
		return "max_tokens"
	case "end_turn", "stop_sequence", "":
		return "end_turn"
	default:
		return "error"
	}
}
