package bedrock

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"manifold/internal/llm"
)

// adaptMessages splits llm.Message history into Bedrock's conversational
// messages plus a separate system block list; Bedrock does not accept a
// system role inline in Messages.
func adaptMessages(msgs []llm.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	var out []brtypes.Message

	for _, m := range msgs {
		if m.Role == "system" {
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		}

		role, err := adaptRole(m.Role)
		if err != nil {
			return nil, nil, err
		}

		var blocks []brtypes.ContentBlock
		if m.Content != "" {
			if m.Role == "tool" {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				})
			} else {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     toDocument(tc.Args),
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return nil, nil, fmt.Errorf("bedrock: at least one user/assistant message is required")
	}
	return out, system, nil
}

func adaptRole(role string) (brtypes.ConversationRole, error) {
	switch role {
	case "user", "tool":
		// Bedrock has no "tool" role; tool results are user-turn content blocks.
		return brtypes.ConversationRoleUser, nil
	case "assistant":
		return brtypes.ConversationRoleAssistant, nil
	default:
		return "", fmt.Errorf("bedrock: unsupported message role %q", role)
	}
}

func adaptTools(tools []llm.ToolSchema) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	list := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		list = append(list, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(t.Parameters)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: list}
}

func toDocument(v any) document.Interface {
	switch val := v.(type) {
	case nil:
		m := map[string]any{"type": "object"}
		return document.NewLazyDocument(&m)
	case json.RawMessage:
		if len(val) == 0 {
			m := map[string]any{"type": "object"}
			return document.NewLazyDocument(&m)
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			m := map[string]any{"type": "object"}
			return document.NewLazyDocument(&m)
		}
		return document.NewLazyDocument(&decoded)
	default:
		return document.NewLazyDocument(&val)
	}
}
