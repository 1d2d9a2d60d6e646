package bedrock

import (
	"encoding/json"
	"testing"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"manifold/internal/llm"
)

func TestAdaptRole(t *testing.T) {
	r, err := adaptRole("user")
	require.NoError(t, err)
	require.Equal(t, brtypes.ConversationRoleUser, r)

	r, err = adaptRole("tool")
	require.NoError(t, err)
	require.Equal(t, brtypes.ConversationRoleUser, r)

	r, err = adaptRole("assistant")
	require.NoError(t, err)
	require.Equal(t, brtypes.ConversationRoleAssistant, r)

	_, err = adaptRole("system")
	require.Error(t, err)
}

func TestAdaptMessagesSeparatesSystemFromConversation(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	out, system, err := adaptMessages(msgs)
	require.NoError(t, err)
	require.Len(t, system, 1)
	require.Len(t, out, 2)
	require.Equal(t, brtypes.ConversationRoleUser, out[0].Role)
	require.Equal(t, brtypes.ConversationRoleAssistant, out[1].Role)
}

func TestAdaptMessagesToolResultBecomesUserTurn(t *testing.T) {
	msgs := []llm.Message{
		{Role: "user", Content: "hello"},
		{Role: "tool", Content: "result text", ToolID: "t1"},
	}
	out, _, err := adaptMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, brtypes.ConversationRoleUser, out[1].Role)
}

func TestAdaptMessagesRequiresAtLeastOneMessage(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "system", Content: "only system"}})
	require.Error(t, err)
}

func TestAdaptMessagesRejectsUnsupportedRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "narrator", Content: "x"}})
	require.Error(t, err)
}

func TestAdaptToolsEmptyReturnsNil(t *testing.T) {
	require.Nil(t, adaptTools(nil))
}

func TestAdaptToolsBuildsToolConfiguration(t *testing.T) {
	cfg := adaptTools([]llm.ToolSchema{{Name: "lookup", Description: "look things up"}})
	require.NotNil(t, cfg)
	require.Len(t, cfg.Tools, 1)
}

func TestToDocumentNilArgsYieldsEmptyObjectSchema(t *testing.T) {
	doc := toDocument(nil)
	data, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"object"`)
}

func TestToDocumentValidRawMessagePassesThrough(t *testing.T) {
	doc := toDocument(json.RawMessage(`{"q":"x"}`))
	data, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	require.JSONEq(t, `{"q":"x"}`, string(data))
}

func TestToDocumentMalformedRawMessageFallsBackToEmptyObject(t *testing.T) {
	doc := toDocument(json.RawMessage(`not json`))
	data, err := doc.MarshalSmithyDocument()
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"object"`)
}
