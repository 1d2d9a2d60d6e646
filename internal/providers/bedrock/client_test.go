package bedrock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Config{Region: "us-east-1"})
	require.Error(t, err)
}

func TestPickModelPrefersPerCallOverride(t *testing.T) {
	c := &Client{model: "default-model"}
	require.Equal(t, "override-model", c.pickModel("override-model"))
	require.Equal(t, "default-model", c.pickModel(""))
}

func TestNormalizeStopReason(t *testing.T) {
	require.Equal(t, "tool_use", normalizeStopReason("tool_use"))
	require.Equal(t, "max_tokens", normalizeStopReason("max_tokens"))
	require.Equal(t, "end_turn", normalizeStopReason("end_turn"))
	require.Equal(t, "end_turn", normalizeStopReason("stop_sequence"))
	require.Equal(t, "end_turn", normalizeStopReason(""))
	require.Equal(t, "error", normalizeStopReason("content_filtered"))
}

func TestToolBufferFinalInputDefaultsToEmptyObject(t *testing.T) {
	var tb toolBuffer
	require.Equal(t, `{}`, string(tb.finalInput()))
}

func TestToolBufferFinalInputReturnsAccumulatedFragments(t *testing.T) {
	var tb toolBuffer
	tb.fragments.WriteString(`{"q":`)
	tb.fragments.WriteString(`"x"}`)
	require.Equal(t, `{"q":"x"}`, string(tb.finalInput()))
}

func TestDecodeDocumentNilReturnsNil(t *testing.T) {
	require.Nil(t, decodeDocument(nil))
}
