package costs

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func TestNumAVRoundTrips(t *testing.T) {
	av := numAV(3.14)
	var out float64
	require.NoError(t, attributevalue.Unmarshal(av, &out))
	require.Equal(t, 3.14, out)
}

func TestErrorsAsConditionalCheckFailedMatches(t *testing.T) {
	var target *types.ConditionalCheckFailedException
	ccf := &types.ConditionalCheckFailedException{}
	require.True(t, errorsAsConditionalCheckFailed(ccf, &target))
	require.Same(t, ccf, target)
}

func TestErrorsAsConditionalCheckFailedRejectsOtherErrors(t *testing.T) {
	var target *types.ConditionalCheckFailedException
	require.False(t, errorsAsConditionalCheckFailed(errors.New("boom"), &target))
	require.Nil(t, target)
}

func TestDecodeUserSummaryBuildsByModelCostMap(t *testing.T) {
	item, err := attributevalue.MarshalMap(struct {
		TotalCost     float64                   `dynamodbav:"total_cost"`
		TotalRequests int64                     `dynamodbav:"total_requests"`
		ByModel       map[string]ModelBreakdown `dynamodbav:"by_model"`
	}{
		TotalCost:     12.5,
		TotalRequests: 3,
		ByModel: map[string]ModelBreakdown{
			"claude_sonnet_4": {Cost: 10, Requests: 2},
			"gpt_4o":          {Cost: 2.5, Requests: 1},
		},
	})
	require.NoError(t, err)

	summary, err := decodeUserSummary(item, "user-1", "2026-07")
	require.NoError(t, err)
	require.Equal(t, "user-1", summary.UserID)
	require.Equal(t, "2026-07", summary.Period)
	require.Equal(t, 12.5, summary.TotalCost)
	require.Equal(t, int64(3), summary.TotalRequests)
	require.Equal(t, 10.0, summary.ByModel["claude_sonnet_4"])
	require.Equal(t, 2.5, summary.ByModel["gpt_4o"])
}

func TestDecodeUserSummaryEmptyItemYieldsZeroValues(t *testing.T) {
	summary, err := decodeUserSummary(map[string]types.AttributeValue{}, "user-2", "2026-07")
	require.NoError(t, err)
	require.Equal(t, 0.0, summary.TotalCost)
	require.Empty(t, summary.ByModel)
}
