package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsageAddAccumulatesPlainFields(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 3, OutputTokens: 2})

	require.Equal(t, 13, u.InputTokens)
	require.Equal(t, 7, u.OutputTokens)
}

func TestUsageAddTreatsNilCacheAsNotReported(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 1}) // no cache fields reported

	require.Nil(t, u.CacheReadTokens)
	require.Nil(t, u.CacheWriteTokens)
}

func TestUsageAddAccumulatesCacheFieldsOnceReported(t *testing.T) {
	var u Usage
	five := 5
	ten := 10
	u.Add(Usage{CacheReadTokens: &five})
	u.Add(Usage{CacheReadTokens: &ten})

	require.NotNil(t, u.CacheReadTokens)
	require.Equal(t, 15, *u.CacheReadTokens)
}

func TestNewEventNeverHasNilData(t *testing.T) {
	ev := newEvent(EventDone, nil)
	require.NotNil(t, ev.Data)
	require.Equal(t, EventDone, ev.Type)
}
