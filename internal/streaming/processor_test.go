package streaming

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/llm"
)

func collectEvents() (*[]Event, EventSink) {
	events := &[]Event{}
	return events, func(ev Event) { *events = append(*events, ev) }
}

func TestProcessorBlockIndexResetsOnNewMessage(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)

	p.StartMessage("assistant")
	p.OnDelta("hello")
	p.OnStop("end_turn")

	p.StartMessage("assistant")
	p.OnDelta("world")
	p.OnStop("end_turn")

	var starts []int
	for _, ev := range *events {
		if ev.Type == EventContentBlockStart {
			starts = append(starts, ev.Data["contentBlockIndex"].(int))
		}
	}
	require.Equal(t, []int{0, 0}, starts)
}

func TestProcessorBlockIndexMonotonicWithinMessage(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)

	p.StartMessage("assistant")
	p.OnDelta("first text block")
	p.OnToolCall(llm.ToolCall{ID: "t1", Name: "lookup"})
	p.OnDelta("second text block")
	p.OnStop("end_turn")

	var stopIndices []int
	for _, ev := range *events {
		if ev.Type == EventContentBlockStop {
			stopIndices = append(stopIndices, ev.Data["contentBlockIndex"].(int))
		}
	}
	require.Equal(t, []int{0, 1, 2}, stopIndices)
}

func TestProcessorOnToolCallEmitsStartDeltaStopAndMirror(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)

	p.StartMessage("assistant")
	p.OnToolCall(llm.ToolCall{ID: "t1", Name: "lookup", Args: []byte(`{"q":"x"}`)})

	var types []EventType
	for _, ev := range *events {
		types = append(types, ev.Type)
	}
	require.Contains(t, types, EventContentBlockStart)
	require.Contains(t, types, EventContentBlockDelta)
	require.Contains(t, types, EventContentBlockStop)
	require.Contains(t, types, EventToolUse)
}

func TestProcessorFirstTokenMillisBeforeAnyTokenIsNegativeOne(t *testing.T) {
	_, sink := collectEvents()
	p := NewProcessor(sink)
	p.StartMessage("assistant")

	require.Equal(t, int64(-1), p.FirstTokenMillis())
}

func TestProcessorFirstTokenMillisRecordedOnDelta(t *testing.T) {
	_, sink := collectEvents()
	p := NewProcessor(sink)
	p.StartMessage("assistant")
	p.OnDelta("hi")

	require.GreaterOrEqual(t, p.FirstTokenMillis(), int64(0))
}

func TestProcessorOnUsageAccumulates(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)
	p.StartMessage("assistant")

	p.OnUsage(llm.Usage{InputTokens: 10, OutputTokens: 5})
	p.OnUsage(llm.Usage{InputTokens: 3, OutputTokens: 1})

	var last Usage
	for _, ev := range *events {
		if ev.Type == EventMetadata {
			last = ev.Data["usage"].(Usage)
		}
	}
	require.Equal(t, 13, last.InputTokens)
	require.Equal(t, 6, last.OutputTokens)
}

func TestProcessorOnStopNormalizesUnknownReason(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)
	p.StartMessage("assistant")
	p.OnStop("something_weird")

	var stopReason string
	for _, ev := range *events {
		if ev.Type == EventMessageStop {
			stopReason = ev.Data["stopReason"].(string)
		}
	}
	require.Equal(t, "error", stopReason)
}

func TestProcessorToolErrorIncludesMessage(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)
	p.ToolError("t1", errors.New("boom"))

	require.Equal(t, EventToolError, (*events)[0].Type)
	require.Equal(t, "boom", (*events)[0].Data["error"])
}

func TestProcessorDoneEmitsEmptyData(t *testing.T) {
	events, sink := collectEvents()
	p := NewProcessor(sink)
	p.Done()

	require.Equal(t, EventDone, (*events)[0].Type)
	require.NotNil(t, (*events)[0].Data)
}
