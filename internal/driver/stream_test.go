package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/events"
)

func newCaptureParser() (*streamParser, *[]events.Event) {
	var captured []events.Event
	opts := ExecOptions{
		WorkOrderID: "wo-1",
		RunID:       "run-1",
		Callback:    func(ev events.Event) { captured = append(captured, ev) },
	}
	return newStreamParser(opts, nil), &captured
}

func ofType(evs []events.Event, t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamParserSessionInit(t *testing.T) {
	p, _ := newCaptureParser()
	p.consumeLine([]byte(`{"type": "system", "subtype": "init", "session_id": "sess-42"}`))
	assert.Equal(t, "sess-42", p.sessionID)
}

func TestStreamParserAssistantText(t *testing.T) {
	p, captured := newCaptureParser()
	p.consumeLine([]byte(`{"type": "assistant", "message": {"role": "assistant", "content": [
		{"type": "text", "text": "Looking at the failing test now."}
	], "usage": {"input_tokens": 200, "output_tokens": 30}}}`))

	outputs := ofType(*captured, events.TypeAgentOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, "Looking at the failing test now.", outputs[0].Message)
	assert.Equal(t, "wo-1", outputs[0].WorkOrderID)
	assert.Equal(t, int64(230), p.tokensUsed)
}

func TestStreamParserToolCallAndResult(t *testing.T) {
	p, captured := newCaptureParser()
	p.consumeLine([]byte(`{"type": "assistant", "message": {"content": [
		{"type": "tool_use", "id": "tu-1", "name": "Read", "input": {"file_path": "main.go"}}
	]}}`))
	p.consumeLine([]byte(`{"type": "user", "message": {"content": [
		{"type": "tool_result", "tool_use_id": "tu-1", "content": "package main", "is_error": false}
	]}}`))

	calls := ofType(*captured, events.TypeAgentToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "Read", calls[0].ToolName)
	assert.Equal(t, "tu-1", calls[0].ToolUseID)

	results := ofType(*captured, events.TypeAgentToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "Read", results[0].ToolName, "result is matched back to its call")
	assert.Equal(t, "package main", results[0].Content)
	assert.Empty(t, p.activeTools, "matched call is cleared")
}

func TestStreamParserFileChanged(t *testing.T) {
	p, captured := newCaptureParser()
	p.consumeLine([]byte(`{"type": "assistant", "message": {"content": [
		{"type": "tool_use", "id": "tu-2", "name": "Edit", "input": {"file_path": "internal/app.go"}}
	]}}`))

	changed := ofType(*captured, events.TypeFileChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "internal/app.go", changed[0].File)
}

func TestStreamParserUnparseableLineBecomesOutput(t *testing.T) {
	p, captured := newCaptureParser()
	p.consumeLine([]byte("panic: something broke"))

	outputs := ofType(*captured, events.TypeAgentOutput)
	require.Len(t, outputs, 1)
	assert.Equal(t, "panic: something broke", outputs[0].Message)
}

func TestStreamParserBlankLinesIgnored(t *testing.T) {
	p, captured := newCaptureParser()
	p.consumeLine([]byte("   "))
	p.consumeLine(nil)
	assert.Empty(t, *captured)
}

func TestStreamParserFinishEmitsFullProgress(t *testing.T) {
	p, captured := newCaptureParser()
	p.finish()

	progress := ofType(*captured, events.TypeProgressUpdate)
	require.Len(t, progress, 1)
	assert.Equal(t, 100, progress[0].Percentage)
}

func TestNormalizeToolResultContent(t *testing.T) {
	assert.Equal(t, "plain", normalizeToolResultContent([]byte(`"plain"`)))
	assert.Equal(t, "a\nb", normalizeToolResultContent([]byte(`[{"type": "text", "text": "a"}, {"type": "text", "text": "b"}]`)))
	assert.Equal(t, "", normalizeToolResultContent(nil))
	assert.Equal(t, `{"x":1}`, normalizeToolResultContent([]byte(`{"x":1}`)))
}

func TestProgressTrackerMonotonicAndClamped(t *testing.T) {
	now := time.Now()
	tr := &progressTracker{now: func() time.Time { return now }}
	tr.startedAt = now
	tr.phaseEnteredAt = now.Add(-time.Minute)

	first := tr.percentage()
	assert.GreaterOrEqual(t, first, 0)

	// Lots of tool calls and elapsed time push the blend up, never past 99.
	for i := 0; i < 100; i++ {
		tr.observeToolCall("Write")
	}
	now = now.Add(time.Hour)
	pct := tr.percentage()
	assert.GreaterOrEqual(t, pct, first)
	assert.LessOrEqual(t, pct, 99)
}

func TestProgressTrackerPhasesNeverRegress(t *testing.T) {
	now := time.Now()
	tr := &progressTracker{now: func() time.Time { return now }}
	tr.startedAt = now
	tr.phaseEnteredAt = now.Add(-time.Minute)

	tr.observeToolCall("Write")
	assert.Equal(t, "Implementing", tr.phaseName())

	// A later Read must not pull the phase back down.
	tr.phaseEnteredAt = now.Add(-time.Minute)
	tr.observeToolCall("Read")
	assert.Equal(t, "Implementing", tr.phaseName())
}

func TestProgressTrackerDwellSuppressesFlapping(t *testing.T) {
	now := time.Now()
	tr := &progressTracker{now: func() time.Time { return now }}
	tr.startedAt = now
	tr.phaseEnteredAt = now

	// Entered the current phase just now: advancing requires dwell time.
	tr.observeToolCall("Write")
	assert.Equal(t, "Starting", tr.phaseName())

	now = now.Add(3 * time.Second)
	tr.observeToolCall("Write")
	assert.Equal(t, "Implementing", tr.phaseName())
}

func TestProgressTrackerObserveText(t *testing.T) {
	now := time.Now()
	tr := &progressTracker{now: func() time.Time { return now }}
	tr.startedAt = now
	tr.phaseEnteredAt = now.Add(-time.Minute)

	tr.observeText("Now I will run the tests to verify.")
	assert.Equal(t, "Testing", tr.phaseName())

	tr.phaseEnteredAt = now.Add(-time.Minute)
	tr.observeText("Committing the change with git.")
	assert.Equal(t, "Finalizing", tr.phaseName())
}
