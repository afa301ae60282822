package driver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"agentgate/internal/events"
)

// streamEvent is a single NDJSON line of agent stream output.
type streamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *streamMessage `json:"message,omitempty"`
}

// streamMessage is the "message" field of an assistant or user stream event.
type streamMessage struct {
	Role    string               `json:"role,omitempty"`
	Content []streamContentBlock `json:"content,omitempty"`
	Usage   *streamUsage         `json:"usage,omitempty"`
}

// streamContentBlock is one entry of message.content[].
type streamContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result block
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type activeToolCall struct {
	name      string
	startedAt time.Time
}

// streamParser turns agent NDJSON lines into typed events and keeps per-tool
// timing state so tool results carry durations.
type streamParser struct {
	opts   ExecOptions
	logger *slog.Logger

	activeTools map[string]activeToolCall
	progress    *progressTracker

	sessionID  string
	tokensUsed int64
}

func newStreamParser(opts ExecOptions, logger *slog.Logger) *streamParser {
	return &streamParser{
		opts:        opts,
		logger:      logger,
		activeTools: make(map[string]activeToolCall),
		progress:    newProgressTracker(),
	}
}

func (p *streamParser) emit(ev events.Event) {
	p.opts.Callback(ev)
}

func (p *streamParser) newEvent(t events.Type) events.Event {
	return events.New(t, p.opts.WorkOrderID, p.opts.RunID)
}

// consumeLine parses one stdout line. Unparseable lines are surfaced as
// plain agent output rather than dropped.
func (p *streamParser) consumeLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		out := p.newEvent(events.TypeAgentOutput)
		out.Message = string(line)
		p.emit(out)
		return
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			// Session id rides on the init message for resumable agents.
			var init struct {
				SessionID string `json:"session_id"`
			}
			if json.Unmarshal(line, &init) == nil && init.SessionID != "" {
				p.sessionID = init.SessionID
			}
		}
	case "assistant":
		p.consumeAssistant(ev.Message)
	case "user":
		p.consumeUser(ev.Message)
	}

	p.maybeEmitProgress()
}

func (p *streamParser) consumeAssistant(msg *streamMessage) {
	if msg == nil {
		return
	}
	if msg.Usage != nil {
		p.tokensUsed += msg.Usage.InputTokens + msg.Usage.OutputTokens
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out := p.newEvent(events.TypeAgentOutput)
			out.Message = block.Text
			p.emit(out)
			p.progress.observeText(block.Text)
		case "tool_use":
			p.activeTools[block.ID] = activeToolCall{name: block.Name, startedAt: time.Now()}
			call := p.newEvent(events.TypeAgentToolCall)
			call.ToolUseID = block.ID
			call.ToolName = block.Name
			call.ToolInput = string(block.Input)
			p.emit(call)
			p.progress.observeToolCall(block.Name)
			p.maybeEmitFileChanged(block.Name, block.Input)
		}
	}
}

func (p *streamParser) consumeUser(msg *streamMessage) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		result := p.newEvent(events.TypeAgentToolResult)
		result.ToolUseID = block.ToolUseID
		result.Content = normalizeToolResultContent(block.Content)
		result.IsError = block.IsError
		if active, ok := p.activeTools[block.ToolUseID]; ok {
			result.ToolName = active.name
			result.DurationMs = time.Since(active.startedAt).Milliseconds()
			delete(p.activeTools, block.ToolUseID)
		}
		p.emit(result)
	}
}

// maybeEmitFileChanged surfaces write-style tool calls as file_changed
// events so subscribers can track touched paths without parsing tool input.
func (p *streamParser) maybeEmitFileChanged(toolName string, input json.RawMessage) {
	switch toolName {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
	default:
		return
	}
	var args struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.FilePath == "" {
		return
	}
	ev := p.newEvent(events.TypeFileChanged)
	ev.File = args.FilePath
	p.emit(ev)
}

func (p *streamParser) maybeEmitProgress() {
	pct, phase, ok := p.progress.sample()
	if !ok {
		return
	}
	ev := p.newEvent(events.TypeProgressUpdate)
	ev.Percentage = pct
	ev.Phase = phase
	p.emit(ev)
}

// finish emits the final 100% progress update after the agent exits.
func (p *streamParser) finish() {
	ev := p.newEvent(events.TypeProgressUpdate)
	ev.Percentage = 100
	ev.Phase = p.progress.phaseName()
	p.emit(ev)
}

// normalizeToolResultContent flattens the tool_result content field, which
// arrives either as a plain string or as an array of content blocks.
func normalizeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				if buf.Len() > 0 {
					buf.WriteByte('\n')
				}
				buf.WriteString(b.Text)
			}
		}
		return buf.String()
	}
	return string(raw)
}
