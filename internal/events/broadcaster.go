package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sink receives serialized events for one connection. Implementations wrap a
// websocket, an SSE stream, or a test buffer; the broadcaster only knows the
// connection id.
type Sink interface {
	Send(data []byte) error
}

// Preferences selects which event kinds a subscription wants. All fields
// default to true.
type Preferences struct {
	IncludeToolCalls   bool `json:"include_tool_calls"`
	IncludeToolResults bool `json:"include_tool_results"`
	IncludeOutput      bool `json:"include_output"`
	IncludeFileChanges bool `json:"include_file_changes"`
	IncludeProgress    bool `json:"include_progress"`
}

// DefaultPreferences returns the all-true default.
func DefaultPreferences() Preferences {
	return Preferences{
		IncludeToolCalls:   true,
		IncludeToolResults: true,
		IncludeOutput:      true,
		IncludeFileChanges: true,
		IncludeProgress:    true,
	}
}

// PartialPreferences overrides individual preference bits; nil fields keep
// the default.
type PartialPreferences struct {
	IncludeToolCalls   *bool `json:"include_tool_calls,omitempty"`
	IncludeToolResults *bool `json:"include_tool_results,omitempty"`
	IncludeOutput      *bool `json:"include_output,omitempty"`
	IncludeFileChanges *bool `json:"include_file_changes,omitempty"`
	IncludeProgress    *bool `json:"include_progress,omitempty"`
}

func (p PartialPreferences) applyTo(prefs *Preferences) {
	if p.IncludeToolCalls != nil {
		prefs.IncludeToolCalls = *p.IncludeToolCalls
	}
	if p.IncludeToolResults != nil {
		prefs.IncludeToolResults = *p.IncludeToolResults
	}
	if p.IncludeOutput != nil {
		prefs.IncludeOutput = *p.IncludeOutput
	}
	if p.IncludeFileChanges != nil {
		prefs.IncludeFileChanges = *p.IncludeFileChanges
	}
	if p.IncludeProgress != nil {
		prefs.IncludeProgress = *p.IncludeProgress
	}
}

type subscriptionKey struct {
	connectionID string
	workOrderID  string
}

// sendBufferSize bounds the per-connection outbox. A subscriber that falls
// this far behind is dropped rather than allowed to stall the emitter.
const sendBufferSize = 256

type connection struct {
	sink Sink
	out  chan []byte
	done chan struct{}
}

// Broadcaster fans progress events out to subscribed connections. Each
// connection gets its own writer goroutine and bounded outbox, so one slow
// socket never blocks the rest.
type Broadcaster struct {
	Logger *slog.Logger

	mu          sync.Mutex
	connections map[string]*connection
	prefs       map[subscriptionKey]Preferences
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		Logger:      logger,
		connections: make(map[string]*connection),
		prefs:       make(map[subscriptionKey]Preferences),
	}
}

// AddConnection registers a sink under a connection id, replacing any prior
// registration for the same id.
func (b *Broadcaster) AddConnection(connectionID string, sink Sink) {
	conn := &connection{
		sink: sink,
		out:  make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go b.writeLoop(connectionID, conn)

	b.mu.Lock()
	if old, ok := b.connections[connectionID]; ok {
		close(old.done)
	}
	b.connections[connectionID] = conn
	b.mu.Unlock()
}

func (b *Broadcaster) writeLoop(connectionID string, conn *connection) {
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.out:
			if err := conn.sink.Send(data); err != nil {
				b.Logger.Debug("dropping connection after failed write", "connection_id", connectionID, "error", err)
				b.RemoveConnection(connectionID)
				return
			}
		}
	}
}

// RemoveConnection drops a connection and atomically clears all of its
// subscription preferences.
func (b *Broadcaster) RemoveConnection(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn, ok := b.connections[connectionID]; ok {
		close(conn.done)
		delete(b.connections, connectionID)
	}
	for key := range b.prefs {
		if key.connectionID == connectionID {
			delete(b.prefs, key)
		}
	}
}

// Subscribe registers interest in a work order's events, merging any partial
// preferences over the all-true defaults. The subscriber is told its
// subscription is live with a single connected event, queued through the
// same outbox as everything else.
func (b *Broadcaster) Subscribe(connectionID, workOrderID string, partial *PartialPreferences) {
	prefs := DefaultPreferences()
	if partial != nil {
		partial.applyTo(&prefs)
	}

	ack := New(TypeConnected, workOrderID, "")
	ack.Message = "subscribed to work order events"
	data, err := json.Marshal(ack)
	if err != nil {
		b.Logger.Error("failed to serialize event", "type", ack.Type, "error", err)
		data = nil
	}

	b.mu.Lock()
	b.prefs[subscriptionKey{connectionID, workOrderID}] = prefs
	if conn, ok := b.connections[connectionID]; ok && data != nil {
		select {
		case conn.out <- data:
		default:
		}
	}
	b.mu.Unlock()
}

// Unsubscribe removes one subscription.
func (b *Broadcaster) Unsubscribe(connectionID, workOrderID string) {
	b.mu.Lock()
	delete(b.prefs, subscriptionKey{connectionID, workOrderID})
	b.mu.Unlock()
}

// SubscriptionPreferences returns the stored preferences, if subscribed.
func (b *Broadcaster) SubscriptionPreferences(connectionID, workOrderID string) (Preferences, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefs, ok := b.prefs[subscriptionKey{connectionID, workOrderID}]
	return prefs, ok
}

// Emit serializes the event once and queues it to every subscribed
// connection whose preference bit admits the event type. Connections whose
// outbox is full are dropped.
func (b *Broadcaster) Emit(ev Event) {
	ev.Content = TruncateContent(ev.Content)

	data, err := json.Marshal(ev)
	if err != nil {
		b.Logger.Error("failed to serialize event", "type", ev.Type, "error", err)
		return
	}

	b.mu.Lock()
	var overflowed []string
	for key, prefs := range b.prefs {
		if key.workOrderID != ev.WorkOrderID {
			continue
		}
		if !prefsAdmit(prefs, ev.Type) {
			continue
		}
		conn, ok := b.connections[key.connectionID]
		if !ok {
			continue
		}
		select {
		case conn.out <- data:
		default:
			overflowed = append(overflowed, key.connectionID)
		}
	}
	b.mu.Unlock()

	for _, id := range overflowed {
		b.Logger.Warn("dropping slow event subscriber", "connection_id", id)
		b.RemoveConnection(id)
	}
}

func prefsAdmit(prefs Preferences, t Type) bool {
	switch t {
	case TypeAgentToolCall:
		return prefs.IncludeToolCalls
	case TypeAgentToolResult:
		return prefs.IncludeToolResults
	case TypeAgentOutput:
		return prefs.IncludeOutput
	case TypeFileChanged:
		return prefs.IncludeFileChanges
	case TypeProgressUpdate:
		return prefs.IncludeProgress
	default:
		// connected and state_transition are always delivered.
		return true
	}
}
