package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hurricanerix/blink/internal/metrics"
	"github.com/hurricanerix/blink/internal/session"
)

// Event types that can be sent via SSE.
const (
	// EventConnected is sent once when a stream opens.
	// Data schema: {"session": string}
	EventConnected = "connected"

	// EventState carries the session's render model after every change.
	// Data schema: session.View
	EventState = "state"

	// MaxConnections is the maximum number of concurrent SSE connections.
	MaxConnections = 1000

	// keepAliveInterval is how often a comment line is written to idle streams.
	keepAliveInterval = 30 * time.Second
)

// Event represents a Server-Sent Event with a named type and JSON data.
type Event struct {
	Type string
	Data interface{}
}

// connection represents a single SSE connection for a session.
type connection struct {
	sessionID string
	mu        sync.Mutex
	writer    http.ResponseWriter
	flusher   http.Flusher
	done      chan struct{}
	closed    bool
}

// markClosed stops further writes once the handler has returned.
func (c *connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Broker manages SSE connections and routes events to the correct sessions.
// One connection is kept per session; a new one replaces the old.
type Broker struct {
	mu          sync.RWMutex
	connections map[string]*connection
	onConnect   func(sessionID string)
}

var _ session.Observer = (*Broker)(nil)

// NewBroker creates a new SSE broker.
func NewBroker() *Broker {
	return &Broker{
		connections: make(map[string]*connection),
	}
}

// OnConnect registers fn to run after a stream is opened, typically to send
// the current state.
func (b *Broker) OnConnect(fn func(sessionID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = fn
}

// ServeHTTP handles SSE connection requests.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	currentConnections := len(b.connections)
	onConnect := b.onConnect
	b.mu.RUnlock()

	if currentConnections >= MaxConnections {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	sessionID := GetSessionID(r.Context())
	if sessionID == "" {
		http.Error(w, "session required", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The server's WriteTimeout would otherwise kill long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	conn := &connection{
		sessionID: sessionID,
		writer:    w,
		flusher:   flusher,
		done:      make(chan struct{}),
	}

	b.addConnection(conn)
	defer func() {
		b.removeConnection(sessionID, conn)
		conn.markClosed()
	}()

	_ = b.sendToConnection(conn, Event{
		Type: EventConnected,
		Data: map[string]string{"session": sessionID},
	})
	if onConnect != nil {
		onConnect(sessionID)
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if err := b.keepAlive(conn); err != nil {
				return
			}
		}
	}
}

// Publish sends a state event to the session's stream, if one is open.
func (b *Broker) Publish(sessionID string, v session.View) {
	_ = b.SendEvent(sessionID, EventState, v)
}

// SendEvent sends an event to a specific session.
// Returns an error if the session is not connected.
func (b *Broker) SendEvent(sessionID string, eventType string, data interface{}) error {
	b.mu.RLock()
	conn, ok := b.connections[sessionID]
	b.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session %s not connected", sessionID)
	}

	return b.sendToConnection(conn, Event{Type: eventType, Data: data})
}

// CloseSession closes the SSE connection for a specific session.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn, ok := b.connections[sessionID]; ok {
		close(conn.done)
		delete(b.connections, sessionID)
		metrics.SSEConnections.Set(float64(len(b.connections)))
	}
}

// ConnectionCount returns the number of active connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// addConnection registers conn, closing any existing connection for the
// same session. removeConnection's identity check keeps the replaced
// stream from deleting the new entry.
func (b *Broker) addConnection(conn *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.connections[conn.sessionID]; ok {
		close(existing.done)
	}
	b.connections[conn.sessionID] = conn
	metrics.SSEConnections.Set(float64(len(b.connections)))
}

// removeConnection unregisters conn if it is still the current one.
func (b *Broker) removeConnection(sessionID string, conn *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.connections[sessionID]; ok && current == conn {
		delete(b.connections, sessionID)
		metrics.SSEConnections.Set(float64(len(b.connections)))
	}
}

// sendToConnection writes one event:
//
//	event: <type>
//	data: <json>
//	<blank line>
func (b *Broker) sendToConnection(conn *connection, event Event) error {
	if conn == nil || conn.writer == nil || conn.flusher == nil {
		return fmt.Errorf("connection not available")
	}

	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return fmt.Errorf("connection closed")
	}

	if _, err := fmt.Fprintf(conn.writer, "event: %s\ndata: %s\n\n", event.Type, jsonData); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	conn.flusher.Flush()
	return nil
}

func (b *Broker) keepAlive(conn *connection) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := fmt.Fprint(conn.writer, ": keep-alive\n\n"); err != nil {
		return err
	}
	conn.flusher.Flush()
	return nil
}

// Shutdown closes all connections.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, conn := range b.connections {
		close(conn.done)
		delete(b.connections, sessionID)
	}
	metrics.SSEConnections.Set(0)
	return nil
}
