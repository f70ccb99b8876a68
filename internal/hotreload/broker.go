// Package hotreload pushes compile status to connected browsers over
// Server-Sent Events or WebSocket so pages reload after a rebuild.
package hotreload

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultHeartbeat is how often an idle SSE stream receives a comment.
const DefaultHeartbeat = 2 * time.Second

// Broker fans compile events out to every connected client.
type Broker struct {
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[chan Event]struct{}
	last    *Event
	closed  bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat overrides DefaultHeartbeat. Non-positive values are ignored.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// NewBroker creates a broker with no clients.
func NewBroker(logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		logger:    logger,
		heartbeat: DefaultHeartbeat,
		clients:   make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Building announces that a compile has started.
func (b *Broker) Building() {
	b.Publish(Building())
}

// Built announces a finished compile.
func (b *Broker) Built(hash string, took time.Duration, errs, warnings []string) {
	b.Publish(Built(hash, took, errs, warnings))
}

// Publish sends evt to all clients using non-blocking sends. The most recent
// built event is kept so new clients can be synced.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if evt.Action == ActionBuilt {
		e := evt
		b.last = &e
	}
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// Client too slow, skip this event
		}
	}
	b.logger.Debug("hot reload event broadcast", "action", evt.Action, "hash", evt.Hash, "clients", len(b.clients))
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client. Later subscriptions receive a closed channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
	b.logger.Info("hot reload broker stopped")
}

// subscribe registers a client and returns its channel along with a sync
// event describing the latest compile, if any.
func (b *Broker) subscribe() (chan Event, *Event) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, nil
	}
	b.clients[ch] = struct{}{}
	b.logger.Info("hot reload client connected", "clients", len(b.clients))
	if b.last == nil {
		return ch, nil
	}
	snap := *b.last
	snap.Action = ActionSync
	return ch, &snap
}

func (b *Broker) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	b.logger.Info("hot reload client disconnected", "clients", len(b.clients))
}

// ServeHTTP streams events as SSE.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, initial := b.subscribe()
	defer b.unsubscribe(ch)

	if initial != nil {
		if err := writeEvent(w, flusher, *initial); err != nil {
			b.logger.Debug("failed to write sync event", "error", err)
			return
		}
	}

	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, flusher, evt); err != nil {
				b.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			heartbeat.Reset(b.heartbeat)
		case <-heartbeat.C:
			if err := writeAndFlush(w, flusher, formatHeartbeat()); err != nil {
				b.logger.Debug("failed to write heartbeat", "error", err)
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, evt Event) error {
	data, err := formatSSEEvent(evt.Action, evt)
	if err != nil {
		return err
	}
	return writeAndFlush(w, flusher, data)
}

func writeAndFlush(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
