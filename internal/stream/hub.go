// Package stream provides the per-portfolio event log and its real-time fan-out.
package stream

import (
	"context"
	"sync"
	"time"

	"portfolio-orchestrator/internal/models"
)

// HubConfig holds configuration for the Stream Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// ReplayCapacity is how many recent events each portfolio keeps for catch-up.
	ReplayCapacity int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
		ReplayCapacity:       1000,
	}
}

// Hub sequences events per portfolio, retains a bounded replay window and
// fans events out to subscribers and sinks. Publishing never blocks on a slow
// consumer.
type Hub struct {
	config HubConfig
	now    func() time.Time

	logMu sync.Mutex
	logs  map[string]*eventLog

	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	eventChan   chan models.Event
	done        chan struct{}
	stopped     chan struct{}
	started     bool

	sinksMu sync.RWMutex
	sinks   []Sink

	// Metrics
	metricsMu       sync.Mutex
	eventsPublished uint64
	eventsBroadcast uint64
	eventsDropped   uint64
}

// eventLog is a ring of the most recent events of one portfolio.
type eventLog struct {
	seq    int64
	events []models.Event
	start  int
	size   int
}

func (l *eventLog) append(ev models.Event) {
	if len(l.events) == 0 {
		return
	}
	idx := (l.start + l.size) % len(l.events)
	l.events[idx] = ev
	if l.size < len(l.events) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.events)
	}
}

func (l *eventLog) after(seq int64, limit int) ([]models.Event, bool) {
	var out []models.Event
	truncated := false
	for i := 0; i < l.size; i++ {
		ev := l.events[(l.start+i)%len(l.events)]
		if i == 0 && ev.Seq > seq+1 {
			truncated = true
		}
		if ev.Seq <= seq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if l.size == 0 && l.seq > seq {
		truncated = true
	}
	return out, truncated
}

// Subscriber receives the live events of one portfolio, or of all portfolios
// when PortfolioID is empty.
type Subscriber struct {
	ID           string
	PortfolioID  string
	C            chan models.Event
	DroppedCount uint64
	CreatedAt    time.Time
}

// Sink consumes every published event in order. Sinks run on the hub's
// broadcast goroutine and must return quickly.
type Sink interface {
	Name() string
	Consume(ev models.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	name string
	fn   func(models.Event)
}

// NewSinkFunc creates a named function sink.
func NewSinkFunc(name string, fn func(models.Event)) *SinkFunc {
	return &SinkFunc{name: name, fn: fn}
}

// Name implements Sink.
func (s *SinkFunc) Name() string { return s.name }

// Consume implements Sink.
func (s *SinkFunc) Consume(ev models.Event) { s.fn(ev) }

// NewHub creates a new stream hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a new stream hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	def := DefaultHubConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = def.SubscriberBufferSize
	}
	if config.ReplayCapacity <= 0 {
		config.ReplayCapacity = def.ReplayCapacity
	}
	return &Hub{
		config:      config,
		now:         time.Now,
		logs:        make(map[string]*eventLog),
		subscribers: make(map[string][]*Subscriber),
		eventChan:   make(chan models.Event, config.BufferSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

// broadcastLoop is the main loop that distributes events.
func (h *Hub) broadcastLoop(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			h.drain()
			return
		case ev := <-h.eventChan:
			h.deliver(ev)
		}
	}
}

// drain delivers whatever is already buffered so sinks see every event
// published before Stop.
func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.eventChan:
			h.deliver(ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ev models.Event) {
	h.broadcast(ev)
	h.notifySinks(ev)
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.done)
	h.mu.Unlock()

	<-h.stopped

	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.C)
		}
		delete(h.subscribers, key)
	}
}

// Publish assigns the next sequence number of the event's portfolio, records it
// for replay and queues it for delivery. It returns the sequenced event.
func (h *Hub) Publish(ev models.Event) models.Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	h.logMu.Lock()
	l := h.logLocked(ev.PortfolioID)
	l.seq++
	ev.Seq = l.seq
	l.append(ev)
	// Enqueue under logMu so delivery order matches sequence order.
	select {
	case h.eventChan <- ev:
	default:
		h.metricsMu.Lock()
		h.eventsDropped++
		h.metricsMu.Unlock()
	}
	h.logMu.Unlock()

	h.metricsMu.Lock()
	h.eventsPublished++
	h.metricsMu.Unlock()
	return ev
}

func (h *Hub) logLocked(portfolioID string) *eventLog {
	l, ok := h.logs[portfolioID]
	if !ok {
		l = &eventLog{events: make([]models.Event, h.config.ReplayCapacity)}
		h.logs[portfolioID] = l
	}
	return l
}

// Events returns retained events of a portfolio with seq greater than afterSeq,
// oldest first. truncated is true when events after afterSeq have already been
// evicted from the replay window.
func (h *Hub) Events(portfolioID string, afterSeq int64, limit int) (events []models.Event, truncated bool) {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	l, ok := h.logs[portfolioID]
	if !ok {
		return nil, false
	}
	return l.after(afterSeq, limit)
}

// LastSeq returns the last assigned sequence number of a portfolio.
func (h *Hub) LastSeq(portfolioID string) int64 {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	if l, ok := h.logs[portfolioID]; ok {
		return l.seq
	}
	return 0
}

// Restore seeds a portfolio's replay window and sequence from persisted events,
// which must be ordered by seq.
func (h *Hub) Restore(portfolioID string, events []models.Event, lastSeq int64) {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	l := h.logLocked(portfolioID)
	for _, ev := range events {
		l.append(ev)
	}
	if lastSeq > l.seq {
		l.seq = lastSeq
	}
}

// Subscribe adds a live subscriber for a portfolio. An empty portfolioID
// receives every portfolio's events.
func (h *Hub) Subscribe(portfolioID, id string) *Subscriber {
	sub := &Subscriber{
		ID:          id,
		PortfolioID: portfolioID,
		C:           make(chan models.Event, h.config.SubscriberBufferSize),
		CreatedAt:   h.now(),
	}
	h.mu.Lock()
	h.subscribers[portfolioID] = append(h.subscribers[portfolioID], sub)
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[sub.PortfolioID]
	for i, s := range subs {
		if s == sub {
			close(s.C)
			h.subscribers[sub.PortfolioID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[sub.PortfolioID]) == 0 {
		delete(h.subscribers, sub.PortfolioID)
	}
}

// broadcast sends an event to the portfolio's subscribers and to wildcard
// subscribers. Uses non-blocking sends to prevent slow consumers from blocking others.
func (h *Hub) broadcast(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.subscribers[ev.PortfolioID]
	if ev.PortfolioID != "" {
		targets = append(targets[:len(targets):len(targets)], h.subscribers[""]...)
	}
	for _, sub := range targets {
		select {
		case sub.C <- ev:
			h.metricsMu.Lock()
			h.eventsBroadcast++
			h.metricsMu.Unlock()
		default:
			h.metricsMu.Lock()
			sub.DroppedCount++
			h.eventsDropped++
			h.metricsMu.Unlock()
		}
	}
}

// RegisterSink adds a sink that receives every delivered event.
func (h *Hub) RegisterSink(s Sink) {
	h.sinksMu.Lock()
	h.sinks = append(h.sinks, s)
	h.sinksMu.Unlock()
}

func (h *Hub) notifySinks(ev models.Event) {
	h.sinksMu.RLock()
	sinks := make([]Sink, len(h.sinks))
	copy(sinks, h.sinks)
	h.sinksMu.RUnlock()

	for _, s := range sinks {
		func() {
			// A faulty sink must not stop delivery to the rest.
			defer func() { _ = recover() }()
			s.Consume(ev)
		}()
	}
}

// GetSubscriberCount returns the number of live subscribers.
func (h *Hub) GetSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	subs := h.GetSubscriberCount()
	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return HubMetrics{
		EventsPublished: h.eventsPublished,
		EventsBroadcast: h.eventsBroadcast,
		EventsDropped:   h.eventsDropped,
		Subscribers:     subs,
	}
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	EventsPublished uint64 `json:"events_published"`
	EventsBroadcast uint64 `json:"events_broadcast"`
	EventsDropped   uint64 `json:"events_dropped"`
	Subscribers     int    `json:"subscribers"`
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}
