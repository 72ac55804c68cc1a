// Package events provides the in-process event bus the engine publishes
// cycle outcomes on. Consumers (the WebSocket hub, loggers, tests) subscribe
// by event type.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeCycle          EventType = "cycle"
	EventTypeRegimeChange   EventType = "regime_change"
	EventTypeWhale          EventType = "whale"
	EventTypeCircuitBreaker EventType = "circuit_breaker"
	EventTypeOrder          EventType = "order"
	EventTypeStopAdjusted   EventType = "stop_adjusted"
	EventTypePositionClosed EventType = "position_closed"
)

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a base event with a fresh ID.
func NewBaseEvent(eventType EventType, ts time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: ts,
	}
}

// CycleEvent summarises one completed decision cycle.
type CycleEvent struct {
	BaseEvent
	Symbol           string             `json:"symbol"`
	Regime           string             `json:"regime"`
	Direction        string             `json:"direction"`
	Confidence       float64            `json:"confidence"`
	AgreementPercent int                `json:"agreement_percent"`
	Scores           map[string]float64 `json:"scores"`
	Halted           bool               `json:"halted"`
	Skipped          bool               `json:"skipped"`
}

// RegimeChangeEvent is published when the classified regime changes.
type RegimeChangeEvent struct {
	BaseEvent
	Symbol string `json:"symbol"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// WhaleEvent is published when a bar's volume flags large-order activity.
type WhaleEvent struct {
	BaseEvent
	Symbol    string  `json:"symbol"`
	Ratio     float64 `json:"ratio"`
	Imbalance float64 `json:"imbalance"`
}

// CircuitBreakerEvent is published when the risk gate halts trading.
type CircuitBreakerEvent struct {
	BaseEvent
	Reason            string  `json:"reason"`
	DailyPnLPercent   float64 `json:"daily_pnl_percent"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PositionsClosed   int     `json:"positions_closed"`
}

// OrderEvent contains order information
type OrderEvent struct {
	BaseEvent
	OrderID       string  `json:"order_id,omitempty"`
	ClientOrderID string  `json:"client_order_id"`
	PositionID    string  `json:"position_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	Confidence    float64 `json:"confidence"`
	Status        string  `json:"status"` // "filled" or "rejected"
	Reason        string  `json:"reason,omitempty"`
}

// StopAdjustedEvent is published when a trailing stop moves.
type StopAdjustedEvent struct {
	BaseEvent
	PositionID string  `json:"position_id"`
	Side       string  `json:"side"`
	OldStop    float64 `json:"old_stop"`
	NewStop    float64 `json:"new_stop"`
}

// PositionClosedEvent carries a realised trade.
type PositionClosedEvent struct {
	BaseEvent
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	Reason     string  `json:"reason"`
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Process in separate goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus counters
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers" mapstructure:"num_workers"`
	BufferSize int `json:"bufferSize" mapstructure:"buffer_size"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 1024,
	}
}

// EventBus routes published events to subscribers on a small worker pool.
// Publish never blocks; when the buffer is full the event is dropped and
// counted.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	maxLatency        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus creates an event bus and starts its workers.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	def := DefaultEventBusConfig()
	if config.NumWorkers <= 0 {
		config.NumWorkers = def.NumWorkers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workerCount: config.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)

	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)

			latency := time.Since(start).Nanoseconds()
			for {
				cur := eb.maxLatency.Load()
				if latency <= cur || eb.maxLatency.CompareAndSwap(cur, latency) {
					break
				}
			}
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, list := range [][]*Subscription{subs, allSubs} {
		for _, sub := range list {
			if !sub.active.Load() {
				continue
			}
			if sub.Options.Filter != nil && !sub.Options.Filter(event) {
				continue
			}
			if sub.Options.Async {
				go eb.executeHandler(sub, event)
			} else {
				eb.executeHandler(sub, event)
			}
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) add(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	var options SubscriptionOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type. Handlers run on the bus
// workers unless Async is set.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.add(eventType, handler, opts)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.add("*", handler, opts)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event for the workers (non-blocking)
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns the bus counters
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop shuts down the event bus, waiting up to five seconds for workers.
func (eb *EventBus) Stop() {
	eb.logger.Info("Shutting down EventBus...")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}
