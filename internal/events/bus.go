package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pianoreel/internal/utils"
)

// Publisher is the producer side of the bus
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(event Event) error
}

// EventBusConfig configures the bus
type EventBusConfig struct {
	BufferSize   int
	RecentEvents int
}

// DefaultEventBusConfig returns the default bus configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		BufferSize:   1024,
		RecentEvents: 100,
	}
}

// Bus delivers events to subscribers in publish order from a single
// processor goroutine
type Bus struct {
	config EventBusConfig
	logger hclog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	eventChannel  chan Event
	stopCh        chan struct{}
	running       bool
	wg            sync.WaitGroup

	recentEvents []Event
	eventStats   EventStats
}

// NewEventBus creates a new event bus instance
func NewEventBus(config EventBusConfig, logger hclog.Logger) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultEventBusConfig().BufferSize
	}
	if config.RecentEvents <= 0 {
		config.RecentEvents = DefaultEventBusConfig().RecentEvents
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Bus{
		config:        config,
		logger:        logger,
		subscriptions: make(map[string]*Subscription),
		recentEvents:  make([]Event, 0, config.RecentEvents),
		eventStats:    EventStats{EventsByType: make(map[string]int64)},
	}
}

// Start starts the event processor
func (eb *Bus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}

	eb.running = true
	eb.eventChannel = make(chan Event, eb.config.BufferSize)
	eb.stopCh = make(chan struct{})

	eb.wg.Add(1)
	go eb.processEvents(eb.eventChannel, eb.stopCh)

	eb.logger.Debug("event bus started", "buffer_size", eb.config.BufferSize)
	return nil
}

// Stop stops accepting events and waits until queued ones are delivered
func (eb *Bus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.stopCh)
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Debug("event bus stopped")
		return nil
	case <-ctx.Done():
		eb.logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

// Publish queues an event, waiting for room in the queue
func (eb *Bus) Publish(ctx context.Context, event Event) error {
	events, stopCh, err := eb.queue()
	if err != nil {
		return err
	}
	event, err = eb.prepare(event)
	if err != nil {
		return err
	}

	select {
	case events <- event:
		return nil
	case <-stopCh:
		return fmt.Errorf("event bus is not running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync queues an event without blocking; the event is dropped when
// the queue is full
func (eb *Bus) PublishAsync(event Event) error {
	events, _, err := eb.queue()
	if err != nil {
		return err
	}
	event, err = eb.prepare(event)
	if err != nil {
		return err
	}

	select {
	case events <- event:
		return nil
	default:
		eb.logger.Warn("event channel full, dropping event", "event_type", event.Type, "job", event.JobID)
		eb.mu.Lock()
		eb.eventStats.DroppedEvents++
		eb.mu.Unlock()
		return fmt.Errorf("event channel full")
	}
}

func (eb *Bus) queue() (chan Event, chan struct{}, error) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		return nil, nil, fmt.Errorf("event bus is not running")
	}
	return eb.eventChannel, eb.stopCh, nil
}

// Subscribe registers handler for events matching filter
func (eb *Bus) Subscribe(subscriber string, filter EventFilter, handler EventHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("event handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscription := &Subscription{
		ID:         "sub-" + utils.GenerateShortUUID(),
		Filter:     filter,
		Handler:    handler,
		Subscriber: subscriber,
		Created:    time.Now(),
	}
	eb.subscriptions[subscription.ID] = subscription

	eb.logger.Debug("new subscription created", "subscription_id", subscription.ID, "subscriber", subscriber, "types", filter.Types)
	return subscription, nil
}

// Unsubscribe removes a subscription
func (eb *Bus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, exists := eb.subscriptions[subscriptionID]; !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(eb.subscriptions, subscriptionID)

	eb.logger.Debug("subscription removed", "subscription_id", subscriptionID)
	return nil
}

// Recent returns up to limit of the most recent delivered events matching
// filter, oldest first
func (eb *Bus) Recent(filter EventFilter, limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var matched []Event
	for _, event := range eb.recentEvents {
		if MatchesFilter(event, filter) {
			matched = append(matched, event)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Stats returns bus statistics
func (eb *Bus) Stats() EventStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	stats := eb.eventStats
	stats.EventsByType = make(map[string]int64, len(eb.eventStats.EventsByType))
	for k, v := range eb.eventStats.EventsByType {
		stats.EventsByType[k] = v
	}
	stats.ActiveSubscriptions = len(eb.subscriptions)
	return stats
}

// Health returns an error when the bus is stopped or backed up
func (eb *Bus) Health() error {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}

	channelUsage := float64(len(eb.eventChannel)) / float64(cap(eb.eventChannel))
	if channelUsage > 0.9 {
		return fmt.Errorf("event channel is %d%% full", int(channelUsage*100))
	}
	return nil
}

func (eb *Bus) prepare(event Event) (Event, error) {
	if event.Type == "" {
		return event, fmt.Errorf("invalid event: event type is required")
	}
	if event.Source == "" {
		return event, fmt.Errorf("invalid event: event source is required")
	}
	if event.ID == "" {
		event.ID = utils.GenerateUUID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return event, nil
}

// processEvents delivers until stopped, then drains what is already queued
func (eb *Bus) processEvents(events <-chan Event, stopCh <-chan struct{}) {
	defer eb.wg.Done()

	for {
		select {
		case event := <-events:
			eb.handleEvent(event)
		case <-stopCh:
			for {
				select {
				case event := <-events:
					eb.handleEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (eb *Bus) handleEvent(event Event) {
	eb.mu.Lock()
	eb.recentEvents = append(eb.recentEvents, event)
	if len(eb.recentEvents) > eb.config.RecentEvents {
		eb.recentEvents = eb.recentEvents[1:]
	}
	eb.eventStats.TotalEvents++
	eb.eventStats.EventsByType[string(event.Type)]++

	var matching []*Subscription
	for _, sub := range eb.subscriptions {
		if MatchesFilter(event, sub.Filter) {
			matching = append(matching, sub)
		}
	}
	eb.mu.Unlock()

	for _, sub := range matching {
		eb.notifySubscriber(sub, event)
	}
}

func (eb *Bus) notifySubscriber(subscription *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("panic in event handler", "subscription_id", subscription.ID, "error", r, "event_id", event.ID)
		}
	}()

	if err := subscription.Handler(event); err != nil {
		eb.logger.Error("event handler error", "subscription_id", subscription.ID, "error", err, "event_id", event.ID)
		return
	}

	eb.mu.Lock()
	subscription.TriggerCount++
	now := time.Now()
	subscription.LastTriggered = &now
	eb.mu.Unlock()
}
