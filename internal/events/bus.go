package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/muhammadnuman-eng/ftm-checkout/internal/obs"
)

// Event is a persisted domain event keyed on the order number of the
// purchase it concerns.
type Event struct {
	ID          uuid.UUID
	Topic       string
	OrderNumber string
	Payload     json.RawMessage
	OccurredAt  time.Time
}

// EventStore defines the persistence operations required by the event bus.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, ev Event) (Event, error)
}

// Notifier reacts to emitted events. Notifiers run concurrently and in
// isolation: one notifier failing or hanging never blocks the others, and a
// failure is reported to the caller without being escalated further.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Bus persists domain events and fans them out to downstream dispatchers.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
	Logger    zerolog.Logger
	// Timeout bounds each notifier individually. Zero means 10s.
	Timeout time.Duration
}

// Emit records the event and dispatches it to all configured notifiers
// concurrently. The returned error joins notifier failures; the event itself
// is always persisted first and returned even when dispatch partially fails.
func (b *Bus) Emit(ctx context.Context, topic, orderNumber string, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if strings.TrimSpace(orderNumber) == "" {
		return Event{}, errors.New("events: order number is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.InsertDomainEvent(ctx, Event{
		Topic:       topic,
		OrderNumber: orderNumber,
		Payload:     encoded,
	})
	if err != nil {
		return Event{}, fmt.Errorf("events: persist event: %w", err)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var (
		mu     sync.Mutex
		joined error
		wg     sync.WaitGroup
	)
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			nctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if notifyErr := b.notify(nctx, n, ev); notifyErr != nil {
				mu.Lock()
				joined = errors.Join(joined, fmt.Errorf("events: notifier %s: %w", n.Name(), notifyErr))
				mu.Unlock()
			}
		}(notifier)
	}
	wg.Wait()
	return ev, joined
}

// notify shields the bus from a misbehaving notifier. A panic inside one
// dispatcher must not take down the webhook request goroutine.
func (b *Bus) notify(ctx context.Context, n Notifier, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := n.Notify(ctx, ev); err != nil {
		if obs.DispatchFailuresTotal != nil {
			obs.DispatchFailuresTotal.WithLabelValues(n.Name()).Inc()
		}
		b.Logger.Error().
			Err(err).
			Str("notifier", n.Name()).
			Str("topic", ev.Topic).
			Str("order_number", ev.OrderNumber).
			Msg("event_dispatch_failed")
		return err
	}
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return []byte("{}"), nil
		}
		data := []byte(v)
		if !json.Valid(data) {
			return nil, errors.New("payload is not valid json")
		}
		return data, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
