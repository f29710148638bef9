// README: In-process change feed. The ride ledger publishes, websockets and the Kafka sink subscribe.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/metrics"
	"tarhal/internal/types"
)

type Type string

const (
	RideCreated       Type = "ride.created"
	RideStatusChanged Type = "ride.status_changed"
	OfferIssued       Type = "ride.offer_issued"
	OfferResolved     Type = "ride.offer_resolved"
)

// Event is one entry on the change feed. Data carries a snapshot of the ride
// after the change.
type Event struct {
	Type     Type        `json:"type"`
	RideID   types.ID    `json:"ride_id"`
	Status   string      `json:"status,omitempty"`
	DriverID types.ID    `json:"driver_id,omitempty"`
	Actor    string      `json:"actor,omitempty"`
	At       time.Time   `json:"at"`
	Data     interface{} `json:"data,omitempty"`
}

// Publisher is what producers of ride updates depend on.
type Publisher interface {
	Publish(e Event)
}

const defaultBuffer = 64

type subscriber struct {
	ch  chan Event
	key types.ID // empty for subscribe-all
}

// Bus fans events out to subscribers without ever blocking the publisher;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	buffer int
	log    logrus.FieldLogger
	closed bool
}

func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		buffer: defaultBuffer,
		log:    log,
	}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.key != "" && s.key != e.RideID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.EventsDropped.Inc()
			b.log.WithFields(logrus.Fields{"ride_id": e.RideID, "type": e.Type}).Warn("change feed subscriber is slow; event dropped")
		}
	}
}

// Subscribe returns the updates of one ride. Call cancel to release it.
func (b *Bus) Subscribe(rideID types.ID) (<-chan Event, func()) {
	return b.add(rideID)
}

// SubscribeAll returns every update on the bus.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.add("")
}

func (b *Bus) add(key types.ID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch, key: key}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
