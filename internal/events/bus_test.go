package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarhal/internal/logging"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_RoutesByRide(t *testing.T) {
	bus := NewBus(logging.Discard())
	r1, cancel1 := bus.Subscribe("r1")
	defer cancel1()
	all, cancelAll := bus.SubscribeAll()
	defer cancelAll()

	bus.Publish(Event{Type: RideCreated, RideID: "r2"})
	bus.Publish(Event{Type: RideStatusChanged, RideID: "r1", Status: "driver_accepted"})

	e := recv(t, r1)
	assert.Equal(t, "driver_accepted", e.Status)
	assert.False(t, e.At.IsZero())

	assert.Equal(t, "r2", string(recv(t, all).RideID))
	assert.Equal(t, "r1", string(recv(t, all).RideID))

	select {
	case e := <-r1:
		t.Fatalf("unexpected event for r1 subscriber: %+v", e)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(logging.Discard())
	_, cancel := bus.Subscribe("r1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*3; i++ {
			bus.Publish(Event{Type: RideStatusChanged, RideID: "r1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBus_CancelAndClose(t *testing.T) {
	bus := NewBus(logging.Discard())
	ch, cancel := bus.Subscribe("r1")
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := bus.SubscribeAll()
	bus.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	// Publishing after close is a no-op.
	bus.Publish(Event{RideID: "r1"})
	ch3, _ := bus.Subscribe("r1")
	_, ok = <-ch3
	assert.False(t, ok)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_ExportsKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, logging.Discard())
	ch := make(chan Event, 2)
	ch <- Event{Type: RideStatusChanged, RideID: "r1", Status: "completed", At: time.Unix(100, 0)}
	ch <- Event{Type: OfferResolved, RideID: "r1", DriverID: "d1", At: time.Unix(101, 0)}
	close(ch)

	sink.Run(context.Background(), ch)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, RideStatusChanged, decoded.Type)
	assert.Equal(t, "completed", decoded.Status)
	assert.Equal(t, "type", w.msgs[1].Headers[0].Key)
}

func TestKafkaSink_FailureIsSwallowed(t *testing.T) {
	w := &fakeWriter{fail: true}
	sink := NewKafkaSink(w, logging.Discard())
	ch := make(chan Event, 1)
	ch <- Event{Type: RideCreated, RideID: "r1"}
	close(ch)

	sink.Run(context.Background(), ch)
	assert.Empty(t, w.msgs)
}
