package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"tarhal/internal/metrics"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports the change feed to a Kafka topic. Delivery is best effort:
// a failed write is logged and the event is not retried.
type KafkaSink struct {
	writer       MessageWriter
	writeTimeout time.Duration
	log          logrus.FieldLogger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:  kafka.TCP(brokers...),
		Topic: topic,
		// Keyed by ride id so every update of one ride lands on one partition in order.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(w MessageWriter, log logrus.FieldLogger) *KafkaSink {
	return &KafkaSink{writer: w, writeTimeout: 2 * time.Second, log: log}
}

// Run drains events until the channel closes or ctx is done.
func (k *KafkaSink) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			k.write(ctx, e)
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		k.log.WithError(err).WithField("ride_id", e.RideID).Error("encode ride event")
		metrics.EventsExported.WithLabelValues("encode_error").Inc()
		return
	}
	wctx, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()
	err = k.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(e.RideID),
		Value: b,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		k.log.WithError(err).WithFields(logrus.Fields{"ride_id": e.RideID, "type": e.Type}).Warn("export ride event")
		metrics.EventsExported.WithLabelValues("error").Inc()
		return
	}
	metrics.EventsExported.WithLabelValues("ok").Inc()
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
