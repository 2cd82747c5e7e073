package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/observability"
)

const queueSize = 256

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues events in memory and writes them to a Kafka topic from one goroutine.
// Publish never blocks; events are dropped when the queue is full or the publisher is closed.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
	queue  chan LinkEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewKafkaPublisher creates a publisher writing to topic on brokers and starts its send loop.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaPublisher(w, logger), nil
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		writer: w,
		logger: logger.With(zap.String("component", "link_events")),
		queue:  make(chan LinkEvent, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues ev. Delivery runs on the publisher's own context, not the caller's.
func (p *KafkaPublisher) Publish(_ context.Context, ev LinkEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.EventsPublishedTotal.WithLabelValues(ev.Type, "dropped").Inc()
		return
	}
	select {
	case p.queue <- ev:
	default:
		observability.EventsPublishedTotal.WithLabelValues(ev.Type, "dropped").Inc()
		p.logger.Warn("event queue full, dropping event", zap.String("type", ev.Type), zap.String("code", ev.Code))
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		p.send(ev)
	}
}

func (p *KafkaPublisher) send(ev LinkEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues(ev.Type, "error").Inc()
		p.logger.Error("encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(ev.Code),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.EventsPublishedTotal.WithLabelValues(ev.Type, "error").Inc()
		p.logger.Warn("publish event failed",
			zap.String("type", ev.Type),
			zap.String("code", ev.Code),
			zap.Error(err),
		)
		return
	}
	observability.EventsPublishedTotal.WithLabelValues(ev.Type, "ok").Inc()
}

// Close stops accepting events, drains the queue and closes the writer.
// It returns ctx.Err() if draining does not finish in time.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("draining events: %w", ctx.Err())
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("closing kafka writer: %w", err)
	}
	return nil
}
