// Package kafka republishes task lifecycle events to Kafka for hosts
// that want them outside the process.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/logger"
)

// EventPublisher forwards bus events to a Kafka topic, keyed by task id
// so one task's events stay ordered within a partition.
type EventPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      logger.Logger
	stop     func()
	done     chan struct{}
}

// Config holds the sink configuration.
type Config struct {
	Brokers []string
	Topic   string
}

// NewEventPublisher creates the producer and subscribes to the bus.
func NewEventPublisher(cfg Config, bus *events.Bus, log logger.Logger) (*EventPublisher, error) {
	if log == nil {
		log = logger.NewNop()
	}
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "task-events"
	}

	ch, unsubscribe := bus.Subscribe()
	p := &EventPublisher{
		producer: producer,
		topic:    topic,
		log:      log.Named("kafka"),
		stop:     unsubscribe,
		done:     make(chan struct{}),
	}

	go p.handleErrors()
	go p.pump(ch)

	return p, nil
}

// pump forwards bus events until the subscription closes.
func (p *EventPublisher) pump(ch <-chan events.TaskEventData) {
	defer close(p.done)
	for event := range ch {
		if err := p.publish(event); err != nil {
			p.log.Error("failed to publish event", "task_id", event.TaskID.String(), "error", err)
		}
	}
}

func (p *EventPublisher) publish(event events.TaskEventData) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialise event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TaskID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(event.Kind)},
			{Key: []byte("severity"), Value: []byte(event.Severity)},
			{Key: []byte("requestType"), Value: []byte(event.RequestType)},
		},
		Timestamp: event.EventAt,
	}

	p.producer.Input() <- message
	return nil
}

func (p *EventPublisher) handleErrors() {
	for err := range p.producer.Errors() {
		p.log.Error("kafka producer error", "error", err.Err)
	}
}

// Close unsubscribes from the bus and tears the producer down.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.stop()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
