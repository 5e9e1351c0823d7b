package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clasak/compassiq/pkg/metrics"
	"github.com/clasak/compassiq/pkg/models"
	"github.com/clasak/compassiq/pkg/tracing"
)

// EventMetricRecorded is the type of the message published after a metric value commits.
const EventMetricRecorded = "metric.recorded"

// ProducerConfig configures the metric notification producer
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes metric notifications to Kafka
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger ectologger.Logger) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{}, // tenant key keeps a tenant's events ordered on one partition
		BatchSize:              config.BatchSize,
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		Compression:            compressionCodec(config.Compression),
		RequiredAcks:           kafka.RequiredAcks(config.RequiredAcks),
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, config.Topic, logger), nil
}

func newProducer(writer messageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{writer: writer, logger: logger, topic: topic}
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// MetricRecordedMessage announces a newly committed metric value
type MetricRecordedMessage struct {
	Type         string    `json:"type"`
	TenantID     string    `json:"tenant_id"`
	ConnectionID string    `json:"connection_id"`
	RawEventID   string    `json:"raw_event_id,omitempty"`
	MetricKey    string    `json:"metric_key"`
	NumericValue *float64  `json:"numeric_value,omitempty"`
	TextValue    *string   `json:"text_value,omitempty"`
	OccurredOn   string    `json:"occurred_on"`
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// PublishMetricRecorded publishes a metric.recorded message keyed by tenant
func (p *Producer) PublishMetricRecorded(ctx context.Context, connectionID string, value models.MetricValue) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishMetricRecorded")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", value.TenantID.String()),
		attribute.String("metric_key", value.MetricKey),
	)

	msg := MetricRecordedMessage{
		Type:         EventMetricRecorded,
		TenantID:     value.TenantID.String(),
		ConnectionID: connectionID,
		MetricKey:    value.MetricKey,
		NumericValue: value.NumericValue,
		TextValue:    value.TextValue,
		OccurredOn:   value.OccurredOn.Format(time.DateOnly),
		Timestamp:    time.Now().UTC(),
		TraceID:      tracing.GetTraceID(ctx),
	}
	if value.RawEventID != nil {
		msg.RawEventID = value.RawEventID.String()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal metric event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(msg.TenantID)},
		{Key: "type", Value: []byte(msg.Type)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.TenantID),
		Value:   data,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start).Seconds())
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish metric event to Kafka topic %s", p.topic)
		return fmt.Errorf("failed to publish metric event: %w", err)
	}

	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start).Seconds())
	return nil
}
