// Package kafkasink forwards queue events to a Kafka topic as JSON.
package kafkasink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Keksclan/rawrqueue/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Options configures the Kafka writer built by [NewWriter].
type Options struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MessageWriter is the part of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns an asynchronous writer for opts. Emitter subscribers run
// inside the queue flush, so the writer must never block on the broker;
// delivery errors are logged from the completion callback.
func NewWriter(opts Options, logger *zap.Logger) *kafka.Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka event delivery failed",
					zap.String("topic", opts.Topic),
					zap.Int("messages", len(msgs)),
					zap.Error(err),
				)
			}
		},
	}
}

// Sink turns emitter events into Kafka messages keyed by window.
type Sink struct {
	w       MessageWriter
	logger  *zap.Logger
	nowFunc func() time.Time
}

// New creates a Sink writing to w.
func New(w MessageWriter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{w: w, logger: logger, nowFunc: time.Now}
}

type message struct {
	Type             string   `json:"type"`
	Window           string   `json:"window"`
	Time             string   `json:"time"`
	OperationCount   int      `json:"operation_count,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms,omitempty"`
	Op               string   `json:"op,omitempty"`
	Keys             []string `json:"keys,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Attach subscribes to both event kinds on e.
func (s *Sink) Attach(e *events.Emitter) (detach func()) {
	offBatch := e.OnBatchProcessed(func(b events.BatchProcessed) {
		s.write(message{
			Type:             "batch_processed",
			Window:           string(b.Window),
			OperationCount:   b.OperationCount,
			ProcessingTimeMs: b.ProcessingTimeMs(),
		})
	})
	offErr := e.OnError(func(ev events.Error) {
		m := message{
			Type:   "error",
			Window: string(ev.Window),
			Op:     string(ev.Op),
			Keys:   ev.Keys,
		}
		if ev.Err != nil {
			m.Error = ev.Err.Error()
		}
		s.write(m)
	})
	return func() {
		offBatch()
		offErr()
	}
}

func (s *Sink) write(m message) {
	now := s.nowFunc()
	m.Time = now.UTC().Format(time.RFC3339Nano)
	value, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("encode kafka event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(m.Window),
		Value: value,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(m.Type)},
		},
	}
	if err := s.w.WriteMessages(context.Background(), msg); err != nil {
		s.logger.Warn("write kafka event", zap.String("type", m.Type), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.w.Close()
}
