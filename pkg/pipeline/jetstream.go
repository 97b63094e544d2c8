package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.uber.org/zap"
)

// JetStreamConfig names the stream and subjects the JetStream adapters use
type JetStreamConfig struct {
	// Stream is created with subjects "<Stream>.*" when missing
	Stream string `yaml:"stream" toml:"stream" env:"STREAM"`

	// Subject is consumed by the source
	Subject string `yaml:"subject" toml:"subject" env:"SUBJECT"`

	// Consumer is the durable pull consumer name
	Consumer string `yaml:"consumer" toml:"consumer" env:"CONSUMER"`

	// OutputSubject receives the records the filter let through
	OutputSubject string `yaml:"output_subject" toml:"output_subject" env:"OUTPUT_SUBJECT"`

	// BatchSize is the number of messages fetched per pull
	BatchSize int `yaml:"batch_size" toml:"batch_size" env:"BATCH_SIZE"`

	// FetchWait bounds how long a pull waits for messages
	FetchWait time.Duration `yaml:"fetch_wait" toml:"fetch_wait" env:"FETCH_WAIT"`
}

// Validate checks the configuration
func (c JetStreamConfig) Validate() error {
	if c.Stream == "" {
		return errors.New("stream name cannot be empty")
	}
	if c.Subject == "" {
		return errors.New("subject cannot be empty")
	}
	if c.Consumer == "" {
		return errors.New("consumer name cannot be empty")
	}
	if c.OutputSubject == "" {
		return errors.New("output subject cannot be empty")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be greater than 0")
	}
	return nil
}

// EnsureStream creates the stream if it doesn't exist
func EnsureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err == nil {
		logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", info.State.Msgs),
			zap.Int("consumers", info.State.Consumers))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{fmt.Sprintf("%s.*", streamName)},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	logger.Info("created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", streamConfig.Subjects))
	return nil
}

// JetStreamSource pulls records from a durable JetStream consumer. Each
// message body is one JSON object.
type JetStreamSource struct {
	sub       *nats.Subscription
	batchSize int
	fetchWait time.Duration
	logger    *zap.Logger
	pending   []*nats.Msg
}

// NewJetStreamSource binds a durable pull subscription on cfg.Subject
func NewJetStreamSource(js nats.JetStreamContext, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := EnsureStream(js, cfg.Stream, logger); err != nil {
		return nil, err
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Consumer, nats.BindStream(cfg.Stream))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", cfg.Subject, err)
	}

	fetchWait := cfg.FetchWait
	if fetchWait <= 0 {
		fetchWait = 5 * time.Second
	}
	return &JetStreamSource{
		sub:       sub,
		batchSize: cfg.BatchSize,
		fetchWait: fetchWait,
		logger:    logger,
	}, nil
}

// Next returns the next message, pulling a new batch when the last one is
// used up. It blocks until a message arrives or ctx is done.
func (s *JetStreamSource) Next(ctx context.Context) (*Message, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.fetchWait)
		msgs, err := s.sub.Fetch(s.batchSize, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
		s.pending = msgs
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]
	return decodeMessage(msg, s.logger), nil
}

// Close unsubscribes the pull subscription
func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}

// decodeMessage turns a JetStream message into a pipeline message. A body
// that is not a JSON object is kept raw and tagged, like LineSource does.
func decodeMessage(msg *nats.Msg, logger *zap.Logger) *Message {
	rec, err := event.FromJSON(msg.Data)
	if err != nil {
		logger.Warn("message is not a JSON object",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		fallback := event.New(map[string]any{"message": string(msg.Data)})
		fallback.Tag(JSONParseFailureTag)
		return NewMessage(fallback, ackFunc(msg), nakFunc(msg))
	}
	return NewMessage(rec, ackFunc(msg), nakFunc(msg))
}

func ackFunc(msg *nats.Msg) func() error {
	return func() error { return msg.Ack() }
}

func nakFunc(msg *nats.Msg) func() error {
	return func() error { return msg.Nak() }
}

// JetStreamSink publishes each record as JSON to a subject
type JetStreamSink struct {
	js      nats.JetStreamContext
	subject string
}

// NewJetStreamSink creates a sink publishing to subject
func NewJetStreamSink(js nats.JetStreamContext, subject string) (*JetStreamSink, error) {
	if js == nil {
		return nil, errors.New("JetStream context is not available")
	}
	if subject == "" {
		return nil, errors.New("subject cannot be empty")
	}
	return &JetStreamSink{js: js, subject: subject}, nil
}

// Write publishes records in order, stopping at the first failure
func (s *JetStreamSink) Write(ctx context.Context, records []event.Record) error {
	for _, rec := range records {
		data, err := event.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		if _, err := s.js.Publish(s.subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish to '%s': %w", s.subject, err)
		}
	}
	return nil
}
