package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.uber.org/zap"
)

// JSONParseFailureTag marks a record built from a line that was not a JSON object
const JSONParseFailureTag = "_jsonparsefailure"

const maxLineSize = 1 << 20

// Message is one record pulled from a Source, with the source's
// acknowledgement hooks. Either hook may be nil.
type Message struct {
	Record event.Record
	ack    func() error
	nak    func() error
}

// NewMessage wraps a record with optional acknowledgement hooks
func NewMessage(rec event.Record, ack, nak func() error) *Message {
	return &Message{Record: rec, ack: ack, nak: nak}
}

// Ack acknowledges the message after its records reached the sink
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak asks the source to redeliver the message
func (m *Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Source yields records to process. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (*Message, error)
}

// Sink receives the records a filter let through. Write must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, records []event.Record) error
}

// LineSource reads one JSON object per line
type LineSource struct {
	scanner *bufio.Scanner
	logger  *zap.Logger
	line    int
}

// NewLineSource creates a source reading JSON lines from r. Lines that are
// not JSON objects become a record with the raw line in "message", tagged
// with JSONParseFailureTag.
func NewLineSource(r io.Reader, logger *zap.Logger) *LineSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineSource{scanner: scanner, logger: logger}
}

// Next returns the record for the next non-empty line
func (s *LineSource) Next(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read line %d: %w", s.line+1, err)
			}
			return nil, io.EOF
		}
		s.line++

		data := s.scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		rec, err := event.FromJSON(data)
		if err != nil {
			s.logger.Warn("line is not a JSON object",
				zap.Int("line", s.line),
				zap.Error(err))
			fallback := event.New(map[string]any{"message": string(data)})
			fallback.Tag(JSONParseFailureTag)
			return NewMessage(fallback, nil, nil), nil
		}
		return NewMessage(rec, nil, nil), nil
	}
}

// LineSink writes each record as one JSON line
type LineSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewLineSink creates a sink writing JSON lines to w
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: bufio.NewWriter(w)}
}

// Write encodes records and flushes them to the underlying writer
func (s *LineSink) Write(ctx context.Context, records []event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		data, err := event.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		s.w.Write(data)
		s.w.WriteByte('\n')
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}
