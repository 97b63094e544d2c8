// Package pipeline drives a script filter from a record source to a sink
// with a fixed pool of workers.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Processor runs one record through a filter. *filter.Filter implements it.
type Processor interface {
	Invoke(ctx context.Context, rec event.Record) ([]event.Record, error)
}

// Stats counts what a Runner has done so far
type Stats struct {
	In        int64
	Out       int64
	Cancelled int64
	Failed    int64
}

// Runner pulls records from a Source, hands them to workers calling the
// Processor, and writes the surviving records to a Sink.
type Runner struct {
	processor    Processor
	source       Source
	sink         Sink
	numOfWorkers int
	logger       *zap.Logger
	tracer       trace.Tracer
	onFatal      func(error)

	in        atomic.Int64
	out       atomic.Int64
	cancelled atomic.Int64
	failed    atomic.Int64
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the runner's logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer used for per-record spans
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithFatalHandler registers a hook called with the fatal host error before
// Run returns it, e.g. to report it to an error tracker
func WithFatalHandler(fn func(error)) Option {
	return func(r *Runner) {
		r.onFatal = fn
	}
}

// NewRunner creates a Runner with numOfWorkers concurrent workers
func NewRunner(processor Processor, source Source, sink Sink, numOfWorkers int, opts ...Option) (*Runner, error) {
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if numOfWorkers <= 0 {
		return nil, errors.New("numOfWorkers must be greater than 0")
	}

	r := &Runner{
		processor:    processor,
		source:       source,
		sink:         sink,
		numOfWorkers: numOfWorkers,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("scriptfilter/pipeline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes records until the source is exhausted, ctx is cancelled or a
// worker hits an error it cannot continue from. A fatal host error raised by
// the processor stops every worker and is returned as *errors.FatalHostError.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	messages := make(chan *Message, r.numOfWorkers)

	g.Go(func() error {
		defer close(messages)
		for {
			msg, err := r.source.Next(ctx)
			if errors.Is(err, io.EOF) {
				r.logger.Debug("source exhausted")
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return sdkerrors.NewError("SOURCE_READ_FAILED", "failed to read from source", err)
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for i := 0; i < r.numOfWorkers; i++ {
		workerID := i
		g.Go(func() error {
			return r.worker(ctx, workerID, messages)
		})
	}

	start := time.Now()
	err := g.Wait()

	stats := r.Stats()
	r.logger.Info("runner stopped",
		zap.Int64("in", stats.In),
		zap.Int64("out", stats.Out),
		zap.Int64("cancelled", stats.Cancelled),
		zap.Int64("failed", stats.Failed),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))

	return err
}

func (r *Runner) worker(ctx context.Context, workerID int, messages <-chan *Message) error {
	r.logger.Debug("worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := r.process(ctx, workerID, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process handles one message. Only fatal errors are returned; everything
// else is logged and the message is naked.
func (r *Runner) process(ctx context.Context, workerID int, msg *Message) (err error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.Int("worker.id", workerID)))
	defer span.End()

	r.in.Add(1)

	defer func() {
		if rec := recover(); rec != nil {
			fatal, ok := rec.(*sdkerrors.FatalHostError)
			if !ok {
				fatal = &sdkerrors.FatalHostError{Value: rec}
			}
			span.RecordError(fatal)
			span.SetStatus(codes.Error, fatal.Error())
			r.logger.Error("fatal host error, stopping runner",
				zap.Int("workerID", workerID),
				zap.Error(fatal))
			if r.onFatal != nil {
				r.onFatal(fatal)
			}
			err = fatal
		}
	}()

	records, err := r.processor.Invoke(ctx, msg.Record)
	if err != nil {
		r.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("error processing record",
			zap.Int("workerID", workerID),
			zap.Error(err))
		r.nak(workerID, msg)
		return nil
	}

	kept := make([]event.Record, 0, len(records))
	for _, rec := range records {
		if rec.Cancelled() {
			r.cancelled.Add(1)
			continue
		}
		kept = append(kept, rec)
	}
	span.SetAttributes(
		attribute.Int("records.out", len(kept)),
		attribute.Int("records.cancelled", len(records)-len(kept)),
	)

	if len(kept) > 0 {
		if err := r.sink.Write(ctx, kept); err != nil {
			r.failed.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error("error writing records",
				zap.Int("workerID", workerID),
				zap.Int("records", len(kept)),
				zap.Error(err))
			r.nak(workerID, msg)
			return nil
		}
	}
	r.out.Add(int64(len(kept)))

	if ackErr := msg.Ack(); ackErr != nil {
		r.logger.Error("error acking message",
			zap.Int("workerID", workerID),
			zap.Error(ackErr))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *Runner) nak(workerID int, msg *Message) {
	if nakErr := msg.Nak(); nakErr != nil {
		r.logger.Error("error naking message",
			zap.Int("workerID", workerID),
			zap.Error(nakErr))
	}
}

// Stats returns the runner's counters
func (r *Runner) Stats() Stats {
	return Stats{
		In:        r.in.Load(),
		Out:       r.out.Load(),
		Cancelled: r.cancelled.Load(),
		Failed:    r.failed.Load(),
	}
}
