// Package filter hosts a user script as a per-record pipeline filter.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"github.com/wehubfusion/scriptfilter/pkg/scripting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/wehubfusion/scriptfilter/pkg/filter"

// State is the lifecycle state of a Filter
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unconfigured"
	}
}

// Filter runs a script once per record. Configure it with New, compile it
// once with Load, then call Invoke from any number of goroutines.
//
// Scripts run exclusively unless a file script declares shared concurrency.
// Errors raised by the script are logged and turn into tags on the record;
// a Go panic escaping the engine fails the filter and is re-raised.
type Filter struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	unit   *scripting.Unit
	state  atomic.Int32
	mu     sync.Mutex
}

// Option configures a Filter
type Option func(*Filter)

// WithLogger sets the logger used for the filter and its script's console
func WithLogger(logger *zap.Logger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTracer sets the tracer used for Load and Invoke spans
func WithTracer(tracer trace.Tracer) Option {
	return func(f *Filter) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// New configures a filter. It applies defaults and validates cfg, returning
// a *errors.ConfigurationError when cfg is invalid.
func New(cfg Config, opts ...Option) (*Filter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Filter{
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("filter_id", cfg.ID))
	f.state.Store(int32(StateConfigured))

	return f, nil
}

// Load compiles the script, runs a file script's self-tests and binds the
// configured parameters. Compile and self-test errors are returned unchanged
// and leave the filter Failed. Load may only be called once.
func (f *Filter) Load(ctx context.Context) error {
	ctx, span := f.tracer.Start(ctx, "filter.Load",
		trace.WithAttributes(
			attribute.String("filter.id", f.cfg.ID),
			attribute.String("filter.path", f.cfg.Path),
		))
	defer span.End()

	if !f.state.CompareAndSwap(int32(StateConfigured), int32(StateLoading)) {
		err := fmt.Errorf("cannot load filter %s in state %s", f.cfg.ID, f.State())
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	unit, err := scripting.Compile(ctx, scripting.Source{
		Init: f.cfg.Init,
		Code: f.cfg.Code,
		Path: f.cfg.Path,
	}, scripting.Options{
		Params:        f.cfg.ScriptParams,
		Utilities:     f.cfg.EnabledUtilities,
		MaxStackDepth: f.cfg.MaxStackDepth,
		PoolSize:      f.cfg.PoolSize,
		Logger:        f.logger,
	})
	if err != nil {
		f.state.Store(int32(StateFailed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Error("failed to load script", zap.Error(err))
		return err
	}

	f.unit = unit
	f.state.Store(int32(StateLoaded))

	span.SetAttributes(
		attribute.String("script.mode", unit.Mode().String()),
		attribute.String("script.concurrency", unit.Concurrency().String()),
		attribute.Int("script.self_tests", len(unit.SelfTests())),
	)
	span.SetStatus(codes.Ok, "script loaded")

	f.logger.Info("script loaded",
		zap.String("source", unit.Name()),
		zap.String("mode", unit.Mode().String()),
		zap.String("concurrency", unit.Concurrency().String()),
		zap.Strings("self_tests", unit.SelfTests()))

	return nil
}

// Invoke runs the script for rec and returns rec followed by any records the
// script emitted or returned, in script order.
//
// Errors are returned for a filter that is not loaded and when ctx ends
// before a runtime is free (errors.ErrRuntimeUnavailable); rec is left
// untouched in both cases. Script errors are logged and tag rec with
// tag_on_exception.
func (f *Filter) Invoke(ctx context.Context, rec event.Record) ([]event.Record, error) {
	if st := f.State(); st != StateLoaded {
		return nil, fmt.Errorf("%w: filter %s is %s", sdkerrors.ErrNotLoaded, f.cfg.ID, st)
	}

	ctx, span := f.tracer.Start(ctx, "filter.Invoke",
		trace.WithAttributes(attribute.String("filter.id", f.cfg.ID)))
	defer span.End()

	if f.unit.Concurrency() == scripting.Exclusive {
		f.mu.Lock()
		defer f.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(StateFailed))
			fatal := &sdkerrors.FatalHostError{Value: r}
			span.RecordError(fatal)
			span.SetStatus(codes.Error, fatal.Error())
			f.logger.Error("fatal host error during script invocation", zap.Any("panic", r))
			panic(fatal)
		}
	}()

	results, err := f.unit.Invoke(ctx, rec)
	if errors.Is(err, sdkerrors.ErrRuntimeUnavailable) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("filter %s: %w", f.cfg.ID, err)
	}

	out := []event.Record{rec}
	returned := false
	for _, r := range results {
		if r == rec {
			returned = true
			continue
		}
		out = append(out, r)
	}
	if f.unit.Mode() == scripting.ModeFile && err == nil && !returned {
		rec.Cancel()
	}

	if err != nil {
		f.handleException(span, rec, err)
	} else {
		f.matched(rec)
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("filter.records_out", len(out)))

	return out, nil
}

// handleException logs a script error once and tags the record.
func (f *Filter) handleException(span trace.Span, rec event.Record, err error) {
	kind := "host_error"
	var jsErr *scripting.JSError
	if errors.As(err, &jsErr) {
		kind = jsErr.Kind()
	}
	recoverable := &sdkerrors.RecoverableScriptError{Kind: kind, Err: err}

	fields := []zap.Field{
		zap.String("error_type", kind),
		zap.Error(err),
	}
	if jsErr != nil && jsErr.Line > 0 {
		fields = append(fields, zap.Int("line", jsErr.Line))
	}
	if f.cfg.IsFileScript() {
		fields = append(fields, zap.String("script_path", f.cfg.Path))
	}
	if values := f.contextFields(rec); len(values) > 0 {
		fields = append(fields, zap.Any("context", values))
	}
	f.logger.Error("script exception occurred", fields...)

	for _, tag := range f.cfg.TagOnException {
		rec.Tag(tag)
	}

	span.RecordError(recoverable)
	span.SetAttributes(attribute.String("script.error_type", kind))
	span.SetStatus(codes.Error, recoverable.Error())
}

func (f *Filter) contextFields(rec event.Record) map[string]interface{} {
	values := make(map[string]interface{}, len(f.cfg.ContextFields))
	for _, name := range f.cfg.ContextFields {
		if rec.Includes(name) {
			values[name] = rec.Get(name)
		}
	}
	return values
}

// matched applies add_tag and add_field to a record the script completed on.
func (f *Filter) matched(rec event.Record) {
	for _, tag := range f.cfg.AddTag {
		rec.Tag(tag)
	}
	if len(f.cfg.AddField) == 0 {
		return
	}

	fields := event.New(f.cfg.AddField).ToMap()
	refs := make([]string, 0, len(fields))
	for ref := range fields {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		if err := rec.Set(ref, fields[ref]); err != nil {
			f.logger.Warn("failed to add field", zap.String("field", ref), zap.Error(err))
		}
	}
}

// State returns the filter's lifecycle state
func (f *Filter) State() State {
	return State(f.state.Load())
}

// ID returns the filter id
func (f *Filter) ID() string {
	return f.cfg.ID
}

// Config returns the effective configuration, defaults applied
func (f *Filter) Config() Config {
	return f.cfg
}

// Concurrency returns the loaded script's concurrency policy
func (f *Filter) Concurrency() scripting.Concurrency {
	if f.unit == nil {
		return scripting.Exclusive
	}
	return f.unit.Concurrency()
}

// SelfTests returns the descriptions of the self-tests that passed on Load
func (f *Filter) SelfTests() []string {
	if f.unit == nil {
		return nil
	}
	return f.unit.SelfTests()
}

// Stats returns runtime pool statistics of the loaded script
func (f *Filter) Stats() scripting.PoolStats {
	if f.unit == nil {
		return scripting.PoolStats{}
	}
	return f.unit.Stats()
}

// Close releases the script's runtimes
func (f *Filter) Close() error {
	if f.unit == nil {
		return nil
	}
	return f.unit.Close()
}
