package scripting

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dop251/goja"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.uber.org/zap"
)

// Source names used in diagnostics for code that does not come from a file.
const (
	InitSourceName = "filter-init"
	CodeSourceName = "filter-code"
)

// DefaultMaxStackDepth bounds script recursion when no limit is configured.
const DefaultMaxStackDepth = 1024

// inlinePrefix opens the function inline code is wrapped in. It shares the
// first line with the user's code so that line numbers match.
const inlinePrefix = "(function (event, emit, params) {"

// Mode selects how a unit's source is bound
type Mode int

const (
	// ModeInline wraps the code as the body of a per-record function
	ModeInline Mode = iota
	// ModeFile runs a script file that declares filter, register and tests
	ModeFile
)

func (m Mode) String() string {
	if m == ModeFile {
		return "file"
	}
	return "inline"
}

// Concurrency is the execution policy a script declares
type Concurrency int

const (
	// Exclusive serialises invocations of the unit
	Exclusive Concurrency = iota
	// SharedSafe lets invocations run concurrently, each on its own runtime
	SharedSafe
)

func (c Concurrency) String() string {
	if c == SharedSafe {
		return "shared"
	}
	return "exclusive"
}

// ParseConcurrency parses the value returned by a script's concurrency().
func ParseConcurrency(s string) (Concurrency, error) {
	switch s {
	case "exclusive":
		return Exclusive, nil
	case "shared":
		return SharedSafe, nil
	default:
		return Exclusive, fmt.Errorf("unknown concurrency %q, expected \"exclusive\" or \"shared\"", s)
	}
}

// Source is the script text a unit is compiled from. Exactly one of Code and
// Path is set.
type Source struct {
	Init string
	Code string
	Path string

	// Script holds the contents of Path. When empty the file is read.
	Script string
}

// Options configure a unit
type Options struct {
	// Params are the bound parameters: register(params) in file scripts,
	// params in inline code.
	Params map[string]interface{}

	// Utilities names the host helpers installed in every runtime
	Utilities []string

	// MaxStackDepth is the script call stack limit
	MaxStackDepth int

	// PoolSize bounds the runtimes of a SharedSafe unit
	PoolSize int

	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.Params == nil {
		o.Params = map[string]interface{}{}
	}
	if o.Utilities == nil {
		o.Utilities = DefaultUtilities
	}
	if o.MaxStackDepth <= 0 {
		o.MaxStackDepth = DefaultMaxStackDepth
	}
	if o.PoolSize <= 0 {
		o.PoolSize = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Unit is a compiled script bound to the per-record contract. It is safe for
// concurrent use: an Exclusive unit owns a single runtime and serialises
// access to it; a SharedSafe unit spreads invocations over a pool of runtimes,
// each with its own copy of the script's state.
type Unit struct {
	mode        Mode
	name        string
	concurrency Concurrency
	initProgram *goja.Program
	program     *goja.Program
	opts        Options
	registry    *UtilityRegistry
	logger      *zap.Logger
	pool        *runtimePool
	selfTests   []string
}

// scriptRuntime is one engine instance with the unit's code loaded into it.
type scriptRuntime struct {
	vm       *goja.Runtime
	entry    goja.Callable
	register goja.Callable
	params   goja.Value
	dsl      *testDSL

	// set when a panic passed through the runtime
	broken     bool
	useCount   int
	lastUsedAt time.Time
}

// Compile loads a script: it compiles the init code and the body once, builds
// the first runtime, runs a file script's self-tests against it and binds the
// configured parameters.
func Compile(ctx context.Context, src Source, opts Options) (*Unit, error) {
	if (src.Code == "") == (src.Path == "") {
		return nil, sdkerrors.NewConfigurationError("exactly one of code and path must be set")
	}
	opts.applyDefaults()

	u := &Unit{
		opts:     opts,
		logger:   opts.Logger,
		registry: NewUtilityRegistry(opts.Logger),
	}
	for _, name := range opts.Utilities {
		if !u.registry.Has(name) {
			return nil, sdkerrors.NewConfigurationError("unknown utility %q", name)
		}
	}

	if src.Init != "" {
		prog, err := goja.Compile(InitSourceName, src.Init, false)
		if err != nil {
			return nil, newCompileError(InitSourceName, err)
		}
		u.initProgram = prog
	}

	if err := u.compileBody(src); err != nil {
		return nil, err
	}

	rt, err := u.newRuntime()
	if err != nil {
		return nil, err
	}

	if u.mode == ModeFile {
		if u.concurrency, err = u.declaredConcurrency(rt); err != nil {
			return nil, err
		}
		if err := u.runSelfTests(ctx, rt); err != nil {
			return nil, err
		}
		if err := u.bind(rt); err != nil {
			return nil, err
		}
	}

	size := 1
	if u.concurrency == SharedSafe {
		size = opts.PoolSize
	}
	u.pool = newRuntimePool(size, u.readyRuntime)
	u.pool.adopt(rt)

	u.logger.Debug("script compiled",
		zap.String("source", u.name),
		zap.String("mode", u.mode.String()),
		zap.String("concurrency", u.concurrency.String()),
		zap.Int("self_tests", len(u.selfTests)))

	return u, nil
}

func (u *Unit) compileBody(src Source) error {
	if src.Code != "" {
		u.mode = ModeInline
		u.name = CodeSourceName
		prog, err := goja.Compile(u.name, inlinePrefix+src.Code+"\n})", false)
		if err != nil {
			compileErr := newCompileError(u.name, err)
			if compileErr.Line == 1 && compileErr.Column > len(inlinePrefix) {
				compileErr.Column -= len(inlinePrefix)
			}
			return compileErr
		}
		u.program = prog
		return nil
	}

	u.mode = ModeFile
	u.name = src.Path
	script := src.Script
	if script == "" {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return sdkerrors.NewConfigurationError("script file %s not found", src.Path)
			}
			return fmt.Errorf("failed to read script %s: %w", src.Path, err)
		}
		script = string(data)
	}

	prog, err := goja.Compile(u.name, script, false)
	if err != nil {
		return newCompileError(u.name, err)
	}
	u.program = prog
	return nil
}

// newRuntime creates an engine instance, installs the helpers and runs the
// init code followed by the unit's program.
func (u *Unit) newRuntime() (*scriptRuntime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(u.opts.MaxStackDepth)

	if err := u.registry.RegisterEnabled(vm, u.opts.Utilities); err != nil {
		return nil, fmt.Errorf("failed to register utilities: %w", err)
	}

	rt := &scriptRuntime{vm: vm, lastUsedAt: time.Now()}

	if u.initProgram != nil {
		if _, err := vm.RunProgram(u.initProgram); err != nil {
			return nil, newCompileError(InitSourceName, err)
		}
	}

	if u.mode == ModeFile {
		rt.dsl = &testDSL{}
		if err := rt.dsl.install(vm); err != nil {
			return nil, fmt.Errorf("failed to install test declarations: %w", err)
		}
	}

	result, err := vm.RunProgram(u.program)
	if err != nil {
		return nil, newCompileError(u.name, err)
	}

	if u.mode == ModeInline {
		fn, ok := goja.AssertFunction(result)
		if !ok {
			return nil, bindError(u.name, "inline code did not compile to a function")
		}
		rt.entry = fn
		rt.params = vm.ToValue(u.boundParams())
		return rt, nil
	}

	fn, ok := globalFunction(vm, "filter")
	if !ok {
		return nil, bindError(u.name, "filter(event) is not defined")
	}
	rt.entry = fn

	if v := vm.Get("register"); !isAbsent(v) {
		register, ok := goja.AssertFunction(v)
		if !ok {
			return nil, bindError(u.name, "register is not a function")
		}
		rt.register = register
	}

	return rt, nil
}

// readyRuntime builds a runtime bound to the configured parameters. Pools
// use it to grow.
func (u *Unit) readyRuntime() (*scriptRuntime, error) {
	rt, err := u.newRuntime()
	if err != nil {
		return nil, err
	}
	if err := u.bind(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// bind calls register with the configured parameters.
func (u *Unit) bind(rt *scriptRuntime) error {
	if rt.register == nil {
		return nil
	}
	if _, err := rt.register(goja.Undefined(), rt.vm.ToValue(u.boundParams())); err != nil {
		return newCompileError(u.name, err)
	}
	return nil
}

// boundParams returns a private copy of the configured parameters for one
// runtime.
func (u *Unit) boundParams() map[string]interface{} {
	return event.New(u.opts.Params).ToMap()
}

func (u *Unit) declaredConcurrency(rt *scriptRuntime) (Concurrency, error) {
	v := rt.vm.Get("concurrency")
	if isAbsent(v) {
		return Exclusive, nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return Exclusive, bindError(u.name, "concurrency is not a function")
	}
	declared, err := fn(goja.Undefined())
	if err != nil {
		return Exclusive, newCompileError(u.name, err)
	}
	c, err := ParseConcurrency(declared.String())
	if err != nil {
		return Exclusive, bindError(u.name, "%v", err)
	}
	return c, nil
}

// Invoke runs the script once for rec. Inline code sees rec through a fresh
// RecordProxy and the returned records are the ones it emitted; a file
// script sees rec itself and the returned records are filter's result.
//
// A returned error is an exception raised by the script, or
// errors.ErrRuntimeUnavailable when ctx ended before a runtime was free.
// Records emitted before an exception are still returned. Go panics are not
// recovered.
func (u *Unit) Invoke(ctx context.Context, rec event.Record) ([]event.Record, error) {
	rt, err := u.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrRuntimeUnavailable, err)
	}

	completed := false
	defer func() {
		if !completed {
			rt.broken = true
		}
		u.pool.Release(rt)
	}()

	var out []event.Record
	if u.mode == ModeInline {
		out, err = u.invokeInline(rt, rec)
	} else {
		out, err = u.invokeFile(rt, rec)
	}
	completed = true
	return out, err
}

func (u *Unit) invokeInline(rt *scriptRuntime, rec event.Record) ([]event.Record, error) {
	proxy := NewRecordProxy(rec)
	var emitted []event.Record

	emit := func(call goja.FunctionCall) goja.Value {
		r, err := toRecord(call.Argument(0))
		if err != nil {
			panic(rt.vm.NewTypeError("emit: %v", err))
		}
		if p, ok := r.(*RecordProxy); ok {
			r = p.Record()
		}
		emitted = append(emitted, r)
		return goja.Undefined()
	}

	_, err := rt.entry(goja.Undefined(), newRecordValue(rt.vm, proxy), rt.vm.ToValue(emit), rt.params)
	if err != nil {
		return emitted, parseScriptError(err)
	}
	if err := proxy.Finish(); err != nil {
		return emitted, &JSError{Type: ErrorTypeWriteBack, Message: err.Error(), Source: u.name, cause: err}
	}
	return emitted, nil
}

func (u *Unit) invokeFile(rt *scriptRuntime, rec event.Record) ([]event.Record, error) {
	result, err := rt.entry(goja.Undefined(), newRecordValue(rt.vm, rec))
	if err != nil {
		return nil, parseScriptError(err)
	}
	out, err := toRecords(result)
	if err != nil {
		return nil, &JSError{Type: ErrorTypeRuntime, Name: "TypeError", Message: err.Error(), Source: u.name, cause: err}
	}
	return out, nil
}

// Mode returns whether the unit was compiled from inline code or a file
func (u *Unit) Mode() Mode { return u.mode }

// Concurrency returns the unit's execution policy
func (u *Unit) Concurrency() Concurrency { return u.concurrency }

// Name returns the source name used in diagnostics
func (u *Unit) Name() string { return u.name }

// SelfTests returns the descriptions of the self-tests that passed at load
func (u *Unit) SelfTests() []string { return u.selfTests }

// Stats returns statistics about the unit's runtimes
func (u *Unit) Stats() PoolStats { return u.pool.Stats() }

// Close releases the unit's runtimes
func (u *Unit) Close() error { return u.pool.Close() }

func globalFunction(vm *goja.Runtime, name string) (goja.Callable, bool) {
	v := vm.Get(name)
	if isAbsent(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

func isAbsent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
