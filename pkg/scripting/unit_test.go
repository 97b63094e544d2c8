package scripting

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func compileInline(t *testing.T, init, code string, params map[string]interface{}) *Unit {
	t.Helper()
	unit, err := Compile(context.Background(), Source{Init: init, Code: code}, Options{Params: params})
	require.NoError(t, err)
	t.Cleanup(func() { _ = unit.Close() })
	return unit
}

func TestCompileRequiresExactlyOneSource(t *testing.T) {
	_, err := Compile(context.Background(), Source{}, Options{})
	assert.True(t, sdkerrors.IsConfiguration(err))

	_, err = Compile(context.Background(), Source{Code: "1", Path: "x.js"}, Options{})
	assert.True(t, sdkerrors.IsConfiguration(err))

	_, err = Compile(context.Background(), Source{Path: "testdata/missing.js"}, Options{})
	assert.True(t, sdkerrors.IsConfiguration(err))
}

func TestCompileRejectsUnknownUtility(t *testing.T) {
	_, err := Compile(context.Background(), Source{Code: "1"}, Options{Utilities: []string{"timers"}})
	assert.True(t, sdkerrors.IsConfiguration(err))
}

func TestCompileErrorsNameTheirSource(t *testing.T) {
	tests := []struct {
		name   string
		src    Source
		source string
		line   int
	}{
		{
			name:   "init syntax error",
			src:    Source{Init: "var a = 1;\nvar = 2;", Code: "event.cancel();"},
			source: InitSourceName,
			line:   2,
		},
		{
			name:   "inline syntax error",
			src:    Source{Code: "event.cancel();\n\nevent.set('a' 1);"},
			source: CodeSourceName,
			line:   3,
		},
		{
			name:   "init runtime error",
			src:    Source{Init: "var a = 1;\nnotDefined();", Code: "event.cancel();"},
			source: InitSourceName,
			line:   2,
		},
		{
			name:   "file syntax error",
			src:    Source{Path: "inline.js", Script: "function filter(event) {\n  return [event;\n}"},
			source: "inline.js",
			line:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(context.Background(), tt.src, Options{})
			require.Error(t, err)

			var compileErr *sdkerrors.CompileError
			require.True(t, errors.As(err, &compileErr), "got %T: %v", err, err)
			assert.Equal(t, tt.source, compileErr.Source)
			assert.Equal(t, tt.line, compileErr.Line)
		})
	}
}

func TestInlineDeferredWritesReachRecord(t *testing.T) {
	unit := compileInline(t, "", `
		event.set("count", 1);
		event.set("count", event.get("count") + 1);
		event.set("[nested][count]", event.get("count"));
	`, nil)

	rec := event.New(nil)
	out, err := unit.Invoke(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.EqualValues(t, 2, rec.Get("count"))
	assert.EqualValues(t, 2, rec.Get("[nested][count]"))
}

func TestInlineEmitCloneThenCancel(t *testing.T) {
	unit := compileInline(t, "", "emit(event.clone()); event.cancel();", nil)

	rec := event.New(map[string]any{"message": "hi"})
	before := rec.ToMap()

	out, err := unit.Invoke(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, rec.Cancelled())
	assert.False(t, out[0].Cancelled())
	assert.Equal(t, before, out[0].ToMap())
}

func TestInlineEmitPlainObject(t *testing.T) {
	unit := compileInline(t, "", `emit({ message: event.get("message") + "!" });`, nil)

	out, err := unit.Invoke(context.Background(), event.New(map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hi!", out[0].Get("message"))

	unit = compileInline(t, "", `emit({ zeta: 1, alpha: 2 });`, nil)
	out, err = unit.Invoke(context.Background(), event.New(nil))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"zeta", "alpha"}, out[0].Keys())
	data, err := event.Marshal(out[0])
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":2}`, string(data))
}

func TestInlineInitStateIsShared(t *testing.T) {
	unit := compileInline(t, "var counter = 0;", `counter++; event.set("n", counter);`, nil)

	for i := 1; i <= 3; i++ {
		rec := event.New(nil)
		_, err := unit.Invoke(context.Background(), rec)
		require.NoError(t, err)
		assert.EqualValues(t, i, rec.Get("n"))
	}
}

func TestInlineSeesBoundParams(t *testing.T) {
	unit := compileInline(t, "", `event.set("message", event.get("message") + params.suffix);`,
		map[string]interface{}{"suffix": "!"})

	rec := event.New(map[string]any{"message": "hi"})
	_, err := unit.Invoke(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "hi!", rec.Get("message"))
}

func TestInlineThrowIsReturned(t *testing.T) {
	unit := compileInline(t, "", `event.set("touched", true);
throw "boom";`, nil)

	rec := event.New(map[string]any{"message": "hi"})
	_, err := unit.Invoke(context.Background(), rec)
	require.Error(t, err)

	var jsErr *JSError
	require.True(t, errors.As(err, &jsErr))
	assert.Equal(t, "boom", jsErr.Message)
	assert.Equal(t, "string", jsErr.Name)
	assert.Equal(t, 2, jsErr.Line)

	// Flat writes are only flushed on success.
	assert.False(t, rec.Includes("touched"))
}

func TestInlineWriteBackFailureIsReturned(t *testing.T) {
	unit := compileInline(t, "", `event.set("bad", 1);`, nil)

	live := newRecordingRecord(nil)
	live.refuses = "bad"
	_, err := unit.Invoke(context.Background(), live)

	var jsErr *JSError
	require.True(t, errors.As(err, &jsErr))
	assert.Equal(t, ErrorTypeWriteBack, jsErr.Type)
}

func TestInlineStackOverflowIsReturned(t *testing.T) {
	unit, err := Compile(context.Background(), Source{
		Init: "function down(n) { return down(n + 1); }",
		Code: "down(0);",
	}, Options{MaxStackDepth: 64})
	require.NoError(t, err)
	defer unit.Close()

	_, err = unit.Invoke(context.Background(), event.New(nil))
	assert.Error(t, err)
}

// panickingRecord fails inside the host, outside any script error path.
type panickingRecord struct {
	*event.Event
}

func (r *panickingRecord) Get(string) any {
	panic("record store corrupted")
}

func TestPanicsAreNotRecovered(t *testing.T) {
	unit := compileInline(t, "var calls = 0;", `calls++; event.set("calls", calls); event.get("x");`, nil)

	assert.PanicsWithValue(t, "record store corrupted", func() {
		_, _ = unit.Invoke(context.Background(), &panickingRecord{Event: event.New(nil)})
	})

	// The runtime the panic passed through is replaced by a fresh one.
	rec := event.New(nil)
	_, err := unit.Invoke(context.Background(), rec)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Get("calls"))
}

func TestFileScriptResults(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"null drops everything", "function filter(event) { return null; }", 0},
		{"undefined drops everything", "function filter(event) {}", 0},
		{"single record", "function filter(event) { return event; }", 1},
		{"original and new", "function filter(event) { return [event, { message: 'new' }]; }", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := Compile(context.Background(), Source{Path: "results.js", Script: tt.script}, Options{})
			require.NoError(t, err)
			defer unit.Close()

			rec := event.New(map[string]any{"message": "hi"})
			out, err := unit.Invoke(context.Background(), rec)
			require.NoError(t, err)
			require.Len(t, out, tt.want)
			if tt.want > 0 {
				assert.Same(t, rec, out[0])
			}
		})
	}
}

func TestFileScriptBindFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"missing filter", "function register(params) {}"},
		{"filter not a function", "var filter = 1;"},
		{"register throws", "function register(params) { throw new Error('bad params'); }\nfunction filter(e) { return [e]; }"},
		{"unknown concurrency", "function concurrency() { return 'parallel'; }\nfunction filter(e) { return [e]; }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(context.Background(), Source{Path: "bind.js", Script: tt.script}, Options{})
			require.Error(t, err)
			assert.True(t, sdkerrors.IsCompile(err), "got %v", err)
		})
	}
}

func TestExclusiveUnitNeverInterleaves(t *testing.T) {
	unit := compileInline(t, "var counter = 0;", `
		var seen = counter;
		for (var i = 0; i < 200; i++) {}
		if (counter !== seen) { throw new Error("interleaved"); }
		counter = seen + 1;
		event.set("counter", counter);
	`, nil)
	require.Equal(t, Exclusive, unit.Concurrency())

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := unit.Invoke(context.Background(), event.New(nil)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected script error: %v", err)
	}

	rec := event.New(nil)
	_, err := unit.Invoke(context.Background(), rec)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker+1, rec.Get("counter"))
	assert.Equal(t, 1, unit.Stats().CurrentSize)
}

func TestSharedUnitBoundsRuntimes(t *testing.T) {
	unit, err := Compile(context.Background(), Source{Path: "testdata/field_multiplier.js"}, Options{
		Params:   map[string]interface{}{"field": "foo", "multiplier": 2},
		PoolSize: 3,
	})
	require.NoError(t, err)
	defer unit.Close()
	require.Equal(t, SharedSafe, unit.Concurrency())

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				rec := event.New(map[string]any{"foo": 42})
				out, err := unit.Invoke(context.Background(), rec)
				assert.NoError(t, err)
				if assert.Len(t, out, 1) {
					assert.EqualValues(t, 84, out[0].Get("foo"))
				}
			}
		}()
	}
	wg.Wait()

	stats := unit.Stats()
	assert.LessOrEqual(t, stats.CurrentSize, 3)
	assert.EqualValues(t, 200, stats.TotalAcquired)
}

func TestInvokeWaitsForRuntimeUntilContextDone(t *testing.T) {
	unit := compileInline(t, "", "event.cancel();", nil)

	rt, err := unit.pool.Acquire(context.Background())
	require.NoError(t, err)
	defer unit.pool.Release(rt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := event.New(nil)
	_, err = unit.Invoke(ctx, rec)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, sdkerrors.ErrRuntimeUnavailable)
	assert.False(t, rec.Cancelled(), "the script never ran")
}

func TestSharedRuntimesEachRunInitAndRegister(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	script := `
function concurrency() { return "shared"; }
function register(params) { console.log("register", params.n); }
function filter(event) { return [event]; }
`
	unit, err := Compile(context.Background(),
		Source{Init: `console.log("init");`, Path: "shared.js", Script: script},
		Options{Params: map[string]interface{}{"n": 1}, PoolSize: 2, Logger: zap.New(core)})
	require.NoError(t, err)
	defer unit.Close()
	require.Equal(t, SharedSafe, unit.Concurrency())

	assert.Equal(t, 1, logs.FilterMessage("init").Len())
	assert.Equal(t, 1, logs.FilterMessage("register 1").Len())

	rt, err := unit.pool.Acquire(context.Background())
	require.NoError(t, err)
	_, err = unit.Invoke(context.Background(), event.New(nil))
	require.NoError(t, err)
	unit.pool.Release(rt)

	assert.Equal(t, 2, logs.FilterMessage("init").Len(), "the second runtime ran init")
	assert.Equal(t, 2, logs.FilterMessage("register 1").Len(), "the second runtime was bound")
	assert.Equal(t, 2, unit.Stats().CurrentSize)
}
