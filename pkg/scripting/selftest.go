package scripting

import (
	"context"

	"github.com/dop251/goja"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"github.com/wehubfusion/scriptfilter/pkg/event"
	"go.uber.org/zap"
)

// A file script declares self-tests at top level:
//
//	test("standard flow", function () {
//	  parameters({ field: "myfield", multiplier: 3 });
//	  inEvent({ myfield: 123 });
//	  expect("one result", function (events) { return events.length === 1; });
//	});
//
// parameters and inEvent accept a value or a function returning one; inEvent
// may produce an array of records. The test body only records declarations,
// the runner evaluates them.

type selfTest struct {
	description string
	body        goja.Callable
}

type testCase struct {
	params       goja.Value
	inputs       []goja.Value
	expectations []expectation
}

type expectation struct {
	description string
	check       goja.Callable
}

// testDSL collects test declarations made by a script running in one runtime.
type testDSL struct {
	tests   []selfTest
	current *testCase
}

func (d *testDSL) install(vm *goja.Runtime) error {
	inTest := func(fn string) *testCase {
		if d.current == nil {
			panic(vm.NewTypeError("%s() may only be called inside test()", fn))
		}
		return d.current
	}

	declarations := map[string]func(goja.FunctionCall) goja.Value{
		"test": func(call goja.FunctionCall) goja.Value {
			body, ok := goja.AssertFunction(call.Argument(1))
			if !ok {
				panic(vm.NewTypeError("test(description, body) requires a function body"))
			}
			d.tests = append(d.tests, selfTest{description: call.Argument(0).String(), body: body})
			return goja.Undefined()
		},
		"parameters": func(call goja.FunctionCall) goja.Value {
			inTest("parameters").params = call.Argument(0)
			return goja.Undefined()
		},
		"inEvent": func(call goja.FunctionCall) goja.Value {
			tc := inTest("inEvent")
			tc.inputs = append(tc.inputs, call.Argument(0))
			return goja.Undefined()
		},
		"expect": func(call goja.FunctionCall) goja.Value {
			tc := inTest("expect")
			check, ok := goja.AssertFunction(call.Argument(1))
			if !ok {
				panic(vm.NewTypeError("expect(description, check) requires a function"))
			}
			tc.expectations = append(tc.expectations, expectation{
				description: call.Argument(0).String(),
				check:       check,
			})
			return goja.Undefined()
		},
	}

	for name, fn := range declarations {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// collect runs a test body and returns what it declared.
func (d *testDSL) collect(t selfTest) (*testCase, error) {
	d.current = &testCase{}
	defer func() { d.current = nil }()

	if _, err := t.body(goja.Undefined()); err != nil {
		return nil, err
	}
	return d.current, nil
}

// SelfTestRunner runs the declared tests of a file script in declaration
// order against one runtime.
type SelfTestRunner struct {
	source string
	rt     *scriptRuntime
	params map[string]interface{}
	logger *zap.Logger
}

func (u *Unit) runSelfTests(ctx context.Context, rt *scriptRuntime) error {
	runner := &SelfTestRunner{
		source: u.name,
		rt:     rt,
		params: u.boundParams(),
		logger: u.logger,
	}
	passed, err := runner.Run(ctx)
	u.selfTests = passed
	return err
}

// Run executes every test and returns the descriptions of those that passed.
// It stops at the first failure, returned as a *errors.ScriptError.
func (r *SelfTestRunner) Run(ctx context.Context) ([]string, error) {
	var passed []string
	for _, t := range r.rt.dsl.tests {
		if err := ctx.Err(); err != nil {
			return passed, err
		}
		if err := r.runTest(t); err != nil {
			r.logger.Debug("self-test failed", zap.String("source", r.source), zap.String("test", t.description), zap.Error(err))
			return passed, err
		}
		r.logger.Debug("self-test passed", zap.String("source", r.source), zap.String("test", t.description))
		passed = append(passed, t.description)
	}
	return passed, nil
}

func (r *SelfTestRunner) runTest(t selfTest) error {
	vm := r.rt.vm
	fail := func(expectation string, err error) error {
		if err != nil {
			err = parseScriptError(err)
		}
		return &sdkerrors.ScriptError{Source: r.source, Test: t.description, Expectation: expectation, Err: err}
	}

	tc, err := r.rt.dsl.collect(t)
	if err != nil {
		return fail("", err)
	}

	params := tc.params
	if isAbsent(params) {
		params = vm.ToValue(r.params)
	} else if params, err = r.evaluate(params); err != nil {
		return fail("", err)
	}
	if r.rt.register != nil {
		if _, err := r.rt.register(goja.Undefined(), params); err != nil {
			return fail("", err)
		}
	}

	inputs, err := r.inputs(tc)
	if err != nil {
		return fail("", err)
	}

	var outputs []event.Record
	for _, in := range inputs {
		result, err := r.rt.entry(goja.Undefined(), newRecordValue(vm, in))
		if err != nil {
			return fail("", err)
		}
		out, err := toRecords(result)
		if err != nil {
			return fail("", err)
		}
		outputs = append(outputs, out...)
	}

	events := recordArray(vm, outputs)
	for _, exp := range tc.expectations {
		ok, err := exp.check(goja.Undefined(), events)
		if err != nil {
			return fail(exp.description, err)
		}
		if !ok.ToBoolean() {
			return fail(exp.description, nil)
		}
	}
	return nil
}

// inputs builds the synthetic records of a test. A test without inEvent runs
// against one empty record.
func (r *SelfTestRunner) inputs(tc *testCase) ([]event.Record, error) {
	if len(tc.inputs) == 0 {
		return []event.Record{event.New(nil)}, nil
	}

	var records []event.Record
	for _, decl := range tc.inputs {
		v, err := r.evaluate(decl)
		if err != nil {
			return nil, err
		}
		recs, err := toRecords(v)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

// evaluate returns v, or its result when v is a function.
func (r *SelfTestRunner) evaluate(v goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return v, nil
	}
	return fn(goja.Undefined())
}
