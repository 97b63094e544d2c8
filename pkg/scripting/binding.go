package scripting

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/wehubfusion/scriptfilter/pkg/event"
)

// recordObject exposes an event.Record to scripts as an object with methods:
//
//	event.get(ref) event.set(ref, value) event.remove(ref) event.includes(ref)
//	event.clone() event.cancel() event.uncancel() event.cancelled()
//	event.tag(name) event.keys() event.toMap()
//
// Field values are not exposed as properties; a field named "get" would
// otherwise shadow the method.
type recordObject struct {
	vm      *goja.Runtime
	record  event.Record
	methods map[string]goja.Value
}

var _ goja.DynamicObject = (*recordObject)(nil)

// newRecordValue wraps record for use as a script value.
func newRecordValue(vm *goja.Runtime, record event.Record) *goja.Object {
	return vm.NewDynamicObject(&recordObject{vm: vm, record: record})
}

var recordMethods = []string{
	"get", "set", "remove", "includes", "clone",
	"cancel", "uncancel", "cancelled", "tag", "keys", "toMap", "toJSON",
}

func (o *recordObject) Get(key string) goja.Value {
	if o.methods == nil {
		o.methods = o.bindMethods()
	}
	if m, ok := o.methods[key]; ok {
		return m
	}
	return nil
}

func (o *recordObject) Set(string, goja.Value) bool { return false }

func (o *recordObject) Has(key string) bool {
	for _, name := range recordMethods {
		if name == key {
			return true
		}
	}
	return false
}

func (o *recordObject) Delete(string) bool { return false }

func (o *recordObject) Keys() []string { return nil }

func (o *recordObject) bindMethods() map[string]goja.Value {
	vm, rec := o.vm, o.record
	ref := func(call goja.FunctionCall) string {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("field reference required"))
		}
		return call.Argument(0).String()
	}
	toMap := func(goja.FunctionCall) goja.Value {
		return vm.ToValue(rec.ToMap())
	}

	fns := map[string]func(goja.FunctionCall) goja.Value{
		"get": func(call goja.FunctionCall) goja.Value {
			return toScriptValue(vm, rec.Get(ref(call)))
		},
		"set": func(call goja.FunctionCall) goja.Value {
			if err := rec.Set(ref(call), exportValue(call.Argument(1))); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		},
		"remove": func(call goja.FunctionCall) goja.Value {
			return toScriptValue(vm, rec.Remove(ref(call)))
		},
		"includes": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(rec.Includes(ref(call)))
		},
		"clone": func(goja.FunctionCall) goja.Value {
			return newRecordValue(vm, rec.Clone())
		},
		"cancel": func(goja.FunctionCall) goja.Value {
			rec.Cancel()
			return goja.Undefined()
		},
		"uncancel": func(goja.FunctionCall) goja.Value {
			rec.Uncancel()
			return goja.Undefined()
		},
		"cancelled": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(rec.Cancelled())
		},
		"tag": func(call goja.FunctionCall) goja.Value {
			for _, arg := range call.Arguments {
				rec.Tag(arg.String())
			}
			return goja.Undefined()
		},
		"keys": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(rec.Keys())
		},
		"toMap":  toMap,
		"toJSON": toMap,
	}

	methods := make(map[string]goja.Value, len(fns))
	for name, fn := range fns {
		methods[name] = vm.ToValue(fn)
	}
	return methods
}

// toScriptValue converts a field value for a script. Missing fields read as
// undefined.
func toScriptValue(vm *goja.Runtime, v any) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	return vm.ToValue(v)
}

// exportValue converts a script value into record field data. Record objects
// are stored as their field map.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if rec, ok := unwrapRecord(v); ok {
		return rec.ToMap()
	}
	return v.Export()
}

// unwrapRecord returns the record behind a value created by newRecordValue.
func unwrapRecord(v goja.Value) (event.Record, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	ro, ok := obj.Export().(*recordObject)
	if !ok {
		return nil, false
	}
	return ro.record, true
}

// toRecord converts a script value into a record: record objects are
// unwrapped, plain objects become new records keeping their key order.
func toRecord(v goja.Value) (event.Record, error) {
	if rec, ok := unwrapRecord(v); ok {
		return rec, nil
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("expected a record, got %v", v)
	}
	data, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a record or object, got %s", v.String())
	}
	if obj, ok := v.(*goja.Object); ok {
		return event.NewOrdered(obj.Keys(), data), nil
	}
	return event.New(data), nil
}

// toRecords converts a filter result into records. null and undefined are
// empty; arrays yield one record per element; any other value is one record.
func toRecords(v goja.Value) ([]event.Record, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	obj, ok := v.(*goja.Object)
	if ok && obj.ClassName() == "Array" {
		length := int(obj.Get("length").ToInteger())
		records := make([]event.Record, 0, length)
		for i := 0; i < length; i++ {
			rec, err := toRecord(obj.Get(fmt.Sprint(i)))
			if err != nil {
				return nil, fmt.Errorf("result element %d: %w", i, err)
			}
			records = append(records, rec)
		}
		return records, nil
	}

	rec, err := toRecord(v)
	if err != nil {
		return nil, err
	}
	return []event.Record{rec}, nil
}

// recordArray builds a script array of record objects.
func recordArray(vm *goja.Runtime, records []event.Record) goja.Value {
	values := make([]interface{}, len(records))
	for i, rec := range records {
		values[i] = newRecordValue(vm, rec)
	}
	return vm.NewArray(values...)
}
