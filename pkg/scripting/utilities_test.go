package scripting

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newUtilityVM(t *testing.T, logger *zap.Logger, names ...string) *goja.Runtime {
	t.Helper()
	vm := goja.New()
	require.NoError(t, NewUtilityRegistry(logger).RegisterEnabled(vm, names))
	return vm
}

func TestConsoleUtilityLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	vm := newUtilityVM(t, zap.New(core), UtilityConsole)

	_, err := vm.RunString(`console.log("hello", 42); console.warn("careful"); console.debug("detail");`)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "hello 42", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
	assert.Equal(t, "console", entries[0].LoggerName)
}

func TestEncodingUtility(t *testing.T) {
	vm := newUtilityVM(t, nil, UtilityEncoding)

	v, err := vm.RunString(`atob(btoa("hello world"))`)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v.String())

	_, err = vm.RunString(`atob("%%%")`)
	assert.Error(t, err)
}

func TestTextUtility(t *testing.T) {
	vm := newUtilityVM(t, nil, UtilityText)

	tests := map[string]string{
		`text.title("hello world")`: "Hello World",
		`text.upper("straße")`:      "STRASSE",
		`text.lower("ÀB")`:          "àb",
		`text.fold("HeLLo")`:        "hello",
	}
	for script, want := range tests {
		v, err := vm.RunString(script)
		require.NoError(t, err, script)
		assert.Equal(t, want, v.String(), script)
	}
}

func TestUUIDUtility(t *testing.T) {
	vm := newUtilityVM(t, nil, UtilityUUID)

	v, err := vm.RunString(`uuid() !== uuid() && uuid().length === 36`)
	require.NoError(t, err)
	assert.True(t, v.ToBoolean())
}

func TestRegisterEnabledRejectsUnknown(t *testing.T) {
	vm := goja.New()
	err := NewUtilityRegistry(nil).RegisterEnabled(vm, []string{"timers"})
	assert.Error(t, err)
}

func TestJSONPathUtility(t *testing.T) {
	vm := newUtilityVM(t, nil, UtilityJSONPath)

	tests := map[string]interface{}{
		`jsonpath.get('{"a":{"b":[1,2,3]}}', "a.b.1")`:               int64(2),
		`jsonpath.get({name: {first: "Ada"}}, "name.first")`:         "Ada",
		`jsonpath.get('{"a":1}', "missing") === undefined`:           true,
		`jsonpath.set('{"a":1}', "b.c", "x")`:                        `{"a":1,"b":{"c":"x"}}`,
		`jsonpath.delete('{"a":1,"b":2}', "a")`:                      `{"b":2}`,
		`jsonpath.valid('{"a":') || jsonpath.valid("not json")`:      false,
		`JSON.parse(jsonpath.set({list: [1]}, "list.-1", 2)).list[1]`: int64(2),
	}
	for script, want := range tests {
		v, err := vm.RunString(script)
		require.NoError(t, err, script)
		assert.EqualValues(t, want, v.Export(), script)
	}

	_, err := vm.RunString(`jsonpath.get('{}')`)
	assert.Error(t, err)
}
