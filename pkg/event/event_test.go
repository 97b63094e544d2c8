package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldReference(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    []string
		wantErr bool
	}{
		{name: "flat", ref: "message", want: []string{"message"}},
		{name: "bracketed top level", ref: "[message]", want: []string{"message"}},
		{name: "nested", ref: "[parent][child]", want: []string{"parent", "child"}},
		{name: "list index", ref: "[list][0]", want: []string{"list", "0"}},
		{name: "at sign field", ref: "@timestamp", want: []string{"@timestamp"}},
		{name: "empty", ref: "", wantErr: true},
		{name: "unterminated", ref: "[a", wantErr: true},
		{name: "empty segment", ref: "[]", wantErr: true},
		{name: "mixed syntax", ref: "a[b]", wantErr: true},
		{name: "trailing garbage", ref: "[a]b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFieldReference(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventFlatAndNestedAliasing(t *testing.T) {
	e := New(map[string]any{"message": "hi"})

	assert.Equal(t, "hi", e.Get("[message]"))

	require.NoError(t, e.Set("[message]", "bye"))
	assert.Equal(t, "bye", e.Get("message"))
	assert.Equal(t, []string{"message"}, e.Keys())
}

func TestEventNestedSet(t *testing.T) {
	e := New(nil)

	require.NoError(t, e.Set("[parent][child]", 1))
	assert.Equal(t, 1, e.Get("[parent][child]"))
	assert.Equal(t, map[string]any{"child": 1}, e.Get("parent"))

	require.NoError(t, e.Set("list", []any{"a", "b"}))
	require.NoError(t, e.Set("[list][-1]", "z"))
	assert.Equal(t, []any{"a", "z"}, e.Get("list"))

	err := e.Set("[list][5]", "x")
	assert.Error(t, err)

	require.NoError(t, e.Set("scalar", "text"))
	err = e.Set("[scalar][inner]", 1)
	assert.Error(t, err)
}

func TestEventRemove(t *testing.T) {
	e := New(map[string]any{
		"a":    1,
		"b":    map[string]any{"c": 2},
		"list": []any{"x", "y", "z"},
	})

	assert.Equal(t, 1, e.Remove("a"))
	assert.False(t, e.Includes("a"))
	assert.Equal(t, []string{"b", "list"}, e.Keys())

	assert.Equal(t, 2, e.Remove("[b][c]"))
	assert.Equal(t, map[string]any{}, e.Get("b"))

	assert.Equal(t, "y", e.Remove("[list][1]"))
	assert.Equal(t, []any{"x", "z"}, e.Get("list"))

	assert.Nil(t, e.Remove("missing"))
}

func TestEventCloneIsIndependent(t *testing.T) {
	e := New(map[string]any{"nested": map[string]any{"k": "v"}})
	e.Cancel()

	c := e.Clone()
	assert.False(t, c.Cancelled())
	assert.Equal(t, e.ToMap(), c.ToMap())

	require.NoError(t, c.Set("[nested][k]", "changed"))
	assert.Equal(t, "v", e.Get("[nested][k]"))
}

func TestEventTag(t *testing.T) {
	e := New(nil)
	e.Tag("a")
	e.Tag("b")
	e.Tag("a")
	assert.Equal(t, []string{"a", "b"}, Tags(e))

	legacy := New(map[string]any{"tags": "first"})
	legacy.Tag("second")
	assert.Equal(t, []string{"first", "second"}, Tags(legacy))
}

func TestEventJSONKeepsOrder(t *testing.T) {
	e, err := FromJSON([]byte(`{"zeta":1,"alpha":{"x":true},"mid":"m"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, e.Keys())

	out, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":{"x":true},"mid":"m"}`, string(out))

	_, err = FromJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestFromJSONRejectsTrailingData(t *testing.T) {
	for _, line := range []string{`{"a":1} garbage`, `{"a":1}{"b":2}`, `{"a":1} 3`} {
		_, err := FromJSON([]byte(line))
		assert.ErrorContains(t, err, "unexpected data after the JSON object", line)
	}

	e, err := FromJSON([]byte("{\"a\":1} \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, e.Keys())
}

func TestNewOrdered(t *testing.T) {
	e := NewOrdered([]string{"zeta", "missing", "alpha"}, map[string]any{
		"alpha": 2,
		"zeta":  1,
		"beta":  3,
	})
	assert.Equal(t, []string{"zeta", "alpha", "beta"}, e.Keys())

	out, err := e.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":2,"beta":3}`, string(out))
}
