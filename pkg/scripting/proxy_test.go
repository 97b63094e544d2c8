package scripting

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/scriptfilter/pkg/event"
)

// recordingRecord counts the writes that reach the live record.
type recordingRecord struct {
	*event.Event
	sets    []string
	refuses string
}

func newRecordingRecord(data map[string]any) *recordingRecord {
	return &recordingRecord{Event: event.New(data)}
}

func (r *recordingRecord) Set(ref string, value any) error {
	if ref == r.refuses {
		return errors.New("refused")
	}
	r.sets = append(r.sets, ref)
	return r.Event.Set(ref, value)
}

func TestRecordProxyDefersFlatWrites(t *testing.T) {
	live := newRecordingRecord(map[string]any{"myval": "OLD"})
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("myval", "new"))
	assert.Equal(t, "new", proxy.Get("myval"))
	assert.Empty(t, live.sets)
	assert.Equal(t, "OLD", live.Event.Get("myval"))

	require.NoError(t, proxy.Flush())
	assert.Equal(t, []string{"myval"}, live.sets)
	assert.Equal(t, "new", live.Event.Get("myval"))
}

func TestRecordProxyFlatThenNestedRead(t *testing.T) {
	live := newRecordingRecord(map[string]any{"field": "orig"})
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("field", "a"))
	assert.Equal(t, "a", proxy.Get("[field]"))
}

func TestRecordProxyNestedWriteThenFlatRead(t *testing.T) {
	live := newRecordingRecord(map[string]any{"field": "orig"})
	proxy := NewRecordProxy(live)

	// Prime the flat cache so a stale value would be visible.
	assert.Equal(t, "orig", proxy.Get("field"))

	require.NoError(t, proxy.Set("[field]", "b"))
	assert.Equal(t, "b", live.Event.Get("field"))
	assert.Equal(t, "b", proxy.Get("field"))
}

func TestRecordProxyNestedPathsOnSharedParent(t *testing.T) {
	live := newRecordingRecord(map[string]any{"parent": map[string]any{"child": 1}})
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("parent", map[string]any{"child": 2, "other": true}))
	assert.Equal(t, 2, proxy.Get("[parent][child]"))

	require.NoError(t, proxy.Set("[parent][child]", 3))
	parent, ok := proxy.Get("parent").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, parent["child"])
	assert.Equal(t, true, parent["other"])
}

func TestRecordProxyFlushIsIdempotent(t *testing.T) {
	live := newRecordingRecord(map[string]any{"a": 1})
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("b", 2))
	require.NoError(t, proxy.Flush())
	before := live.ToMap()
	writes := len(live.sets)

	require.NoError(t, proxy.Flush())
	assert.Len(t, live.sets, writes)
	assert.Equal(t, before, live.ToMap())
}

func TestRecordProxyDoesNotMaterialiseMissingReads(t *testing.T) {
	live := newRecordingRecord(nil)
	proxy := NewRecordProxy(live)

	assert.Nil(t, proxy.Get("missing"))
	require.NoError(t, proxy.Flush())
	assert.False(t, live.Includes("missing"))
	assert.Empty(t, live.sets)
}

func TestRecordProxyPassthroughFlushesFirst(t *testing.T) {
	live := newRecordingRecord(map[string]any{"message": "hi"})
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("extra", "x"))
	clone := proxy.Clone()
	assert.Equal(t, "x", clone.Get("extra"))

	require.NoError(t, proxy.Set("other", "y"))
	proxy.Tag("seen")
	assert.Equal(t, "y", live.Event.Get("other"))
	assert.Equal(t, []string{"seen"}, event.Tags(live))

	proxy.Cancel()
	assert.True(t, live.Cancelled())
	assert.Contains(t, proxy.Keys(), "other")
	assert.Equal(t, live.ToMap(), proxy.ToMap())
}

func TestRecordProxyFinishReportsDeferredFailure(t *testing.T) {
	live := newRecordingRecord(nil)
	live.refuses = "bad"
	proxy := NewRecordProxy(live)

	require.NoError(t, proxy.Set("bad", 1))
	proxy.Cancel()
	assert.True(t, live.Cancelled())

	err := proxy.Finish()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
}
