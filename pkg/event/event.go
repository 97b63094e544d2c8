// Package event defines the record contract consumed by the script host and a
// concrete, map-backed implementation of it.
//
// A record is a mutable document with ordered top-level fields. Fields are
// addressed either by a flat name ("message") or by a bracketed field
// reference ("[parent][child]", "[list][0]"); both forms resolve to the same
// storage.
package event

import (
	"fmt"
	"sort"
)

// TagsField is the field Tag appends to.
const TagsField = "tags"

// Record is the capability set a script host needs from a pipeline record.
type Record interface {
	// Get returns the value at ref, or nil when it is missing or ref is malformed.
	Get(ref string) any
	// Set stores value at ref, creating intermediate objects as needed.
	Set(ref string, value any) error
	// Remove deletes ref and returns the removed value.
	Remove(ref string) any
	// Includes reports whether ref is present.
	Includes(ref string) bool
	// Clone returns a deep, independent, non-cancelled copy.
	Clone() Record
	// Cancel marks the record as dropped from the pipeline.
	Cancel()
	Uncancel()
	Cancelled() bool
	// Tag appends tag to the tags field unless it is already present.
	Tag(tag string)
	// Keys returns the top-level field names in insertion order.
	Keys() []string
	// ToMap returns a deep copy of the record's fields.
	ToMap() map[string]any
}

// Event is the default Record implementation.
type Event struct {
	fields    map[string]any
	order     []string
	cancelled bool
}

var _ Record = (*Event)(nil)

// New creates an event from data. Top-level fields are ordered by name since
// map iteration order is undefined; use FromJSON to keep document order.
func New(data map[string]any) *Event {
	e := &Event{fields: make(map[string]any, len(data))}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.setTop(k, deepCopy(data[k]))
	}
	return e
}

// NewOrdered creates an event from data with top-level fields in the order
// of keys. Keys missing from data are skipped and fields not named in keys
// follow in name order.
func NewOrdered(keys []string, data map[string]any) *Event {
	e := &Event{fields: make(map[string]any, len(data))}
	for _, k := range keys {
		if v, ok := data[k]; ok {
			e.setTop(k, deepCopy(v))
		}
	}
	rest := make([]string, 0, len(data)-len(e.order))
	for k := range data {
		if _, ok := e.fields[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		e.setTop(k, deepCopy(data[k]))
	}
	return e
}

func (e *Event) setTop(key string, value any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	if _, exists := e.fields[key]; !exists {
		e.order = append(e.order, key)
	}
	e.fields[key] = value
}

func (e *Event) lookup(ref string) (any, bool) {
	segments, err := ParseFieldReference(ref)
	if err != nil {
		return nil, false
	}

	node, ok := e.fields[segments[0]]
	if !ok {
		return nil, false
	}
	for _, segment := range segments[1:] {
		switch n := node.(type) {
		case map[string]any:
			node, ok = n[segment]
			if !ok {
				return nil, false
			}
		case []any:
			idx, ok := sliceIndex(segment, len(n))
			if !ok {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// Get implements Record.
func (e *Event) Get(ref string) any {
	v, _ := e.lookup(ref)
	return v
}

// Includes implements Record.
func (e *Event) Includes(ref string) bool {
	_, ok := e.lookup(ref)
	return ok
}

// Set implements Record.
func (e *Event) Set(ref string, value any) error {
	segments, err := ParseFieldReference(ref)
	if err != nil {
		return err
	}
	if len(segments) == 1 {
		e.setTop(segments[0], value)
		return nil
	}

	root, ok := e.fields[segments[0]]
	if !ok || root == nil {
		root = map[string]any{}
	}
	updated, err := setIn(root, segments[1:], value, ref)
	if err != nil {
		return err
	}
	e.setTop(segments[0], updated)
	return nil
}

func setIn(node any, segments []string, value any, ref string) (any, error) {
	key := segments[0]
	switch n := node.(type) {
	case map[string]any:
		if len(segments) == 1 {
			n[key] = value
			return n, nil
		}
		child, ok := n[key]
		if !ok || child == nil {
			child = map[string]any{}
		}
		updated, err := setIn(child, segments[1:], value, ref)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil
	case []any:
		idx, ok := sliceIndex(key, len(n))
		if !ok {
			return nil, fmt.Errorf("field reference %q: index %q out of range", ref, key)
		}
		if len(segments) == 1 {
			n[idx] = value
			return n, nil
		}
		child := n[idx]
		if child == nil {
			child = map[string]any{}
		}
		updated, err := setIn(child, segments[1:], value, ref)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	default:
		return nil, fmt.Errorf("field reference %q: cannot set %q inside %T", ref, key, node)
	}
}

// Remove implements Record.
func (e *Event) Remove(ref string) any {
	segments, err := ParseFieldReference(ref)
	if err != nil {
		return nil
	}

	if len(segments) == 1 {
		v, ok := e.fields[segments[0]]
		if !ok {
			return nil
		}
		delete(e.fields, segments[0])
		for i, k := range e.order {
			if k == segments[0] {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
		return v
	}

	parentRef := segments[:len(segments)-1]
	last := segments[len(segments)-1]
	parent, ok := e.fields[parentRef[0]]
	if !ok {
		return nil
	}
	for _, segment := range parentRef[1:] {
		switch n := parent.(type) {
		case map[string]any:
			if parent, ok = n[segment]; !ok {
				return nil
			}
		case []any:
			idx, ok := sliceIndex(segment, len(n))
			if !ok {
				return nil
			}
			parent = n[idx]
		default:
			return nil
		}
	}

	switch n := parent.(type) {
	case map[string]any:
		v, ok := n[last]
		if !ok {
			return nil
		}
		delete(n, last)
		return v
	case []any:
		idx, ok := sliceIndex(last, len(n))
		if !ok {
			return nil
		}
		v := n[idx]
		// Shrinking a list changes its header, so write it back.
		shrunk := append(n[:idx:idx], n[idx+1:]...)
		_ = e.Set(joinReference(parentRef), shrunk)
		return v
	}
	return nil
}

func joinReference(segments []string) string {
	ref := ""
	for _, s := range segments {
		ref += "[" + s + "]"
	}
	return ref
}

// Clone implements Record.
func (e *Event) Clone() Record {
	c := &Event{
		fields: make(map[string]any, len(e.fields)),
		order:  append([]string(nil), e.order...),
	}
	for k, v := range e.fields {
		c.fields[k] = deepCopy(v)
	}
	return c
}

// Cancel implements Record.
func (e *Event) Cancel() { e.cancelled = true }

// Uncancel implements Record.
func (e *Event) Uncancel() { e.cancelled = false }

// Cancelled implements Record.
func (e *Event) Cancelled() bool { return e.cancelled }

// Tag implements Record.
func (e *Event) Tag(tag string) {
	switch tags := e.fields[TagsField].(type) {
	case nil:
		e.setTop(TagsField, []any{tag})
	case []any:
		for _, t := range tags {
			if t == tag {
				return
			}
		}
		e.fields[TagsField] = append(tags, tag)
	case []string:
		converted := make([]any, 0, len(tags)+1)
		for _, t := range tags {
			if t == tag {
				return
			}
			converted = append(converted, t)
		}
		e.fields[TagsField] = append(converted, tag)
	case string:
		if tags == tag {
			e.fields[TagsField] = []any{tags}
			return
		}
		e.fields[TagsField] = []any{tags, tag}
	default:
		e.fields[TagsField] = []any{tags, tag}
	}
}

// Keys implements Record.
func (e *Event) Keys() []string {
	return append([]string(nil), e.order...)
}

// ToMap implements Record.
func (e *Event) ToMap() map[string]any {
	m := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		m[k] = deepCopy(v)
	}
	return m
}

// Tags returns the record's tags as strings.
func Tags(r Record) []string {
	switch tags := r.Get(TagsField).(type) {
	case []any:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			out = append(out, fmt.Sprint(t))
		}
		return out
	case []string:
		return append([]string(nil), tags...)
	case string:
		return []string{tags}
	}
	return nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = deepCopy(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = deepCopy(val)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
