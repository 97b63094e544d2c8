package scripting

import (
	"fmt"

	"github.com/wehubfusion/scriptfilter/pkg/event"
)

// RecordProxy mediates a script's field access against one record for one
// invocation. Flat-name reads are memoised and flat-name writes are deferred
// until Flush. Bracketed references always operate on the live record; since
// they may alias a flat name, any nested access flushes the cache first and
// marks the proxy dirty so that the next access flushes again.
//
// A RecordProxy is not safe for concurrent use and must not outlive the
// invocation it was created for.
type RecordProxy struct {
	record event.Record
	cache  map[string]*cachedField
	order  []string
	dirty  bool

	// first write-back failure seen on a path that cannot return it
	deferredErr error
}

type cachedField struct {
	value   any
	written bool
}

var _ event.Record = (*RecordProxy)(nil)

// NewRecordProxy wraps record.
func NewRecordProxy(record event.Record) *RecordProxy {
	return &RecordProxy{
		record: record,
		cache:  make(map[string]*cachedField),
	}
}

// Record returns the live record behind the proxy.
func (p *RecordProxy) Record() event.Record {
	return p.record
}

// Get returns the value of name.
func (p *RecordProxy) Get(name string) any {
	if p.dirty {
		p.mustFlush()
	}
	if event.IsNested(name) {
		p.mustFlush()
		p.dirty = true
		return p.record.Get(name)
	}

	if f, ok := p.cache[name]; ok {
		return f.value
	}
	v := p.record.Get(name)
	p.remember(name, &cachedField{value: v})
	return v
}

// Set stores value under name. Flat names are written on the next flush;
// nested references are written through immediately.
func (p *RecordProxy) Set(name string, value any) error {
	if p.dirty || event.IsNested(name) {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	if event.IsNested(name) {
		p.dirty = true
		return p.record.Set(name, value)
	}

	if f, ok := p.cache[name]; ok {
		f.value = value
		f.written = true
		return nil
	}
	p.remember(name, &cachedField{value: value, written: true})
	return nil
}

func (p *RecordProxy) remember(name string, f *cachedField) {
	p.cache[name] = f
	p.order = append(p.order, name)
}

// Flush writes every cached field to the live record and clears the cache.
// Fields that were only read and found missing are not materialised.
func (p *RecordProxy) Flush() error {
	var firstErr error
	for _, name := range p.order {
		f := p.cache[name]
		if !f.written && f.value == nil {
			continue
		}
		if err := p.record.Set(name, f.value); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to write field %q: %w", name, err)
		}
	}
	clear(p.cache)
	p.order = p.order[:0]
	p.dirty = false
	return firstErr
}

// mustFlush is used on paths whose signature has no error return. The first
// failure is kept and reported by Finish.
func (p *RecordProxy) mustFlush() {
	if err := p.Flush(); err != nil && p.deferredErr == nil {
		p.deferredErr = err
	}
}

// Finish flushes the proxy at the end of an invocation and reports any
// write-back failure seen during it.
func (p *RecordProxy) Finish() error {
	if err := p.Flush(); err != nil {
		return err
	}
	return p.deferredErr
}

// Remove implements event.Record.
func (p *RecordProxy) Remove(name string) any {
	p.mustFlush()
	return p.record.Remove(name)
}

// Includes implements event.Record.
func (p *RecordProxy) Includes(name string) bool {
	p.mustFlush()
	return p.record.Includes(name)
}

// Clone implements event.Record. The clone is a plain record, not a proxy.
func (p *RecordProxy) Clone() event.Record {
	p.mustFlush()
	return p.record.Clone()
}

// Cancel implements event.Record.
func (p *RecordProxy) Cancel() {
	p.mustFlush()
	p.record.Cancel()
}

// Uncancel implements event.Record.
func (p *RecordProxy) Uncancel() {
	p.mustFlush()
	p.record.Uncancel()
}

// Cancelled implements event.Record.
func (p *RecordProxy) Cancelled() bool {
	p.mustFlush()
	return p.record.Cancelled()
}

// Tag implements event.Record.
func (p *RecordProxy) Tag(tag string) {
	p.mustFlush()
	p.record.Tag(tag)
}

// Keys implements event.Record.
func (p *RecordProxy) Keys() []string {
	p.mustFlush()
	return p.record.Keys()
}

// ToMap implements event.Record.
func (p *RecordProxy) ToMap() map[string]any {
	p.mustFlush()
	return p.record.ToMap()
}
