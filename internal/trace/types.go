// Package trace collects the syscall events a guest run produces.
package trace

import (
	"strings"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Categories reported by the shim.
const (
	Heap     Tag = "heap"
	Stdio    Tag = "stdio"
	Process  Tag = "process"
	Fallback Tag = "fallback"
)

// Secondary tags added by DefaultEnricher.
const (
	Alloc   Tag = "alloc"
	Release Tag = "release"
	Console Tag = "console"
	Failed  Tag = "failed"
	Exit    Tag = "exit"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one stub invocation.
type Event struct {
	PC        uint64 // return address of the stub call, 0 if unknown
	Tags      Tags   // first is the category
	Name      string // "malloc", "write", ...
	Detail    string
	Timestamp time.Time
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Category returns the primary tag.
func (e *Event) Category() Tag {
	if len(e.Tags) > 0 {
		return e.Tags[0]
	}
	return ""
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher tags allocations, releases, console writes and failed calls.
func DefaultEnricher(e *Event) {
	switch e.Category() {
	case Heap:
		if e.Name == "free" {
			e.Tags.Add(Release)
		} else {
			e.Tags.Add(Alloc)
		}
	case Stdio:
		if e.Name == "write" && (strings.HasPrefix(e.Detail, "fd=1 ") || strings.HasPrefix(e.Detail, "fd=2 ")) {
			e.Tags.Add(Console)
		}
	case Process:
		if e.Name == "exit" {
			e.Tags.Add(Exit)
		}
	}
	if strings.Contains(e.Detail, "-> 0 E") {
		e.Tags.Add(Failed)
	}
}

// Recorder accumulates events in call order. Its Record method matches the
// logger's trace callback.
type Recorder struct {
	Enrich Enricher
	events []*Event
}

// NewRecorder returns a Recorder using DefaultEnricher.
func NewRecorder() *Recorder {
	return &Recorder{Enrich: DefaultEnricher}
}

// Record appends an event.
func (r *Recorder) Record(pc uint64, category, name, detail string) {
	e := NewEvent(pc, category, name, detail)
	if r.Enrich != nil {
		r.Enrich(e)
	}
	r.events = append(r.events, e)
}

// Events returns the recorded events.
func (r *Recorder) Events() []*Event { return r.events }

// Count returns how many events carry tag.
func (r *Recorder) Count(tag Tag) int {
	n := 0
	for _, e := range r.events {
		if e.Tags.Has(tag) {
			n++
		}
	}
	return n
}
