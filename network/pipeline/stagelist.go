package pipeline

import (
	"strings"

	"github.com/pkg/errors"
)

// Direction says which way a StageList moves data.
type Direction uint8

const (
	// Inbound lists turn frames into packets; the framer sits in front.
	Inbound Direction = iota + 1
	// Outbound lists turn packets into frames; the framer sits behind.
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// StageList edit errors.
var (
	ErrStageExists   = errors.New("pipeline: stage already present")
	ErrStageNotFound = errors.New("pipeline: stage not found")
)

// StageList is an immutable, versioned chain of stages for one direction.
// Every edit returns a new list with the next version; the receiver is left
// untouched.
type StageList struct {
	dir     Direction
	version uint64
	framer  Framer
	stages  []Stage
}

// NewStageList builds the first version of a list around framer.
func NewStageList(dir Direction, framer Framer, stages ...Stage) *StageList {
	return &StageList{
		dir:     dir,
		version: 1,
		framer:  framer,
		stages:  append([]Stage(nil), stages...),
	}
}

// Direction returns which way the list moves data.
func (l *StageList) Direction() Direction { return l.dir }

// Version increases by one with every edit.
func (l *StageList) Version() uint64 { return l.version }

// Framer returns the list's frame codec.
func (l *StageList) Framer() Framer { return l.framer }

// Len returns the number of stages, not counting the framer.
func (l *StageList) Len() int { return len(l.stages) }

// WithFramer returns a copy of the list that frames with f.
func (l *StageList) WithFramer(f Framer) *StageList {
	return &StageList{dir: l.dir, version: l.version + 1, framer: f, stages: l.stages}
}

// Names lists the stage names in processing order, framer included.
func (l *StageList) Names() []string {
	names := make([]string, 0, len(l.stages)+1)
	if l.dir == Inbound {
		names = append(names, NameFramer)
	}
	for _, s := range l.stages {
		names = append(names, s.Name())
	}
	if l.dir == Outbound {
		names = append(names, NameFramer)
	}
	return names
}

func (l *StageList) String() string {
	return l.dir.String() + "[" + strings.Join(l.Names(), ",") + "]"
}

// Get returns the stage called name.
func (l *StageList) Get(name string) (Stage, bool) {
	if i := l.index(name); i >= 0 {
		return l.stages[i], true
	}
	return nil, false
}

func (l *StageList) index(name string) int {
	for i, s := range l.stages {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

func (l *StageList) next(stages []Stage) *StageList {
	return &StageList{dir: l.dir, version: l.version + 1, framer: l.framer, stages: stages}
}

func (l *StageList) insertAt(i int, s Stage) (*StageList, error) {
	if l.index(s.Name()) >= 0 {
		return nil, errors.Wrap(ErrStageExists, s.Name())
	}
	stages := make([]Stage, 0, len(l.stages)+1)
	stages = append(stages, l.stages[:i]...)
	stages = append(stages, s)
	stages = append(stages, l.stages[i:]...)
	return l.next(stages), nil
}

// With appends s at the end of the list: after the codec inbound, before
// the framer outbound.
func (l *StageList) With(s Stage) (*StageList, error) {
	return l.insertAt(len(l.stages), s)
}

// InsertAfter places s directly after the stage called anchor. NameFramer
// is a valid anchor for inbound lists.
func (l *StageList) InsertAfter(anchor string, s Stage) (*StageList, error) {
	if anchor == NameFramer && l.dir == Inbound {
		return l.insertAt(0, s)
	}
	i := l.index(anchor)
	if i < 0 {
		return nil, errors.Wrap(ErrStageNotFound, anchor)
	}
	return l.insertAt(i+1, s)
}

// InsertBefore places s directly before the stage called anchor. NameFramer
// is a valid anchor for outbound lists.
func (l *StageList) InsertBefore(anchor string, s Stage) (*StageList, error) {
	if anchor == NameFramer && l.dir == Outbound {
		return l.insertAt(len(l.stages), s)
	}
	i := l.index(anchor)
	if i < 0 {
		return nil, errors.Wrap(ErrStageNotFound, anchor)
	}
	return l.insertAt(i, s)
}

// Replace swaps the stage called s.Name() for s, or appends s when absent.
// The replaced stage, if any, is returned so the caller can release it.
func (l *StageList) Replace(s Stage) (*StageList, Stage) {
	i := l.index(s.Name())
	if i < 0 {
		nl, _ := l.With(s)
		return nl, nil
	}
	stages := append([]Stage(nil), l.stages...)
	old := stages[i]
	stages[i] = s
	return l.next(stages), old
}

// Without removes the stage called name. A missing stage leaves the list
// unchanged and returns it as is.
func (l *StageList) Without(name string) (*StageList, Stage) {
	i := l.index(name)
	if i < 0 {
		return l, nil
	}
	stages := make([]Stage, 0, len(l.stages)-1)
	stages = append(stages, l.stages[:i]...)
	stages = append(stages, l.stages[i+1:]...)
	return l.next(stages), l.stages[i]
}

// Run passes msg through every stage in order and hands the results to
// sink. The framer is not involved: inbound callers feed frames, outbound
// callers frame what sink receives.
func (l *StageList) Run(msg Message, sink Emit) error {
	return l.run(0, msg, sink)
}

func (l *StageList) run(i int, msg Message, sink Emit) error {
	if i == len(l.stages) {
		return sink(msg)
	}
	return l.stages[i].Process(msg, func(m Message) error {
		return l.run(i+1, m, sink)
	})
}

// Release frees every releasable stage. Used when a connection is torn
// down.
func (l *StageList) Release() {
	for _, s := range l.stages {
		if r, ok := s.(Releaser); ok {
			r.Release()
		}
	}
}
