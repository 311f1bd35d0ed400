// Package uistate holds the process-wide flags that many views read but
// only the chat session writes: whether a run is generating and which tool
// is currently executing.
package uistate

import (
	"sync"

	"github.com/killallgit/kortix/pkg/logger"
)

// ToolRef points at the tool call currently executing
type ToolRef struct {
	Index int
	Name  string
}

// Flags is a snapshot of the shared state
type Flags struct {
	Generating  bool
	CurrentTool *ToolRef
}

// Activity derives the visible activity from the flags
func (f Flags) Activity() Activity {
	switch {
	case !f.Generating:
		return ActivityIdle
	case f.CurrentTool != nil:
		return ActivityToolUse
	default:
		return ActivityThinking
	}
}

// Setter is the narrow write contract handed to the stream reconciler
type Setter interface {
	SetGenerating(generating bool)
	SetCurrentTool(tool *ToolRef)
}

// Store is an observable container for Flags. Subscribers receive the
// latest snapshot; intermediate values may be skipped.
type Store struct {
	mu     sync.RWMutex
	flags  Flags
	subs   map[int]chan Flags
	nextID int
	log    *logger.Logger
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subs: make(map[int]chan Flags),
		log:  logger.WithComponent("uistate"),
	}
}

// SetGenerating flips the generating flag
func (s *Store) SetGenerating(generating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags.Generating == generating {
		return
	}
	s.flags.Generating = generating
	s.log.Debug("Generating changed", "generating", generating)
	s.publishLocked()
}

// SetCurrentTool replaces the current tool pointer; nil clears it
func (s *Store) SetCurrentTool(tool *ToolRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sameTool(s.flags.CurrentTool, tool) {
		return
	}
	if tool != nil {
		t := *tool
		tool = &t
	}
	s.flags.CurrentTool = tool
	s.publishLocked()
}

// Snapshot returns a copy of the current flags
func (s *Store) Snapshot() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Subscribe returns a channel primed with the current flags and a function
// that unsubscribes and closes it.
func (s *Store) Subscribe() (<-chan Flags, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Flags, 1)
	ch <- s.copyLocked()
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Store) copyLocked() Flags {
	f := s.flags
	if f.CurrentTool != nil {
		t := *f.CurrentTool
		f.CurrentTool = &t
	}
	return f
}

func (s *Store) publishLocked() {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.copyLocked()
	}
}

func sameTool(a, b *ToolRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
