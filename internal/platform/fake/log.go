// Package fake provides instrumented in-memory implementations of the
// platform contracts. Every fake appends to a shared Log so tests can assert
// the order of calls across collaborators.
package fake

import (
	"fmt"
	"strings"
	"sync"
)

// Log is an ordered, concurrency-safe event journal.
type Log struct {
	mu     sync.Mutex
	events []string
}

// NewLog returns an empty journal.
func NewLog() *Log { return &Log{} }

// Add appends a formatted event.
func (l *Log) Add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// Events returns a copy of the journal.
func (l *Log) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// Index returns the position of the first event with the given prefix
// at or after from, or -1.
func (l *Log) Index(prefix string, from int) int {
	events := l.Events()
	for i := from; i < len(events); i++ {
		if strings.HasPrefix(events[i], prefix) {
			return i
		}
	}
	return -1
}

// Count returns how many events start with prefix.
func (l *Log) Count(prefix string) int {
	n := 0
	for _, e := range l.Events() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// String renders the journal one event per line.
func (l *Log) String() string {
	return strings.Join(l.Events(), "\n")
}

// Surface is a named frame destination.
type Surface struct {
	Name string
}

// ID returns the surface name
func (s *Surface) ID() string { return s.Name }
