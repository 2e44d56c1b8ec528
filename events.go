package ixdb

import (
	"fmt"
	"slices"
	"sync"
)

type EventKind int

const (
	EventRebuildProgress EventKind = iota + 1
	EventQueryable
	EventUpToDate
	EventIndexReset
)

func (k EventKind) String() string {
	switch k {
	case EventRebuildProgress:
		return "RebuildProgress"
	case EventQueryable:
		return "Queryable"
	case EventUpToDate:
		return "UpToDate"
	case EventIndexReset:
		return "IndexReset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports the rebuild state of an index. Queryable, Progress and Total
// are only meaningful for EventRebuildProgress.
type Event struct {
	Kind      EventKind
	Index     string
	Queryable bool
	Progress  uint64
	Total     uint64
}

func (e Event) String() string {
	if e.Kind == EventRebuildProgress {
		return fmt.Sprintf("%s:%v(%d/%d, queryable=%v)", e.Index, e.Kind, e.Progress, e.Total, e.Queryable)
	}
	return fmt.Sprintf("%s:%v", e.Index, e.Kind)
}

// broadcaster delivers events synchronously to the current subscribers.
// Subscribers that join late miss earlier events.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

func (b *broadcaster) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) emit(e Event) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
