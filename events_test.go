package ixdb

import "testing"

func TestBroadcaster(t *testing.T) {
	var b broadcaster
	var got []string
	unsub1 := b.Subscribe(func(e Event) { got = append(got, "1:"+e.String()) })
	b.Subscribe(func(e Event) { got = append(got, "2:"+e.String()) })

	b.emit(Event{Kind: EventQueryable, Index: "x"})
	unsub1()
	unsub1()
	b.emit(Event{Kind: EventRebuildProgress, Index: "x", Progress: 3, Total: 9})

	deepEqual(t, got, []string{
		"1:x:Queryable",
		"2:x:Queryable",
		"2:x:RebuildProgress(3/9, queryable=false)",
	})
}

func TestEventKindString(t *testing.T) {
	deepEqual(t, EventIndexReset.String(), "IndexReset")
	deepEqual(t, EventKind(99).String(), "EventKind(99)")
	deepEqual(t, StateReplayingBackfill.String(), "replaying-backfill")
}
