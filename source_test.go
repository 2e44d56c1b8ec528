package ixdb

import (
	"errors"
	"testing"
)

func collect(t testing.TB, src Source, minExcl, maxIncl uint64) []uint64 {
	t.Helper()
	var ids []uint64
	ensure(src.Iterate(minExcl, maxIncl, func(id uint64, obj any) error {
		ids = append(ids, id)
		return nil
	}))
	return ids
}

func TestSliceSource(t *testing.T) {
	src := &SliceSource{}
	deepEqual(t, src.LargestID(), uint64(0))
	for _, id := range []uint64{2, 4, 6, 8} {
		src.Add(id, id*10)
	}
	deepEqual(t, src.Size(), uint64(4))
	deepEqual(t, src.LargestID(), uint64(8))
	deepEqual(t, collect(t, src, 0, 100), []uint64{2, 4, 6, 8})
	deepEqual(t, collect(t, src, 2, 6), []uint64{4, 6})
	deepEqual(t, collect(t, src, 3, 7), []uint64{4, 6})
	isempty(t, collect(t, src, 8, 100))

	stop := errors.New("stop")
	var seen int
	err := src.Iterate(0, 100, func(id uint64, obj any) error {
		seen++
		return stop
	})
	if err != stop || seen != 1 {
		t.Fatalf("Iterate = %v after %d calls, wanted stop after 1", err, seen)
	}

	panics(t, "increasing", func() { src.Add(8, nil) })
}

func TestMapSource(t *testing.T) {
	src := NewMapSource()
	for _, id := range []uint64{5, 1, 3} {
		src.Put(id, id)
	}
	deepEqual(t, src.Size(), uint64(3))
	deepEqual(t, src.LargestID(), uint64(5))
	deepEqual(t, collect(t, src, 0, 100), []uint64{1, 3, 5})
	deepEqual(t, collect(t, src, 1, 4), []uint64{3})

	// objects deleted during iteration are skipped
	var ids []uint64
	ensure(src.Iterate(0, 100, func(id uint64, obj any) error {
		ids = append(ids, id)
		if id == 1 {
			src.Delete(3)
		}
		return nil
	}))
	deepEqual(t, ids, []uint64{1, 5})
}
