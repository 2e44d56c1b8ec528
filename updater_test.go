package ixdb

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func newTestUpdater(t testing.TB, def *IndexDef) *fieldUpdater {
	opt := &Options{IsTesting: true}
	cell := must(openStoreCell("", opt))
	t.Cleanup(func() { cell.close() })
	return must(newFieldUpdater(def, cell, testLogger(t)))
}

func generate(def *IndexDef, obj any) io.Reader {
	var buf bytes.Buffer
	ensure(fieldGenerator{def}.Generate(obj, &buf))
	return &buf
}

func rowCount(t testing.TB, u *fieldUpdater) int {
	t.Helper()
	v := must(u.cell.acquire())
	defer v.Release()
	return v.Size()
}

func TestUpdaterApplyReplaceDelete(t *testing.T) {
	u := newTestUpdater(t, byAB)
	success(t, u.Apply(1, 10, generate(byAB, &item{A: 1, B: "x"})))
	success(t, u.Commit())
	deepEqual(t, must(u.LastHardCommit()), uint64(1))
	deepEqual(t, must(u.Get(10)), [][]Value{{Int(1)}, {String("x")}})
	deepEqual(t, rowCount(t, u), 1)

	// replaying the same op changes nothing
	success(t, u.Apply(1, 10, generate(byAB, &item{A: 1, B: "x"})))
	success(t, u.Commit())
	deepEqual(t, rowCount(t, u), 1)

	success(t, u.Apply(2, 10, generate(byAB, &item{A: 2, B: "y"})))
	success(t, u.Commit())
	deepEqual(t, must(u.Get(10)), [][]Value{{Int(2)}, {String("y")}})
	deepEqual(t, rowCount(t, u), 1)

	success(t, u.Delete(3, 10))
	success(t, u.Delete(4, 10))
	success(t, u.Commit())
	deepEqual(t, must(u.LastHardCommit()), uint64(4))
	if keys := must(u.Get(10)); keys != nil {
		t.Fatalf("Get after delete = %v, wanted nil", keys)
	}
	deepEqual(t, rowCount(t, u), 0)
}

func TestUpdaterMultiValuedRows(t *testing.T) {
	u := newTestUpdater(t, byTag)
	success(t, u.Apply(1, 7, generate(byTag, &item{Tags: []string{"red", "blue"}})))
	success(t, u.Apply(2, 8, generate(byTag, &item{})))
	success(t, u.Commit())
	deepEqual(t, rowCount(t, u), 2)

	success(t, u.Apply(3, 7, generate(byTag, &item{Tags: []string{"red"}})))
	success(t, u.Commit())
	deepEqual(t, rowCount(t, u), 1)
	deepEqual(t, must(u.Get(7)), [][]Value{{String("red")}})
}

func TestUpdaterCommitVisibility(t *testing.T) {
	u := newTestUpdater(t, byAB)
	gen := must(u.cell.acquire())
	g0 := gen.Generation()
	gen.Release()

	success(t, u.Apply(5, 1, generate(byAB, &item{A: 1, B: "x"})))
	deepEqual(t, u.Pending(), 1)
	deepEqual(t, rowCount(t, u), 0)
	deepEqual(t, must(u.LastHardCommit()), uint64(0))

	var notified []uint64
	unsub := u.OnHardCommit(func(op uint64) { notified = append(notified, op) })
	success(t, u.Commit())
	deepEqual(t, rowCount(t, u), 1)
	deepEqual(t, u.Pending(), 0)

	v := must(u.cell.acquire())
	if v.Generation() <= g0 {
		t.Errorf("generation %d did not advance past %d", v.Generation(), g0)
	}
	v.Release()
	v.Release()

	unsub()
	success(t, u.Apply(6, 2, generate(byAB, &item{A: 2, B: "y"})))
	success(t, u.Commit())
	deepEqual(t, notified, []uint64{5})
}

func TestUpdaterRollback(t *testing.T) {
	u := newTestUpdater(t, byAB)
	success(t, u.Apply(1, 1, generate(byAB, &item{A: 1})))
	success(t, u.Commit())
	success(t, u.Apply(2, 2, generate(byAB, &item{A: 2})))
	u.Rollback()
	deepEqual(t, must(u.LastHardCommit()), uint64(1))
	deepEqual(t, rowCount(t, u), 1)
	success(t, u.Commit())
}

func TestUpdaterClear(t *testing.T) {
	u := newTestUpdater(t, byAB)
	success(t, u.Apply(3, 1, generate(byAB, &item{A: 1})))
	success(t, u.Commit())
	success(t, u.Clear())
	deepEqual(t, must(u.LastHardCommit()), uint64(0))
	deepEqual(t, rowCount(t, u), 0)

	success(t, u.Apply(1, 2, generate(byAB, &item{A: 2})))
	success(t, u.Commit())
	deepEqual(t, must(u.LastHardCommit()), uint64(1))
}

func TestUpdaterRejectsBadRecord(t *testing.T) {
	u := newTestUpdater(t, byAB)
	err := u.Apply(1, 1, strings.NewReader("not msgpack"))
	if err == nil {
		t.Fatalf("Apply(garbage) succeeded")
	}
	var buf bytes.Buffer
	ensure(fieldGenerator{byTag}.Generate(&item{Tags: []string{"a"}}, &buf))
	if err := u.Apply(1, 1, &buf); err == nil || !strings.Contains(err.Error(), "key fields") {
		t.Fatalf("Apply(record of another index) = %v", err)
	}
}

func TestExpandKeys(t *testing.T) {
	var got []string
	keys := [][]Value{{Int(1), Int(2)}, {String("a")}, {Bool(false), Bool(true)}}
	ensure(expandKeys(keys, func(combo []Value) error {
		got = append(got, combo[0].String()+combo[1].String()+combo[2].String())
		return nil
	}))
	deepEqual(t, got, []string{`1"a"false`, `1"a"true`, `2"a"false`, `2"a"true`})

	called := false
	ensure(expandKeys([][]Value{{Int(1)}, nil}, func([]Value) error {
		called = true
		return nil
	}))
	if called {
		t.Fatalf("expandKeys called fn for a field without values")
	}
}
