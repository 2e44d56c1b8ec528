package ixdb

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// gridSource has ids 1..9 with a in 0..2 and b in w, x, y; rank falls as id grows.
func gridSource() *SliceSource {
	src := &SliceSource{}
	for a := 0; a < 3; a++ {
		for i, b := range []string{"w", "x", "y"} {
			id := uint64(a*3 + i + 1)
			src.Add(id, &item{A: int64(a), B: b, Rank: float64(10 - id)})
		}
	}
	return src
}

func queryIDs(t testing.TB, idx *Index, q *Query) []uint64 {
	t.Helper()
	res, err := idx.Query(q)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if res.Total < len(res.Hits) {
		t.Errorf("total %d is less than %d hits", res.Total, len(res.Hits))
	}
	return res.IDs()
}

func TestQueryComposition(t *testing.T) {
	db := setup(t, byAB)
	success(t, db.Start("by_ab", gridSource()))
	idx := db.Index("by_ab")

	o := func(q *Query, e ...uint64) {
		t.Helper()
		a := queryIDs(t, idx, q)
		if len(e) == 0 {
			isempty(t, a)
		} else {
			deepEqual(t, a, e)
		}
	}
	o(NewQuery(), 1, 2, 3, 4, 5, 6, 7, 8, 9)
	o(NewQuery(Eq("a", Int(1)), Eq("b", String("x"))), 5)
	o(NewQuery(Eq("a", Int(1)), Gt("b", String("w"))), 5, 6)
	o(NewQuery(Eq("a", Int(1)), Ge("b", String("x")), Le("b", String("x"))), 5)
	o(NewQuery(Between("a", Int(0), Int(1)), Eq("b", String("y"))), 3, 6)
	o(NewQuery(Ge("a", Int(1))), 4, 5, 6, 7, 8, 9)
	o(NewQuery(Lt("a", Int(1))), 1, 2, 3)
	o(NewQuery(Gt("a", Int(0)), Lt("a", Int(2))), 4, 5, 6)
	o(NewQuery(Lt("b", String("x"))), 1, 4, 7)
	o(NewQuery(Eq("a", Int(2)), In("b", String("w"), String("y"), String("zzz"))), 7, 9)
	o(NewQuery(In("a", Int(0), Int(2)), Eq("b", String("x"))), 2, 8)
	o(NewQuery(In("a", Int(0), Int(2)), In("a", Int(2), Int(5))), 7, 8, 9)

	// contradictions match nothing
	o(NewQuery(Eq("a", Int(1)), Eq("a", Int(2))))
	o(NewQuery(Gt("a", Int(5)), Lt("a", Int(3))))
	o(NewQuery(Gt("a", Int(1)), Lt("a", Int(2))))
	o(NewQuery(Eq("a", Int(1)), Gt("a", Int(1))))
	o(NewQuery(In("a")))
}

func TestQuerySort(t *testing.T) {
	db := setup(t, byAB)
	success(t, db.Start("by_ab", gridSource()))
	idx := db.Index("by_ab")

	deepEqual(t, queryIDs(t, idx, NewQuery(Ge("a", Int(1))).OrderBy(Asc("rank"))), []uint64{9, 8, 7, 6, 5, 4})
	deepEqual(t, queryIDs(t, idx, NewQuery(Ge("a", Int(1))).OrderBy(Desc("a"))), []uint64{7, 8, 9, 4, 5, 6})
	deepEqual(t, queryIDs(t, idx, NewQuery(Eq("a", Int(0))).OrderBy(Desc("b"))), []uint64{3, 2, 1})
	deepEqual(t, queryIDs(t, idx, NewQuery(In("b", String("w"), String("y"))).OrderBy(Asc("b"), Desc("rank"))), []uint64{1, 4, 7, 3, 6, 9})

	res := must(idx.Query(NewQuery(Eq("a", Int(2)), Eq("b", String("y")))))
	if len(res.Hits) != 1 {
		t.Fatalf("hits = %v", res.Hits)
	}
	deepEqual(t, res.Hits[0], Hit{ID: 9, Key: []Value{Int(2), String("y")}, Sort: []Value{Float(1)}})
}

func TestQueryPagination(t *testing.T) {
	src := &SliceSource{}
	for id := uint64(1); id <= 100; id++ {
		src.Add(id, &item{A: 0, B: "p", Rank: float64(id)})
	}
	db := setup(t, byAB)
	success(t, db.Start("by_ab", src))
	idx := db.Index("by_ab")

	res := must(idx.Query(NewQuery(Eq("a", Int(0))).Page(10, 5)))
	deepEqual(t, res.Total, 100)
	deepEqual(t, res.IDs(), []uint64{11, 12, 13, 14, 15})

	res = must(idx.Query(NewQuery(Eq("a", Int(0))).OrderBy(Desc("rank")).Page(10, 5)))
	deepEqual(t, res.Total, 100)
	deepEqual(t, res.IDs(), []uint64{90, 89, 88, 87, 86})

	res = must(idx.Query(NewQuery().Page(98, 5)))
	deepEqual(t, res.Total, 100)
	deepEqual(t, res.IDs(), []uint64{99, 100})

	res = must(idx.Query(NewQuery().Page(200, 5)))
	deepEqual(t, res.Total, 100)
	isempty(t, res.Hits)

	res = must(idx.Query(NewQuery().Page(95, 0)))
	deepEqual(t, res.IDs(), idRange(96, 100))
}

func TestQueryMultiValued(t *testing.T) {
	src := &SliceSource{}
	src.Add(1, &item{Tags: []string{"red", "blue"}, Rank: 3})
	src.Add(2, &item{Tags: []string{"red"}, Rank: 2})
	src.Add(3, &item{Tags: []string{"blue", "green"}, Rank: 1})
	src.Add(4, &item{})

	db := setup(t, byTag)
	success(t, db.Start("by_tag", src))
	idx := db.Index("by_tag")

	res := must(idx.Query(NewQuery(In("tag", String("red"), String("blue")))))
	deepEqual(t, res.IDs(), []uint64{1, 2, 3})
	deepEqual(t, res.Total, 3)
	deepEqual(t, queryIDs(t, idx, NewQuery(Eq("tag", String("red")))), []uint64{1, 2})
	deepEqual(t, queryIDs(t, idx, NewQuery(Ge("tag", String("blue")))), []uint64{1, 2, 3})
	deepEqual(t, queryIDs(t, idx, NewQuery().OrderBy(Asc("rank"))), []uint64{3, 2, 1})

	must(idx.Delete(1))
	deepEqual(t, queryIDs(t, idx, NewQuery(Eq("tag", String("red")))), []uint64{2})
	deepEqual(t, queryIDs(t, idx, NewQuery(In("tag", String("red"), String("blue")))), []uint64{2, 3})
	if _, err := idx.Lookup(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(deleted) = %v, wanted ErrNotFound", err)
	}

	must(idx.Put(3, &item{Tags: []string{"green"}}))
	isempty(t, queryIDs(t, idx, NewQuery(Eq("tag", String("blue")))))
	deepEqual(t, must(idx.Lookup(3)), [][]Value{{String("green")}})
}

func TestQueryRejections(t *testing.T) {
	db := setup(t, byAB)
	success(t, db.Start("by_ab", gridSource()))
	idx := db.Index("by_ab")

	o := func(q *Query, substr string) {
		t.Helper()
		_, err := idx.Query(q)
		if !errors.Is(err, ErrUnsupportedQueryConstraint) {
			t.Errorf("query error = %v, wanted ErrUnsupportedQueryConstraint", err)
			return
		}
		var qe *QueryError
		if !errors.As(err, &qe) {
			t.Errorf("query error %T is not a QueryError", err)
		}
		if !strings.Contains(err.Error(), substr) {
			t.Errorf("query error %q lacks %q", err, substr)
		}
	}
	o(NewQuery(Ne("a", Int(1))), "not-equal")
	o(NewQuery(Eq("zzz", Int(1))), "unknown field")
	o(NewQuery(Eq("rank", Float(1))), "cannot be filtered")
	o(NewQuery(Eq("a", String("1"))), "does not match")
	o(NewQuery(Eq("a", Value{})), "does not match")
	o(NewQuery(Clause{Field: "a", Op: OpBetween, Values: []Value{Int(1)}}), "wants 2 values")
	o(NewQuery().OrderBy(Asc("zzz")), "unknown sort field")
	o(NewQuery().Page(-1, 0), "negative")
}

func TestQueryDebugScans(t *testing.T) {
	def := DefineIndex("dbg", func(b *IndexBuilder) {
		b.Field("a", KindInt)
		b.Field("b", KindString)
		b.Sort("rank", KindFloat)
		b.Extract(byAB.extract)
	}, IndexOptDebugScans)

	var buf bytes.Buffer
	opt := testOptions(t)
	opt.InMemory = true
	opt.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	db := openDir(t, "", opt, def)
	success(t, db.Start("dbg", gridSource()))

	ids := queryIDs(t, db.Index("dbg"), NewQuery(Eq("a", Int(1)), Lt("b", String("y"))))
	deepEqual(t, ids, []uint64{4, 5})
	out := buf.String()
	for _, s := range []string{"FLOOR", "PAST_UPPER"} {
		if !strings.Contains(out, s) {
			t.Errorf("scan log lacks %s", s)
		}
	}
}

func TestQueryBeforeStart(t *testing.T) {
	db := setup(t, byAB)
	res := must(db.Index("by_ab").Query(NewQuery()))
	deepEqual(t, res.Total, 0)
}
