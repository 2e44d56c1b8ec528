package ixdb

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefineIndexPanics(t *testing.T) {
	extract := func(b *IndexBuilder) {
		b.Extract(func(obj any, rb *RecordBuilder) error { return nil })
	}
	panics(t, "empty", func() { DefineIndex("", extract) })
	panics(t, "path separator", func() { DefineIndex("a/b", extract) })
	panics(t, "no extractor", func() { DefineIndex("x", func(b *IndexBuilder) {}) })
	panics(t, "duplicate field", func() {
		DefineIndex("x", func(b *IndexBuilder) {
			b.Field("a", KindInt)
			b.Field("a", KindString)
			extract(b)
		})
	})
	panics(t, "invalid kind", func() {
		DefineIndex("x", func(b *IndexBuilder) {
			b.Field("a", KindInvalid)
			extract(b)
		})
	})
	panics(t, "invalid option", func() { DefineIndex("x", extract, "verbose") })
}

func TestIndexDefAccessors(t *testing.T) {
	deepEqual(t, byAB.Name(), "by_ab")
	deepEqual(t, byAB.Fields(), []FieldDef{{Name: "a", Kind: KindInt}, {Name: "b", Kind: KindString}})
	deepEqual(t, byAB.SortFields(), []FieldDef{{Name: "rank", Kind: KindFloat}})
	deepEqual(t, byTag.Fields()[0].Multi, true)
}

func TestGenerate(t *testing.T) {
	var buf bytes.Buffer
	success(t, fieldGenerator{byAB}.Generate(&item{A: 3, B: "q", Rank: 0.5}, &buf))
	rec := must(decodeRecord(byAB, &buf))
	deepEqual(t, rec, &Record{
		Keys: [][]Value{{Int(3)}, {String("q")}},
		Sort: []Value{Float(0.5)},
	})

	partial := DefineIndex("partial", func(b *IndexBuilder) {
		b.Field("a", KindInt)
		b.Field("b", KindString)
		b.Sort("rank", KindFloat)
		b.Extract(func(obj any, rb *RecordBuilder) error {
			rb.Set("a", Int(1))
			return nil
		})
	})
	err := fieldGenerator{partial}.Generate(&item{}, &buf)
	if err == nil || !strings.Contains(err.Error(), `field "b" not set`) {
		t.Fatalf("Generate(partial) = %v", err)
	}

	unsorted := DefineIndex("unsorted", func(b *IndexBuilder) {
		b.Field("a", KindInt)
		b.Sort("rank", KindFloat)
		b.Extract(func(obj any, rb *RecordBuilder) error {
			rb.Set("a", Int(1))
			return nil
		})
	})
	buf.Reset()
	success(t, fieldGenerator{unsorted}.Generate(nil, &buf))
	deepEqual(t, must(decodeRecord(unsorted, &buf)).Sort, []Value{Min()})
}

func TestRecordBuilderPanics(t *testing.T) {
	rb := newRecordBuilder(byAB)
	panics(t, "unknown field", func() { rb.Set("zzz", Int(1)) })
	panics(t, "wants int", func() { rb.Set("a", String("1")) })
	panics(t, "unknown sort field", func() { rb.SetSort("a", Int(1)) })
	panics(t, "wants float", func() { rb.SetSort("rank", Int(1)) })
}

func TestSingleValuedFieldNeedsOneValue(t *testing.T) {
	rec := &Record{Keys: [][]Value{{Int(1), Int(2)}, {String("x")}}, Sort: []Value{Min()}}
	if err := byAB.validate(rec); err == nil || !strings.Contains(err.Error(), "exactly one value") {
		t.Fatalf("validate = %v", err)
	}
}
