package ixdb

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// maxRowKeySize is the longest row key either store accepts.
const maxRowKeySize = bbolt.MaxKeySize

// FieldDef describes one component of an index's composite key, or one
// entry of its sort payload.
type FieldDef struct {
	Name  string
	Kind  Kind
	Multi bool
}

// IndexDef is the definition of a secondary index: its key fields, its sort
// payload fields and the function that extracts both from a domain object.
type IndexDef struct {
	name     string
	fields   []FieldDef
	sort     []FieldDef
	extract  func(obj any, rb *RecordBuilder) error
	fieldPos map[string]int
	sortPos  map[string]int
	hasMulti bool

	debugScans bool
}

type IndexOpt int

const (
	IndexOptDebugScans IndexOpt = iota
)

// IndexBuilder collects an index definition inside DefineIndex.
type IndexBuilder struct {
	def *IndexDef
}

func DefineIndex(name string, f func(b *IndexBuilder), opts ...any) *IndexDef {
	if name == "" {
		panic("index name is empty")
	}
	if strings.ContainsAny(name, `/\`) {
		panic(fmt.Errorf("index name %q contains a path separator", name))
	}
	def := &IndexDef{
		name:     name,
		fieldPos: make(map[string]int),
		sortPos:  make(map[string]int),
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case IndexOpt:
			switch opt {
			case IndexOptDebugScans:
				def.debugScans = true
			default:
				panic(fmt.Errorf("invalid option %T %v", opt, opt))
			}
		default:
			panic(fmt.Errorf("invalid option %T %v", opt, opt))
		}
	}
	f(&IndexBuilder{def})
	if def.extract == nil {
		panic(fmt.Errorf("index %q has no extractor", name))
	}
	return def
}

func (b *IndexBuilder) add(fd FieldDef) {
	if fd.Kind <= KindInvalid || fd.Kind > KindBytes {
		panic(fmt.Errorf("index %q: field %q has invalid kind %v", b.def.name, fd.Name, fd.Kind))
	}
	if _, dup := b.def.fieldPos[fd.Name]; dup {
		panic(fmt.Errorf("index %q: duplicate field %q", b.def.name, fd.Name))
	}
	b.def.fieldPos[fd.Name] = len(b.def.fields)
	b.def.fields = append(b.def.fields, fd)
	if fd.Multi {
		b.def.hasMulti = true
	}
}

// Field adds a single-valued key field. Key fields sort in the order added.
func (b *IndexBuilder) Field(name string, kind Kind) {
	b.add(FieldDef{Name: name, Kind: kind})
}

// MultiField adds a key field that may hold any number of values. An entity
// gets one index row per combination of its multi-valued fields.
func (b *IndexBuilder) MultiField(name string, kind Kind) {
	b.add(FieldDef{Name: name, Kind: kind, Multi: true})
}

// Sort adds a sort payload field. It is stored alongside each row and can be
// used for ordering results but not for filtering.
func (b *IndexBuilder) Sort(name string, kind Kind) {
	if fd := (FieldDef{Name: name, Kind: kind}); fd.Kind <= KindInvalid || fd.Kind > KindBytes {
		panic(fmt.Errorf("index %q: sort field %q has invalid kind %v", b.def.name, name, kind))
	}
	if _, dup := b.def.sortPos[name]; dup {
		panic(fmt.Errorf("index %q: duplicate sort field %q", b.def.name, name))
	}
	b.def.sortPos[name] = len(b.def.sort)
	b.def.sort = append(b.def.sort, FieldDef{Name: name, Kind: kind})
}

func (b *IndexBuilder) Extract(f func(obj any, rb *RecordBuilder) error) {
	b.def.extract = f
}

func (def *IndexDef) Name() string           { return def.name }
func (def *IndexDef) Fields() []FieldDef     { return def.fields }
func (def *IndexDef) SortFields() []FieldDef { return def.sort }

// Record is the generated form of a domain object: the values of each key
// field (exactly one for single-valued fields) and the sort payload.
type Record struct {
	Keys [][]Value `msgpack:"k"`
	Sort []Value   `msgpack:"s"`
}

// RecordBuilder is handed to an index's extractor to fill in a Record.
type RecordBuilder struct {
	def *IndexDef
	rec Record
	set []bool
}

func newRecordBuilder(def *IndexDef) *RecordBuilder {
	rb := &RecordBuilder{
		def: def,
		rec: Record{
			Keys: make([][]Value, len(def.fields)),
			Sort: make([]Value, len(def.sort)),
		},
		set: make([]bool, len(def.fields)),
	}
	for i := range rb.rec.Sort {
		rb.rec.Sort[i] = Min()
	}
	return rb
}

// Set assigns the values of a key field. Single-valued fields take exactly one.
func (rb *RecordBuilder) Set(field string, vals ...Value) {
	i, ok := rb.def.fieldPos[field]
	if !ok {
		panic(fmt.Errorf("index %q: unknown field %q", rb.def.name, field))
	}
	fd := rb.def.fields[i]
	for _, v := range vals {
		if v.Kind() != fd.Kind {
			panic(fmt.Errorf("index %q: field %q wants %v, got %v", rb.def.name, field, fd.Kind, v.Kind()))
		}
	}
	rb.rec.Keys[i] = append(rb.rec.Keys[i][:0], vals...)
	rb.set[i] = true
}

// SetSort assigns a sort payload field. Unset sort fields hold Min.
func (rb *RecordBuilder) SetSort(field string, v Value) {
	i, ok := rb.def.sortPos[field]
	if !ok {
		panic(fmt.Errorf("index %q: unknown sort field %q", rb.def.name, field))
	}
	if fd := rb.def.sort[i]; v.Kind() != fd.Kind {
		panic(fmt.Errorf("index %q: sort field %q wants %v, got %v", rb.def.name, field, fd.Kind, v.Kind()))
	}
	rb.rec.Sort[i] = v
}

func (def *IndexDef) validate(rec *Record) error {
	if len(rec.Keys) != len(def.fields) {
		return fmt.Errorf("index %q: record has %d key fields, wanted %d", def.name, len(rec.Keys), len(def.fields))
	}
	if len(rec.Sort) != len(def.sort) {
		return fmt.Errorf("index %q: record has %d sort fields, wanted %d", def.name, len(rec.Sort), len(def.sort))
	}
	// the longest row is built from the longest value of every field
	keySize := len(Uint(math.MaxUint64).AppendTo(nil))
	for i, fd := range def.fields {
		if !fd.Multi && len(rec.Keys[i]) != 1 {
			return fmt.Errorf("index %q: field %q needs exactly one value, got %d", def.name, fd.Name, len(rec.Keys[i]))
		}
		var longest int
		for _, v := range rec.Keys[i] {
			if v.Kind() != fd.Kind {
				return fmt.Errorf("index %q: field %q wants %v, got %v", def.name, fd.Name, fd.Kind, v.Kind())
			}
			longest = max(longest, len(v.AppendTo(nil)))
		}
		keySize += longest
	}
	if keySize > maxRowKeySize {
		return fmt.Errorf("index %q: row key of %d bytes: %w", def.name, keySize, ErrKeyTooLarge)
	}
	return nil
}

// Generator turns domain objects into their staged form.
type Generator interface {
	Generate(obj any, w io.Writer) error
}

// Updater applies staged records to an index store.
type Updater interface {
	Apply(op, id uint64, r io.Reader) error
	Delete(op, id uint64) error
	Clear() error
	LastHardCommit() (uint64, error)
	Commit() error
	// Rollback discards everything applied since the last hard commit.
	Rollback()
	OnHardCommit(fn func(op uint64)) (unsubscribe func())
}

type fieldGenerator struct {
	def *IndexDef
}

func (g fieldGenerator) Generate(obj any, w io.Writer) error {
	rb := newRecordBuilder(g.def)
	if err := g.def.extract(obj, rb); err != nil {
		return err
	}
	for i, fd := range g.def.fields {
		if !rb.set[i] && !fd.Multi {
			return fmt.Errorf("index %q: field %q not set", g.def.name, fd.Name)
		}
	}
	if err := g.def.validate(&rb.rec); err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(&rb.rec)
}

func decodeRecord(def *IndexDef, r io.Reader) (*Record, error) {
	var rec Record
	if err := msgpack.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("index %q: decoding record: %w", def.name, err)
	}
	if err := def.validate(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
