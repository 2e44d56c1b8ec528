package ixdb

import (
	"fmt"
	"slices"
)

type ClauseOp int

const (
	OpEq ClauseOp = iota + 1
	OpIn
	OpGt
	OpGe
	OpLt
	OpLe
	OpBetween
	OpNe
)

func (op ClauseOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpIn:
		return "in"
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpBetween:
		return "between"
	case OpNe:
		return "!="
	default:
		return fmt.Sprintf("ClauseOp(%d)", int(op))
	}
}

// Clause constrains one key field. Clauses on the same field are ANDed.
type Clause struct {
	Field  string
	Op     ClauseOp
	Values []Value
}

func (c Clause) String() string {
	return fmt.Sprintf("%s %v %v", c.Field, c.Op, c.Values)
}

func Eq(field string, v Value) Clause     { return Clause{field, OpEq, []Value{v}} }
func In(field string, vs ...Value) Clause { return Clause{field, OpIn, vs} }
func Gt(field string, v Value) Clause     { return Clause{field, OpGt, []Value{v}} }
func Ge(field string, v Value) Clause     { return Clause{field, OpGe, []Value{v}} }
func Lt(field string, v Value) Clause     { return Clause{field, OpLt, []Value{v}} }
func Le(field string, v Value) Clause     { return Clause{field, OpLe, []Value{v}} }
func Ne(field string, v Value) Clause     { return Clause{field, OpNe, []Value{v}} }
func Between(field string, lo, hi Value) Clause {
	return Clause{field, OpBetween, []Value{lo, hi}}
}

// SortKey orders results by a key field or a sort payload field. A key
// field wins when both have the same name.
type SortKey struct {
	Field string
	Desc  bool
}

func Asc(field string) SortKey  { return SortKey{Field: field} }
func Desc(field string) SortKey { return SortKey{Field: field, Desc: true} }

// Query selects index rows. Results are ordered by Sort, then by entity id.
// A zero Limit means no limit.
type Query struct {
	Clauses []Clause
	Sort    []SortKey
	Offset  int
	Limit   int
}

func NewQuery(clauses ...Clause) *Query {
	return &Query{Clauses: clauses}
}

func (q *Query) Where(clauses ...Clause) *Query {
	q.Clauses = append(q.Clauses, clauses...)
	return q
}

func (q *Query) OrderBy(keys ...SortKey) *Query {
	q.Sort = append(q.Sort, keys...)
	return q
}

func (q *Query) Page(offset, limit int) *Query {
	q.Offset, q.Limit = offset, limit
	return q
}

// constraint is the merged form of every clause on one field. eq == nil
// with hasEq means no value can match.
type constraint struct {
	hasEq          bool
	eq             []Value
	lo, hi         Value
	loExcl, hiExcl bool
}

func unbounded() constraint {
	return constraint{lo: Min(), hi: Max()}
}

func (c *constraint) narrowLo(v Value, excl bool) {
	switch r := Compare(v, c.lo); {
	case r > 0:
		c.lo, c.loExcl = v, excl
	case r == 0:
		c.loExcl = c.loExcl || excl
	}
}

func (c *constraint) narrowHi(v Value, excl bool) {
	switch r := Compare(v, c.hi); {
	case r < 0:
		c.hi, c.hiExcl = v, excl
	case r == 0:
		c.hiExcl = c.hiExcl || excl
	}
}

func (c *constraint) intersectEq(vals []Value) {
	vals = slices.Clone(vals)
	slices.SortFunc(vals, Compare)
	vals = slices.CompactFunc(vals, func(a, b Value) bool { return Compare(a, b) == 0 })
	if !c.hasEq {
		c.hasEq, c.eq = true, vals
		return
	}
	c.eq = slices.DeleteFunc(c.eq, func(v Value) bool {
		_, found := slices.BinarySearchFunc(vals, v, Compare)
		return !found
	})
}

func (c *constraint) inRange(v Value) bool {
	if r := Compare(v, c.lo); r < 0 || (r == 0 && c.loExcl) {
		return false
	}
	if r := Compare(v, c.hi); r > 0 || (r == 0 && c.hiExcl) {
		return false
	}
	return true
}

// normalize turns exclusive bounds into inclusive ones where the adjacent
// value is representable, and filters equality values by the range.
func (c *constraint) normalize() {
	if c.loExcl {
		if v, ok := successor(c.lo); ok {
			c.lo, c.loExcl = v, false
		}
	}
	if c.hiExcl {
		if v, ok := predecessor(c.hi); ok {
			c.hi, c.hiExcl = v, false
		}
	}
	if c.hasEq {
		c.eq = slices.DeleteFunc(c.eq, func(v Value) bool { return !c.inRange(v) })
	}
}

func (c *constraint) empty() bool {
	if c.hasEq {
		return len(c.eq) == 0
	}
	r := Compare(c.lo, c.hi)
	return r > 0 || (r == 0 && (c.loExcl || c.hiExcl))
}

type sortSource int8

const (
	sortByKey sortSource = iota
	sortByPayload
)

type sortSpec struct {
	src  sortSource
	pos  int
	desc bool
}

// plan is a query compiled against an index definition.
type plan struct {
	def    *IndexDef
	cons   []constraint
	sort   []sortSpec
	offset int
	limit  int
	empty  bool
}

func compileQuery(def *IndexDef, q *Query) (*plan, error) {
	if q.Offset < 0 || q.Limit < 0 {
		return nil, queryErrf("", "negative offset or limit")
	}
	p := &plan{
		def:    def,
		cons:   make([]constraint, len(def.fields)),
		offset: q.Offset,
		limit:  q.Limit,
	}
	for i := range p.cons {
		p.cons[i] = unbounded()
	}

	for _, cl := range q.Clauses {
		i, ok := def.fieldPos[cl.Field]
		if !ok {
			if _, isSort := def.sortPos[cl.Field]; isSort {
				return nil, queryErrf(cl.Field, "sort payload fields cannot be filtered")
			}
			return nil, queryErrf(cl.Field, "unknown field")
		}
		fd := def.fields[i]
		for _, v := range cl.Values {
			if !v.IsValid() || (v.Kind() != fd.Kind && !v.IsMin() && !v.IsMax()) {
				return nil, queryErrf(cl.Field, "%v value %v does not match field kind %v", cl.Op, v, fd.Kind)
			}
		}
		want := 1
		switch cl.Op {
		case OpIn:
			want = -1
		case OpBetween:
			want = 2
		}
		if want >= 0 && len(cl.Values) != want {
			return nil, queryErrf(cl.Field, "%v wants %d values, got %d", cl.Op, want, len(cl.Values))
		}

		c := &p.cons[i]
		switch cl.Op {
		case OpEq, OpIn:
			c.intersectEq(cl.Values)
		case OpGt:
			c.narrowLo(cl.Values[0], true)
		case OpGe:
			c.narrowLo(cl.Values[0], false)
		case OpLt:
			c.narrowHi(cl.Values[0], true)
		case OpLe:
			c.narrowHi(cl.Values[0], false)
		case OpBetween:
			c.narrowLo(cl.Values[0], false)
			c.narrowHi(cl.Values[1], false)
		case OpNe:
			return nil, queryErrf(cl.Field, "not-equal cannot be expressed as a key range")
		default:
			return nil, queryErrf(cl.Field, "unsupported clause %v", cl.Op)
		}
	}

	for i := range p.cons {
		p.cons[i].normalize()
		if p.cons[i].empty() {
			p.empty = true
		}
	}

	for _, sk := range q.Sort {
		if i, ok := def.fieldPos[sk.Field]; ok {
			p.sort = append(p.sort, sortSpec{sortByKey, i, sk.Desc})
		} else if i, ok := def.sortPos[sk.Field]; ok {
			p.sort = append(p.sort, sortSpec{sortByPayload, i, sk.Desc})
		} else {
			return nil, queryErrf(sk.Field, "unknown sort field")
		}
	}
	return p, nil
}

// branches returns the cartesian product of equality candidates; range
// fields contribute a single placeholder.
func (p *plan) branches() [][]Value {
	cands := make([][]Value, len(p.cons))
	for i, c := range p.cons {
		if c.hasEq {
			cands[i] = c.eq
		} else {
			cands[i] = []Value{{}}
		}
	}
	var result [][]Value
	expandKeys(cands, func(combo []Value) error {
		result = append(result, slices.Clone(combo))
		return nil
	})
	return result
}
