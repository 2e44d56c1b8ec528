package ixdb

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/google/btree"
)

// Hit is one query result. Key holds the key field values of the row that
// matched, Sort the entity's sort payload.
type Hit struct {
	ID   uint64
	Key  []Value
	Sort []Value
}

// Result is a page of hits. Total counts every matching entity regardless
// of the page window.
type Result struct {
	Hits   []Hit
	Total  int
	Offset int
	Limit  int
}

func (r *Result) IDs() []uint64 {
	ids := make([]uint64, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.ID
	}
	return ids
}

func (p *plan) compareHits(a, b *Hit) int {
	for _, s := range p.sort {
		var r int
		if s.src == sortByKey {
			r = Compare(a.Key[s.pos], b.Key[s.pos])
		} else {
			r = Compare(a.Sort[s.pos], b.Sort[s.pos])
		}
		if r != 0 {
			if s.desc {
				return -r
			}
			return r
		}
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// bounds builds the inclusive key range of one branch: per-field lower
// values then Min, per-field upper values then Max.
func (p *plan) bounds(branch []Value) (lower, upper []byte) {
	for i, c := range p.cons {
		if c.hasEq {
			lower = branch[i].AppendTo(lower)
			upper = branch[i].AppendTo(upper)
		} else {
			lower = c.lo.AppendTo(lower)
			upper = c.hi.AppendTo(upper)
		}
	}
	return Min().AppendTo(lower), Max().AppendTo(upper)
}

// matches re-checks every field of a decoded row key. The key range alone only
// constrains the leading field exactly.
func (p *plan) matches(branch, key []Value) bool {
	for i, c := range p.cons {
		if c.hasEq {
			if Compare(key[i], branch[i]) != 0 {
				return false
			}
		} else if !c.inRange(key[i]) {
			return false
		}
	}
	return true
}

// execute scans rows once per equality branch. Matches go into a btree
// ordered by the sort spec and capped at offset+limit, evicting the worst
// entry on overflow; the total is counted separately.
func (p *plan) execute(rows tree, logger *slog.Logger) (*Result, error) {
	res := &Result{Offset: p.offset, Limit: p.limit}
	if p.empty {
		return res, nil
	}
	nf := len(p.def.fields)
	branches := p.branches()
	dedupe := p.def.hasMulti || len(branches) > 1
	var seen map[uint64]struct{}
	if dedupe {
		seen = make(map[uint64]struct{})
	}
	capacity := 0
	if p.limit > 0 {
		capacity = p.offset + p.limit
	}
	top := btree.NewG(16, func(a, b *Hit) bool {
		return p.compareHits(a, b) < 0
	})
	debug := p.def.debugScans && logger != nil

	for _, br := range branches {
		lower, upper := p.bounds(br)
		c := rows.cursor()
		k, v := seekFloor(c, lower)
		if k == nil {
			k, v = c.First()
			if debug {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "FIRST", hexAttr("lower", lower), hexAttr("key", k))
			}
		} else if debug {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "FLOOR", hexAttr("lower", lower), hexAttr("key", k))
		}
		for ; k != nil; k, v = c.Next() {
			if bytes.Compare(k, lower) < 0 {
				continue
			}
			if bytes.Compare(k, upper) > 0 {
				if debug {
					logger.LogAttrs(context.Background(), slog.LevelDebug, "PAST_UPPER", hexAttr("upper", upper), hexAttr("key", k))
				}
				break
			}
			vals, err := decodeTuple(k)
			if err != nil {
				return nil, err
			}
			if len(vals) != nf+1 || vals[nf].Kind() != KindUint {
				return nil, dataErrf(k, 0, nil, "index %q: malformed row key", p.def.name)
			}
			if !p.matches(br, vals[:nf]) {
				if debug {
					logger.LogAttrs(context.Background(), slog.LevelDebug, "RESIDUAL_SKIP", hexAttr("key", k))
				}
				continue
			}
			id := vals[nf].Uint()
			if dedupe {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			res.Total++

			sortVals, err := decodeTuple(v)
			if err != nil {
				return nil, err
			}
			if len(sortVals) != len(p.def.sort) {
				return nil, dataErrf(v, 0, nil, "index %q: malformed sort payload", p.def.name)
			}
			top.ReplaceOrInsert(&Hit{ID: id, Key: vals[:nf], Sort: sortVals})
			if capacity > 0 && top.Len() > capacity {
				top.DeleteMax()
			}
		}
	}

	var pos int
	top.Ascend(func(h *Hit) bool {
		if pos >= p.offset {
			res.Hits = append(res.Hits, *h)
		}
		pos++
		return true
	})
	return res, nil
}
