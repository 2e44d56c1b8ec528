package ixdb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics(t *testing.T) {
	metered := DefineIndex("metered", func(b *IndexBuilder) {
		b.Field("a", KindInt)
		b.Extract(func(obj any, rb *RecordBuilder) error {
			rb.Set("a", Int(obj.(*item).A))
			return nil
		})
	})

	reg := prometheus.NewRegistry()
	opt := testOptions(t)
	opt.InMemory = true
	opt.Registerer = reg
	db := openDir(t, "", opt, metered)
	success(t, db.Start("metered", itemSource(4)))
	must(db.Index("metered").Query(NewQuery(Eq("a", Int(0)))))
	must(db.Index("metered").Put(5, &item{A: 1}))

	// a second registration into the same registry is tolerated
	success(t, registerMetrics(reg))

	values := make(map[string]float64)
	for _, mf := range must(reg.Gather()) {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["index"] != "metered" {
				continue
			}
			name := mf.GetName()
			if kind := labels["kind"]; kind != "" {
				name += ":" + kind
			}
			switch {
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				values[name] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	deepEqual(t, values["ixdb_rebuild_total"], 4.0)
	deepEqual(t, values["ixdb_rebuild_progress"], 4.0)
	deepEqual(t, values["ixdb_rebuild_replayed_ops_total:backfill"], 4.0)
	deepEqual(t, values["ixdb_rebuild_replayed_ops_total:live"], 1.0)
	deepEqual(t, values["ixdb_rebuild_replayed_ops_total:store"], 0.0)
	deepEqual(t, values["ixdb_query_duration_seconds"], 1.0)
}
