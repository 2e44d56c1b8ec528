package ixdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateReconciling
	StateRegenerating
	StateReplayingBackfill
	StateReplayingTail
	StateLive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReconciling:
		return "reconciling"
	case StateRegenerating:
		return "regenerating"
	case StateReplayingBackfill:
		return "replaying-backfill"
	case StateReplayingTail:
		return "replaying-tail"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// errBatchEnd ends one pull from the source.
var errBatchEnd = errors.New("batch end")

// Controller brings an index up to date with its operation log and the
// source, then keeps applying writes as they arrive.
//
// Until the controller is live, writes are only appended to the log; the
// final tail replay picks them up. Once live, a write is applied and hard
// committed before it returns.
type Controller struct {
	name    string
	log     *OpLog
	upd     Updater
	gen     Generator
	staging *Staging
	events  *broadcaster
	opt     *Options
	logger  *slog.Logger

	runMu sync.Mutex // held for the whole of Start and by Close

	writeMu     sync.Mutex
	live        bool
	closed      bool
	unsubscribe func()

	state       atomic.Int32
	queryable   atomic.Bool
	lastApplied atomic.Uint64
	sinceCommit int
	backfilled  uint64 // highest backfill op applied by this Start

	lastProgress time.Time
}

func newController(name string, log *OpLog, upd Updater, gen Generator, staging *Staging, events *broadcaster, opt *Options) *Controller {
	return &Controller{
		name:    name,
		log:     log,
		upd:     upd,
		gen:     gen,
		staging: staging,
		events:  events,
		opt:     opt,
		logger:  opt.Logger,
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.LogAttrs(context.Background(), slog.LevelInfo, "ixdb: index state", slog.String("index", c.name), slog.String("from", old.String()), slog.String("to", s.String()))
	}
}

// IsQueryable reports whether the index has finished its startup pass.
func (c *Controller) IsQueryable() bool {
	return c.queryable.Load()
}

// IsUpToDate reports whether every logged operation has been applied.
func (c *Controller) IsUpToDate() bool {
	latest, err := c.log.LatestOp()
	if err != nil {
		return false
	}
	return c.lastApplied.Load() == latest
}

func (c *Controller) LastApplied() uint64 {
	return c.lastApplied.Load()
}

func (c *Controller) emit(e Event) {
	e.Index = c.name
	c.events.emit(e)
}

// Start runs recovery to completion on the calling goroutine. It fails if
// any replay or backfill step fails; calling it again retries from whatever
// was durably recorded.
func (c *Controller) Start(src Source) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.live {
		return fmt.Errorf("ixdb: index %q already started", c.name)
	}
	err := c.start(src)
	if err != nil {
		c.upd.Rollback()
		c.sinceCommit = 0
		c.setState(StateIdle)
		c.logger.LogAttrs(context.Background(), slog.LevelError, "ixdb: index start failed", slog.String("index", c.name), slog.Any("err", err))
	}
	return err
}

func (c *Controller) start(src Source) error {
	c.setState(StateReconciling)
	soft, err := c.upd.LastHardCommit()
	if err != nil {
		return err
	}
	latest, err := c.log.LatestOp()
	if err != nil {
		return err
	}
	trimmed, err := c.log.LastHardCommit()
	if err != nil {
		return err
	}

	// The log only holds ops above its own hard commit. An index behind that
	// point lost work the log can no longer replay.
	var reset bool
	if soft > latest || soft < trimmed {
		msg := "ixdb: index is ahead of its log, clearing"
		if soft < trimmed {
			msg = "ixdb: index is behind its trimmed log, clearing"
		}
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, slog.String("index", c.name), slog.Uint64("hc", soft), slog.Uint64("log_hc", trimmed), slog.Uint64("latest", latest))
		if err := c.upd.Clear(); err != nil {
			return err
		}
		soft, reset = 0, true
		IndexResets.WithLabelValues(c.name).Inc()
		c.emit(Event{Kind: EventIndexReset})
	}

	w, _, err := c.log.RebuildMax()
	if err != nil {
		return err
	}
	if soft == 0 && (w == 0 || reset) {
		if err := c.resetLog(src); err != nil {
			return err
		}
	} else if soft == 0 {
		gp, gpSource, err := c.log.GenerationPointer()
		if err != nil {
			return err
		}
		c.logger.LogAttrs(context.Background(), slog.LevelInfo, "ixdb: resuming backfill", slog.String("index", c.name), slog.Uint64("gp", gp), slog.Uint64("gp_source", gpSource), slog.Uint64("rebuild_max", w))
	}

	if err := c.log.SetLastHardCommit(soft); err != nil {
		return err
	}
	c.lastApplied.Store(soft)
	c.backfilled = 0

	lastRebuild, err := c.log.LastRebuildOp()
	if err != nil {
		return err
	}
	if lastRebuild > soft {
		c.setState(StateReplayingBackfill)
		if err := c.replay(soft, lastRebuild, false); err != nil {
			return err
		}
		c.backfilled = lastRebuild
	}

	w, wSource, err := c.log.RebuildMax()
	if err != nil {
		return err
	}
	if w > 0 {
		c.setState(StateRegenerating)
		RebuildTotal.WithLabelValues(c.name).Set(float64(w))
		if err := c.regenerate(src, w, wSource); err != nil {
			return err
		}
	}

	c.setState(StateReplayingTail)
	if err := c.replay(c.lastApplied.Load(), math.MaxUint64, false); err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.goLive()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.queryable.Store(true)
	c.emit(Event{Kind: EventRebuildProgress, Queryable: true, Progress: c.backfilled, Total: c.backfilled})
	c.emit(Event{Kind: EventQueryable})

	c.writeMu.Lock()
	err = c.trimOnHardCommit()
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.emit(Event{Kind: EventUpToDate})
	c.setState(StateLive)
	return nil
}

// resetLog wipes the log and reserves one backfill op per source object.
func (c *Controller) resetLog(src Source) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.log.Clear(); err != nil {
		return err
	}
	n := src.Size()
	if n == 0 {
		return nil
	}
	c.logger.LogAttrs(context.Background(), slog.LevelInfo, "ixdb: starting backfill", slog.String("index", c.name), slog.Uint64("count", n), slog.Uint64("largest_id", src.LargestID()))
	return c.log.SetRebuildMax(n, src.LargestID())
}

// goLive applies whatever was logged since the tail replay, hard commits and
// lets writes through. Called with writeMu held.
func (c *Controller) goLive() error {
	if err := c.replay(c.lastApplied.Load(), math.MaxUint64, false); err != nil {
		return err
	}
	if err := c.commit(); err != nil {
		return err
	}
	c.live = true
	return nil
}

// trimOnHardCommit makes every later hard commit trim the log, and trims it
// up to the current one. Called with writeMu held.
func (c *Controller) trimOnHardCommit() error {
	c.unsubscribe = c.upd.OnHardCommit(func(op uint64) {
		if err := c.log.SetLastHardCommit(op); err != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelError, "ixdb: log trim failed", slog.String("index", c.name), slog.Uint64("hc", op), slog.Any("err", err))
		}
	})
	hc, err := c.upd.LastHardCommit()
	if err != nil {
		return err
	}
	return c.log.SetLastHardCommit(hc)
}

// replay applies the logged ops in (from, to]. Live replays are counted
// apart from recovery ones.
func (c *Controller) replay(from, to uint64, live bool) error {
	it := c.log.IteratorRange(from, to)
	for it.Next() {
		if err := c.applyEntry(it.Op(), it.Entry(), live); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return indexErrf(c.name, from, 0, err, "replay")
	}
	return nil
}

func (c *Controller) applyEntry(op uint64, e LogEntry, live bool) error {
	if c.opt.Verbose {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "ixdb: apply", slog.String("index", c.name), slog.Uint64("op", op), slog.String("entry", e.String()))
	}
	kind := "store"
	if e.Type == EntryDeletion {
		kind = "delete"
	}
	if live {
		kind = "live"
	}
	switch e.Type {
	case EntryStore:
		r, err := c.staging.Get(e.StagedID)
		if err != nil {
			return indexErrf(c.name, op, e.DataID, err, "apply")
		}
		if r == nil {
			return indexErrf(c.name, op, e.DataID, stagingErr(e.StagedID, ErrNotFound), "apply")
		}
		if err := c.upd.Apply(op, e.DataID, r); err != nil {
			return err
		}
	case EntryDeletion:
		if err := c.upd.Delete(op, e.DataID); err != nil {
			return err
		}
	default:
		return indexErrf(c.name, op, e.DataID, ErrCorruptLogEntry, "cannot apply %v", e.Type)
	}
	ReplayedOps.WithLabelValues(c.name, kind).Inc()
	c.lastApplied.Store(op)
	return c.maybeCommit()
}

func (c *Controller) maybeCommit() error {
	c.sinceCommit++
	if c.sinceCommit < c.opt.CommitEvery {
		return nil
	}
	return c.commit()
}

func (c *Controller) commit() error {
	c.sinceCommit = 0
	return c.upd.Commit()
}

// regenerate pulls source objects after the generation pointer in batches,
// staging and applying each as a backfill op, until the watermark is reached
// or the source runs out.
func (c *Controller) regenerate(src Source, w, maxSource uint64) error {
	gp, resume, err := c.log.GenerationPointer()
	if err != nil {
		return err
	}
	if gp == 0 {
		if resume, err = c.log.LastStoredID(c.lastApplied.Load()); err != nil {
			return err
		}
	}

	var done bool
	for !done {
		var n int
		var last uint64
		err := src.Iterate(resume, maxSource, func(id uint64, obj any) error {
			op, fin, err := c.backfillOne(id, obj)
			if err != nil {
				return err
			}
			n++
			last = id
			c.progress(op, w)
			if fin {
				done = true
				return errBatchEnd
			}
			if n >= c.opt.BackfillBatchSize {
				return errBatchEnd
			}
			return nil
		})
		if err != nil && !errors.Is(err, errBatchEnd) {
			return err
		}
		if err == nil {
			if !done {
				c.logger.LogAttrs(context.Background(), slog.LevelInfo, "ixdb: source ended before watermark", slog.String("index", c.name), slog.Uint64("applied", c.lastApplied.Load()), slog.Uint64("rebuild_max", w))
				if err := c.log.FinishRebuild(); err != nil {
					return err
				}
			}
			break
		}
		resume = last
	}
	return nil
}

func (c *Controller) backfillOne(id uint64, obj any) (op uint64, done bool, err error) {
	sid, err := c.staging.Stage(func(w io.Writer) error {
		return c.gen.Generate(obj, w)
	})
	if err != nil {
		return 0, false, indexErrf(c.name, 0, id, err, "generate")
	}
	op, done, err = c.log.AppendRebuild(id, sid)
	if err != nil {
		return 0, false, indexErrf(c.name, 0, id, err, "backfill")
	}
	r, err := c.staging.Get(sid)
	if err != nil {
		return 0, false, indexErrf(c.name, op, id, err, "backfill")
	}
	if r == nil {
		return 0, false, indexErrf(c.name, op, id, stagingErr(sid, ErrNotFound), "backfill")
	}
	if err := c.upd.Apply(op, id, r); err != nil {
		return 0, false, err
	}
	ReplayedOps.WithLabelValues(c.name, "backfill").Inc()
	c.lastApplied.Store(op)
	c.backfilled = op
	return op, done, c.maybeCommit()
}

func (c *Controller) progress(applied, total uint64) {
	RebuildProgress.WithLabelValues(c.name).Set(float64(applied))
	now := c.opt.Now()
	if !c.lastProgress.IsZero() && now.Sub(c.lastProgress) < c.opt.ProgressInterval {
		return
	}
	c.lastProgress = now
	c.logger.LogAttrs(context.Background(), slog.LevelInfo, "ixdb: rebuild progress", slog.String("index", c.name), slog.Uint64("applied", applied), slog.Uint64("total", total))
	c.emit(Event{Kind: EventRebuildProgress, Queryable: c.queryable.Load(), Progress: applied, Total: total})
}

// write appends a store (stagedID != 0) or a deletion and, once live, applies
// and hard commits it. A failed apply is rolled back; the op stays in the log
// and is retried ahead of the next write or by the next Start.
func (c *Controller) write(id, stagedID uint64, del bool) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	var op uint64
	var err error
	if del {
		op, err = c.log.AppendDelete(id)
	} else {
		op, err = c.log.AppendStore(id, stagedID)
	}
	if err != nil {
		return 0, indexErrf(c.name, 0, id, err, "append")
	}
	if !c.live {
		return op, nil
	}
	from := c.lastApplied.Load()
	err = c.replay(from, op, true)
	if err == nil {
		err = c.commit()
	}
	if err != nil {
		c.upd.Rollback()
		c.sinceCommit = 0
		c.lastApplied.Store(from)
		return op, err
	}
	return op, nil
}

// Flush hard commits whatever has been applied.
func (c *Controller) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.commit()
}

// Close commits applied work if live. A controller that never went live
// discards uncommitted work, as a crash would; the next Start resumes from
// the last hard commit.
func (c *Controller) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.live {
		err = c.commit()
	} else {
		c.upd.Rollback()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	return err
}
