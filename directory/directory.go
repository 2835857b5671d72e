// Package directory implements the extendible-hash directory that routes
// fingerprints to segments and grows them on demand: a doubling array of
// (segment, localDepth) entries dispatched through a fixed worker pool,
// exactly the shape wal_writer.go uses for its single writer queue, widened
// to NUM_THREADS independent queues keyed by the low bits of the
// fingerprint (§4.6, §5).
package directory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/flashindex/fpindex/config"
	"github.com/flashindex/fpindex/hashing"
	"github.com/flashindex/fpindex/payload"
	"github.com/flashindex/fpindex/segment"
	"github.com/flashindex/fpindex/sslog"
)

// ErrClosed mirrors wal_writer.go's os.ErrClosed reuse for a shut-down pool.
var ErrClosed = errors.New("directory: closed")

// ErrSplitRetriesExhausted is the fatal error surfaced when a write still
// fails after MaxSplits rounds of double-then-expand (§4.6 step 3).
var ErrSplitRetriesExhausted = errors.New("directory: split retries exhausted")

// MaxSplits bounds the double/expand retry loop. It must be at least
// FingerprintSize - 2*CountSlotBits (§4.6 step 3); 64 is a safe constant
// for any FingerprintSize <= 64.
const MaxSplits = 64

type segEntry struct {
	seg        *segment.Segment
	localDepth uint
}

// Directory is the top-level index: a doubling directory of segment
// references dispatched through NumThreads worker queues.
type Directory struct {
	cfg    config.Traits
	hasher hashing.Hasher
	logger *zap.Logger

	mu          sync.RWMutex
	globalDepth uint
	segData     []segEntry

	workers []*worker
	active  int64
}

// New builds a directory with a single initial segment at globalDepth 0.
func New(cfg config.Traits, hasher hashing.Hasher, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		cfg:     cfg,
		hasher:  hasher,
		logger:  logger,
		segData: []segEntry{{seg: segment.New(cfg, 2*cfg.CountSlotBits(), hasher), localDepth: 0}},
		workers: make([]*worker, cfg.NumThreads),
	}
	for i := range d.workers {
		d.workers[i] = newWorker()
	}
	return d
}

// Close drains every worker queue and stops its goroutine. Outstanding
// Future handles that have not yet resolved will still complete.
func (d *Directory) Close() {
	for _, w := range d.workers {
		w.close()
	}
}

// IsActive reports whether any dispatched operation is still in flight,
// for callers wanting quiescence before shutdown (§5 "isActive()").
func (d *Directory) IsActive() bool {
	return atomic.LoadInt64(&d.active) > 0
}

// dirIdxLocked computes the low-G-bits directory index for fp. Callers
// must already hold d.mu (read or write).
func (d *Directory) dirIdxLocked(fp uint64) uint {
	if d.globalDepth == 0 {
		return 0
	}
	return uint(fp & ((uint64(1) << d.globalDepth) - 1))
}

func (d *Directory) dirIdx(fp uint64) uint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirIdxLocked(fp)
}

// segmentFor resolves fp's current segment in a single critical section,
// avoiding a recursive RLock around dirIdx.
func (d *Directory) segmentFor(fp uint64) *segment.Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.segData[d.dirIdxLocked(fp)].seg
}

func (d *Directory) workerIdx(idx uint) uint {
	return idx % d.cfg.NumThreads
}

// Future is a thin handle resolving with a dispatched operation's result,
// matching SPEC_FULL's "Future[T]-style handle" external interface.
type Future[T any] struct {
	done chan result[T]
}

type result[T any] struct {
	val T
	err error
}

// Wait blocks until the dispatched operation completes.
func (f *Future[T]) Wait() (T, error) {
	r := <-f.done
	return r.val, r.err
}

func newFuture[T any]() (*Future[T], chan result[T]) {
	ch := make(chan result[T], 1)
	return &Future[T]{done: ch}, ch
}

type opKind int

const (
	opWrite opKind = iota
	opRead
	opRemove
)

type request struct {
	kind opKind
	fp   uint64
	log  sslog.Log
	pld  payload.Payload

	writeDone  chan result[bool]
	readDone   chan result[ReadResult]
	removeDone chan result[bool]
}

// ReadResult is the value half of a ReadSegment future.
type ReadResult struct {
	Payload payload.Payload
	Found   bool
}

// WriteSegment dispatches an insert/update, queued on the worker owning
// fp's directory index. Returns a future resolving to false only if every
// bounded split retry was exhausted and the operation could not complete.
func (d *Directory) WriteSegment(fp uint64, log sslog.Log, pld payload.Payload) *Future[bool] {
	future, ch := newFuture[bool]()
	req := &request{kind: opWrite, fp: fp, log: log, pld: pld, writeDone: ch}
	d.dispatch(fp, req)
	return future
}

// ReadSegment dispatches a point lookup.
func (d *Directory) ReadSegment(fp uint64, log sslog.Log) *Future[ReadResult] {
	future, ch := newFuture[ReadResult]()
	req := &request{kind: opRead, fp: fp, log: log, readDone: ch}
	d.dispatch(fp, req)
	return future
}

// RemoveSegment dispatches a delete.
func (d *Directory) RemoveSegment(fp uint64, log sslog.Log) *Future[bool] {
	future, ch := newFuture[bool]()
	req := &request{kind: opRemove, fp: fp, log: log, removeDone: ch}
	d.dispatch(fp, req)
	return future
}

// WriteSegmentSync, ReadSegmentSync and RemoveSegmentSync are the
// single-threaded variants, used throughout this module's own tests.
func (d *Directory) WriteSegmentSync(fp uint64, log sslog.Log, pld payload.Payload) (bool, error) {
	return d.WriteSegment(fp, log, pld).Wait()
}

func (d *Directory) ReadSegmentSync(fp uint64, log sslog.Log) (ReadResult, error) {
	return d.ReadSegment(fp, log).Wait()
}

func (d *Directory) RemoveSegmentSync(fp uint64, log sslog.Log) (bool, error) {
	return d.RemoveSegment(fp, log).Wait()
}

func (d *Directory) dispatch(fp uint64, req *request) {
	atomic.AddInt64(&d.active, 1)
	idx := d.workerIdx(d.dirIdx(fp))
	w := d.workers[idx]
	if err := w.submit(func() { d.handle(req) }); err != nil {
		atomic.AddInt64(&d.active, -1)
		d.deliverClosed(req)
	}
}

// deliverClosed resolves req's future with ErrClosed without having run
// any segment operation, used when the owning worker already shut down.
func (d *Directory) deliverClosed(req *request) {
	switch req.kind {
	case opRead:
		req.readDone <- result[ReadResult]{err: ErrClosed}
	case opRemove:
		req.removeDone <- result[bool]{err: ErrClosed}
	case opWrite:
		req.writeDone <- result[bool]{err: ErrClosed}
	}
}

func (d *Directory) handle(req *request) {
	// The in-flight counter is released before each result is delivered, so
	// IsActive is already false for an operation whose future has resolved.
	switch req.kind {
	case opRead:
		seg := d.segmentFor(req.fp)
		p, found, err := seg.Read(req.fp, req.log)
		atomic.AddInt64(&d.active, -1)
		req.readDone <- result[ReadResult]{val: ReadResult{Payload: p, Found: found}, err: err}

	case opRemove:
		seg := d.segmentFor(req.fp)
		removed, err := seg.Remove(req.fp, req.log)
		atomic.AddInt64(&d.active, -1)
		req.removeDone <- result[bool]{val: removed, err: err}

	case opWrite:
		ok, err := d.writeWithSplitRetry(req.fp, req.log, req.pld)
		atomic.AddInt64(&d.active, -1)
		req.writeDone <- result[bool]{val: ok, err: err}
	}
}

// writeWithSplitRetry implements §4.6's Write algorithm: try the segment,
// and on space exhaustion double the directory (if this entry is already
// at globalDepth) and/or expand the segment, then retry, bounded by
// MaxSplits rounds.
func (d *Directory) writeWithSplitRetry(fp uint64, log sslog.Log, pld payload.Payload) (bool, error) {
	var errs error
	for attempt := 0; attempt < MaxSplits; attempt++ {
		d.mu.RLock()
		idx := d.dirIdxLocked(fp)
		seg := d.segData[idx].seg
		d.mu.RUnlock()

		ok, err := seg.Write(fp, log, pld)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		if splitErr := d.splitOnce(idx, log); splitErr != nil {
			if errors.Is(splitErr, segment.ErrSplitImpossible) {
				d.logger.Error("segment split impossible, fingerprint space exhausted",
					zap.Uint64("fp", fp), zap.Uint("dirIdx", idx))
				return false, splitErr
			}
			errs = multierr.Append(errs, splitErr)
		}
	}
	d.logger.Error("write failed after exhausting split retries", zap.Uint64("fp", fp))
	if errs != nil {
		return false, multierr.Append(fmt.Errorf("%w", ErrSplitRetriesExhausted), errs)
	}
	return false, ErrSplitRetriesExhausted
}

// splitOnce doubles the directory if necessary, expands the segment at
// idx into two children, and installs them (§4.6 steps 1-2).
func (d *Directory) splitOnce(idx uint, log sslog.Log) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := d.segData[idx]
	if entry.localDepth == d.globalDepth {
		d.logger.Warn("doubling directory", zap.Uint("globalDepth", d.globalDepth))
		d.segData = append(d.segData, d.segData...)
		d.globalDepth++
		// idx's bit pattern is unchanged by doubling; its mirror at idx+oldLen
		// now also points at entry, ready for the split below.
	}

	entry = d.segData[idx]
	child0, child1, err := entry.seg.Expand(log)
	if err != nil {
		return fmt.Errorf("directory: expand segment at dirIdx %d: %w", idx, err)
	}

	newLocalDepth := entry.localDepth + 1
	bit := uint64(1) << entry.localDepth
	for i := range d.segData {
		if uint64(i)&(bit-1) != uint64(idx)&(bit-1) {
			continue
		}
		if uint64(i)&bit == 0 {
			d.segData[i] = segEntry{seg: child0, localDepth: newLocalDepth}
		} else {
			d.segData[i] = segEntry{seg: child1, localDepth: newLocalDepth}
		}
	}
	return nil
}

// GlobalDepth is an introspection helper used by tests to assert growth.
func (d *Directory) GlobalDepth() uint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.globalDepth
}

// SegmentCount is the current number of directory slots (2^globalDepth).
func (d *Directory) SegmentCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.segData)
}
