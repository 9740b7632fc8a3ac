package job

// ============================================================================
// Job Queue - lock-free LIFO with parked consumers
// ============================================================================
//
// Storage:
//   A lockfree.Stack of entries; each entry owns one Job reference. LIFO
//   order keeps freshly split tiles (and their pixel rows) hot in cache.
//
// Parking:
//   waiting counts consumers that registered for a wake-up and were not
//   claimed yet. A producer claims one registration by CAS-decrementing
//   waiting and then posts exactly one token on the semaphore. A consumer
//   registers, re-checks the stack, and only then blocks on the semaphore,
//   so a push between its first pop and its registration cannot be lost.
//   A consumer that leaves without blocking must give back either its
//   registration or the token that was posted for it.
//
// ============================================================================

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/mandelsplit/internal/lockfree"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
	"github.com/ChuLiYu/mandelsplit/internal/raster"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// Options tune how the tile tree is shaped.
type Options struct {
	// TileSize is the cell size a RootTile splits the image into.
	TileSize int
	// LeafSize is the edge below which a ChildTile computes instead of
	// splitting into quadrants.
	LeafSize int
	// SliceRows bounds the rows a leaf computes per Execute; 0 means all.
	SliceRows int
}

// DefaultOptions returns the tiling used when nothing is configured.
func DefaultOptions() Options {
	return Options{TileSize: 64, LeafSize: 16, SliceRows: 0}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.TileSize <= 0 {
		o.TileSize = d.TileSize
	}
	if o.LeafSize <= 0 {
		o.LeafSize = d.LeafSize
	}
	if o.SliceRows < 0 {
		o.SliceRows = 0
	}
	return o
}

// Observer receives queue and job events. Implementations must be safe for
// concurrent use.
type Observer interface {
	JobQueued()
	JobSplit(children int)
	JobFinished(kind Kind, cancelled bool)
	PixelsComputed(n int)
}

type nopObserver struct{}

func (nopObserver) JobQueued()             {}
func (nopObserver) JobSplit(int)           {}
func (nopObserver) JobFinished(Kind, bool) {}
func (nopObserver) PixelsComputed(int)     {}

type entry struct {
	job *Job
}

// Queue hands jobs to workers. All methods are safe for concurrent use
// unless noted.
type Queue struct {
	opts Options
	obs  Observer

	jobs    *lockfree.Arena[Job]
	entries *lockfree.Arena[entry]
	stack   *lockfree.Stack[entry]

	sem     *semaphore.Weighted
	waiting atomic.Int32
}

const semCapacity = math.MaxInt32

// NewQueue creates an empty queue. obs may be nil.
func NewQueue(opts Options, obs Observer) *Queue {
	if obs == nil {
		obs = nopObserver{}
	}
	entries := lockfree.NewArena[entry](nil)
	q := &Queue{
		opts:    opts.normalized(),
		obs:     obs,
		jobs:    lockfree.NewArena[Job](nil),
		entries: entries,
		stack:   lockfree.NewStack(entries),
		sem:     semaphore.NewWeighted(semCapacity),
	}
	// start with no tokens: every Release must be matched by a claim
	q.sem.TryAcquire(semCapacity)
	return q
}

// Options returns the tiling options in effect.
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) newJob(kind Kind, r rect, img *raster.Image, stop *atomic.Bool, parent *Job) *Job {
	img.AssertInside(r.x, r.y, r.w, r.h)
	h := q.jobs.Alloc()
	j := q.jobs.Get(h)
	j.kind = kind
	j.x, j.y, j.w, j.h = r.x, r.y, r.w, r.h
	j.row = 0
	j.img = img
	j.stop = stop
	j.queue = q
	j.handle = h
	j.refs.Store(1)
	if parent != nil {
		parent.Retain()
		j.parent = parent
	}
	return j
}

func (q *Queue) recycle(j *Job) {
	h := j.handle
	j.img, j.stop, j.parent, j.pass = nil, nil, nil, nil
	j.maxFinite.Store(0)
	j.computed.Store(0)
	j.cancelled.Store(false)
	j.handle = lockfree.Nil
	q.jobs.Free(h)
}

// Queue makes j available to workers, taking one reference for the queue
// entry, and wakes one parked worker if there is any.
func (q *Queue) Queue(j *Job) {
	j.Retain()
	h := q.entries.Alloc()
	q.entries.Get(h).job = j
	q.stack.Push(h)
	q.obs.JobQueued()
	q.wakeOne()
}

func (q *Queue) wakeOne() bool {
	for {
		w := q.waiting.Load()
		if w <= 0 {
			return false
		}
		if q.waiting.CompareAndSwap(w, w-1) {
			q.sem.Release(1)
			return true
		}
	}
}

func (q *Queue) pop() *Job {
	h, ok := q.stack.Pop()
	if !ok {
		return nil
	}
	e := q.entries.Get(h)
	j := e.job
	e.job = nil
	q.entries.Free(h)
	return j
}

// DequeueWithoutWaiting returns the most recently queued job, or nil. The
// caller owns the entry's reference.
func (q *Queue) DequeueWithoutWaiting() *Job {
	return q.pop()
}

// Dequeue returns the most recently queued job, parking until one arrives
// or ctx is done. The caller owns the entry's reference.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if j := q.pop(); j != nil {
			return j, nil
		}

		q.waiting.Add(1)
		if j := q.pop(); j != nil {
			q.unregister()
			return j, nil
		}
		if err := q.sem.Acquire(ctx, 1); err != nil {
			q.unregister()
			return nil, err
		}
	}
}

// unregister withdraws one registration. If every registration has already
// been claimed, a token is on its way for this consumer; it is absorbed and
// the wake-up forwarded when work is still queued.
func (q *Queue) unregister() {
	for {
		w := q.waiting.Load()
		if w > 0 {
			if q.waiting.CompareAndSwap(w, w-1) {
				return
			}
			continue
		}
		// the claimer posts right after its CAS, so this does not block long
		_ = q.sem.Acquire(context.Background(), 1)
		if !q.stack.Empty() {
			q.wakeOne()
		}
		return
	}
}

// Waiting returns the number of consumers registered for a wake-up.
func (q *Queue) Waiting() int {
	return int(q.waiting.Load())
}

// Empty reports whether no job was queued at the time of the call.
func (q *Queue) Empty() bool {
	return q.stack.Empty()
}

// Clear removes every queued job and drops the queue's references. Removed
// jobs count as cancelled. It returns the number of jobs removed.
func (q *Queue) Clear() int {
	n := 0
	for j := q.pop(); j != nil; j = q.pop() {
		j.cancelled.Store(true)
		j.Release()
		n++
	}
	return n
}

// Prioritize reorders the queued jobs so the one nearest to pixel (x, y)
// is dequeued first. Jobs queued concurrently end up below the sorted ones.
func (q *Queue) Prioritize(x, y int) {
	private := lockfree.NewStack(q.entries)
	for {
		h, ok := q.stack.Pop()
		if !ok {
			break
		}
		private.PushNonThreadSafe(h)
	}
	n := private.LenNonThreadSafe()
	if n == 0 {
		return
	}
	logging.L().Debug("queue prioritized", "x", x, "y", y, "jobs", n)
	private.SortNonThreadSafe(func(a, b *entry) bool {
		return a.job.Distance(x, y) < b.job.Distance(x, y)
	})
	private.TransferNonThreadSafe(q.stack)
	// workers may have parked while the stack looked empty
	for i := 0; i < n; i++ {
		if !q.wakeOne() {
			break
		}
	}
}

// Submit starts a pass over img: it queues a RootTile that covers the whole
// image and returns the handle that reports its completion. Raising stop
// cancels the pass.
func (q *Queue) Submit(img *raster.Image, stop *atomic.Bool) *Pass {
	p := &Pass{
		ID:      uuid.New(),
		started: time.Now(),
		done:    make(chan struct{}),
		stats: types.PassStats{
			Width:     img.Width(),
			Height:    img.Height(),
			MaxIter:   img.MaxIter(),
			Precision: img.Precision(),
			Mode:      types.ModeForPrecision(img.Precision()),
		},
	}
	p.stats.ID = types.PassID(p.ID.String())
	p.stats.StartedAt = p.started

	root := q.newJob(RootTile, rect{0, 0, img.Width(), img.Height()}, img, stop, nil)
	root.pass = p
	q.Queue(root)
	root.Release()
	return p
}
