package job

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mandelsplit/internal/kernel"
	"github.com/ChuLiYu/mandelsplit/internal/raster"
)

type recordingObserver struct {
	mu       sync.Mutex
	queued   int
	children int
	finished []Kind
	pixels   int
}

func (r *recordingObserver) JobQueued() {
	r.mu.Lock()
	r.queued++
	r.mu.Unlock()
}

func (r *recordingObserver) JobSplit(n int) {
	r.mu.Lock()
	r.children += n
	r.mu.Unlock()
}

func (r *recordingObserver) JobFinished(kind Kind, _ bool) {
	r.mu.Lock()
	r.finished = append(r.finished, kind)
	r.mu.Unlock()
}

func (r *recordingObserver) PixelsComputed(n int) {
	r.mu.Lock()
	r.pixels += n
	r.mu.Unlock()
}

func newTestImage(t *testing.T, w, h int, maxIter uint32) *raster.Image {
	t.Helper()
	img, err := raster.New(w, h)
	require.NoError(t, err)
	img.SetMaxIter(maxIter)
	img.SetStart(big.NewFloat(-2.2), big.NewFloat(-1.25))
	img.SetDReIm(big.NewFloat(3.2/float64(w)), big.NewFloat(0))
	img.MarkAll()
	img.BeginPass()
	return img
}

// runWorkers drains q with n goroutines until the returned func is called.
func runWorkers(q *Queue, n int) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				if !j.Execute() {
					q.Queue(j)
				}
				j.Release()
			}
		}()
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

// drain executes everything queued on the calling goroutine and returns
// how many times a job had to be queued again.
func drain(q *Queue) int {
	requeued := 0
	for j := q.DequeueWithoutWaiting(); j != nil; j = q.DequeueWithoutWaiting() {
		if !j.Execute() {
			q.Queue(j)
			requeued++
		}
		j.Release()
	}
	return requeued
}

func waitPass(t *testing.T, p *Pass) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pass did not finish")
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "root", RootTile.String())
	assert.Equal(t, "tile", ChildTile.String())
	assert.Equal(t, "unknown", Kind(7).String())
}

func TestPassComputesEveryPixel(t *testing.T) {
	img := newTestImage(t, 100, 70, 64)
	obs := &recordingObserver{}
	q := NewQueue(Options{TileSize: 32, LeafSize: 8}, obs)

	stop := runWorkers(q, 4)
	defer stop()

	var flag atomic.Bool
	pass := q.Submit(img, &flag)
	waitPass(t, pass)

	stats := pass.Stats()
	assert.False(t, stats.Cancelled)
	assert.Equal(t, int64(100*70), stats.PixelsComputed)
	assert.Equal(t, 0, img.Pending())
	assert.Equal(t, 1.0, img.Progress())

	var greatest uint32
	for y := 0; y < 70; y++ {
		for x := 0; x < 100; x++ {
			re, im := img.PixelCoord(x, y)
			want := kernel.Float64(re, im, 64, nil)
			require.Equal(t, want.Iter, img.At(x, y), "pixel (%d,%d)", x, y)
			if want.Outcome == kernel.Escaped && want.Iter > greatest {
				greatest = want.Iter
			}
		}
	}
	assert.Equal(t, greatest, stats.MaxFiniteIter)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 100*70, obs.pixels)
	// every spawned child plus the root finishes exactly once
	assert.Len(t, obs.finished, obs.children+1)
	assert.Equal(t, RootTile, obs.finished[len(obs.finished)-1], "root finishes last")
}

func TestPassSkipsResolvedPixels(t *testing.T) {
	img := newTestImage(t, 32, 32, 32)
	q := NewQueue(Options{TileSize: 16, LeafSize: 8}, nil)
	var flag atomic.Bool

	waitPassDrained := func() *Pass {
		p := q.Submit(img, &flag)
		drain(q)
		waitPass(t, p)
		return p
	}
	waitPassDrained()

	// everything is resolved and the budget did not grow
	img.SetRecalcLimit(img.MaxIter())
	require.Equal(t, 0, img.BeginPass())
	p := waitPassDrained()
	assert.Equal(t, int64(0), p.Stats().PixelsComputed)

	// only flagged pixels are recomputed
	for y := 0; y < 2; y++ {
		row := img.Row(y)
		for x := 0; x < 4; x++ {
			row[x] |= raster.NeedsRecalc
		}
	}
	require.Equal(t, 8, img.BeginPass())
	p = waitPassDrained()
	assert.Equal(t, int64(8), p.Stats().PixelsComputed)
}

func TestStopFlagCancelsPass(t *testing.T) {
	img := newTestImage(t, 40, 40, 100)
	q := NewQueue(Options{TileSize: 16, LeafSize: 8}, nil)

	var flag atomic.Bool
	flag.Store(true)
	pass := q.Submit(img, &flag)
	drain(q)
	waitPass(t, pass)

	stats := pass.Stats()
	assert.True(t, stats.Cancelled)
	assert.Equal(t, int64(0), stats.PixelsComputed)
	assert.Equal(t, 40*40, img.Pending())
	for _, v := range img.Pixels() {
		require.NotZero(t, v&raster.NeedsRecalc)
	}
}

func TestSliceRowsRequeues(t *testing.T) {
	img := newTestImage(t, 8, 8, 16)
	q := NewQueue(Options{TileSize: 8, LeafSize: 8, SliceRows: 2}, nil)

	var flag atomic.Bool
	pass := q.Submit(img, &flag)
	requeued := drain(q)
	waitPass(t, pass)

	// one leaf of eight rows, two rows per slice
	assert.Equal(t, 3, requeued)
	assert.Equal(t, int64(64), pass.Stats().PixelsComputed)
	assert.False(t, pass.Stats().Cancelled)
}

func TestPrecisionModes(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		img := newTestImage(t, 24, 24, 40)
		img.SetPrecision(-1)
		q := NewQueue(Options{TileSize: 16, LeafSize: 8}, nil)
		var flag atomic.Bool
		p := q.Submit(img, &flag)
		drain(q)
		waitPass(t, p)

		for y := 0; y < 24; y++ {
			for x := 0; x < 24; x++ {
				re, im := img.PixelCoord(x, y)
				want := kernel.Float32(float32(re), float32(im), 40, nil)
				require.Equal(t, want.Iter, img.At(x, y))
			}
		}
	})

	t.Run("fixed", func(t *testing.T) {
		img := newTestImage(t, 24, 24, 40)
		img.SetPrecision(2)
		q := NewQueue(Options{TileSize: 16, LeafSize: 8}, nil)
		var flag atomic.Bool
		p := q.Submit(img, &flag)
		drain(q)
		waitPass(t, p)

		assert.Equal(t, int64(24*24), p.Stats().PixelsComputed)
		for y := 0; y < 24; y++ {
			for x := 0; x < 24; x++ {
				v := img.At(x, y)
				require.Zero(t, v&raster.NeedsRecalc)
				re, im := img.PixelCoord(x, y)
				want := kernel.Float64(re, im, 40, nil)
				if want.Outcome == kernel.Escaped && want.Iter < 12 {
					assert.InDelta(t, want.Iter, v, 1, "pixel (%d,%d)", x, y)
				}
			}
		}
	})
}

func TestReleaseRunsFinishOnce(t *testing.T) {
	obs := &recordingObserver{}
	q := NewQueue(DefaultOptions(), obs)
	img := newTestImage(t, 4, 4, 8)
	var flag atomic.Bool

	j := q.newJob(ChildTile, rect{0, 0, 4, 4}, img, &flag, nil)
	j.Retain()
	assert.Equal(t, int32(2), j.Refs())
	j.Release()
	assert.Empty(t, obs.finished)
	j.Release()
	assert.Equal(t, []Kind{ChildTile}, obs.finished)

	assert.Panics(t, func() { j.Retain() })
}

func TestParentFinishesAfterChildren(t *testing.T) {
	obs := &recordingObserver{}
	q := NewQueue(DefaultOptions(), obs)
	img := newTestImage(t, 8, 8, 8)
	var flag atomic.Bool

	parent := q.newJob(RootTile, rect{0, 0, 8, 8}, img, &flag, nil)
	a := q.newJob(ChildTile, rect{0, 0, 4, 8}, img, &flag, parent)
	b := q.newJob(ChildTile, rect{4, 0, 4, 8}, img, &flag, parent)
	assert.Equal(t, int32(3), parent.Refs())

	parent.Release()
	a.Release()
	assert.Equal(t, []Kind{ChildTile}, obs.finished)
	b.Release()
	assert.Equal(t, []Kind{ChildTile, ChildTile, RootTile}, obs.finished)
}

func TestDequeueWithoutWaiting(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	img := newTestImage(t, 8, 8, 8)
	var flag atomic.Bool

	assert.Nil(t, q.DequeueWithoutWaiting())
	assert.True(t, q.Empty())

	first := q.newJob(ChildTile, rect{0, 0, 4, 4}, img, &flag, nil)
	second := q.newJob(ChildTile, rect{4, 4, 4, 4}, img, &flag, nil)
	q.Queue(first)
	q.Queue(second)
	assert.False(t, q.Empty())

	assert.Same(t, second, q.DequeueWithoutWaiting())
	assert.Same(t, first, q.DequeueWithoutWaiting())
	assert.Nil(t, q.DequeueWithoutWaiting())

	for _, j := range []*Job{first, second} {
		j.Release()
		j.Release()
	}
}

func TestDequeueWakesOneWaiter(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	img := newTestImage(t, 8, 8, 8)
	var flag atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Job, 3)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			j, err := q.Dequeue(ctx)
			if err != nil {
				errs <- err
				return
			}
			got <- j
		}()
	}
	require.Eventually(t, func() bool { return q.Waiting() == 3 }, time.Second, time.Millisecond)

	j := q.newJob(ChildTile, rect{0, 0, 8, 8}, img, &flag, nil)
	q.Queue(j)
	j.Release()

	select {
	case d := <-got:
		assert.Same(t, j, d)
		d.Release()
	case <-time.After(time.Second):
		t.Fatal("no waiter woke up")
	}
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("waiter did not leave on cancel")
		}
	}
	assert.Equal(t, 0, q.Waiting())
}

func TestDequeueManyProducers(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	img := newTestImage(t, 8, 8, 8)
	var flag atomic.Bool

	const total = 2000
	var consumed atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				j.Release()
				consumed.Add(1)
			}
		}()
	}

	var producers sync.WaitGroup
	for p := 0; p < 4; p++ {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for i := 0; i < total/4; i++ {
				j := q.newJob(ChildTile, rect{0, 0, 1, 1}, img, &flag, nil)
				q.Queue(j)
				j.Release()
			}
		}()
	}
	producers.Wait()

	require.Eventually(t, func() bool { return consumed.Load() == total }, 5*time.Second, time.Millisecond)
	cancel()
	wg.Wait()
	assert.True(t, q.Empty())
}

func TestDequeueContextCancelled(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, err := q.Dequeue(ctx)
	assert.Nil(t, j)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Waiting())
}

func TestClearCancelsPass(t *testing.T) {
	obs := &recordingObserver{}
	q := NewQueue(DefaultOptions(), obs)
	img := newTestImage(t, 16, 16, 8)
	var flag atomic.Bool

	pass := q.Submit(img, &flag)
	assert.Equal(t, 1, q.Clear())
	assert.True(t, q.Empty())

	waitPass(t, pass)
	assert.True(t, pass.Stats().Cancelled)
	assert.Equal(t, int64(0), pass.Stats().PixelsComputed)
	assert.Equal(t, 0, q.Clear())
}

func TestPrioritizeOrdersByDistance(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	img := newTestImage(t, 64, 64, 8)
	var flag atomic.Bool

	rects := []rect{{0, 0, 16, 16}, {48, 48, 16, 16}, {16, 0, 16, 16}, {0, 48, 16, 16}, {32, 32, 16, 16}}
	for _, r := range rects {
		j := q.newJob(ChildTile, r, img, &flag, nil)
		q.Queue(j)
		j.Release()
	}

	q.Prioritize(60, 60)

	var order []int
	for j := q.DequeueWithoutWaiting(); j != nil; j = q.DequeueWithoutWaiting() {
		order = append(order, j.Distance(60, 60))
		j.Release()
	}
	require.Len(t, order, len(rects))
	assert.IsNonDecreasing(t, order)
}

func TestPrioritizeEmptyQueue(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	assert.NotPanics(t, func() { q.Prioritize(1, 1) })
	assert.True(t, q.Empty())
}

func TestSplitQueuesNearestChildOnTop(t *testing.T) {
	q := NewQueue(Options{TileSize: 32, LeafSize: 8}, nil)
	img := newTestImage(t, 64, 64, 8)
	img.SetPriorityPoint(60, 5)
	var flag atomic.Bool

	pass := q.Submit(img, &flag)
	root := q.DequeueWithoutWaiting()
	require.NotNil(t, root)
	assert.Equal(t, RootTile, root.Kind())
	assert.True(t, root.Execute())
	root.Release()

	top := q.DequeueWithoutWaiting()
	require.NotNil(t, top)
	x, y, w, h := top.Rect()
	assert.Equal(t, [4]int{32, 0, 32, 32}, [4]int{x, y, w, h})
	top.Release()

	q.Clear()
	waitPass(t, pass)
}

func TestLeafSplitsIntoQuadrants(t *testing.T) {
	obs := &recordingObserver{}
	q := NewQueue(Options{TileSize: 64, LeafSize: 8}, obs)
	img := newTestImage(t, 17, 9, 8)
	var flag atomic.Bool

	j := q.newJob(ChildTile, rect{0, 0, 17, 9}, img, &flag, nil)
	assert.True(t, j.Execute())
	assert.Equal(t, 4, obs.children)

	area := 0
	for c := q.DequeueWithoutWaiting(); c != nil; c = q.DequeueWithoutWaiting() {
		_, _, w, h := c.Rect()
		area += w * h
		c.Release()
	}
	assert.Equal(t, 17*9, area)
	j.Release()
}

func TestSortFarthestFirst(t *testing.T) {
	rects := []rect{{0, 0, 2, 2}, {10, 10, 2, 2}, {4, 4, 2, 2}}
	sortFarthestFirst(rects, 0, 0)
	assert.Equal(t, []rect{{10, 10, 2, 2}, {4, 4, 2, 2}, {0, 0, 2, 2}}, rects)
}

func TestDistance(t *testing.T) {
	q := NewQueue(DefaultOptions(), nil)
	img := newTestImage(t, 8, 8, 8)
	var flag atomic.Bool

	j := q.newJob(ChildTile, rect{2, 2, 4, 4}, img, &flag, nil)
	assert.Equal(t, 0, j.Distance(4, 4))
	assert.Equal(t, 4*4+4*4, j.Distance(2, 2))
	assert.Equal(t, "ChildTile(2,2 4x4)", j.String())
	j.Release()

	r := q.newJob(RootTile, rect{0, 0, 8, 8}, img, &flag, nil)
	assert.Equal(t, 0, r.Distance(100, 100))
	assert.Equal(t, "RootTile(8x8)", r.String())
	r.Release()
}
