// ============================================================================
// Mandelsplit 控制器 - 渲染協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調 raster.Image、job.Queue 與 worker.Pool，驅動一輪輪的漸進渲染
//
// 架構設計:
//   Controller 是一層薄的協調器，本身不做像素計算：
//   - raster.Image: 像素狀態、迭代上限與複平面幾何
//   - job.Queue:    無鎖 LIFO 佇列，承載 RootTile / ChildTile
//   - worker.Pool:  固定數量的 Worker，從佇列取任務並執行
//   - metrics:      可選的 Prometheus 指標收集器
//
// 渲染輪次 (Pass):
//   1. BeginPass() 統計需要計算的像素
//   2. Submit() 排入覆蓋整張圖的 RootTile
//   3. Worker 分裂 / 計算 Tile，子任務完成後父任務才收尾
//   4. RootTile 收尾時發布 PassStats，RunPass 返回
//
// 停止與靜止 (Quiesce):
//   - 升起 stop 旗標：計算中的 Tile 在下一個輪詢點退出
//   - Clear() 佇列：尚未執行的 Tile 直接收尾並標記為取消
//   - 等待 RootTile 收尾，之後才可修改幾何或精度
//
// 並發安全:
//   - mu 保護 view、current 與統計欄位
//   - 幾何與精度只在沒有活躍輪次時修改
//   - 進度與停駐 Worker 數透過原子操作讀取
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/mandelsplit/internal/job"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
	"github.com/ChuLiYu/mandelsplit/internal/metrics"
	"github.com/ChuLiYu/mandelsplit/internal/raster"
	"github.com/ChuLiYu/mandelsplit/internal/worker"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted 表示 Controller 尚未啟動
	ErrNotStarted = errors.New("controller not started")
	// ErrStopped 表示 Controller 已停止
	ErrStopped = errors.New("controller stopped")
	// ErrPassRunning 表示已有一輪渲染在進行
	ErrPassRunning = errors.New("render pass already running")
	// ErrInvalidView 表示視圖參數不合法
	ErrInvalidView = errors.New("invalid view")
)

// statusTick 是更新進度指標的間隔
const statusTick = 100 * time.Millisecond

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Width, Height    int                // 圖像尺寸（像素）
	WorkerCount      int                // Worker 數量
	Tiling           job.Options        // Tile 切分參數
	AllowFloat32     bool               // 淺層視圖是否允許 float32
	MaxPrecision     int                // 定點 limb 數上限
	ProgressInterval time.Duration      // 進度日誌最小間隔
	Metrics          *metrics.Collector // 可為 nil
}

// Controller 渲染控制器
type Controller struct {
	cfg   Config
	img   *raster.Image
	queue *job.Queue
	pool  *worker.Pool

	stop        atomic.Bool     // 當前輪次的停止旗標
	progressLog *rate.Sometimes // 節流進度日誌
	stopWatch   func() bool     // 取消 Start(ctx) 的監聽

	mu         sync.Mutex
	view       types.View
	current    *job.Pass
	started    bool
	stopped    bool
	lastPass   *types.PassStats
	passesDone int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例並套用預設視圖
//
// 參數：
//   - cfg: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 圖像尺寸不合法時返回錯誤
func New(cfg Config) (*Controller, error) {
	img, err := raster.New(cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	if cfg.MaxPrecision < 1 {
		cfg.MaxPrecision = DefaultMaxPrecision
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}

	var (
		jobObs    job.Observer
		workerObs worker.Observer
	)
	if cfg.Metrics != nil {
		jobObs, workerObs = cfg.Metrics, cfg.Metrics
	}
	q := job.NewQueue(cfg.Tiling, jobObs)

	c := &Controller{
		cfg:         cfg,
		img:         img,
		queue:       q,
		pool:        worker.NewPool(q, workerObs),
		progressLog: logging.Every(cfg.ProgressInterval),
	}
	if err := c.SetView(DefaultView()); err != nil {
		return nil, err
	}
	return c, nil
}

// Start 啟動 Worker Pool；ctx 結束時等同呼叫 Stop
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if err := c.pool.Start(c.cfg.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true
	c.stopWatch = context.AfterFunc(ctx, func() {
		if err := c.Stop(); err != nil {
			logging.L().Error("controller stop failed", "error", err)
		}
	})

	logging.L().Info("controller started",
		"workers", c.cfg.WorkerCount,
		"width", c.cfg.Width, "height", c.cfg.Height)
	return nil
}

// Stop 停止當前輪次並關閉 Worker Pool
//
// 關閉順序：
//  1. Quiesce()：讓進行中的輪次收尾
//  2. pool.Stop()：停駐的 Worker 返回，errgroup 等待全部退出
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	stopWatch := c.stopWatch
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	c.Quiesce()
	err := c.pool.Stop()
	logging.L().Info("controller stopped", "passes", c.passCount())
	return err
}

func (c *Controller) passCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passesDone
}

// RunPass 執行一輪渲染並等待 RootTile 收尾
//
// 流程：
//  1. 重置 stop 旗標並統計需要計算的像素
//  2. 排入 RootTile
//  3. 等待完成；期間定期更新進度指標
//  4. ctx 結束時 Quiesce，返回已取消的統計與 ctx 錯誤
//
// 返回值：
//   - types.PassStats: 本輪統計
//   - error: 未啟動、已有輪次或 ctx 結束
func (c *Controller) RunPass(ctx context.Context) (types.PassStats, error) {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return types.PassStats{}, ErrStopped
	case !c.started:
		c.mu.Unlock()
		return types.PassStats{}, ErrNotStarted
	case c.current != nil:
		c.mu.Unlock()
		return types.PassStats{}, ErrPassRunning
	}
	c.stop.Store(false)
	pending := c.img.BeginPass()
	p := c.queue.Submit(c.img, &c.stop)
	c.current = p
	c.mu.Unlock()

	logging.L().Debug("pass submitted", "pass", p.ID, "pending", pending)

	ticker := time.NewTicker(statusTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.Done():
			c.settle(p)
			return p.Stats(), nil
		case <-ctx.Done():
			c.Quiesce()
			return p.Stats(), ctx.Err()
		case <-ticker.C:
			c.reportProgress(p)
		}
	}
}

// Quiesce 取消進行中的輪次並等待所有 Tile 收尾。沒有輪次時立即返回。
func (c *Controller) Quiesce() {
	c.mu.Lock()
	p := c.current
	c.mu.Unlock()
	if p == nil {
		return
	}

	c.stop.Store(true)
	removed := c.queue.Clear()
	<-p.Done()
	c.settle(p)
	logging.L().Debug("pass quiesced", "pass", p.ID, "removed", removed)
}

// settle 記錄已完成輪次的結果。由最先觀察到完成的一方執行一次。
func (c *Controller) settle(p *job.Pass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != p {
		return
	}
	c.current = nil

	stats := p.Stats()
	if !stats.Cancelled {
		// 已計算的像素不再因舊的迭代上限而重算
		c.img.SetRecalcLimit(c.img.MaxIter())
	}
	c.lastPass = &stats
	c.passesDone++
	if m := c.cfg.Metrics; m != nil {
		m.RecordPass(stats)
		m.UpdateRenderState(c.img.Progress(), c.queue.Waiting(), c.img.Precision(), c.img.MaxIter())
	}
	logging.L().Info("pass finished",
		"pass", stats.ID,
		"mode", stats.Mode,
		"max_iter", stats.MaxIter,
		"computed", stats.PixelsComputed,
		"max_finite", stats.MaxFiniteIter,
		"cancelled", stats.Cancelled,
		"duration", stats.Duration)
}

func (c *Controller) reportProgress(p *job.Pass) {
	progress := c.img.Progress()
	if m := c.cfg.Metrics; m != nil {
		m.UpdateRenderState(progress, c.queue.Waiting(), c.img.Precision(), c.img.MaxIter())
	}
	c.progressLog.Do(func() {
		logging.L().Info("pass progress",
			"pass", p.ID,
			"progress", fmt.Sprintf("%.1f%%", progress*100),
			"pending", c.img.Pending())
	})
}

// Refine 連續執行數輪，每輪依最大有限迭代次數提高迭代上限
//
// 只有達到舊上限的像素會被重算（recalcLimit = 舊上限）。
// 某輪被取消時立即返回該輪統計。
func (c *Controller) Refine(ctx context.Context, passes int) (types.PassStats, error) {
	var stats types.PassStats
	for i := 0; i < passes; i++ {
		if err := c.growMaxIter(); err != nil {
			return stats, err
		}
		var err error
		stats, err = c.RunPass(ctx)
		if err != nil || stats.Cancelled {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Controller) growMaxIter() error {
	c.Quiesce()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return ErrPassRunning
	}
	old := c.img.MaxIter()
	next := NextMaxIter(old, c.img.FindGreatestValueNotMax())
	c.img.SetRecalcLimit(old)
	c.img.SetMaxIter(next)
	c.view.MaxIter = c.img.MaxIter()
	logging.L().Info("iteration budget raised", "from", old, "to", c.img.MaxIter())
	return nil
}

// NextMaxIter 計算下一輪的迭代上限：至少增加一半，
// 或提高到最大有限迭代次數的兩倍。
func NextMaxIter(old, greatest uint32) uint32 {
	next := uint64(old) + uint64(old)/2
	if g := 2 * uint64(greatest); g > next {
		next = g
	}
	if next <= uint64(old) {
		next = uint64(old) + 1
	}
	if next > uint64(raster.ValueMask) {
		next = uint64(raster.ValueMask)
	}
	return uint32(next)
}

// Prioritize 讓靠近像素 (x, y) 的 Tile 優先計算；負座標清除優先點
func (c *Controller) Prioritize(x, y int) {
	c.img.SetPriorityPoint(x, y)
	if x >= 0 && y >= 0 {
		c.queue.Prioritize(x, y)
	}
}

// StartRecalc 標記所有像素，下一輪從頭計算
func (c *Controller) StartRecalc() {
	c.Quiesce()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.img.MarkAll()
}

// Progress 返回當前輪次已完成像素的比例
func (c *Controller) Progress() float64 {
	return c.img.Progress()
}

// Image 返回底層圖像。輪次進行中不可讀取像素。
func (c *Controller) Image() *raster.Image {
	return c.img
}

// Snapshot 在沒有活躍輪次時複製像素緩衝
//
// 返回值：
//   - []uint32: 像素字（bit 31 為 NeedsRecalc）
//   - uint32: 當前迭代上限
//   - error: 有輪次進行中時返回 ErrPassRunning
func (c *Controller) Snapshot() ([]uint32, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, 0, ErrPassRunning
	}
	return append([]uint32(nil), c.img.Pixels()...), c.img.MaxIter(), nil
}

// Status 取得控制器狀態
func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.Status{
		View:       c.view,
		Width:      c.img.Width(),
		Height:     c.img.Height(),
		MaxIter:    c.img.MaxIter(),
		Precision:  c.img.Precision(),
		Progress:   c.img.Progress(),
		Workers:    c.pool.GetWorkerCount(),
		Running:    c.current != nil,
		PassesDone: c.passesDone,
	}
	if c.lastPass != nil {
		last := *c.lastPass
		s.LastPass = &last
	}
	return s
}
