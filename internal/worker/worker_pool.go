// ============================================================================
// Mandelsplit Worker Pool - 並發 Tile 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 所有 Worker 共用同一個 JobSource（無鎖 LIFO 佇列）
//   3. 佇列為空時 Worker 在 JobSource 內部停駐，不忙等
//   4. 避免頻繁創建和銷毀 goroutine 的開銷
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit(pass)--> job.Queue
//   └─────────────┘                      │
//                                        ↓
//   ┌─────────────┐               Dequeue(ctx)
//   │   Pool      │                      │
//   │  ┌────────┐ │                      │
//   │  │Worker 1│←─────────────────────┤
//   │  │Worker 2│←─────────────────────┤   Execute → Queue(子任務)
//   │  │Worker 3│←─────────────────────┘
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，綁定 JobSource
//   2. Start(n) - 以 errgroup 啟動 n 個 Worker goroutines
//   3. Stop() - 取消 context，等待所有 Worker 完成手上的任務後退出
//
// 錯誤處理:
//   - ErrPoolStarted: 重複啟動
//   - ErrPoolClosed: Pool 已關閉後再次啟動
//   - ErrInvalidWorkerCount: Worker 數量小於 1
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/mandelsplit/internal/job"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法再次啟動
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrInvalidWorkerCount 表示 Worker 數量不合法
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source JobSource // 任務來源
	obs    Observer  // 執行事件觀察者

	workers []*Worker          // Worker 列表
	group   *errgroup.Group    // 追蹤所有 Worker goroutine
	cancel  context.CancelFunc // 停止所有 Worker 的等待
	started bool               // 標誌 Pool 是否已啟動
	stopped bool               // 標誌 Pool 是否已停止
	mu      sync.Mutex         // 保護上述狀態

	active   atomic.Int32
	executed atomic.Int64
	requeued atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - source: Worker 取得任務的來源（通常是 *job.Queue）
//   - obs: 執行事件觀察者，可為 nil
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(source JobSource, obs Observer) *Pool {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Pool{
		source:  source,
		obs:     obs,
		workers: make([]*Worker, 0),
	}
}

// Start 啟動指定數量的 Worker
// 參數：
//   - workerCount: 要啟動的 Worker 數量
//
// 返回值：
//   - error: 如果 Pool 已啟動、已關閉或數量不合法則返回錯誤
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted // 防止重複啟動
	}
	if workerCount < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, workerCount)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = group

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.source, p.busyObserver(), &p.executed, &p.requeued)
		p.workers = append(p.workers, w)
		group.Go(func() error {
			return w.Run(gctx)
		})
	}

	p.started = true
	logging.L().Info("worker pool started", "workers", workerCount)
	return nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 取消 context，停駐中的 Worker 立即返回
//  3. 執行中的 Worker 完成當前切片後返回
//  4. 等待 errgroup 中所有 Worker 退出
//
// 返回值：
//   - error: 任一 Worker 的非取消錯誤
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil // 如果未啟動或已停止，直接返回
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	err := p.group.Wait()
	logging.L().Info("worker pool stopped",
		"executed", p.executed.Load(), "requeued", p.requeued.Load())
	return err
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動且尚未停止
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Stats 返回 Pool 的累計統計
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.GetWorkerCount(),
		Active:   int(p.active.Load()),
		Executed: p.executed.Load(),
		Requeued: p.requeued.Load(),
	}
}

// busyObserver 在轉發事件前更新 active 計數
func (p *Pool) busyObserver() Observer {
	return activeTracker{pool: p}
}

type activeTracker struct {
	pool *Pool
}

func (a activeTracker) JobExecuted(kind job.Kind, finished bool, d time.Duration) {
	a.pool.obs.JobExecuted(kind, finished, d)
}

func (a activeTracker) WorkerBusy(delta int) {
	a.pool.active.Add(int32(delta))
	a.pool.obs.WorkerBusy(delta)
}
