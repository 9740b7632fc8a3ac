// ============================================================================
// Mandelsplit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露渲染運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - mandelsplit_jobs_queued_total: 排入佇列的 Job 數
//      - mandelsplit_jobs_spawned_total: 分裂產生的子 Tile 數
//      - mandelsplit_jobs_finished_total{kind,cancelled}: 完成收尾的 Job 數
//      - mandelsplit_pixels_computed_total: 實際計算的像素數
//      - mandelsplit_passes_total{outcome}: 完成的渲染輪次
//
//   2. 性能指標 (Histogram)：
//      - mandelsplit_job_execute_seconds{kind}: 單次 Execute 耗時
//      - mandelsplit_pass_duration_seconds: 單輪渲染耗時
//
//   3. 狀態指標 (Gauge)：
//      - mandelsplit_workers_busy: 正在執行 Job 的 Worker 數
//      - mandelsplit_workers_parked: 停駐等待的 Worker 數
//      - mandelsplit_pass_progress: 當前輪次進度 (0..1)
//      - mandelsplit_precision_limbs: 當前精度 (<0 float32, 0 float64)
//      - mandelsplit_max_iter: 當前迭代上限
//
// Prometheus 查詢示例:
//
//   # 每秒計算像素數
//   rate(mandelsplit_pixels_computed_total[1m])
//
//   # 95 分位 Tile 執行時間
//   histogram_quantile(0.95, rate(mandelsplit_job_execute_seconds_bucket[5m]))
//
//   # Worker 利用率
//   mandelsplit_workers_busy / (mandelsplit_workers_busy + mandelsplit_workers_parked)
//
// 性能考慮:
//   Counter/Gauge 操作是原子的，可在 Worker 熱路徑上直接呼叫。
//   每個 leaf Tile 只回報一次像素數，不逐像素更新。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mandelsplit/internal/job"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// Collector Prometheus 指標收集器
// 同時實作 job.Observer 與 worker.Observer
type Collector struct {
	// 任務相關指標
	jobsQueued     prometheus.Counter
	jobsSpawned    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	pixelsComputed prometheus.Counter
	passes         *prometheus.CounterVec

	// 效能指標
	executeLatency *prometheus.HistogramVec
	passDuration   prometheus.Histogram

	// 狀態指標
	workersBusy   prometheus.Gauge
	workersParked prometheus.Gauge
	passProgress  prometheus.Gauge
	precision     prometheus.Gauge
	maxIter       prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mandelsplit_jobs_queued_total",
			Help: "Total number of jobs pushed onto the job queue",
		}),
		jobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mandelsplit_jobs_spawned_total",
			Help: "Total number of child tiles created by splitting",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mandelsplit_jobs_finished_total",
			Help: "Total number of jobs whose finishing action ran",
		}, []string{"kind", "cancelled"}),
		pixelsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mandelsplit_pixels_computed_total",
			Help: "Total number of pixels evaluated",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mandelsplit_passes_total",
			Help: "Total number of render passes by outcome",
		}, []string{"outcome"}),
		executeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mandelsplit_job_execute_seconds",
			Help:    "Duration of a single job Execute call",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"kind"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mandelsplit_pass_duration_seconds",
			Help:    "Wall time of a render pass",
			Buckets: prometheus.DefBuckets,
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mandelsplit_workers_busy",
			Help: "Number of workers currently executing a job",
		}),
		workersParked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mandelsplit_workers_parked",
			Help: "Number of workers parked on an empty queue",
		}),
		passProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mandelsplit_pass_progress",
			Help: "Fraction of pixels of the current pass that are done",
		}),
		precision: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mandelsplit_precision_limbs",
			Help: "Arithmetic precision: -1 float32, 0 float64, n fixed limbs",
		}),
		maxIter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mandelsplit_max_iter",
			Help: "Current iteration budget",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.jobsQueued)
	prometheus.MustRegister(c.jobsSpawned)
	prometheus.MustRegister(c.jobsFinished)
	prometheus.MustRegister(c.pixelsComputed)
	prometheus.MustRegister(c.passes)
	prometheus.MustRegister(c.executeLatency)
	prometheus.MustRegister(c.passDuration)
	prometheus.MustRegister(c.workersBusy)
	prometheus.MustRegister(c.workersParked)
	prometheus.MustRegister(c.passProgress)
	prometheus.MustRegister(c.precision)
	prometheus.MustRegister(c.maxIter)

	return c
}

// ============================================================================
// job.Observer
// ============================================================================

// JobQueued 記錄 Job 排入佇列
func (c *Collector) JobQueued() {
	c.jobsQueued.Inc()
}

// JobSplit 記錄分裂出的子 Tile 數
func (c *Collector) JobSplit(children int) {
	c.jobsSpawned.Add(float64(children))
}

// JobFinished 記錄 Job 收尾
func (c *Collector) JobFinished(kind job.Kind, cancelled bool) {
	c.jobsFinished.WithLabelValues(kind.String(), strconv.FormatBool(cancelled)).Inc()
}

// PixelsComputed 記錄計算完成的像素
func (c *Collector) PixelsComputed(n int) {
	if n > 0 {
		c.pixelsComputed.Add(float64(n))
	}
}

// ============================================================================
// worker.Observer
// ============================================================================

// JobExecuted 記錄單次 Execute 耗時
func (c *Collector) JobExecuted(kind job.Kind, _ bool, d time.Duration) {
	c.executeLatency.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// WorkerBusy 調整忙碌 Worker 數
func (c *Collector) WorkerBusy(delta int) {
	c.workersBusy.Add(float64(delta))
}

// ============================================================================
// 控制器狀態
// ============================================================================

// RecordPass 記錄一輪渲染結果
func (c *Collector) RecordPass(stats types.PassStats) {
	outcome := "completed"
	if stats.Cancelled {
		outcome = "cancelled"
	}
	c.passes.WithLabelValues(outcome).Inc()
	c.passDuration.Observe(stats.Duration.Seconds())
}

// UpdateRenderState 更新進度、停駐 Worker 與視圖參數
func (c *Collector) UpdateRenderState(progress float64, parked int, precision int, maxIter uint32) {
	c.passProgress.Set(progress)
	c.workersParked.Set(float64(parked))
	c.precision.Set(float64(precision))
	c.maxIter.Set(float64(maxIter))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Server 包裝 /metrics HTTP 伺服器
type Server struct {
	srv *http.Server
	mux *http.ServeMux
}

// NewServer 建立在指定端口暴露 /metrics 的伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux: mux,
	}
}

// Handle 在同一端口註冊額外端點（例如 /status），須在 Start 之前呼叫
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Addr 返回監聽位址
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Start 在背景啟動伺服器；監聽錯誤以日誌記錄
func (s *Server) Start() {
	go func() {
		logging.L().Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown 優雅關閉伺服器
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
