package worker

import (
	"time"

	"github.com/ChuLiYu/mandelsplit/internal/job"
)

// Observer 接收 Worker 執行事件（例如 metrics.Collector）
type Observer interface {
	JobExecuted(kind job.Kind, finished bool, d time.Duration)
	WorkerBusy(delta int)
}

type nopObserver struct{}

func (nopObserver) JobExecuted(job.Kind, bool, time.Duration) {}
func (nopObserver) WorkerBusy(int)                            {}

// Stats 代表 Pool 的累計執行統計
type Stats struct {
	Workers  int   // 啟動的 Worker 數量
	Active   int   // 正在執行任務的 Worker 數量
	Executed int64 // 已執行的 Execute 次數
	Requeued int64 // 未完成而重新排入佇列的次數
}
