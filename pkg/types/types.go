// Package types 定義了 mandelsplit 系統中對外共享的領域模型
// Package types holds the view and pass models shared by the CLI, the
// controller and the exporters.
package types

import (
	"time"
)

// PassID 渲染輪次唯一識別碼
type PassID string

// PrecisionMode 算術精度模式
type PrecisionMode string

// 定義精度模式常數
const (
	PrecisionFloat32 PrecisionMode = "float32" // 單精度：淺層視圖
	PrecisionFloat64 PrecisionMode = "float64" // 雙精度：一般縮放深度
	PrecisionFixed   PrecisionMode = "fixed"   // 多 limb 定點：深度縮放
)

// View 視圖描述，決定複平面上被渲染的區域
// Coordinates are decimal strings so deep zooms keep every digit.
type View struct {
	CenterRe string  `json:"center_re" yaml:"center_re"` // 中心實部
	CenterIm string  `json:"center_im" yaml:"center_im"` // 中心虛部
	Size     string  `json:"size" yaml:"size"`           // 視圖寬度（複平面單位）
	Rotation float64 `json:"rotation" yaml:"rotation"`   // 旋轉角度（度）
	MaxIter  uint32  `json:"max_iter" yaml:"max_iter"`   // 初始迭代上限
}

// PassStats 單輪渲染統計，由 RootTile 完成時發布
type PassStats struct {
	ID        PassID        `json:"id"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	MaxIter   uint32        `json:"max_iter"`
	Precision int           `json:"precision"` // <0 float32, 0 float64, n>0 fixed limbs
	Mode      PrecisionMode `json:"mode"`

	PixelsComputed int64  `json:"pixels_computed"` // 本輪實際計算的像素數
	MaxFiniteIter  uint32 `json:"max_finite_iter"` // 逃逸像素中最大的迭代次數
	Cancelled      bool   `json:"cancelled"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ModeForPrecision 由精度值推導模式
func ModeForPrecision(precision int) PrecisionMode {
	switch {
	case precision < 0:
		return PrecisionFloat32
	case precision == 0:
		return PrecisionFloat64
	default:
		return PrecisionFixed
	}
}

// Status 控制器狀態快照，供 status 指令與日誌使用
type Status struct {
	View       View       `json:"view"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	MaxIter    uint32     `json:"max_iter"`
	Precision  int        `json:"precision"`
	Progress   float64    `json:"progress"`
	Workers    int        `json:"workers"`
	Running    bool       `json:"running"`
	LastPass   *PassStats `json:"last_pass,omitempty"`
	PassesDone int        `json:"passes_done"`
}

// ProbeResult 單點探測結果：定點與雙精度迭代的對照
type ProbeResult struct {
	Re        string `json:"re"`
	Im        string `json:"im"`
	MaxIter   uint32 `json:"max_iter"`
	Precision int    `json:"precision"` // 定點 limb 數

	Iter    uint32 `json:"iter"`
	Outcome string `json:"outcome"` // bounded / escaped

	Float64Iter    uint32 `json:"float64_iter"`
	Float64Outcome string `json:"float64_outcome"`
}
