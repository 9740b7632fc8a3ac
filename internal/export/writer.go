package export

// ============================================================================
// 職責說明：
// 1. 將渲染結果（迭代次數）輸出為 PNG / TIFF / BMP 圖片或 raw.zst 原始轉儲
// 2. 使用原子性寫入（temp file + rename）防止輸出檔損壞
// 3. 可選超取樣：以 CatmullRom 將高解析度渲染縮小到目標尺寸
// 4. raw.zst 載入時驗證 magic 與版本相容性
// ============================================================================

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrUnknownFormat       = errors.New("unknown output format")
	ErrInvalidFrame        = errors.New("invalid frame")
	ErrCorruptedDump       = errors.New("raw dump is corrupted")
	ErrIncompatibleVersion = errors.New("raw dump version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Format 輸出格式
type Format string

const (
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
	FormatBMP  Format = "bmp"
	FormatRaw  Format = "raw.zst" // 小端 uint32 迭代次數，zstd 壓縮
)

// rawMagic 與 rawVersion 標識 raw.zst 檔頭
const (
	rawMagic   = "MSPL"
	rawVersion = 1
)

// Frame 一張渲染完成的迭代次數圖
type Frame struct {
	Width, Height int
	Pixels        []uint32 // 行主序，bit 31 為 NeedsRecalc
	MaxIter       uint32
}

func (f Frame) validate() error {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pixels) != f.Width*f.Height {
		return fmt.Errorf("%w: %dx%d with %d pixels", ErrInvalidFrame, f.Width, f.Height, len(f.Pixels))
	}
	return nil
}

// Options 輸出選項
type Options struct {
	Format      Format  // 空值時依副檔名推斷
	Supersample int     // >1 時輸出尺寸為 Frame 尺寸除以此值
	Palette     Palette // nil 時使用 DefaultPalette(256)
}

// Writer 將 Frame 輸出到固定路徑
type Writer struct {
	path string
	opts Options
}

// ============================================================================
// 核心方法實作
// ============================================================================

// ParseFormat 解析格式名稱（不分大小寫，接受 tif / raw）
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png":
		return FormatPNG, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	case "bmp":
		return FormatBMP, nil
	case "raw", "raw.zst", "zst":
		return FormatRaw, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatForPath 依副檔名推斷格式
func FormatForPath(path string) (Format, error) {
	if strings.HasSuffix(strings.ToLower(path), ".raw.zst") {
		return FormatRaw, nil
	}
	return ParseFormat(filepath.Ext(path))
}

// NewWriter 建立輸出器
//
// 參數：
//   - path: 輸出檔案路徑
//   - opts: 輸出選項
//
// 返回值：
//   - *Writer: 輸出器
//   - error: 無法決定格式時返回 ErrUnknownFormat
func NewWriter(path string, opts Options) (*Writer, error) {
	if opts.Format == "" {
		f, err := FormatForPath(path)
		if err != nil {
			return nil, err
		}
		opts.Format = f
	} else {
		f, err := ParseFormat(string(opts.Format))
		if err != nil {
			return nil, err
		}
		opts.Format = f
	}
	if opts.Supersample < 1 {
		opts.Supersample = 1
	}
	if len(opts.Palette) == 0 {
		opts.Palette = DefaultPalette(256)
	}
	return &Writer{path: path, opts: opts}, nil
}

// Path 取得輸出路徑
func (w *Writer) Path() string {
	return w.path
}

// Write 原子性寫入 Frame
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換目標檔案
//
// 返回值：
//   - error: 編碼或寫入失敗時的錯誤
func (w *Writer) Write(f Frame) error {
	if err := f.validate(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp output: %w", err)
	}

	buf := bufio.NewWriter(file)
	err = w.encode(buf, f)
	if err == nil {
		err = buf.Flush()
	}
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", w.opts.Format, err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename output: %w", err)
	}
	return nil
}

func (w *Writer) encode(out io.Writer, f Frame) error {
	if w.opts.Format == FormatRaw {
		return writeRaw(out, f)
	}

	var img image.Image = Colorize(f, w.opts.Palette)
	if k := w.opts.Supersample; k > 1 {
		img = Downscale(img, k)
	}
	switch w.opts.Format {
	case FormatPNG:
		return png.Encode(out, img)
	case FormatTIFF:
		return tiff.Encode(out, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case FormatBMP:
		return bmp.Encode(out, img)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, w.opts.Format)
}

// Downscale 以 CatmullRom 將圖像縮小 k 倍（至少 1×1）
func Downscale(src image.Image, k int) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, max(1, b.Dx()/k), max(1, b.Dy()/k)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// ============================================================================
// raw.zst 轉儲
// ============================================================================

// 檔頭：magic(4) version width height maxIter，皆為小端 uint32
func writeRaw(out io.Writer, f Frame) error {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	hdr := make([]byte, 0, 20)
	hdr = append(hdr, rawMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, rawVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Width))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Height))
	hdr = binary.LittleEndian.AppendUint32(hdr, f.MaxIter)
	if _, err := enc.Write(hdr); err != nil {
		enc.Close()
		return err
	}

	row := make([]byte, 4*f.Width)
	for y := 0; y < f.Height; y++ {
		for x, v := range f.Pixels[y*f.Width : (y+1)*f.Width] {
			binary.LittleEndian.PutUint32(row[4*x:], v)
		}
		if _, err := enc.Write(row); err != nil {
			enc.Close()
			return err
		}
	}
	return enc.Close()
}

// ReadRaw 載入 raw.zst 轉儲
//
// 行為：
//   - 驗證 magic 與版本是否相容
//   - 偵測截斷或損壞的檔案
//
// 返回值：
//   - Frame: 轉儲內容
//   - error: 讀取失敗、損壞或版本不相容時的錯誤
func ReadRaw(path string) (Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to open raw dump: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCorruptedDump, err)
	}
	defer dec.Close()

	hdr := make([]byte, 20)
	if _, err := io.ReadFull(dec, hdr); err != nil {
		return Frame{}, fmt.Errorf("%w: header: %v", ErrCorruptedDump, err)
	}
	if string(hdr[:4]) != rawMagic {
		return Frame{}, fmt.Errorf("%w: bad magic %q", ErrCorruptedDump, hdr[:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != rawVersion {
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, v, rawVersion)
	}
	f := Frame{
		Width:   int(binary.LittleEndian.Uint32(hdr[8:])),
		Height:  int(binary.LittleEndian.Uint32(hdr[12:])),
		MaxIter: binary.LittleEndian.Uint32(hdr[16:]),
	}
	if f.Width <= 0 || f.Height <= 0 || f.Width > 1<<16 || f.Height > 1<<16 {
		return Frame{}, fmt.Errorf("%w: size %dx%d", ErrCorruptedDump, f.Width, f.Height)
	}

	data := make([]byte, 4*f.Width*f.Height)
	if _, err := io.ReadFull(dec, data); err != nil {
		return Frame{}, fmt.Errorf("%w: pixels: %v", ErrCorruptedDump, err)
	}
	f.Pixels = make([]uint32, f.Width*f.Height)
	for i := range f.Pixels {
		f.Pixels[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return f, nil
}
