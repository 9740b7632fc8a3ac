// ============================================================================
// Mandelsplit CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   mandelsplit                    # Root command
//   ├── render                     # Render one view to an image file
//   ├── zoom                       # Render a zoom sequence towards the centre
//   ├── serve                      # Keep refining, expose metrics and health
//   ├── probe <re> <im>            # Evaluate a single point
//   ├── status                     # Show config and the precision plan
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version / --help
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - worker: Worker count and tiling
//   - render: Image size, precision limits, refinement passes
//   - view: Centre, size, rotation and iteration budget
//   - output: Output path, format and supersampling
//   - metrics / grpc: Prometheus and health endpoints for serve
//   - log: slog format, level and progress interval
//   Flags given on the command line override the file.
//
// render Command:
//   1. Load config file and apply flag overrides
//   2. Create and start Controller
//   3. Run one pass, then refine the iteration budget
//   4. Write the image atomically
//
//   Examples:
//     ./mandelsplit render --size 1e-12 --center-re -0.743643887037151 --out deep.png
//     ./mandelsplit render -c custom-config.yaml --format raw
//
// serve Command:
//   Same pipeline as render but keeps running until SIGINT/SIGTERM:
//   - Prometheus metrics and /status JSON on metrics.port
//   - gRPC health service on grpc.port
//   With --addr, status queries a running serve over gRPC instead.
//
// Signal Handling:
//   render, zoom and serve cancel the running pass on SIGINT / SIGTERM and
//   stop the worker pool before returning.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/mandelsplit/internal/controller"
	"github.com/ChuLiYu/mandelsplit/internal/export"
	"github.com/ChuLiYu/mandelsplit/internal/logging"
	"github.com/ChuLiYu/mandelsplit/internal/metrics"
	"github.com/ChuLiYu/mandelsplit/internal/raster"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// healthService is the name the serve command reports under.
const healthService = "mandelsplit"

const defaultConfigPath = "configs/default.yaml"

// app carries the state shared by all commands.
type app struct {
	configFile string
}

// viewFlags are the overrides common to render, zoom and serve.
type viewFlags struct {
	centerRe, centerIm, size string
	rotation                 float64
	maxIter                  uint32
	width, height            int
	workers                  int
	refine                   int
	out, format              string
	supersample              int
}

func BuildCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "mandelsplit",
		Short: "mandelsplit: a precision-adaptive progressive fractal renderer",
		Long: `mandelsplit renders escape-time fractals with:
- lock-free tile scheduling across a worker pool
- float32, float64 or multi-limb fixed-point arithmetic chosen per view
- progressive refinement of the iteration budget
- Prometheus metrics and a gRPC health endpoint`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(a.buildRenderCommand())
	rootCmd.AddCommand(a.buildZoomCommand())
	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildProbeCommand())
	rootCmd.AddCommand(a.buildStatusCommand())

	return rootCmd
}

// config loads the file and applies the flags that were set.
func (a *app) config(cmd *cobra.Command, vf *viewFlags) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfig(a.configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if vf != nil {
		vf.apply(cmd, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := setupLogging(cmd.ErrOrStderr(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(w io.Writer, cfg *Config) error {
	l, err := logging.New(w, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logging.SetLogger(l)
	return nil
}

func (vf *viewFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&vf.centerRe, "center-re", "", "real part of the view centre")
	f.StringVar(&vf.centerIm, "center-im", "", "imaginary part of the view centre")
	f.StringVar(&vf.size, "size", "", "view size along the shorter image side")
	f.Float64Var(&vf.rotation, "rotation", 0, "view rotation in degrees")
	f.Uint32Var(&vf.maxIter, "max-iter", 0, "initial iteration budget")
	f.IntVar(&vf.width, "width", 0, "output width in pixels")
	f.IntVar(&vf.height, "height", 0, "output height in pixels")
	f.IntVarP(&vf.workers, "workers", "w", 0, "number of workers")
	f.IntVar(&vf.refine, "refine", 0, "refinement passes after the first one")
	f.StringVarP(&vf.out, "out", "o", "", "output path")
	f.StringVar(&vf.format, "format", "", "output format: png, tiff, bmp, raw")
	f.IntVar(&vf.supersample, "supersample", 0, "render k times larger and downscale")
}

func (vf *viewFlags) apply(cmd *cobra.Command, cfg *Config) {
	set := cmd.Flags().Changed
	if set("center-re") {
		cfg.View.CenterRe = vf.centerRe
	}
	if set("center-im") {
		cfg.View.CenterIm = vf.centerIm
	}
	if set("size") {
		cfg.View.Size = vf.size
	}
	if set("rotation") {
		cfg.View.Rotation = vf.rotation
	}
	if set("max-iter") {
		cfg.View.MaxIter = vf.maxIter
	}
	if set("width") {
		cfg.Render.Width = vf.width
	}
	if set("height") {
		cfg.Render.Height = vf.height
	}
	if set("workers") {
		cfg.Worker.WorkerCount = vf.workers
	}
	if set("refine") {
		cfg.Render.RefinePasses = vf.refine
	}
	if set("out") {
		cfg.Output.Path = vf.out
	}
	if set("format") {
		cfg.Output.Format = vf.format
	}
	if set("supersample") {
		cfg.Output.Supersample = vf.supersample
	}
}

// ============================================================================
// render
// ============================================================================

func (a *app) buildRenderCommand() *cobra.Command {
	vf := &viewFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one view to an image file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, vf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			stats, err := renderOnce(ctx, cfg, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, max_iter %d, %s)\n",
				cfg.Output.Path, stats.Mode, stats.MaxIter, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

// renderOnce renders cfg.View and writes cfg.Output.Path.
func renderOnce(ctx context.Context, cfg *Config, m *metrics.Collector) (types.PassStats, error) {
	ctrl, err := startController(ctx, cfg, m)
	if err != nil {
		return types.PassStats{}, err
	}
	defer stopController(ctrl)

	stats, err := renderView(ctx, ctrl, cfg)
	if err != nil {
		return stats, err
	}
	return stats, writeFrame(ctrl, cfg, cfg.Output.Path)
}

func startController(ctx context.Context, cfg *Config, m *metrics.Collector) (*controller.Controller, error) {
	ccfg := cfg.controllerConfig()
	ccfg.Metrics = m
	ctrl, err := controller.New(ccfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.SetView(cfg.View); err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start controller: %w", err)
	}
	return ctrl, nil
}

func stopController(ctrl *controller.Controller) {
	if err := ctrl.Stop(); err != nil {
		logging.L().Error("controller stop failed", "error", err)
	}
}

// renderView runs the first pass and the configured refinement passes.
func renderView(ctx context.Context, ctrl *controller.Controller, cfg *Config) (types.PassStats, error) {
	stats, err := ctrl.RunPass(ctx)
	if err != nil {
		return stats, err
	}
	if cfg.Render.RefinePasses > 0 && !stats.Cancelled {
		return ctrl.Refine(ctx, cfg.Render.RefinePasses)
	}
	return stats, nil
}

func writeFrame(ctrl *controller.Controller, cfg *Config, path string) error {
	pixels, maxIter, err := ctrl.Snapshot()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	w, err := export.NewWriter(path, cfg.exportOptions())
	if err != nil {
		return err
	}
	img := ctrl.Image()
	return w.Write(export.Frame{
		Width:   img.Width(),
		Height:  img.Height(),
		Pixels:  pixels,
		MaxIter: maxIter,
	})
}

// ============================================================================
// zoom
// ============================================================================

func (a *app) buildZoomCommand() *cobra.Command {
	vf := &viewFlags{}
	var frames int
	var factor float64

	cmd := &cobra.Command{
		Use:   "zoom",
		Short: "Render a zoom sequence towards the view centre",
		Long: `Render frames whose size shrinks by --factor each step. The output
path may contain a printf verb for the frame number (e.g. out/f%04d.png);
otherwise the number is inserted before the extension.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if frames < 1 || factor <= 1 {
				return fmt.Errorf("%w: need --frames >= 1 and --factor > 1", ErrInvalidConfig)
			}
			cfg, err := a.config(cmd, vf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runZoom(ctx, cmd.OutOrStdout(), cfg, frames, factor)
		},
	}
	vf.register(cmd)
	cmd.Flags().IntVar(&frames, "frames", 10, "number of frames")
	cmd.Flags().Float64Var(&factor, "factor", 2, "size ratio between consecutive frames")
	return cmd
}

func runZoom(ctx context.Context, out io.Writer, cfg *Config, frames int, factor float64) error {
	ctrl, err := startController(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer stopController(ctrl)

	sizes, err := zoomSizes(cfg.View.Size, frames, factor)
	if err != nil {
		return err
	}
	for i, size := range sizes {
		view := cfg.View
		view.Size = size
		if err := ctrl.SetView(view); err != nil {
			return err
		}
		stats, err := renderView(ctx, ctrl, cfg)
		if err != nil {
			return err
		}
		path := framePath(cfg.Output.Path, i)
		if err := writeFrame(ctrl, cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(out, "frame %d: size %s, %s, max_iter %d -> %s\n", i, size, stats.Mode, stats.MaxIter, path)
	}
	return nil
}

// zoomSizes divides size by factor once per frame, keeping every digit.
func zoomSizes(size string, frames int, factor float64) ([]string, error) {
	s, _, err := big.ParseFloat(size, 10, 1024, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("%w: size %q: %v", ErrInvalidConfig, size, err)
	}
	f := big.NewFloat(factor)
	out := make([]string, frames)
	for i := range out {
		out[i] = s.Text('g', 40)
		s.Quo(s, f)
	}
	return out, nil
}

// framePath formats the frame number into pattern.
func framePath(pattern string, i int) string {
	if strings.Contains(pattern, "%") {
		return fmt.Sprintf(pattern, i)
	}
	ext := filepath.Ext(pattern)
	if strings.HasSuffix(strings.ToLower(pattern), ".raw.zst") {
		ext = pattern[len(pattern)-len(".raw.zst"):]
	}
	return fmt.Sprintf("%s_%04d%s", strings.TrimSuffix(pattern, ext), i, ext)
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	vf := &viewFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Render and keep refining until interrupted",
		Long: `Render the configured view, refine it, write the output after every
pass and keep the metrics and gRPC health endpoints up until SIGINT/SIGTERM.
--refine 0 refines without limit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, vf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	vf.register(cmd)
	return cmd
}

func runServe(ctx context.Context, cfg *Config) error {
	collector := metrics.NewCollector()
	ctrl, err := startController(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer stopController(ctrl)

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Port)
		ms.Handle("/status", statusHandler(ctrl))
		ms.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ms.Shutdown(sctx); err != nil {
				logging.L().Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
	}
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	go func() {
		logging.L().Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logging.L().Error("gRPC server failed", "error", err)
		}
	}()
	defer func() {
		hs.Shutdown()
		grpcServer.GracefulStop()
	}()

	if err := servePasses(ctx, ctrl, cfg); err != nil && ctx.Err() == nil {
		return err
	}
	logging.L().Info("received shutdown signal, stopping gracefully")
	return nil
}

// servePasses renders, then refines one pass at a time, writing the output
// after each pass. It returns when the refinement limit is reached and ctx
// is done, or on the first error.
func servePasses(ctx context.Context, ctrl *controller.Controller, cfg *Config) error {
	stats, err := ctrl.RunPass(ctx)
	for pass := 0; ; pass++ {
		if err != nil {
			return err
		}
		if cfg.Output.Path != "" && !stats.Cancelled {
			if err := writeFrame(ctrl, cfg, cfg.Output.Path); err != nil {
				return err
			}
		}
		if cfg.Render.RefinePasses > 0 && pass >= cfg.Render.RefinePasses {
			break
		}
		if stats.MaxIter >= raster.ValueMask {
			logging.L().Info("iteration budget exhausted", "max_iter", stats.MaxIter)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats, err = ctrl.Refine(ctx, 1)
	}
	<-ctx.Done()
	return ctx.Err()
}

func statusHandler(ctrl *controller.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ctrl.Status()); err != nil {
			logging.L().Error("status encode failed", "error", err)
		}
	})
}

// ============================================================================
// probe
// ============================================================================

func (a *app) buildProbeCommand() *cobra.Command {
	var maxIter uint32
	var precision int
	cmd := &cobra.Command{
		Use:   "probe <re> <im>",
		Short: "Evaluate a single point at fixed and double precision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config(cmd, nil)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-iter") {
				maxIter = cfg.View.MaxIter
			}
			res, err := controller.Probe(args[0], args[1], maxIter, precision)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().Uint32Var(&maxIter, "max-iter", 0, "iteration budget (default from config)")
	cmd.Flags().IntVar(&precision, "precision", 0, "fixed-point limbs (0 derives it from the digits)")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and the precision plan",
		Long:  "Display the effective configuration, or query a running serve with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return queryHealth(cmd.Context(), cmd.OutOrStdout(), addr)
			}
			cfg, err := a.config(cmd, nil)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), a.configFile, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running serve (e.g. localhost:50051)")
	return cmd
}

func queryHealth(ctx context.Context, out io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func showStatus(out io.Writer, path string, cfg *Config) error {
	ctrl, err := controller.New(cfg.controllerConfig())
	if err != nil {
		return err
	}
	if err := ctrl.SetView(cfg.View); err != nil {
		return err
	}
	s := ctrl.Status()

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           mandelsplit Status                              ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  └─ Config File:     %s\n", path)
	fmt.Fprintf(out, "  └─ Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  └─ Tiling:          %d / %d (slice %d rows)\n", cfg.Worker.TileSize, cfg.Worker.LeafSize, cfg.Worker.SliceRows)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "View:")
	fmt.Fprintf(out, "  ├─ Centre:          (%s, %s)\n", s.View.CenterRe, s.View.CenterIm)
	fmt.Fprintf(out, "  ├─ Size:            %s\n", s.View.Size)
	fmt.Fprintf(out, "  ├─ Image:           %dx%d\n", s.Width, s.Height)
	fmt.Fprintf(out, "  ├─ Max Iter:        %d\n", s.MaxIter)
	fmt.Fprintf(out, "  └─ Arithmetic:      %s (precision %d)\n", types.ModeForPrecision(s.Precision), s.Precision)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics:         http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics:         disabled")
	}
	fmt.Fprintf(out, "  └─ gRPC health:     :%d\n", cfg.GRPC.Port)
	return nil
}
