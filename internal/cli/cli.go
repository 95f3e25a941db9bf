// ============================================================================
// proxy-suite CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，所有命令共用同一份 YAML 設定與同一個控制器
//
// Command Structure:
//   proxysuite                     # Root command
//   ├── run                        # 常駐：控制器 + HTTP API + metrics
//   ├── scrape                     # 一次性抓取批次
//   ├── check                      # 一次性檢測批次
//   ├── list                       # 查詢集合
//   ├── export                     # 匯出 csv / txt / json
//   ├── status                     # 集合統計與來源健康度
//   ├── history                    # 批次歷史
//   ├── backup / restore           # 完整狀態備份與還原
//   └── demo                       # 模擬執行器的完整流程
//
// Global Flags:
//   --config, -c    設定檔（預設 configs/default.yaml；預設路徑不存在時使用內建預設值）
//   --log-level     debug | info | warn | error
//   --simulate      以模擬執行器取代網路存取
//
// Signal Handling:
//   run 與一次性批次命令都監聽 SIGINT / SIGTERM：
//   1. 取消執行中的批次（結果丟棄，歷史記錄標記為 cancelled）
//   2. 停止 HTTP 服務
//   3. 寫入最後一次快照並關閉歷史日誌
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/server"
)

const defaultConfigPath = "configs/default.yaml"

// app 命令之間共用的狀態
type app struct {
	configFile string
	logLevel   string
	simulate   bool

	cfg   *Config
	level *slog.LevelVar
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	a := &app{level: new(slog.LevelVar)}

	rootCmd := &cobra.Command{
		Use:   "proxysuite",
		Short: "proxysuite: harvest, check and rank public proxies",
		Long: `proxysuite collects proxy candidates from public sources and checks them with:
- a bounded worker pool with live progress and cancellation
- quality scoring and tiering
- a query engine with filters, sorting and subnet/country analysis
- snapshot + journal persistence and Prometheus metrics`,
		Version:           "1.0.0",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", defaultConfigPath, "config file path")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&a.simulate, "simulate", false, "use simulated executors instead of the network")

	rootCmd.AddCommand(
		a.buildRunCommand(),
		a.buildScrapeCommand(),
		a.buildCheckCommand(),
		a.buildListCommand(),
		a.buildExportCommand(),
		a.buildStatusCommand(),
		a.buildHistoryCommand(),
		a.buildBackupCommand(),
		a.buildRestoreCommand(),
		a.buildDemoCommand(),
	)
	return rootCmd
}

// setup 載入設定並設定 slog 預設 logger
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: a.level})
	slog.SetDefault(slog.New(handler))

	cfg, err := loadConfig(a.configFile)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Debug("config file not found, using defaults", "path", a.configFile)
		cfg, err = DefaultConfig(), nil
	}
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// openController 建立並啟動控制器（載入快照與歷史）
func (a *app) openController() (*controller.Controller, error) {
	ctrl, err := controller.NewController(a.cfg.ControllerConfig(a.simulate))
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Shutdown()
		return nil, fmt.Errorf("failed to start controller: %w", err)
	}
	return ctrl, nil
}

// withController 開啟控制器執行 fn，結束時保存並關閉
func (a *app) withController(fn func(ctrl *controller.Controller) error) error {
	ctrl, err := a.openController()
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()
	return fn(ctrl)
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	var scrapeOnStart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller with the HTTP API and metrics",
		Long:  "Start the long-running service: scheduled revalidation, autosave, the JSON API and the Prometheus endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runService(ctx, scrapeOnStart)
		},
	}
	cmd.Flags().BoolVar(&scrapeOnStart, "scrape", false, "start a scrape of all enabled sources right away")
	return cmd
}

func (a *app) runService(ctx context.Context, scrapeOnStart bool) error {
	log := slog.Default().With("component", "run")

	ctrl, err := a.openController()
	if err != nil {
		return err
	}
	defer func() {
		log.Info("shutting down")
		ctrl.Shutdown()
	}()

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.API.Enabled {
		srv := server.NewServer(ctx, ctrl, slog.Default())
		g.Go(func() error {
			return srv.Run(ctx, a.cfg.API.Addr)
		})
	}
	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
			return ctrl.Metrics().ListenAndServe(ctx, a.cfg.Metrics.Addr)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if scrapeOnStart {
		if err := ctrl.StartScrape(ctx, nil); err != nil {
			log.Warn("initial scrape not started", "err", err)
		}
	}

	log.Info("system started", "status", ctrl.Status(), "candidates", ctrl.Store().Len(), "simulate", a.simulate)
	if err := g.Wait(); err != nil {
		log.Error("service error", "err", err)
		return err
	}
	return nil
}

// ============================================================================
// 一次性批次
// ============================================================================

// runBatch 啟動批次並等待完成，期間定期輸出進度
// 收到 SIGINT / SIGTERM 時停止批次
func runBatch(cmd *cobra.Command, ctrl *controller.Controller, start func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go reportProgress(cmd.ErrOrStderr(), ctrl, done)
	outcome, err := ctrl.Wait(ctx)
	close(done)

	if err != nil {
		ctrl.Stop()
		fmt.Fprintln(cmd.OutOrStdout(), "Batch cancelled.")
		return nil
	}
	if outcome != nil {
		printOutcome(cmd.OutOrStdout(), *outcome)
	}
	return nil
}

func reportProgress(w io.Writer, ctrl *controller.Controller, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			info := ctrl.Info()
			if !ctrl.Busy() {
				continue
			}
			p := info.Progress
			eta := "--"
			if p.EstimatedSecondsRemaining >= 0 {
				eta = (time.Duration(p.EstimatedSecondsRemaining) * time.Second).String()
			}
			fmt.Fprintf(w, "[%s] %d/%d %.1f%%  %.1f/s  ETA %s\n",
				info.Status, p.CompletedCount, p.TotalCount, p.Percentage, p.ItemsPerSecond, eta)
		}
	}
}
