// ============================================================================
// proxy-suite 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調抓取、檢測、集合維護與持久化，一次只允許一個存活批次
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Scheduler: 批次排程器（worker pool），實際執行抓取與檢測任務
//   - Store: 權威候選集合，只透過 pipeline.Merge 整批取代
//   - Registry: 來源清單與抓取統計（健康度、自動停用）
//   - Journal: 歷史日誌，每個完成或取消的批次追加一筆
//   - Snapshot: 快照管理，定期保存整個系統狀態
//   - Collector: Prometheus 指標
//
// 背景循環:
//   1. Snapshot Loop - 定期寫入快照（autosave）
//   2. Progress Loop - 以固定節奏取樣進度並更新指標
//   3. Revalidation (cron) - 閒置時重新檢測失效或過期的候選
//
// 狀態機:
//   IDLE/FINISHED --StartScrape--> SCRAPING --完成--> FINISHED
//   IDLE/FINISHED --StartCheck--> CHECKING --完成--> PROCESSING --合併--> FINISHED
//   SCRAPING/CHECKING --Stop--> IDLE（結果丟棄）
//
// 並發安全:
//   - mu 只保護控制器自己的欄位，呼叫 Scheduler.Run/Stop 前一定先釋放
//   - 批次的 sink 與 onComplete 在協調者 goroutine 上執行，以 gen 判斷批次是否已被取代
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/proxy-suite/internal/collection"
	"github.com/ChuLiYu/proxy-suite/internal/metrics"
	"github.com/ChuLiYu/proxy-suite/internal/probe"
	"github.com/ChuLiYu/proxy-suite/internal/progress"
	"github.com/ChuLiYu/proxy-suite/internal/snapshot"
	"github.com/ChuLiYu/proxy-suite/internal/sources"
	"github.com/ChuLiYu/proxy-suite/internal/storage/journal"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var log = slog.Default()

var (
	// ErrNoSources 沒有任何啟用的來源可以抓取
	ErrNoSources = errors.New("no sources enabled")
	// ErrNothingToCheck 所選模式下沒有候選可以檢測
	ErrNothingToCheck = errors.New("no candidates to check for the selected mode")
	// ErrBusy 另一個批次正在執行
	ErrBusy = errors.New("another batch is running")
	// ErrInvalidSettings 設定不合法
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrUnknownProfile 找不到指定名稱的設定檔
	ErrUnknownProfile = errors.New("unknown profile")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Status 控制器狀態
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusScraping   Status = "SCRAPING"
	StatusChecking   Status = "CHECKING"
	StatusProcessing Status = "PROCESSING"
	StatusFinished   Status = "FINISHED"
)

// FetcherFactory 依設定快照建立來源抓取的 Executor
type FetcherFactory func(s types.Settings) worker.Executor

// CheckerFactory 依模式、目標與設定快照建立檢測的 Executor
type CheckerFactory func(mode types.CheckMode, targets []string, s types.Settings) worker.Executor

// Config Controller 配置
type Config struct {
	SnapshotPath     string           // 快照檔案路徑
	JournalPath      string           // 歷史日誌路徑
	SyncJournal      bool             // 每次追加歷史都 fsync
	SnapshotInterval time.Duration    // autosave 間隔，0 表示停用
	KeepBackups      int              // 每次保存前保留的舊快照數量，0 表示不保留
	ProgressInterval time.Duration    // 進度取樣間隔，0 表示 progress.DefaultInterval
	Settings         *types.Settings  // 非 nil 時覆蓋快照中保存的設定
	Sources          []types.Source   // 內建來源清單
	ScrapeProfiles   []types.ScrapeProfile
	CheckProfiles    []types.CheckProfile
	NewFetcher       FetcherFactory     // nil 時使用 probe.Fetcher
	NewChecker       CheckerFactory     // nil 時使用 probe.Checker
	Metrics          *metrics.Collector // nil 時建立獨立 registry 的 Collector
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex
	status    Status
	kind      types.BatchKind // 目前或最近一次批次的種類
	gen       uint64          // 每次啟動或停止批次都遞增
	batch     *worker.Batch
	batchGen  uint64 // batch 所屬的 gen
	settings  types.Settings
	scrapes   []types.ScrapeProfile
	checks    []types.CheckProfile
	last      *types.BatchOutcome
	cronEntry cron.EntryID

	config    Config
	store     *collection.Store
	registry  *sources.Registry
	scheduler *worker.Scheduler
	tracker   *progress.Tracker
	journal   *journal.Journal
	snapshot  *snapshot.Manager
	metrics   *metrics.Collector
	cron      *cron.Cron

	loopCtx    context.Context
	cancelLoop context.CancelFunc
	loopWg     sync.WaitGroup
	started    bool
	stopped    bool
	startTime  time.Time
}

// Info 控制器狀態快照（status 指令與 /api/status 使用）
type Info struct {
	Status      Status              `json:"status"`
	Batch       types.BatchKind     `json:"batch,omitempty"`
	Progress    progress.Progress   `json:"progress"`
	Counters    worker.Counters     `json:"counters"`
	Units       []worker.UnitState  `json:"units"`
	Summary     types.Summary       `json:"summary"`
	LastOutcome *types.BatchOutcome `json:"lastOutcome,omitempty"`
	Settings    types.Settings      `json:"settings"`
	Uptime      string              `json:"uptime"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 初始化錯誤
func NewController(config Config) (*Controller, error) {
	// 1. 開啟歷史日誌
	j, err := journal.Open(config.JournalPath, config.SyncJournal)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// 2. 指標
	collector := config.Metrics
	if collector == nil {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}

	settings := types.DefaultSettings()
	if config.Settings != nil {
		settings = *config.Settings
	}
	if err := ValidateSettings(settings); err != nil {
		j.Close()
		return nil, err
	}
	if config.NewFetcher == nil {
		config.NewFetcher = defaultFetcher
	}
	if config.NewChecker == nil {
		config.NewChecker = defaultChecker
	}

	// 3. 排程器本身不綁定 Executor，抓取與檢測批次各自帶上
	c := &Controller{
		status:    StatusIdle,
		settings:  settings,
		scrapes:   config.ScrapeProfiles,
		checks:    config.CheckProfiles,
		config:    config,
		store:     collection.NewStore(),
		registry:  sources.NewRegistry(config.Sources, settings.AutoDisableSources),
		scheduler: worker.NewScheduler(unconfigured, collector),
		tracker:   progress.NewTracker(),
		journal:   j,
		snapshot:  snapshot.NewManager(config.SnapshotPath),
		metrics:   collector,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{}))),
	}
	c.loopCtx, c.cancelLoop = context.WithCancel(context.Background())
	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot（候選、來源統計、設定、歷史）
//  2. 啟動階段：snapshot / progress 循環與 cron 重新檢測
//
// 返回值：
//   - error: 恢復失敗的錯誤
func (c *Controller) Start() error {
	start := time.Now()

	log.Info("Starting recovery...", "snapshot", c.snapshot.GetPath())
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	recovery := time.Since(start)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	log.Info("Recovery completed",
		"duration", recovery,
		"candidates", c.store.Len(),
		"history", c.journal.Len())

	c.mu.Lock()
	c.started = true
	c.startTime = start
	c.mu.Unlock()

	c.loopWg.Add(2)
	go c.snapshotLoop()
	go c.progressLoop()

	if err := c.scheduleRevalidation(); err != nil {
		return err
	}
	c.cron.Start()

	log.Info("Controller started", "workers", c.Settings().Workers)
	return nil
}

// loadSnapshot 從快照恢復狀態，第一次啟動時為空狀態
func (c *Controller) loadSnapshot() error {
	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	if c.config.Settings == nil && data.Settings.Workers > 0 {
		c.settings = data.Settings
	}
	if len(c.scrapes) == 0 {
		c.scrapes = data.ScrapeProfiles
	}
	if len(c.checks) == 0 {
		c.checks = data.CheckProfiles
	}
	autoDisable := c.settings.AutoDisableSources
	c.mu.Unlock()

	c.store.Restore(data.Candidates)
	c.registry.Restore(data.SourceStats)
	c.registry.SetAutoDisable(autoDisable)

	// 日誌是歷史的權威來源；日誌為空時才從快照補回
	if c.journal.Len() == 0 && len(data.History) > 0 {
		if err := c.journal.Reset(data.History); err != nil {
			return fmt.Errorf("failed to restore history: %w", err)
		}
	}
	c.publish()
	return nil
}

// ============================================================================
// 批次操作
// ============================================================================

// StartScrape 抓取所有啟用的來源（或設定檔選定的來源）
//
// 參數：
//   - ctx: 批次的父 context，取消時等同 Stop
//   - profile: 抓取設定檔，nil 表示使用所有啟用的來源
//
// 返回值：
//   - error: ErrBusy / ErrNoSources / worker.ErrInvalidConfig
func (c *Controller) StartScrape(ctx context.Context, profile *types.ScrapeProfile) error {
	var srcs []types.Source
	profileName := "Default"
	if profile != nil {
		srcs = c.registry.Select(profile.EnabledSources)
		profileName = profile.Name
	} else {
		srcs = c.registry.Enabled()
	}

	c.mu.Lock()
	if c.busyLocked(false) {
		c.mu.Unlock()
		return ErrBusy
	}
	if len(srcs) == 0 {
		c.mu.Unlock()
		log.Info("No sources enabled.")
		return ErrNoSources
	}
	prev := c.status
	c.gen++
	gen := c.gen
	c.status = StatusScraping
	c.kind = types.BatchScrape
	s := c.settings
	c.mu.Unlock()

	tasks := make([]worker.Task, len(srcs))
	for i := range srcs {
		tasks[i] = worker.Task{ID: srcs[i].URL, Source: &srcs[i]}
	}

	// 結果只在協調者 goroutine 上累積
	var found []types.Candidate
	sink := func(res worker.Result) {
		found = append(found, res.Candidates...)
	}
	onComplete := func(out worker.Outcome) {
		c.finishScrape(gen, profileName, len(srcs), found, out)
	}

	cfg := worker.BatchConfig{
		Label:      string(types.BatchScrape),
		PoolSize:   s.Workers,
		Discipline: worker.Stack,
		ChunkSize:  1,
		Timeout:    s.Timeout,
		Executor:   c.recordingFetcher(c.config.NewFetcher(s)),
	}
	log.Info("Starting scrape...", "profile", profileName, "sources", len(srcs))
	return c.launch(ctx, gen, prev, tasks, cfg, sink, onComplete)
}

// StartCheck 以指定模式檢測候選
//
// 參數：
//   - ctx: 批次的父 context，取消時等同 Stop
//   - mode: 檢測模式
//   - targets: 檢測目標，空時使用預設目標
//   - list: 要檢測的候選，nil 表示整個集合（GOOGLE / SECURITY 只取 VALID）
//
// 返回值：
//   - error: ErrBusy / ErrNothingToCheck / worker.ErrInvalidConfig
func (c *Controller) StartCheck(ctx context.Context, mode types.CheckMode, targets []string, list []types.Candidate) error {
	if list == nil {
		list = c.store.List()
		if mode == types.ModeGoogle || mode == types.ModeSecurity {
			list = filterStatus(list, types.StatusValid)
		}
	}

	c.mu.Lock()
	if c.busyLocked(true) {
		c.mu.Unlock()
		return ErrBusy
	}
	if len(list) == 0 {
		c.mu.Unlock()
		log.Info("No proxies to check for the selected mode.", "mode", mode)
		return ErrNothingToCheck
	}
	prev := c.status
	c.gen++
	gen := c.gen
	c.status = StatusChecking
	c.kind = types.BatchCheck
	s := c.settings
	c.mu.Unlock()

	tasks := make([]worker.Task, len(list))
	for i := range list {
		cand := list[i].Clone()
		tasks[i] = worker.Task{ID: cand.ID, Candidate: &cand}
	}

	var results []types.Candidate
	sink := func(res worker.Result) {
		results = append(results, res.Candidates...)
	}
	onComplete := func(out worker.Outcome) {
		c.finishCheck(gen, mode, len(targets), len(list), s.AutoDeleteFails, results, out)
	}

	// 一個候選可能依序打多個目標再加上 judge / geo 查詢
	timeout := s.Timeout
	if timeout > 0 {
		timeout *= time.Duration(len(targets) + 3)
	}
	cfg := worker.BatchConfig{
		Label:      "check:" + string(mode),
		PoolSize:   s.Workers,
		Discipline: worker.Queue,
		ChunkSize:  mode.ChunkSize(),
		Timeout:    timeout,
		Executor:   c.config.NewChecker(mode, targets, s),
	}
	log.Info(fmt.Sprintf("Starting %s check on %d proxies...", mode, len(list)))
	return c.launch(ctx, gen, prev, tasks, cfg, sink, onComplete)
}

// launch 啟動批次，失敗時還原狀態
// 呼叫時不可持有 mu：Run 會等待被取代批次的 onComplete
func (c *Controller) launch(ctx context.Context, gen uint64, prev Status, tasks []worker.Task, cfg worker.BatchConfig, sink worker.Sink, onComplete worker.CompleteFunc) error {
	c.tracker.Start(time.Now(), len(tasks))

	b, err := c.scheduler.Run(ctx, tasks, cfg, sink, onComplete)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.gen == gen {
			c.status = prev
		}
		return err
	}
	// 批次可能在這之前就已被 Stop；Wait 仍應等到它，但不可覆蓋更新的批次
	if gen >= c.batchGen {
		c.batch, c.batchGen = b, gen
	}
	return nil
}

// Stop 取消目前的批次，已累積的結果全部丟棄
//
// 返回值：
//   - bool: 是否真的有批次被停止
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if c.status != StatusScraping && c.status != StatusChecking {
		c.mu.Unlock()
		return false
	}
	c.gen++
	c.status = StatusIdle
	kind := c.kind
	c.mu.Unlock()

	c.scheduler.Stop()
	c.tracker.Reset()
	log.Info("Process stopped by user.", "batch", kind)
	return true
}

// Wait 等待目前（或最近一次）批次結束並處理完畢
//
// 返回值：
//   - *types.BatchOutcome: 批次結果；沒有批次時為 nil
//   - error: ctx 結束
func (c *Controller) Wait(ctx context.Context) (*types.BatchOutcome, error) {
	c.mu.Lock()
	b := c.batch
	c.mu.Unlock()
	if b == nil {
		return nil, nil
	}
	select {
	case <-b.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.LastOutcome(), nil
}

// finishScrape 抓取批次結束（協調者 goroutine 上執行）
func (c *Controller) finishScrape(gen uint64, profile string, nSources int, found []types.Candidate, out worker.Outcome) {
	outcome := types.BatchOutcome{Kind: types.BatchScrape, Errors: out.Errors, Duration: out.Duration, Cancelled: out.Cancelled}
	details := map[string]any{"profile": profile, "sources": nSources, "errors": out.Errors}
	if !out.Cancelled && !c.claim(gen) {
		outcome.Cancelled = true
		log.Info("Scrape results discarded, batch was stopped")
	}

	if !outcome.Cancelled {
		added, summary := c.store.Insert(found)
		outcome.Processed = len(found)
		details["found"] = len(found)
		details["added"] = added
		details["unique"] = summary.Unique
		c.metrics.SetSummary(summary)
		log.Info("Scrape finished", "found", len(found), "added", added, "unique", summary.Unique, "errors", out.Errors)
	}

	c.complete(gen, outcome, details)
}

// finishCheck 檢測批次結束：PROCESSING → 合併 → FINISHED（協調者 goroutine 上執行）
func (c *Controller) finishCheck(gen uint64, mode types.CheckMode, nTargets, nChecked, threshold int, results []types.Candidate, out worker.Outcome) {
	outcome := types.BatchOutcome{Kind: types.BatchCheck, Errors: out.Errors, Duration: out.Duration, Cancelled: out.Cancelled}
	details := map[string]any{"mode": string(mode), "targets": nTargets, "checked": nChecked}
	if !out.Cancelled && !c.claim(gen) {
		outcome.Cancelled = true
		log.Info("Check results discarded, batch was stopped", "results", len(results))
	}

	if !outcome.Cancelled {
		log.Info("Validation complete! Processing results...", "results", len(results))

		valid := 0
		for _, r := range results {
			if r.Status == types.StatusValid {
				valid++
			}
		}
		outcome.Processed = len(results)
		details["valid"] = valid
		details["invalid"] = len(results) - valid

		expected := c.store.Len() + c.unseen(results)
		summary, err := c.store.Apply(results, threshold)
		if err != nil {
			log.Error("Failed to merge check results", "error", err)
		} else {
			details["removed"] = expected - summary.Unique
			c.recordSourceYields()
			c.metrics.SetSummary(summary)
		}
	}

	c.complete(gen, outcome, details)
}

// complete 寫入歷史並更新狀態；已被取代或停止的批次只寫歷史
func (c *Controller) complete(gen uint64, outcome types.BatchOutcome, details map[string]any) {
	entry := types.HistoryEntry{
		ID:              uuid.NewString(),
		Kind:            outcome.Kind,
		Date:            time.Now().UTC(),
		DurationSeconds: outcome.Duration.Seconds(),
		Cancelled:       outcome.Cancelled,
		Details:         details,
	}
	if err := c.journal.Append(entry); err != nil {
		log.Error("Failed to append history entry", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &outcome
	if c.gen == gen {
		if outcome.Cancelled {
			// 父 context 取消也會走到這裡，Stop 以外的取消同樣歸零進度
			c.status = StatusIdle
			c.tracker.Reset()
		} else {
			c.status = StatusFinished
		}
	}
}

// recordSourceYields 以集合中每個來源的 VALID 數量更新來源統計
func (c *Controller) recordSourceYields() {
	counts := make(map[string]int)
	for _, cand := range c.store.List() {
		if cand.Status == types.StatusValid {
			counts[cand.SourceURL]++
		}
	}
	for _, src := range c.registry.Sources() {
		c.registry.RecordValid(src.URL, counts[src.URL])
	}
}

// recordingFetcher 在每個抓取任務結束時更新來源統計
// 批次取消造成的錯誤不算來源失敗
func (c *Controller) recordingFetcher(exec worker.Executor) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, task worker.Task) (worker.Result, error) {
		res, err := exec.Execute(ctx, task)
		if errors.Is(err, context.Canceled) {
			return res, err
		}
		c.registry.RecordScrape(task.ID, len(res.Candidates), err)
		return res, err
	})
}

// ============================================================================
// 背景循環
// ============================================================================

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	if c.config.SnapshotInterval <= 0 {
		<-c.loopCtx.Done()
		return
	}
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.loopCtx.Done():
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.Save(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// progressLoop 以固定節奏取樣進度並更新指標；只在批次執行中發送
func (c *Controller) progressLoop() {
	defer c.loopWg.Done()
	counters := func() (int, int) {
		cnt := c.scheduler.Counters()
		return cnt.Completed, cnt.Total
	}
	c.tracker.Run(c.loopCtx, c.config.ProgressInterval, counters, func(p progress.Progress) {
		if c.Busy() {
			c.metrics.SetProgress(p)
		}
	})
}

// scheduleRevalidation 依目前設定重新排定 cron 任務
func (c *Controller) scheduleRevalidation() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cronEntry != 0 {
		c.cron.Remove(c.cronEntry)
		c.cronEntry = 0
	}
	if !c.settings.EnableRevalidation {
		return nil
	}
	if c.settings.RevalidationInterval <= 0 {
		return fmt.Errorf("%w: revalidation interval must be positive", ErrInvalidSettings)
	}
	c.cronEntry = c.cron.Schedule(cron.Every(c.settings.RevalidationInterval), cron.FuncJob(func() {
		if _, err := c.Revalidate(); err != nil && !errors.Is(err, ErrBusy) {
			log.Warn("Revalidation skipped", "error", err)
		}
	}))
	return nil
}

// Revalidate 重新檢測非 VALID 或超過間隔未檢測的候選（STANDARD 模式）
// 忙碌時直接略過
//
// 返回值：
//   - int: 送出檢測的候選數
//   - error: ErrBusy 或啟動失敗
func (c *Controller) Revalidate() (int, error) {
	c.mu.Lock()
	st, s := c.status, c.settings
	c.mu.Unlock()
	if !s.EnableRevalidation {
		return 0, nil
	}
	if st != StatusIdle && st != StatusFinished {
		return 0, ErrBusy
	}

	now := time.Now()
	var list []types.Candidate
	for _, cand := range c.store.List() {
		if cand.Status != types.StatusValid || cand.LastChecked == nil || now.Sub(*cand.LastChecked) > s.RevalidationInterval {
			list = append(list, cand)
		}
	}
	if len(list) == 0 {
		return 0, nil
	}

	log.Info("Running periodic revalidation", "candidates", len(list))
	if err := c.StartCheck(c.loopCtx, types.ModeStandard, nil, list); err != nil {
		return 0, err
	}
	return len(list), nil
}

// ============================================================================
// 持久化
// ============================================================================

// Save 寫入快照
func (c *Controller) Save() error {
	start := time.Now()
	data, err := c.snapshotData()
	if err != nil {
		return err
	}
	if err := c.snapshot.WriteWithBackup(data, c.config.KeepBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	log.Debug("Snapshot taken", "duration", time.Since(start), "candidates", len(data.Candidates))
	return nil
}

// Backup 把目前狀態寫到指定路徑
func (c *Controller) Backup(path string) error {
	data, err := c.snapshotData()
	if err != nil {
		return err
	}
	if err := snapshot.WriteFile(path, data); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	log.Info("Backup written", "path", path, "candidates", len(data.Candidates))
	return nil
}

// Restore 從備份檔完整取代記憶體狀態，執行中的批次會被取消
func (c *Controller) Restore(path string) error {
	data, err := snapshot.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if data.Settings.Workers > 0 {
		if err := ValidateSettings(data.Settings); err != nil {
			return err
		}
	}

	c.abandon()

	if err := c.journal.Reset(data.History); err != nil {
		return fmt.Errorf("failed to restore history: %w", err)
	}
	summary := c.store.Restore(data.Candidates)
	c.registry.Restore(data.SourceStats)

	c.mu.Lock()
	if data.Settings.Workers > 0 {
		c.settings = data.Settings
	}
	if len(data.ScrapeProfiles) > 0 {
		c.scrapes = data.ScrapeProfiles
	}
	if len(data.CheckProfiles) > 0 {
		c.checks = data.CheckProfiles
	}
	c.status = StatusIdle
	c.last = nil
	c.registry.SetAutoDisable(c.settings.AutoDisableSources)
	started := c.started
	c.mu.Unlock()

	c.metrics.SetSummary(summary)
	if started {
		if err := c.scheduleRevalidation(); err != nil {
			return err
		}
	}
	log.Info("Backup restored", "path", path, "candidates", summary.Unique, "history", len(data.History))
	return nil
}

// Clear 清空候選集合（歷史與來源統計保留）
func (c *Controller) Clear() {
	c.abandon()
	c.store.Clear()
	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()
	c.publish()
	log.Info("Collection cleared")
}

// ClearHistory 清空歷史日誌
func (c *Controller) ClearHistory() error {
	return c.journal.Reset(nil)
}

func (c *Controller) snapshotData() (types.SnapshotData, error) {
	history, err := c.journal.Entries()
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to read history: %w", err)
	}
	c.mu.Lock()
	data := types.SnapshotData{
		Settings:       c.settings,
		ScrapeProfiles: append([]types.ScrapeProfile(nil), c.scrapes...),
		CheckProfiles:  append([]types.CheckProfile(nil), c.checks...),
	}
	c.mu.Unlock()
	data.Candidates = c.store.Snapshot()
	data.SourceStats = c.registry.StatsMap()
	data.History = history
	return data, nil
}

// ============================================================================
// 公開查詢與設定
// ============================================================================

// Info 取得系統狀態
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{
		Status:   c.status,
		Batch:    c.kind,
		Settings: c.settings,
	}
	if c.last != nil {
		last := *c.last
		info.LastOutcome = &last
	}
	if !c.startTime.IsZero() {
		info.Uptime = time.Since(c.startTime).Round(time.Second).String()
	}
	c.mu.Unlock()

	info.Progress = c.tracker.Current()
	info.Counters = c.scheduler.Counters()
	info.Units = c.scheduler.Units()
	info.Summary = c.store.Summary()
	return info
}

// Status 目前狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Busy 是否有批次正在執行
func (c *Controller) Busy() bool {
	st := c.Status()
	return st == StatusScraping || st == StatusChecking || st == StatusProcessing
}

// LastOutcome 最近一次批次的結果
func (c *Controller) LastOutcome() *types.BatchOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	out := *c.last
	return &out
}

// History 歷史記錄，最新的在前；limit <= 0 表示全部
func (c *Controller) History(limit int) ([]types.HistoryEntry, error) {
	entries, err := c.journal.Entries()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Settings 目前設定
func (c *Controller) Settings() types.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings 更新設定；只影響之後啟動的批次
func (c *Controller) UpdateSettings(s types.Settings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	started := c.started
	c.mu.Unlock()

	c.registry.SetAutoDisable(s.AutoDisableSources)
	if started {
		return c.scheduleRevalidation()
	}
	return nil
}

// ValidateSettings 檢查設定是否合法
func ValidateSettings(s types.Settings) error {
	switch {
	case s.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidSettings, s.Workers)
	case s.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidSettings)
	case s.AutoDeleteFails < 0:
		return fmt.Errorf("%w: auto delete threshold must not be negative", ErrInvalidSettings)
	case s.EnableRevalidation && s.RevalidationInterval <= 0:
		return fmt.Errorf("%w: revalidation interval must be positive", ErrInvalidSettings)
	}
	return nil
}

// ScrapeProfile 依名稱查找抓取設定檔
func (c *Controller) ScrapeProfile(name string) (types.ScrapeProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.scrapes {
		if p.Name == name {
			return p, nil
		}
	}
	return types.ScrapeProfile{}, fmt.Errorf("%w: scrape profile %q", ErrUnknownProfile, name)
}

// CheckProfile 依名稱查找檢測設定檔
func (c *Controller) CheckProfile(name string) (types.CheckProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.checks {
		if p.Name == name {
			return p, nil
		}
	}
	return types.CheckProfile{}, fmt.Errorf("%w: check profile %q", ErrUnknownProfile, name)
}

// Delete 刪除候選並更新指標
func (c *Controller) Delete(ids []string) int {
	n := c.store.Delete(ids)
	c.publish()
	return n
}

// Store 權威候選集合（唯讀查詢與使用者編輯）
func (c *Controller) Store() *collection.Store { return c.store }

// Sources 來源清單與統計
func (c *Controller) Sources() *sources.Registry { return c.registry }

// Metrics 指標收集器
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }

// Shutdown 優雅關閉 Controller

// ============================================================================
// 關閉順序
// ============================================================================
//
//  1. cron.Stop()      → 不再觸發新的重新檢測，等待執行中的那次返回
//  2. scheduler.Stop() → 取消存活批次並等待協調者結束（onComplete 已寫完歷史）
//  3. cancelLoop()     → 通知 snapshot / progress 循環
//  4. loopWg.Wait()    → 等待所有循環退出
//  5. 最後一次快照，再關閉日誌（快照需要讀取歷史）
//
// ============================================================================
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")

	<-c.cron.Stop().Done()
	c.Stop()
	c.scheduler.Stop()
	c.cancelLoop()
	c.loopWg.Wait()

	if started {
		if err := c.Save(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := c.journal.Close(); err != nil {
		log.Error("Failed to close journal", "error", err)
	}

	log.Info("Controller stopped")
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// busyLocked 是否不可啟動新批次；檢測可以在 PROCESSING 時排入
func (c *Controller) busyLocked(check bool) bool {
	switch c.status {
	case StatusScraping, StatusChecking:
		return true
	case StatusProcessing:
		return !check
	}
	return false
}

// claim 把仍然有效的批次轉為 PROCESSING，之後 Stop 不再能取消它
// 返回 false 表示批次已被 Stop / Restore / Clear 作廢，結果必須丟棄
func (c *Controller) claim(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.status = StatusProcessing
	return true
}

// abandon 作廢目前的批次（包括 PROCESSING 中的），並等待它的收尾結束
func (c *Controller) abandon() {
	c.mu.Lock()
	c.gen++
	b := c.batch
	c.status = StatusIdle
	c.mu.Unlock()

	c.scheduler.Stop()
	c.tracker.Reset()
	if b != nil {
		<-b.Done()
	}
}

func (c *Controller) publish() {
	c.metrics.SetSummary(c.store.Summary())
}

func filterStatus(list []types.Candidate, st types.Status) []types.Candidate {
	out := make([]types.Candidate, 0, len(list))
	for _, c := range list {
		if c.Status == st {
			out = append(out, c)
		}
	}
	return out
}

// unseen 結果中有多少個 ID 是集合原本沒有的
func (c *Controller) unseen(results []types.Candidate) int {
	seen := make(map[string]struct{}, len(results))
	n := 0
	for _, r := range results {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		if _, ok := c.store.Get(r.ID); !ok {
			n++
		}
	}
	return n
}

func defaultFetcher(s types.Settings) worker.Executor {
	return probe.NewFetcher(probe.FetcherConfig{Timeout: s.Timeout, UserAgent: s.UserAgent})
}

func defaultChecker(mode types.CheckMode, targets []string, s types.Settings) worker.Executor {
	return probe.NewChecker(probe.CheckerConfig{Mode: mode, Targets: targets, Timeout: s.Timeout, UserAgent: s.UserAgent})
}
