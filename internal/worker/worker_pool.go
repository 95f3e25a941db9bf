// ============================================================================
// proxy-suite Worker Pool - 批次任務排程器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以單一協調者 goroutine 管理一個批次的 backlog 與執行單元
//
// 設計模式:
//   採用單一協調者事件迴圈：
//   1. 協調者是 backlog 的唯一擁有者，分派與完成處理都在同一個 goroutine
//   2. 執行單元之間不共享可變狀態，只透過 event channel 回報完成
//   3. 執行單元回報一個工作單位的最後一個任務後，才會拿到下一個工作單位
//   4. 因此 backlog 不需要任何鎖
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Run(tasks)--> Batch
//   └─────────────┘
//         ↑
//    sink / onComplete
//         ↑
//   ┌──────────────────────────────┐
//   │ Coordinator (backlog owner)  │
//   │   ├─ inbox ──→ Unit 0 ──┐    │
//   │   ├─ inbox ──→ Unit 1 ──┼──→ events
//   │   └─ inbox ──→ Unit 2 ──┘    │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewScheduler() - 建立 Scheduler，綁定 Executor
//   2. Run() - 終止舊批次，建立 backlog，啟動最多 PoolSize 個執行單元
//   3. 每個任務完成 → sink(result)，completed++
//   4. 工作單位完成 → 拉取下一個工作單位，沒有則標記 finished
//   5. 所有執行單元 finished → onComplete(outcome) 恰好一次
//
// 取消:
//   Stop() 立即取消批次 context，不等待執行中的任務；
//   已完成但尚未送達的結果被丟棄，onComplete 以 Cancelled=true 回報。
//
// 錯誤處理:
//   - ErrNoTasks: 空的 backlog 不啟動批次
//   - ErrInvalidConfig: 設定不合法
//   - 單一任務失敗只計入錯誤數並記錄 Warn 日誌，批次繼續
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Scheduler 管理批次的建立，同一時間只允許一個存活的批次
type Scheduler struct {
	exec     Executor
	observer Observer
	log      *slog.Logger

	runMu sync.Mutex // 序列化 Run / Stop
	mu    sync.Mutex // 保護 live
	live  *Batch
}

// Batch 代表一次排程執行，直到完成或被取消
type Batch struct {
	cfg        BatchConfig
	exec       Executor
	observer   Observer
	log        *slog.Logger
	sink       Sink
	onComplete CompleteFunc

	ctx     context.Context
	cancel  context.CancelFunc
	backlog *backlog // 只由協調者存取
	events  chan event
	done    chan struct{}
	started time.Time
	total   int

	mu        sync.Mutex // 保護以下可觀察狀態
	units     []UnitState
	completed int
	errors    int
	outcome   *Outcome
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewScheduler 建立新的排程器
// 參數：
//   - exec: 預設的 Executor，BatchConfig.Executor 可逐批覆蓋
//   - observer: 批次生命週期觀察者，可為 nil
//
// 返回值：
//   - *Scheduler: 排程器實例
func NewScheduler(exec Executor, observer Observer) *Scheduler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Scheduler{
		exec:     exec,
		observer: observer,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Run 啟動新批次
// 參數：
//   - ctx: 批次的父 context，取消時等同 Stop
//   - tasks: 同類型的任務列表
//   - cfg: 批次設定快照
//   - sink: 每個任務的結果（可為 nil）
//   - onComplete: 批次結束時呼叫一次（可為 nil）
//
// 返回值：
//   - *Batch: 已啟動的批次
//   - error: ErrNoTasks 或 ErrInvalidConfig，此時不會啟動批次，舊批次也不受影響
//
// 注意：sink 與 onComplete 在協調者 goroutine 上執行，不可在其中呼叫 Stop 或 Run
func (s *Scheduler) Run(ctx context.Context, tasks []Task, cfg BatchConfig, sink Sink, onComplete CompleteFunc) (*Batch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	// 只允許一個存活批次：無條件終止舊批次，不等待其任務
	if prev := s.swapLive(nil); prev != nil {
		prev.Stop()
		s.log.Info("previous batch terminated", "batch", prev.cfg.Label)
	}

	b := newBatch(ctx, s, tasks, cfg, sink, onComplete)
	s.swapLive(b)
	go b.coordinate()

	return b, nil
}

// Stop 取消目前存活的批次並等待協調者結束
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if b := s.swapLive(nil); b != nil {
		b.Stop()
	}
}

// Live 返回目前存活（尚未結束）的批次
func (s *Scheduler) Live() (*Batch, bool) {
	s.mu.Lock()
	b := s.live
	s.mu.Unlock()
	if b == nil || b.Finished() {
		return nil, false
	}
	return b, true
}

// Counters 目前批次的計數器，沒有批次時為零值
func (s *Scheduler) Counters() Counters {
	s.mu.Lock()
	b := s.live
	s.mu.Unlock()
	if b == nil {
		return Counters{}
	}
	return b.Counters()
}

// Units 目前批次的執行單元狀態
func (s *Scheduler) Units() []UnitState {
	s.mu.Lock()
	b := s.live
	s.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Units()
}

func (s *Scheduler) swapLive(b *Batch) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.live
	s.live = b
	return prev
}

func newBatch(parent context.Context, s *Scheduler, tasks []Task, cfg BatchConfig, sink Sink, onComplete CompleteFunc) *Batch {
	ctx, cancel := context.WithCancel(parent)
	exec := s.exec
	if cfg.Executor != nil {
		exec = cfg.Executor
	}
	units := make([]UnitState, cfg.PoolSize)
	for i := range units {
		units[i] = UnitState{ID: i, Status: UnitIdle}
	}
	return &Batch{
		cfg:        cfg,
		exec:       exec,
		observer:   s.observer,
		log:        s.log.With("batch", cfg.Label),
		sink:       sink,
		onComplete: onComplete,
		ctx:        ctx,
		cancel:     cancel,
		backlog:    newBacklog(tasks, cfg.Discipline, cfg.ChunkSize),
		events:     make(chan event, cfg.PoolSize),
		done:       make(chan struct{}),
		started:    time.Now(),
		total:      len(tasks),
		units:      units,
	}
}

// ============================================================================
// 協調者
// ============================================================================

// coordinate 是批次的事件迴圈，backlog 只在這裡被讀寫
func (b *Batch) coordinate() {
	defer close(b.done)

	b.observer.BatchStarted(b.cfg.Label, b.total)
	b.log.Info("batch started",
		"tasks", b.total,
		"pool_size", b.cfg.PoolSize,
		"discipline", b.cfg.Discipline.String(),
		"chunk_size", b.cfg.ChunkSize)

	// 啟動階段：backlog 已空時不再啟動新的執行單元
	var units []*unit
	for i := 0; i < b.cfg.PoolSize; i++ {
		work := b.backlog.pull()
		if work == nil {
			break
		}
		u := newUnit(i, b.exec, b.cfg.Timeout, b.events)
		units = append(units, u)
		b.setUnit(i, UnitActive, workLabel(work))
		u.inbox <- work
		go u.run(b.ctx)
	}

	active := len(units)
	for active > 0 {
		select {
		case <-b.ctx.Done():
			b.finish(true)
			return
		case ev := <-b.events:
			if b.ctx.Err() != nil {
				b.finish(true)
				return
			}
			b.record(ev)
			if !ev.last {
				continue
			}

			if work := b.backlog.pull(); work != nil {
				b.setUnit(ev.unit, UnitActive, workLabel(work))
				units[ev.unit].inbox <- work // 執行單元正在等待，inbox 為空
				continue
			}
			close(units[ev.unit].inbox)
			b.setUnit(ev.unit, UnitFinished, "")
			active--
		}
	}

	b.finish(b.ctx.Err() != nil)
}

// record 處理單一任務的完成事件
func (b *Batch) record(ev event) {
	b.mu.Lock()
	b.completed++
	if ev.err != nil {
		b.errors++
	}
	b.mu.Unlock()

	b.observer.TaskFinished(b.cfg.Label, ev.result.Duration, ev.err)

	if ev.err != nil {
		b.log.Warn("task failed",
			"unit", ev.unit,
			"task", ev.task,
			"duration", ev.result.Duration,
			"error", ev.err)
		return
	}
	if b.sink != nil {
		b.sink(ev.result)
	}
}

// finish 產生 Outcome 並呼叫 onComplete，只會執行一次
func (b *Batch) finish(cancelled bool) {
	b.cancel()

	b.mu.Lock()
	out := Outcome{
		Label:     b.cfg.Label,
		Completed: b.completed,
		Total:     b.total,
		Errors:    b.errors,
		Duration:  time.Since(b.started),
		Cancelled: cancelled,
	}
	b.outcome = &out
	if cancelled {
		// 取消後進度歸零
		b.completed, b.errors = 0, 0
		for i := range b.units {
			b.units[i] = UnitState{ID: i, Status: UnitIdle}
		}
	}
	b.mu.Unlock()

	b.observer.BatchFinished(out)
	b.log.Info("batch finished",
		"completed", out.Completed,
		"total", out.Total,
		"errors", out.Errors,
		"duration", out.Duration,
		"cancelled", out.Cancelled)

	if b.onComplete != nil {
		b.onComplete(out)
	}
}

// ============================================================================
// Batch 公開方法
// ============================================================================

// Stop 立即取消批次並等待協調者結束（不等待執行中的任務）
// 不可在 sink 或 onComplete 中呼叫
func (b *Batch) Stop() {
	b.cancel()
	<-b.done
}

// Done 批次結束時關閉
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Finished 批次是否已結束
func (b *Batch) Finished() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Wait 等待批次結束並返回 Outcome
func (b *Batch) Wait() Outcome {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.outcome
}

// Config 批次設定快照
func (b *Batch) Config() BatchConfig {
	return b.cfg
}

// Counters 計數器快照
func (b *Batch) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counters{Completed: b.completed, Total: b.total, Errors: b.errors}
}

// Units 執行單元狀態快照
func (b *Batch) Units() []UnitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]UnitState, len(b.units))
	copy(out, b.units)
	return out
}

func (b *Batch) setUnit(id int, status UnitStatus, task string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units[id] = UnitState{ID: id, Status: status, Task: task}
}

func workLabel(work []Task) string {
	if len(work) == 1 {
		return work[0].Label()
	}
	return fmt.Sprintf("%s (+%d)", work[0].Label(), len(work)-1)
}
