package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var (
	// ErrNoTasks 批次沒有任何可執行的任務，不會啟動批次
	ErrNoTasks = errors.New("no tasks to run")
	// ErrInvalidConfig 批次設定不合法
	ErrInvalidConfig = errors.New("invalid batch config")
)

// Task 代表要執行的任務，同一批次內的任務類型一致
type Task struct {
	ID        string           // 任務唯一識別碼（來源 URL 或候選代理 ID）
	Source    *types.Source    // 來源抓取任務
	Candidate *types.Candidate // 候選代理檢測任務
}

// Label 用於日誌與執行單元狀態顯示
func (t Task) Label() string {
	switch {
	case t.Source != nil:
		return t.Source.URL
	case t.Candidate != nil:
		return t.Candidate.ID
	}
	return t.ID
}

// Result 代表任務執行結果
type Result struct {
	TaskID     string            // 任務 ID
	Candidates []types.Candidate // 抓取到或檢測後的候選代理
	Duration   time.Duration     // 實際執行時間
}

// Discipline 任務消費方式
type Discipline int

const (
	// Stack 後進先出，每次分派一個任務
	Stack Discipline = iota
	// Queue 先進先出，每次分派 ChunkSize 個任務
	Queue
)

func (d Discipline) String() string {
	if d == Queue {
		return "queue"
	}
	return "stack"
}

// BatchConfig 批次啟動時的設定快照
type BatchConfig struct {
	Label      string        // 批次名稱，僅用於日誌與指標
	PoolSize   int           // 最多同時運作的執行單元數量
	Discipline Discipline    // 消費方式
	ChunkSize  int           // Queue 模式每次分派的任務數
	Timeout    time.Duration // 單一任務的執行超時，0 表示不限
	Executor   Executor      // 本批次專用的 Executor，nil 表示使用 Scheduler 的預設值
}

// Validate 檢查設定是否合法
func (c BatchConfig) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidConfig, c.PoolSize)
	}
	if c.Discipline != Stack && c.Discipline != Queue {
		return fmt.Errorf("%w: unknown discipline %d", ErrInvalidConfig, c.Discipline)
	}
	if c.Discipline == Queue && c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}

// Outcome 批次結束時回報一次（包含被取消的批次）
type Outcome struct {
	Label     string
	Completed int // 已完成的任務數（含失敗）
	Total     int
	Errors    int
	Duration  time.Duration
	Cancelled bool
}

// UnitStatus 執行單元狀態
type UnitStatus string

const (
	UnitIdle     UnitStatus = "idle"
	UnitActive   UnitStatus = "active"
	UnitFinished UnitStatus = "finished"
)

// UnitState 執行單元的可觀察狀態
type UnitState struct {
	ID     int        `json:"id"`
	Status UnitStatus `json:"status"`
	Task   string     `json:"task,omitempty"`
}

// Counters 批次計數器快照
type Counters struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Errors    int `json:"errors"`
}

// Sink 接收每個任務的結果，在協調者 goroutine 上呼叫
type Sink func(Result)

// CompleteFunc 批次結束時呼叫一次，在協調者 goroutine 上呼叫
type CompleteFunc func(Outcome)

// Observer 批次生命週期的觀察者（metrics 實作）
type Observer interface {
	BatchStarted(label string, total int)
	TaskFinished(label string, d time.Duration, err error)
	BatchFinished(o Outcome)
}

type nopObserver struct{}

func (nopObserver) BatchStarted(string, int)                  {}
func (nopObserver) TaskFinished(string, time.Duration, error) {}
func (nopObserver) BatchFinished(Outcome)                     {}
