// Package progress 以固定節奏計算批次進度、速率與預估剩餘時間
package progress

import (
	"context"
	"math"
	"sync"
	"time"
)

// DefaultInterval 進度重新計算的節奏
const DefaultInterval = time.Second

// Unknown 速率為 0 時的預估剩餘秒數
const Unknown = -1

// Progress 對外公開的進度快照
type Progress struct {
	CompletedCount            int     `json:"completedCount"`
	TotalCount                int     `json:"totalCount"`
	Percentage                float64 `json:"percentage"`
	ItemsPerSecond            float64 `json:"itemsPerSecond"`
	EstimatedSecondsRemaining float64 `json:"estimatedSecondsRemaining"`
}

// CounterFunc 讀取目前已完成與總任務數
type CounterFunc func() (completed, total int)

// Tracker 依兩次取樣之間的完成數差值計算速率
type Tracker struct {
	mu            sync.Mutex
	lastAt        time.Time
	lastCompleted int
	current       Progress
}

// NewTracker 建立進度追蹤器
func NewTracker() *Tracker {
	return &Tracker{current: Progress{EstimatedSecondsRemaining: Unknown}}
}

// Start 標記批次開始，作為第一次取樣的基準
func (t *Tracker) Start(now time.Time, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = now
	t.lastCompleted = 0
	t.current = Progress{TotalCount: total, EstimatedSecondsRemaining: Unknown}
}

// Sample 以新的計數器值更新進度
// 距離上次取樣不足 1ms 時沿用上次的速率
func (t *Tracker) Sample(now time.Time, completed, total int) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastAt.IsZero() {
		t.lastAt = now
		t.lastCompleted = completed
	}

	p := Progress{
		CompletedCount: completed,
		TotalCount:     total,
		ItemsPerSecond: t.current.ItemsPerSecond,
	}
	if total > 0 {
		p.Percentage = math.Min(100, float64(completed)*100/float64(total))
	}

	if elapsed := now.Sub(t.lastAt).Seconds(); elapsed >= 0.001 {
		delta := completed - t.lastCompleted
		if delta < 0 {
			delta = 0
		}
		p.ItemsPerSecond = float64(delta) / elapsed
		t.lastAt = now
		t.lastCompleted = completed
	}

	remaining := total - completed
	switch {
	case remaining <= 0:
		p.EstimatedSecondsRemaining = 0
	case p.ItemsPerSecond > 0:
		p.EstimatedSecondsRemaining = math.Round(float64(remaining) / p.ItemsPerSecond)
	default:
		p.EstimatedSecondsRemaining = Unknown
	}

	t.current = p
	return p
}

// Current 最近一次的進度快照
func (t *Tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Reset 進度歸零（批次取消時使用）
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = time.Time{}
	t.lastCompleted = 0
	t.current = Progress{EstimatedSecondsRemaining: Unknown}
}

// Run 以固定節奏取樣直到 ctx 結束
// 參數：
//   - interval: 取樣間隔，<= 0 時使用 DefaultInterval
//   - counters: 讀取計數器
//   - emit: 每次取樣後呼叫（可為 nil）
func (t *Tracker) Run(ctx context.Context, interval time.Duration, counters CounterFunc, emit func(Progress)) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			completed, total := counters()
			p := t.Sample(now, completed, total)
			if emit != nil {
				emit(p)
			}
		}
	}
}
