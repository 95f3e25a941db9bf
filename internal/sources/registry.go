// ============================================================================
// proxy-suite 來源登記表 - 代理來源與抓取統計
// ============================================================================
//
// Package: internal/sources
// 文件: registry.go
// 功能: 保存來源定義（依加入順序）與每個來源的 SourceStats
//
// 統計規則:
//   - 每次抓取後記錄產量，YieldHistory 只保留最近 10 筆（失敗記為 0）
//   - 連續失敗 3 次且開啟 autoDisable 時自動停用來源
//   - 健康度由最近產量與連續失敗推算：
//       沒有紀錄       → Unknown
//       最近一次失敗   → Poor
//       平均 >= 100 且空抓取不超過 1/4 → Good
//       平均 > 0       → Average
//       其他           → Poor
//
// ============================================================================

package sources

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var (
	// ErrUnknownSource 來源不存在
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource 來源 URL 重複
	ErrDuplicateSource = errors.New("source already registered")
	// ErrInvalidSource 來源缺少 URL 或協議
	ErrInvalidSource = errors.New("invalid source")
)

const (
	// MaxYieldHistory 每個來源保留的產量紀錄數
	MaxYieldHistory = 10
	// DisableAfter 連續失敗幾次後自動停用
	DisableAfter = 3

	goodYield = 100
)

// Registry 來源登記表
type Registry struct {
	mu          sync.RWMutex
	order       []string
	sources     map[string]types.Source
	stats       map[string]types.SourceStats
	autoDisable bool
	log         *slog.Logger
}

// NewRegistry 建立登記表；重複或無效的來源會被略過並記錄警告
func NewRegistry(srcs []types.Source, autoDisable bool) *Registry {
	r := &Registry{
		sources:     make(map[string]types.Source, len(srcs)),
		stats:       make(map[string]types.SourceStats, len(srcs)),
		autoDisable: autoDisable,
		log:         slog.Default().With("component", "sources"),
	}
	for _, s := range srcs {
		if err := r.Add(s, ""); err != nil {
			r.log.Warn("skipping source", "url", s.URL, "error", err)
		}
	}
	return r
}

// SetAutoDisable 開關自動停用
func (r *Registry) SetAutoDisable(on bool) {
	r.mu.Lock()
	r.autoDisable = on
	r.mu.Unlock()
}

// Add 加入新來源，初始為啟用且健康度 Unknown
func (r *Registry) Add(src types.Source, notes string) error {
	src.URL = strings.TrimSpace(src.URL)
	if src.URL == "" || src.Protocol == "" {
		return fmt.Errorf("%w: url and type are required", ErrInvalidSource)
	}
	if src.Format == "" {
		src.Format = types.FormatText
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.URL]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.URL)
	}
	r.order = append(r.order, src.URL)
	r.sources[src.URL] = src
	r.stats[src.URL] = types.SourceStats{
		URL:          src.URL,
		Enabled:      true,
		YieldHistory: []int{},
		Health:       types.HealthUnknown,
		Notes:        notes,
	}
	return nil
}

// Remove 移除來源與其統計
func (r *Registry) Remove(url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[url]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, url)
	}
	delete(r.sources, url)
	delete(r.stats, url)
	for i, u := range r.order {
		if u == url {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Sources 全部來源（加入順序）
func (r *Registry) Sources() []types.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Source, 0, len(r.order))
	for _, u := range r.order {
		out = append(out, r.sources[u])
	}
	return out
}

// Enabled 目前啟用的來源
func (r *Registry) Enabled() []types.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Source
	for _, u := range r.order {
		if r.stats[u].Enabled {
			out = append(out, r.sources[u])
		}
	}
	return out
}

// Select 依 URL 挑選來源（抓取設定檔使用），不看啟用狀態，未知 URL 略過
func (r *Registry) Select(urls []string) []types.Source {
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		want[u] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Source
	for _, u := range r.order {
		if _, ok := want[u]; ok {
			out = append(out, r.sources[u])
		}
	}
	return out
}

// SetEnabled 手動啟用或停用；重新啟用時清除連續失敗
func (r *Registry) SetEnabled(url string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, url)
	}
	st.Enabled = enabled
	if enabled {
		st.ConsecutiveFails = 0
		st.Health = assess(st)
	}
	r.stats[url] = st
	return nil
}

// RecordScrape 記錄一次抓取結果
//
// 參數:
//   - url: 來源 URL
//   - found: 抓到的候選數量（err 不為 nil 時忽略）
//   - err: 抓取錯誤
//
// 返回值:
//   - bool: 這次記錄是否導致來源被自動停用
func (r *Registry) RecordScrape(url string, found int, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[url]
	if !ok {
		return false
	}

	yield := found
	if err != nil {
		yield = 0
		st.Errors++
		st.ConsecutiveFails++
	} else {
		st.Found += found
		st.ConsecutiveFails = 0
	}
	st.YieldHistory = append(st.YieldHistory, yield)
	if n := len(st.YieldHistory); n > MaxYieldHistory {
		st.YieldHistory = append([]int(nil), st.YieldHistory[n-MaxYieldHistory:]...)
	}

	disabled := false
	if r.autoDisable && st.Enabled && st.ConsecutiveFails >= DisableAfter {
		st.Enabled = false
		disabled = true
		r.log.Warn("source auto-disabled", "url", url, "consecutive_fails", st.ConsecutiveFails)
	}
	st.Health = assess(st)
	r.stats[url] = st
	return disabled
}

// RecordValid 設定來源目前在集合中的 VALID 數量
func (r *Registry) RecordValid(url string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stats[url]; ok {
		st.Valid = n
		r.stats[url] = st
	}
}

// Stats 統計副本，依健康度再依 URL 排序
func (r *Registry) Stats() []types.SourceStats {
	r.mu.RLock()
	out := make([]types.SourceStats, 0, len(r.stats))
	for _, st := range r.stats {
		out = append(out, cloneStats(st))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		hi, hj := healthRank(out[i].Health), healthRank(out[j].Health)
		if hi != hj {
			return hi > hj
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// StatsMap 以 URL 為鍵的統計副本（快照用）
func (r *Registry) StatsMap() map[string]types.SourceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.SourceStats, len(r.stats))
	for u, st := range r.stats {
		out[u] = cloneStats(st)
	}
	return out
}

// Restore 從快照載入統計；只套用已登記的來源
func (r *Registry) Restore(stats map[string]types.SourceStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for u, st := range stats {
		if _, ok := r.sources[u]; !ok {
			continue
		}
		st = cloneStats(st)
		st.URL = u
		if st.YieldHistory == nil {
			st.YieldHistory = []int{}
		}
		st.Health = assess(st)
		r.stats[u] = st
	}
}

func assess(st types.SourceStats) types.SourceHealth {
	n := len(st.YieldHistory)
	if n == 0 {
		return types.HealthUnknown
	}
	if st.ConsecutiveFails > 0 {
		return types.HealthPoor
	}
	sum, empty := 0, 0
	for _, y := range st.YieldHistory {
		sum += y
		if y == 0 {
			empty++
		}
	}
	avg := float64(sum) / float64(n)
	switch {
	case avg >= goodYield && empty*4 <= n:
		return types.HealthGood
	case avg > 0:
		return types.HealthAverage
	}
	return types.HealthPoor
}

func healthRank(h types.SourceHealth) int {
	switch h {
	case types.HealthGood:
		return 3
	case types.HealthAverage:
		return 2
	case types.HealthPoor:
		return 1
	}
	return 0
}

func cloneStats(st types.SourceStats) types.SourceStats {
	st.YieldHistory = append([]int{}, st.YieldHistory...)
	return st
}
