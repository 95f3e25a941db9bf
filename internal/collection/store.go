// ============================================================================
// proxy-suite 權威集合 - 候選代理的唯一真實來源
// ============================================================================
//
// Package: internal/collection
// 文件: store.go
// 功能: 持有權威候選代理集合與其統計，所有寫入都經過 pipeline.Merge
//
// 設計理念:
//   1. candidates map - 以 "ip:port" 為鍵的統一儲存 (Single Source of Truth)
//   2. 每次寫入都先在副本上完成合併、分級、保留策略與統計，
//      然後在鎖內一次替換指標（atomic swap）
//   3. 讀取方永遠看到完整一致的集合，且只拿到副本
//
// 並發安全:
//   - sync.RWMutex 只保護指標替換與讀取
//   - writeMu 序列化寫入者，避免兩個重疊的批次同時合併
//
// 快照支持:
//   - Snapshot() - 複製目前集合（持久化用）
//   - Restore() - 以快照完整替換集合
//
// ============================================================================

package collection

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/proxy-suite/internal/pipeline"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 候選代理不存在
	ErrNotFound = errors.New("candidate not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 權威集合
type Store struct {
	writeMu sync.Mutex // 序列化寫入者

	mu         sync.RWMutex
	candidates map[string]types.Candidate // 只會被整個替換，不會原地修改
	summary    types.Summary
	version    uint64 // 每次替換 +1
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewStore 建立空的權威集合
func NewStore() *Store {
	return &Store{
		candidates: map[string]types.Candidate{},
		summary:    pipeline.Summarize(nil),
	}
}

// Apply 將檢測批次的結果合併進集合
//
// 參數說明：
//   - incoming: 新結果，同一個 ID 後者勝出
//   - threshold: 連續失敗保留門檻，0 表示停用
//
// 返回值：
//   - types.Summary: 合併後的統計
//   - error: 門檻為負時返回 pipeline.ErrInvalidThreshold，集合不變
func (s *Store) Apply(incoming []types.Candidate, threshold int) (types.Summary, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, summary, err := pipeline.Merge(s.current(), incoming, threshold)
	if err != nil {
		return types.Summary{}, err
	}
	s.swap(next, summary)
	return summary, nil
}

// Insert 加入抓取到的新候選代理，已存在的 ID 不受影響
//
// 返回值：
//   - int: 實際新增的數量
//   - types.Summary: 新增後的統計
func (s *Store) Insert(found []types.Candidate) (int, types.Summary) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	fresh := make([]types.Candidate, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, c := range found {
		if c.ID == "" {
			continue
		}
		if _, ok := cur[c.ID]; ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, s.Summary()
	}

	next, summary, _ := pipeline.Merge(cur, fresh, 0)
	s.swap(next, summary)
	return len(fresh), summary
}

// Edit 以 fn 修改單一候選代理，修改結果同樣經過合併流程
//
// 錯誤處理：
//   - ErrNotFound: ID 不存在
//   - fn 返回的錯誤原樣返回，集合不變
func (s *Store) Edit(id string, fn func(c *types.Candidate) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	c, ok := cur[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c = c.Clone()
	if err := fn(&c); err != nil {
		return err
	}
	c.ID = id

	next, summary, err := pipeline.Merge(cur, []types.Candidate{c}, 0)
	if err != nil {
		return err
	}
	s.swap(next, summary)
	return nil
}

// SetNotes 設定備註，nil 表示清除
func (s *Store) SetNotes(id string, notes *string) error {
	return s.Edit(id, func(c *types.Candidate) error {
		c.Notes = notes
		return nil
	})
}

// SetUserTags 替換使用者標籤，引擎的 tier-* 標籤由合併流程重新計算
func (s *Store) SetUserTags(id string, tags []string) error {
	normalized, err := types.NormalizeUserTags(tags)
	if err != nil {
		return err
	}
	return s.Edit(id, func(c *types.Candidate) error {
		c.Tags = normalized
		return nil
	})
}

// Delete 刪除指定的候選代理，返回實際刪除的數量
func (s *Store) Delete(ids []string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current()
	next := make(map[string]types.Candidate, len(cur))
	for id, c := range cur {
		next[id] = c
	}
	removed := 0
	for _, id := range ids {
		if _, ok := next[id]; ok {
			delete(next, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	s.swap(next, pipeline.Summarize(next))
	return removed
}

// Restore 以快照內容完整替換集合
func (s *Store) Restore(candidates map[string]types.Candidate) types.Summary {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	incoming := make([]types.Candidate, 0, len(candidates))
	for id, c := range candidates {
		c.ID = id
		incoming = append(incoming, c)
	}
	next, summary, _ := pipeline.Merge(nil, incoming, 0)
	s.swap(next, summary)
	return summary
}

// Clear 清空集合
func (s *Store) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.swap(map[string]types.Candidate{}, pipeline.Summarize(nil))
}

// ============================================================================
// 讀取方法（皆返回副本）
// ============================================================================

// Snapshot 複製目前集合
func (s *Store) Snapshot() map[string]types.Candidate {
	cur := s.current()
	out := make(map[string]types.Candidate, len(cur))
	for id, c := range cur {
		out[id] = c.Clone()
	}
	return out
}

// List 依 ID 排序的候選代理副本
func (s *Store) List() []types.Candidate {
	cur := s.current()
	out := make([]types.Candidate, 0, len(cur))
	for _, c := range cur {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get 取得單一候選代理副本
func (s *Store) Get(id string) (types.Candidate, bool) {
	c, ok := s.current()[id]
	if !ok {
		return types.Candidate{}, false
	}
	return c.Clone(), true
}

// Summary 目前統計
func (s *Store) Summary() types.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.summary
	out.ByProtocol = make(map[types.Protocol]int, len(s.summary.ByProtocol))
	for p, n := range s.summary.ByProtocol {
		out.ByProtocol[p] = n
	}
	return out
}

// Len 候選代理數量
func (s *Store) Len() int {
	return len(s.current())
}

// Version 每次集合被替換時遞增，讀取方可用來判斷資料是否變動
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// current 目前集合的指標，呼叫者不可修改
func (s *Store) current() map[string]types.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candidates
}

func (s *Store) swap(next map[string]types.Candidate, summary types.Summary) {
	s.mu.Lock()
	s.candidates = next
	s.summary = summary
	s.version++
	s.mu.Unlock()
}
