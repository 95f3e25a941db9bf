// ============================================================================
// proxy-suite Pipeline - 合併與維護
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 將一個批次的新結果合併進權威集合，重新分級、套用保留策略並重算統計
//
// 合併步驟 (對呼叫者而言是單一原子步驟):
//   1. 複製權威集合作為工作副本（輸入永遠不被修改）
//   2. 依輸入順序逐筆覆寫（同一個 key 後者勝出）
//   3. 對工作副本中每一筆重新計算分數與分級標籤
//   4. threshold > 0 時移除連續失敗次數 >= threshold 的候選代理
//   5. 從頭重新計算統計
//
// ============================================================================

package pipeline

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/proxy-suite/internal/scoring"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ErrInvalidThreshold 保留門檻不可為負數
var ErrInvalidThreshold = errors.New("retention threshold must not be negative")

// Merge 合併新結果
// 參數：
//   - authoritative: 目前的權威集合（不會被修改）
//   - incoming: 新結果，依序套用
//   - threshold: 連續失敗保留門檻，0 表示停用
//
// 返回值：
//   - map[string]types.Candidate: 新的權威集合
//   - types.Summary: 新集合的統計
//   - error: 門檻為負時返回 ErrInvalidThreshold，此時不做任何事
func Merge(authoritative map[string]types.Candidate, incoming []types.Candidate, threshold int) (map[string]types.Candidate, types.Summary, error) {
	if threshold < 0 {
		return nil, types.Summary{}, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}

	working := make(map[string]types.Candidate, len(authoritative)+len(incoming))
	for id, c := range authoritative {
		working[id] = c.Clone()
	}
	for _, c := range incoming {
		if c.ID == "" {
			continue
		}
		working[c.ID] = c.Clone()
	}

	for id, c := range working {
		working[id] = scoring.ApplyTier(scoring.Normalize(c))
	}

	if threshold > 0 {
		for id, c := range working {
			if c.ConsecutiveFails >= threshold {
				delete(working, id)
			}
		}
	}

	return working, Summarize(working), nil
}

// Summarize 從頭計算統計，不會因為個別資料異常而失敗
func Summarize(candidates map[string]types.Candidate) types.Summary {
	s := types.Summary{
		Unique:     len(candidates),
		ByProtocol: make(map[types.Protocol]int, len(types.Protocols)),
	}
	for _, p := range types.Protocols {
		s.ByProtocol[p] = 0
	}

	var latencySum int64
	var latencyN int
	for _, c := range candidates {
		s.ByProtocol[c.Protocol]++

		switch c.Status {
		case types.StatusValid:
			s.Valid++
		case types.StatusInvalid:
			s.Invalid++
			continue
		default:
			continue
		}

		switch c.Anonymity {
		case types.AnonymityElite:
			s.Elite++
		case types.AnonymityAnonymous:
			s.Anonymous++
		}

		// 分數以候選代理自身欄位重新計算，異常計數器得 0 分
		if c.LatencyMs != nil {
			if score := scoring.ScoreOf(c); score > s.TopScore {
				s.TopScore = score
			}
			if *c.LatencyMs >= 0 {
				latencySum += *c.LatencyMs
				latencyN++
			}
		}
	}
	if latencyN > 0 {
		s.AverageLatency = float64(latencySum) / float64(latencyN)
	}
	return s
}
