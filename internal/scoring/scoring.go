// ============================================================================
// proxy-suite Scoring - 品質分數與分級
// ============================================================================
//
// Package: internal/scoring
// 文件: scoring.go
// 功能: 由延遲、匿名性、可用率計算 0-100 的品質分數，並決定分級標籤
//
// 分數組成:
//   - 延遲 (最高 40): 50ms 以下滿分，2000ms 以上 0 分，中間線性
//   - 匿名性 (最高 30): ELITE 30 / ANONYMOUS 20 / TRANSPARENT 5 / UNKNOWN 0
//   - 可用率 (最高 30): 30 * passed / checks
//
// 分級 (依序判斷，取第一個符合者):
//   elite    score>85 且 uptime>0.95 且 latency<250 且 ELITE
//   premium  score>70 且 uptime>0.80 且 latency<500
//   standard score>50
//
// 所有函式皆為純函式，可在任意 goroutine 呼叫。
//
// ============================================================================

package scoring

import (
	"math"
	"strings"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// Tier 分級
type Tier string

const (
	TierNone     Tier = ""
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierElite    Tier = "elite"
)

// Tag 回傳分級對應的標籤，TierNone 回傳空字串
func (t Tier) Tag() string {
	if t == TierNone {
		return ""
	}
	return types.TierTagPrefix + string(t)
}

const (
	latencyWeight = 40.0
	latencyFloor  = 50.0   // ms，低於此值滿分
	latencySpan   = 1950.0 // ms，latencyFloor + latencySpan 以上為 0 分
	uptimeWeight  = 30.0
)

func anonymityPoints(a types.Anonymity) float64 {
	switch a {
	case types.AnonymityElite:
		return 30
	case types.AnonymityAnonymous:
		return 20
	case types.AnonymityTransparent:
		return 5
	}
	return 0
}

// Score 計算品質分數
// 參數：
//   - latencyMs: 延遲（毫秒），nil 表示從未成功檢測
//   - anonymity: 匿名等級
//   - uptime: 檢測計數器
//
// 返回值：
//   - int: 0 到 100 的整數分數；延遲未知、計數器不自洽或延遲為負時為 0
func Score(latencyMs *int64, anonymity types.Anonymity, uptime types.Uptime) int {
	if latencyMs == nil || *latencyMs < 0 || !uptime.Consistent() {
		return 0
	}

	over := math.Max(0, float64(*latencyMs)-latencyFloor)
	total := math.Max(0, latencyWeight*(1-over/latencySpan))
	total += anonymityPoints(anonymity)
	total += uptimeWeight * uptime.Ratio()

	s := int(math.Round(total))
	if s > 100 {
		s = 100
	}
	return s
}

// ScoreOf 對候選代理計算分數
func ScoreOf(c types.Candidate) int {
	return Score(c.LatencyMs, c.Anonymity, c.Uptime)
}

// Classify 依分數、可用率、延遲、匿名性決定分級
func Classify(score int, uptimeRatio float64, latencyMs int64, anonymity types.Anonymity) Tier {
	switch {
	case score > 85 && uptimeRatio > 0.95 && latencyMs < 250 && anonymity == types.AnonymityElite:
		return TierElite
	case score > 70 && uptimeRatio > 0.80 && latencyMs < 500:
		return TierPremium
	case score > 50:
		return TierStandard
	}
	return TierNone
}

// TierOf 候選代理的分級
// 只有 VALID 且延遲、分數皆已知的候選代理才會有分級
func TierOf(c types.Candidate) Tier {
	if c.Status != types.StatusValid || c.LatencyMs == nil || c.QualityScore == nil {
		return TierNone
	}
	if *c.LatencyMs < 0 || !c.Uptime.Consistent() {
		return TierNone
	}
	return Classify(*c.QualityScore, c.Uptime.Ratio(), *c.LatencyMs, c.Anonymity)
}

// ApplyTier 移除所有 tier-* 標籤，然後最多加回一個
// 返回新的候選代理，不修改傳入值的標籤切片
func ApplyTier(c types.Candidate) types.Candidate {
	tags := make([]string, 0, len(c.Tags)+1)
	for _, t := range c.Tags {
		if strings.HasPrefix(t, types.TierTagPrefix) {
			continue
		}
		tags = append(tags, t)
	}
	if tag := TierOf(c).Tag(); tag != "" {
		tags = append(tags, tag)
	}
	c.Tags = tags
	return c
}

// Normalize 依候選代理自身欄位重新計算分數
// 保證 QualityScore 為 nil 當且僅當 LatencyMs 為 nil
func Normalize(c types.Candidate) types.Candidate {
	if c.LatencyMs == nil {
		c.QualityScore = nil
		return c
	}
	s := ScoreOf(c)
	c.QualityScore = &s
	return c
}
