package probe

import (
	"time"

	"github.com/ChuLiYu/proxy-suite/internal/scoring"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// Geo 地理與供應商資訊
type Geo struct {
	Country string `json:"country"`
	City    string `json:"city"`
	ISP     string `json:"isp"`
	ASN     string `json:"as"`
}

// Observation 一次檢測的原始觀察結果
type Observation struct {
	Targets          []types.TargetCheck
	LatencyMs        *int64 // 通過時量測到的延遲
	Anonymity        types.Anonymity
	AnonymityDetails []string
	Geo              *Geo
	GooglePassed     *bool
	Blacklisted      *bool
	RiskScore        *int
	FailureReason    string
}

// Passed 至少有一個目標且全部通過
func (o Observation) Passed() bool {
	if len(o.Targets) == 0 {
		return false
	}
	for _, t := range o.Targets {
		if !t.Passed {
			return false
		}
	}
	return true
}

// Observe 將觀察結果套用到候選代理，返回新的候選代理（輸入不變）
//
// 規則：
//   - GOOGLE 只更新 GooglePassed
//   - SECURITY 只更新 Blacklisted、RiskScore、LastChecked
//   - 其他模式：計數器 +1、延遲歷史最多 10 筆、成功時連續失敗歸零，
//     LIGHTNING 或失敗時匿名性為 UNKNOWN，最後重新計算分數
func Observe(c types.Candidate, o Observation, mode types.CheckMode, now time.Time) types.Candidate {
	next := c.Clone()

	switch mode {
	case types.ModeGoogle:
		next.GooglePassed = o.GooglePassed
		return next
	case types.ModeSecurity:
		next.Blacklisted = o.Blacklisted
		next.RiskScore = o.RiskScore
		next.LastChecked = &now
		return next
	}

	valid := o.Passed()
	deep := mode == types.ModeIntensive || mode == types.ModeStandard

	next.Uptime.Checks++
	next.CheckHistory = append([]types.TargetCheck(nil), o.Targets...)
	next.LastChecked = &now

	if valid {
		next.Status = types.StatusValid
		next.Uptime.Passed++
		next.ConsecutiveFails = 0
		next.FailureReason = nil
		next.LatencyMs = nil
		if o.LatencyMs != nil {
			ms := *o.LatencyMs
			next.LatencyMs = &ms
			next.PushLatency(ms)
		}
	} else {
		next.Status = types.StatusInvalid
		next.ConsecutiveFails++
		next.LatencyMs = nil
		reason := o.FailureReason
		if reason == "" {
			reason = "Target Mismatch"
		}
		next.FailureReason = &reason
	}

	if valid && mode != types.ModeLightning {
		next.Anonymity = o.Anonymity
		next.AnonymityDetails = append([]string(nil), o.AnonymityDetails...)
	} else {
		next.Anonymity = types.AnonymityUnknown
		next.AnonymityDetails = nil
	}
	if next.Anonymity == "" {
		next.Anonymity = types.AnonymityUnknown
	}

	if valid && o.Geo != nil {
		if deep && o.Geo.Country != "" {
			next.Country = types.Ptr(o.Geo.Country)
		}
		if mode == types.ModeIntensive {
			next.City = nonEmpty(o.Geo.City, next.City)
			next.ISP = nonEmpty(o.Geo.ISP, next.ISP)
			next.ASN = nonEmpty(o.Geo.ASN, next.ASN)
		}
	}
	if valid && mode == types.ModeIntensive && o.GooglePassed != nil {
		next.GooglePassed = types.Ptr(*o.GooglePassed)
	}

	return scoring.Normalize(next)
}

func nonEmpty(v string, fallback *string) *string {
	if v == "" {
		return fallback
	}
	return &v
}
