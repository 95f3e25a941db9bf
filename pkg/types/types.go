// Package types 定義了 proxy-suite 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrReservedTag 使用者標籤不可使用引擎保留的 "tier-" 前綴
var ErrReservedTag = errors.New("tag uses reserved tier- prefix")

// TierTagPrefix 引擎擁有的分級標籤前綴
const TierTagPrefix = "tier-"

// MaxLatencyHistory 延遲歷史最多保留的樣本數（最舊的先被淘汰）
const MaxLatencyHistory = 10

// Protocol 代理協議
type Protocol string

const (
	ProtocolHTTP   Protocol = "HTTP"
	ProtocolHTTPS  Protocol = "HTTPS"
	ProtocolSOCKS4 Protocol = "SOCKS4"
	ProtocolSOCKS5 Protocol = "SOCKS5"
)

// Protocols 所有支援的協議，順序固定（用於統計輸出）
var Protocols = []Protocol{ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5}

// ParseProtocol 解析協議字串（不分大小寫）
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Status 候選代理的生命週期狀態
type Status string

const (
	StatusUntested Status = "UNTESTED" // 尚未檢測
	StatusValid    Status = "VALID"    // 最近一次檢測通過
	StatusInvalid  Status = "INVALID"  // 最近一次檢測失敗
)

// ParseStatus 解析狀態字串
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusUntested, StatusValid, StatusInvalid:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Anonymity 匿名等級
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "UNKNOWN"
	AnonymityTransparent Anonymity = "TRANSPARENT"
	AnonymityAnonymous   Anonymity = "ANONYMOUS"
	AnonymityElite       Anonymity = "ELITE"
)

// ParseAnonymity 解析匿名等級字串
func ParseAnonymity(s string) (Anonymity, error) {
	a := Anonymity(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case AnonymityUnknown, AnonymityTransparent, AnonymityAnonymous, AnonymityElite:
		return a, nil
	}
	return "", fmt.Errorf("unknown anonymity level %q", s)
}

// Rank 匿名等級的排序權重，UNKNOWN 最低
func (a Anonymity) Rank() int {
	switch a {
	case AnonymityTransparent:
		return 1
	case AnonymityAnonymous:
		return 2
	case AnonymityElite:
		return 3
	}
	return 0
}

// Uptime 檢測次數與通過次數，兩者只增不減
type Uptime struct {
	Checks int `json:"checks"`
	Passed int `json:"passed"`
}

// Ratio 通過率，沒有檢測記錄時為 0
func (u Uptime) Ratio() float64 {
	if u.Checks <= 0 {
		return 0
	}
	return float64(u.Passed) / float64(u.Checks)
}

// Consistent 檢查計數器是否自洽（passed <= checks 且皆非負）
func (u Uptime) Consistent() bool {
	return u.Checks >= 0 && u.Passed >= 0 && u.Passed <= u.Checks
}

// TargetCheck 單一檢測目標的結果
type TargetCheck struct {
	Target string `json:"target"`
	Passed bool   `json:"passed"`
}

// Candidate 被系統管理的網路端點，以 "ip:port" 為唯一鍵
type Candidate struct {
	// 識別
	ID       string   `json:"id"` // ip:port
	Protocol Protocol `json:"protocol"`

	// 檢測狀態
	Status         Status        `json:"status"`
	LatencyMs      *int64        `json:"latency"` // nil 表示從未成功檢測
	LastChecked    *time.Time    `json:"lastChecked"`
	CheckHistory   []TargetCheck `json:"checkHistory"`
	FailureReason  *string       `json:"failureReason"`
	Uptime         Uptime        `json:"uptime"`
	LatencyHistory []int64       `json:"latencyHistory"`

	// 地理與供應商資訊（僅深度檢測模式填入）
	Country *string `json:"country"`
	City    *string `json:"city"`
	ISP     *string `json:"isp"`
	ASN     *string `json:"asn"`

	// 匿名性
	Anonymity        Anonymity `json:"anonymity"`
	AnonymityDetails []string  `json:"anonymityDetails"`
	GooglePassed     *bool     `json:"googlePassed"`

	// 衍生品質
	QualityScore *int `json:"qualityScore"` // nil 當且僅當 LatencyMs 為 nil

	// 使用者資料
	SourceURL string   `json:"sourceUrl"`
	Notes     *string  `json:"notes"`
	Tags      []string `json:"tags"`

	// 安全檢測（僅 SECURITY 模式填入）
	RiskScore   *int  `json:"riskScore"`
	Blacklisted *bool `json:"isBlacklisted"`

	ConsecutiveFails int `json:"consecutiveFails"`
}

// NewCandidate 建立一個尚未檢測的候選代理
func NewCandidate(id string, protocol Protocol, sourceURL string) Candidate {
	return Candidate{
		ID:             id,
		Protocol:       protocol,
		Status:         StatusUntested,
		Anonymity:      AnonymityUnknown,
		SourceURL:      sourceURL,
		LatencyHistory: []int64{},
		Tags:           []string{},
	}
}

// Address 回傳 ID 中的主機部分
func (c Candidate) Address() string {
	host, _, err := net.SplitHostPort(c.ID)
	if err != nil {
		return c.ID
	}
	return host
}

// Port 回傳 ID 中的埠號，無法解析時為 0
func (c Candidate) Port() int {
	_, port, err := net.SplitHostPort(c.ID)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// HasTag 檢查是否帶有指定標籤
func (c Candidate) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone 深拷貝，讀取方必須拿到副本而非共享指標
func (c Candidate) Clone() Candidate {
	out := c
	out.LatencyMs = clonePtr(c.LatencyMs)
	out.LastChecked = clonePtr(c.LastChecked)
	out.FailureReason = clonePtr(c.FailureReason)
	out.Country = clonePtr(c.Country)
	out.City = clonePtr(c.City)
	out.ISP = clonePtr(c.ISP)
	out.ASN = clonePtr(c.ASN)
	out.GooglePassed = clonePtr(c.GooglePassed)
	out.QualityScore = clonePtr(c.QualityScore)
	out.Notes = clonePtr(c.Notes)
	out.RiskScore = clonePtr(c.RiskScore)
	out.Blacklisted = clonePtr(c.Blacklisted)
	out.CheckHistory = cloneSlice(c.CheckHistory)
	out.LatencyHistory = cloneSlice(c.LatencyHistory)
	out.AnonymityDetails = cloneSlice(c.AnonymityDetails)
	out.Tags = cloneSlice(c.Tags)
	return out
}

// PushLatency 追加延遲樣本，超過上限時淘汰最舊的
func (c *Candidate) PushLatency(ms int64) {
	c.LatencyHistory = append(c.LatencyHistory, ms)
	if n := len(c.LatencyHistory); n > MaxLatencyHistory {
		c.LatencyHistory = append([]int64(nil), c.LatencyHistory[n-MaxLatencyHistory:]...)
	}
}

// NormalizeUserTags 去重並排序使用者標籤，拒絕保留前綴
func NormalizeUserTags(tags []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, TierTagPrefix) {
			return nil, fmt.Errorf("%w: %q", ErrReservedTag, t)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Ptr 取得值的指標（建立可選欄位用）
func Ptr[T any](v T) *T {
	return &v
}

// Summary 對權威集合重新計算的統計快照（從不增量修補）
type Summary struct {
	Unique         int              `json:"unique"`
	ByProtocol     map[Protocol]int `json:"byProtocol"`
	Valid          int              `json:"valid"`
	Invalid        int              `json:"invalid"`
	Elite          int              `json:"elite"`
	Anonymous      int              `json:"anonymous"`
	TopScore       int              `json:"topScore"`
	AverageLatency float64          `json:"averageLatency"`
}

// SourceFormat 來源內容格式
type SourceFormat string

const (
	FormatText SourceFormat = "txt"
	FormatJSON SourceFormat = "json"
	FormatHTML SourceFormat = "html"
)

// Source 代理來源描述
type Source struct {
	URL      string       `json:"url" yaml:"url"`
	Protocol Protocol     `json:"type" yaml:"type"`
	Format   SourceFormat `json:"format" yaml:"format"`
	JSONPath string       `json:"jsonPath,omitempty" yaml:"json_path,omitempty"` // e.g. "data.proxies"
	Selector string       `json:"selector,omitempty" yaml:"selector,omitempty"`  // html 格式的 CSS selector
}

// SourceHealth 來源健康度
type SourceHealth string

const (
	HealthGood    SourceHealth = "Good"
	HealthAverage SourceHealth = "Average"
	HealthPoor    SourceHealth = "Poor"
	HealthUnknown SourceHealth = "Unknown"
)

// SourceStats 每個來源的抓取統計
type SourceStats struct {
	URL              string       `json:"url"`
	Found            int          `json:"found"`
	Valid            int          `json:"valid"`
	Enabled          bool         `json:"enabled"`
	YieldHistory     []int        `json:"yieldHistory"`
	Health           SourceHealth `json:"health"`
	Errors           int          `json:"errors"`
	ConsecutiveFails int          `json:"consecutiveFails"`
	Notes            string       `json:"notes,omitempty"`
}

// ScrapeProfile 預先選定的來源組合
type ScrapeProfile struct {
	Name           string   `json:"name" yaml:"name"`
	EnabledSources []string `json:"enabledSources" yaml:"enabled_sources"`
}

// CheckMode 檢測模式
type CheckMode string

const (
	ModeIntensive CheckMode = "INTENSIVE"
	ModeStandard  CheckMode = "STANDARD"
	ModeLightning CheckMode = "LIGHTNING"
	ModeGoogle    CheckMode = "GOOGLE"
	ModeSecurity  CheckMode = "SECURITY"
)

// ParseCheckMode 解析檢測模式字串
func ParseCheckMode(s string) (CheckMode, error) {
	m := CheckMode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeIntensive, ModeStandard, ModeLightning, ModeGoogle, ModeSecurity:
		return m, nil
	}
	return "", fmt.Errorf("unknown check mode %q", s)
}

// ChunkSize 每種模式每次分派給執行單元的候選數量
func (m CheckMode) ChunkSize() int {
	switch m {
	case ModeLightning:
		return 200
	case ModeStandard:
		return 100
	}
	return 50
}

// CheckProfile 預先定義的檢測設定
type CheckProfile struct {
	Name    string    `json:"name" yaml:"name"`
	Targets []string  `json:"targets" yaml:"targets"`
	Mode    CheckMode `json:"mode" yaml:"mode"`
}

// BatchKind 批次種類
type BatchKind string

const (
	BatchScrape BatchKind = "scrape"
	BatchCheck  BatchKind = "check"
)

// BatchOutcome 每個完成或取消的批次只發出一次
type BatchOutcome struct {
	Kind      BatchKind     `json:"kind"`
	Processed int           `json:"processed"` // 抓到或檢測的數量
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
}

// HistoryEntry 不可變歷史記錄中的一筆
type HistoryEntry struct {
	ID              string         `json:"id"`
	Kind            BatchKind      `json:"type"`
	Date            time.Time      `json:"date"`
	DurationSeconds float64        `json:"duration"`
	Cancelled       bool           `json:"cancelled"`
	Details         map[string]any `json:"details"`
}

// Settings 批次啟動時傳入的設定快照，批次可依此重現
type Settings struct {
	Workers              int           `json:"numWorkers"`
	Timeout              time.Duration `json:"timeout"`
	AutoDeleteFails      int           `json:"autoDeleteFails"` // 保留策略門檻，0 表示停用
	EnableRevalidation   bool          `json:"enableRevalidation"`
	RevalidationInterval time.Duration `json:"revalidationInterval"`
	UserAgent            string        `json:"customUserAgent"`
	AutoDisableSources   bool          `json:"autoDisableSources"`
}

// DefaultSettings 預設設定
func DefaultSettings() Settings {
	return Settings{
		Workers:              8,
		Timeout:              15 * time.Second,
		AutoDeleteFails:      5,
		EnableRevalidation:   true,
		RevalidationInterval: 30 * time.Minute,
		AutoDisableSources:   true,
	}
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Candidates     map[string]Candidate   `json:"proxies"`
	Settings       Settings               `json:"settings"`
	SourceStats    map[string]SourceStats `json:"sourceStats"`
	ScrapeProfiles []ScrapeProfile        `json:"scrapeProfiles"`
	CheckProfiles  []CheckProfile         `json:"checkProfiles"`
	History        []HistoryEntry         `json:"history,omitempty"`
	SchemaVer      int                    `json:"schema_ver"`
	SavedAt        time.Time              `json:"saved_at"`
}
