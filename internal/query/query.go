// ============================================================================
// proxy-suite Query - 列表查詢引擎
// ============================================================================
//
// Package: internal/query
// 文件: query.go
// 功能: 對候選代理集合做條件過濾與排序，輸出完整的序列（不分頁）
//
// 過濾 (全部以 AND 結合):
//   status / protocol / anonymity / 最低分數 / 最高延遲 / 全文搜尋 / 外部條件
//   最高延遲一旦啟用，延遲未知的候選代理會被排除
//
// 排序:
//   單一鍵，升冪或降冪；空值永遠排在最後（與方向無關）；
//   穩定排序，相等時以 ID 升冪決定
//
// ============================================================================

package query

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

var (
	// ErrUnknownSortKey 不支援的排序鍵
	ErrUnknownSortKey = errors.New("unknown sort key")
	// ErrInvalidConstraint 外部條件格式錯誤
	ErrInvalidConstraint = errors.New("invalid constraint")
)

// ============================================================================
// 過濾條件
// ============================================================================

// Op 外部條件的比對方式
type Op string

const (
	OpEq     Op = "eq"
	OpPrefix Op = "prefix"
)

// Constraint 外部提供的附加條件，例如 country == "US"
type Constraint struct {
	Field string `json:"field"` // id, country, city, isp, asn, protocol, status, anonymity, tag
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

var constraintFields = map[string]bool{
	"id": true, "country": true, "city": true, "isp": true, "asn": true,
	"protocol": true, "status": true, "anonymity": true, "tag": true,
}

// ParseConstraint 解析 "field=value"（相等）或 "field^=value"（前綴）
func ParseConstraint(s string) (Constraint, error) {
	op := OpEq
	field, value, ok := strings.Cut(s, "^=")
	if ok {
		op = OpPrefix
	} else if field, value, ok = strings.Cut(s, "="); !ok {
		return Constraint{}, fmt.Errorf("%w: %q", ErrInvalidConstraint, s)
	}
	field = strings.ToLower(strings.TrimSpace(field))
	if !constraintFields[field] {
		return Constraint{}, fmt.Errorf("%w: unknown field %q", ErrInvalidConstraint, field)
	}
	return Constraint{Field: field, Op: op, Value: strings.TrimSpace(value)}, nil
}

// Filters 查詢條件，零值表示不過濾
type Filters struct {
	Status       types.Status    `json:"status,omitempty"`
	Protocol     types.Protocol  `json:"protocol,omitempty"`
	Anonymity    types.Anonymity `json:"anonymity,omitempty"`
	MinScore     int             `json:"minScore,omitempty"`     // > 0 時啟用
	MaxLatencyMs int64           `json:"maxLatencyMs,omitempty"` // > 0 時啟用
	Search       string          `json:"search,omitempty"`       // 比對 ID、ISP、國家、標籤
	External     []Constraint    `json:"external,omitempty"`
}

// Match 候選代理是否符合所有條件
func (f Filters) Match(c types.Candidate) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Protocol != "" && c.Protocol != f.Protocol {
		return false
	}
	if f.Anonymity != "" && c.Anonymity != f.Anonymity {
		return false
	}
	if f.MinScore > 0 && (c.QualityScore == nil || *c.QualityScore < f.MinScore) {
		return false
	}
	if f.MaxLatencyMs > 0 && (c.LatencyMs == nil || *c.LatencyMs > f.MaxLatencyMs) {
		return false
	}
	if term := strings.ToLower(strings.TrimSpace(f.Search)); term != "" && !matchSearch(c, term) {
		return false
	}
	for _, k := range f.External {
		if !k.match(c) {
			return false
		}
	}
	return true
}

func matchSearch(c types.Candidate, term string) bool {
	if strings.Contains(strings.ToLower(c.ID), term) ||
		strings.Contains(strings.ToLower(deref(c.ISP)), term) ||
		strings.Contains(strings.ToLower(deref(c.Country)), term) {
		return true
	}
	for _, t := range c.Tags {
		if strings.Contains(strings.ToLower(t), term) {
			return true
		}
	}
	return false
}

func (k Constraint) match(c types.Candidate) bool {
	var values []string
	switch k.Field {
	case "id":
		values = []string{c.ID}
	case "country":
		values = []string{deref(c.Country)}
	case "city":
		values = []string{deref(c.City)}
	case "isp":
		values = []string{deref(c.ISP)}
	case "asn":
		values = []string{deref(c.ASN)}
	case "protocol":
		values = []string{string(c.Protocol)}
	case "status":
		values = []string{string(c.Status)}
	case "anonymity":
		values = []string{string(c.Anonymity)}
	case "tag":
		values = c.Tags
	default:
		return false
	}

	for _, v := range values {
		switch k.Op {
		case OpPrefix:
			if strings.HasPrefix(strings.ToLower(v), strings.ToLower(k.Value)) {
				return true
			}
		default:
			if strings.EqualFold(v, k.Value) {
				return true
			}
		}
	}
	return false
}

// ============================================================================
// 排序
// ============================================================================

// SortKey 排序鍵
type SortKey string

const (
	SortID          SortKey = "id"
	SortLatency     SortKey = "latency"
	SortCountry     SortKey = "country"
	SortAnonymity   SortKey = "anonymity"
	SortScore       SortKey = "qualityScore"
	SortUptime      SortKey = "uptimeRatio"
	SortProvider    SortKey = "provider"
	SortLastChecked SortKey = "lastChecked"
)

// ParseSortKey 解析排序鍵（不分大小寫）
func ParseSortKey(s string) (SortKey, error) {
	for _, k := range []SortKey{SortID, SortLatency, SortCountry, SortAnonymity, SortScore, SortUptime, SortProvider, SortLastChecked} {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSortKey, s)
}

// Direction 排序方向
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort 排序設定，零值等同依 ID 升冪
type Sort struct {
	Key       SortKey   `json:"key"`
	Direction Direction `json:"direction"`
}

// compareKey 比較兩個候選代理在指定鍵上的值
// 返回值 present 表示兩者是否有值（a, b）
func compareKey(key SortKey, a, b types.Candidate) (int, bool, bool) {
	switch key {
	case SortLatency:
		return comparePtr(a.LatencyMs, b.LatencyMs)
	case SortScore:
		return comparePtr(a.QualityScore, b.QualityScore)
	case SortCountry:
		return compareText(a.Country, b.Country)
	case SortProvider:
		return compareText(a.ISP, b.ISP)
	case SortAnonymity:
		return cmp.Compare(a.Anonymity.Rank(), b.Anonymity.Rank()), true, true
	case SortUptime:
		return cmp.Compare(a.Uptime.Ratio(), b.Uptime.Ratio()), true, true
	case SortLastChecked:
		if a.LastChecked == nil || b.LastChecked == nil {
			return 0, a.LastChecked != nil, b.LastChecked != nil
		}
		return a.LastChecked.Compare(*b.LastChecked), true, true
	}
	return compareID(a.ID, b.ID), true, true
}

// compareID 可解析的 ip:port 依數值比較並排在前面，其餘依字串比較
func compareID(a, b string) int {
	pa, errA := netip.ParseAddrPort(a)
	pb, errB := netip.ParseAddrPort(b)
	switch {
	case errA == nil && errB == nil:
		return pa.Compare(pb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func comparePtr[T cmp.Ordered](a, b *T) (int, bool, bool) {
	if a == nil || b == nil {
		return 0, a != nil, b != nil
	}
	return cmp.Compare(*a, *b), true, true
}

func compareText(a, b *string) (int, bool, bool) {
	av, bv := deref(a), deref(b)
	if av == "" || bv == "" {
		return 0, av != "", bv != ""
	}
	return strings.Compare(strings.ToLower(av), strings.ToLower(bv)), true, true
}

// sortCandidates 依設定原地穩定排序
func sortCandidates(list []types.Candidate, s Sort) {
	slices.SortStableFunc(list, func(a, b types.Candidate) int {
		c, hasA, hasB := compareKey(s.Key, a, b)
		switch {
		case hasA && !hasB:
			return -1
		case !hasA && hasB:
			return 1
		case !hasA && !hasB:
			return compareID(a.ID, b.ID)
		}
		if s.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return compareID(a.ID, b.ID)
	})
}

// ============================================================================
// 查詢
// ============================================================================

// Apply 過濾並排序，返回新的切片，不修改 source
func Apply(source []types.Candidate, f Filters, s Sort) []types.Candidate {
	out := make([]types.Candidate, 0, len(source))
	for _, c := range source {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	sortCandidates(out, s)
	return out
}

// Engine 保留最後一次的資料來源，支援兩種呼叫方式：
//   - Update: 資料來源改變，完整重新計算
//   - Reprocess: 只有條件或排序改變，在最後一次的資料上重新計算
type Engine struct {
	mu      sync.Mutex
	source  []types.Candidate
	filters Filters
	sort    Sort
}

// NewEngine 建立查詢引擎
func NewEngine() *Engine {
	return &Engine{}
}

// Update 以新的資料來源重新計算
func (e *Engine) Update(source []types.Candidate, f Filters, s Sort) []types.Candidate {
	e.mu.Lock()
	e.source = source
	e.filters, e.sort = f, s
	e.mu.Unlock()
	return Apply(source, f, s)
}

// Reprocess 以新的條件在最後一次的資料來源上重新計算
func (e *Engine) Reprocess(f Filters, s Sort) []types.Candidate {
	e.mu.Lock()
	source := e.source
	e.filters, e.sort = f, s
	e.mu.Unlock()
	return Apply(source, f, s)
}

// Criteria 最後一次使用的條件與排序
func (e *Engine) Criteria() (Filters, Sort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters, e.sort
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
