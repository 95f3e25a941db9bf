package query

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// Params 字串形式的查詢條件，HTTP query string 與 CLI flag 共用
type Params struct {
	Status     string   `query:"status"`
	Protocol   string   `query:"protocol"`
	Anonymity  string   `query:"anonymity"`
	Search     string   `query:"search"`
	MinScore   int      `query:"minScore"`
	MaxLatency int64    `query:"maxLatency"`
	Where      []string `query:"where"` // "field=value" 或 "field^=value"
	Sort       string   `query:"sort"`
	Direction  string   `query:"dir"`
}

// Parse 驗證並轉換為 Filters 與 Sort；空字串表示不過濾
func (p Params) Parse() (Filters, Sort, error) {
	var f Filters
	var err error

	if p.Status != "" {
		if f.Status, err = types.ParseStatus(p.Status); err != nil {
			return Filters{}, Sort{}, err
		}
	}
	if p.Protocol != "" {
		if f.Protocol, err = types.ParseProtocol(p.Protocol); err != nil {
			return Filters{}, Sort{}, err
		}
	}
	if p.Anonymity != "" {
		if f.Anonymity, err = types.ParseAnonymity(p.Anonymity); err != nil {
			return Filters{}, Sort{}, err
		}
	}
	if p.MinScore < 0 || p.MaxLatency < 0 {
		return Filters{}, Sort{}, fmt.Errorf("%w: negative bound", ErrInvalidConstraint)
	}
	f.MinScore = p.MinScore
	f.MaxLatencyMs = p.MaxLatency
	f.Search = p.Search

	for _, w := range p.Where {
		k, err := ParseConstraint(w)
		if err != nil {
			return Filters{}, Sort{}, err
		}
		f.External = append(f.External, k)
	}

	s := Sort{Key: SortID, Direction: Asc}
	if p.Sort != "" {
		if s.Key, err = ParseSortKey(p.Sort); err != nil {
			return Filters{}, Sort{}, err
		}
	}
	switch Direction(strings.ToLower(p.Direction)) {
	case "", Asc:
	case Desc:
		s.Direction = Desc
	default:
		return Filters{}, Sort{}, fmt.Errorf("unknown sort direction %q", p.Direction)
	}
	return f, s, nil
}
