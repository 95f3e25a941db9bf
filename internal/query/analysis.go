package query

import (
	"cmp"
	"net/netip"
	"slices"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// DefaultSubnetLimit 子網分析預設只回傳前 10 名
const DefaultSubnetLimit = 10

// Subnet /24 子網的彙總
type Subnet struct {
	Prefix   string  `json:"subnet"` // e.g. "1.2.3.0/24"
	Total    int     `json:"total"`
	Valid    int     `json:"valid"`
	AvgScore float64 `json:"avgScore"` // VALID 且有分數者的平均
}

// Subnets 以 /24 分組，依 VALID 數量降冪，取前 limit 名（<= 0 時不限）
// 非 IPv4 的 ID 不列入
func Subnets(candidates []types.Candidate, limit int) []Subnet {
	type acc struct {
		Subnet
		scoreSum int
		scored   int
	}
	groups := make(map[netip.Prefix]*acc)

	for _, c := range candidates {
		ap, err := netip.ParseAddrPort(c.ID)
		if err != nil || !ap.Addr().Is4() {
			continue
		}
		prefix, _ := ap.Addr().Prefix(24)
		g, ok := groups[prefix]
		if !ok {
			g = &acc{Subnet: Subnet{Prefix: prefix.String()}}
			groups[prefix] = g
		}
		g.Total++
		if c.Status == types.StatusValid {
			g.Valid++
			if c.QualityScore != nil {
				g.scoreSum += *c.QualityScore
				g.scored++
			}
		}
	}

	out := make([]Subnet, 0, len(groups))
	for _, g := range groups {
		if g.scored > 0 {
			g.AvgScore = float64(g.scoreSum) / float64(g.scored)
		}
		out = append(out, g.Subnet)
	}
	slices.SortFunc(out, func(a, b Subnet) int {
		if c := cmp.Compare(b.Valid, a.Valid); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix, b.Prefix)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountryCount 國家分布
type CountryCount struct {
	Country string `json:"country"`
	Count   int    `json:"count"`
}

// Countries VALID 候選代理的國家分布，依數量降冪
func Countries(candidates []types.Candidate) []CountryCount {
	counts := make(map[string]int)
	for _, c := range candidates {
		if c.Status != types.StatusValid || c.Country == nil || *c.Country == "" {
			continue
		}
		counts[*c.Country]++
	}

	out := make([]CountryCount, 0, len(counts))
	for country, n := range counts {
		out = append(out, CountryCount{Country: country, Count: n})
	}
	slices.SortFunc(out, func(a, b CountryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Country, b.Country)
	})
	return out
}
