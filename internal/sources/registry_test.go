package sources

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSources() []types.Source {
	return []types.Source{
		{URL: "https://a.example/http.txt", Protocol: types.ProtocolHTTP},
		{URL: "https://b.example/socks5.json", Protocol: types.ProtocolSOCKS5, Format: types.FormatJSON, JSONPath: "data"},
		{URL: "https://c.example/list.html", Protocol: types.ProtocolHTTP, Format: types.FormatHTML},
	}
}

func statOf(t *testing.T, r *Registry, url string) types.SourceStats {
	t.Helper()
	st, ok := r.StatsMap()[url]
	require.True(t, ok)
	return st
}

// TestNewRegistry tests initial state and duplicate handling
func TestNewRegistry(t *testing.T) {
	srcs := append(testSources(), types.Source{URL: "https://a.example/http.txt", Protocol: types.ProtocolHTTP}, types.Source{URL: " "})
	r := NewRegistry(srcs, true)

	require.Len(t, r.Sources(), 3)
	assert.Equal(t, types.FormatText, r.Sources()[0].Format)
	assert.Len(t, r.Enabled(), 3)

	st := statOf(t, r, "https://a.example/http.txt")
	assert.True(t, st.Enabled)
	assert.Equal(t, types.HealthUnknown, st.Health)
	assert.Empty(t, st.YieldHistory)

	err := r.Add(types.Source{URL: "https://a.example/http.txt", Protocol: types.ProtocolHTTP}, "")
	assert.ErrorIs(t, err, ErrDuplicateSource)
	err = r.Add(types.Source{URL: "https://d.example"}, "")
	assert.ErrorIs(t, err, ErrInvalidSource)
}

// TestRecordScrape tests yields, errors and health transitions
func TestRecordScrape(t *testing.T) {
	r := NewRegistry(testSources(), true)
	url := "https://a.example/http.txt"

	r.RecordScrape(url, 150, nil)
	st := statOf(t, r, url)
	assert.Equal(t, 150, st.Found)
	assert.Equal(t, []int{150}, st.YieldHistory)
	assert.Equal(t, types.HealthGood, st.Health)

	r.RecordScrape(url, 0, errors.New("timeout"))
	st = statOf(t, r, url)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, 1, st.ConsecutiveFails)
	assert.Equal(t, []int{150, 0}, st.YieldHistory)
	assert.Equal(t, types.HealthPoor, st.Health)

	r.RecordScrape(url, 20, nil)
	st = statOf(t, r, url)
	assert.Equal(t, 0, st.ConsecutiveFails)
	assert.Equal(t, 170, st.Found)
	assert.Equal(t, types.HealthAverage, st.Health)

	// unknown URLs are ignored
	assert.False(t, r.RecordScrape("https://nowhere", 5, nil))
}

// TestYieldHistoryCap tests only the latest yields are kept
func TestYieldHistoryCap(t *testing.T) {
	r := NewRegistry(testSources(), true)
	url := "https://b.example/socks5.json"
	for i := 1; i <= 13; i++ {
		r.RecordScrape(url, i, nil)
	}
	st := statOf(t, r, url)
	assert.Len(t, st.YieldHistory, MaxYieldHistory)
	assert.Equal(t, 4, st.YieldHistory[0])
	assert.Equal(t, 13, st.YieldHistory[MaxYieldHistory-1])
}

// TestAutoDisable tests sources are disabled after consecutive failures
func TestAutoDisable(t *testing.T) {
	r := NewRegistry(testSources(), true)
	url := "https://c.example/list.html"
	boom := errors.New("HTTP 503")

	assert.False(t, r.RecordScrape(url, 0, boom))
	assert.False(t, r.RecordScrape(url, 0, boom))
	assert.True(t, r.RecordScrape(url, 0, boom))
	assert.False(t, statOf(t, r, url).Enabled)
	assert.Len(t, r.Enabled(), 2)

	// further failures do not report again
	assert.False(t, r.RecordScrape(url, 0, boom))

	require.NoError(t, r.SetEnabled(url, true))
	st := statOf(t, r, url)
	assert.True(t, st.Enabled)
	assert.Equal(t, 0, st.ConsecutiveFails)
}

// TestAutoDisableOff tests failures never disable when the setting is off
func TestAutoDisableOff(t *testing.T) {
	r := NewRegistry(testSources(), false)
	url := "https://a.example/http.txt"
	for i := 0; i < 5; i++ {
		assert.False(t, r.RecordScrape(url, 0, errors.New("refused")))
	}
	assert.True(t, statOf(t, r, url).Enabled)
}

// TestSelectAndStats tests profile selection and stats ordering
func TestSelectAndStats(t *testing.T) {
	r := NewRegistry(testSources(), true)
	require.NoError(t, r.SetEnabled("https://b.example/socks5.json", false))

	sel := r.Select([]string{"https://b.example/socks5.json", "https://missing"})
	require.Len(t, sel, 1)
	assert.Equal(t, types.ProtocolSOCKS5, sel[0].Protocol)

	r.RecordScrape("https://c.example/list.html", 500, nil)
	r.RecordScrape("https://a.example/http.txt", 5, nil)
	r.RecordValid("https://a.example/http.txt", 3)

	stats := r.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "https://c.example/list.html", stats[0].URL)
	assert.Equal(t, "https://a.example/http.txt", stats[1].URL)
	assert.Equal(t, 3, stats[1].Valid)
	assert.Equal(t, types.HealthUnknown, stats[2].Health)

	assert.ErrorIs(t, r.SetEnabled("https://missing", true), ErrUnknownSource)
}

// TestRestoreAndRemove tests snapshot restore keeps only registered sources
func TestRestoreAndRemove(t *testing.T) {
	r := NewRegistry(testSources(), true)
	r.Restore(map[string]types.SourceStats{
		"https://a.example/http.txt": {Found: 40, YieldHistory: []int{10, 30}, Enabled: false},
		"https://gone.example":       {Found: 1},
	})

	st := statOf(t, r, "https://a.example/http.txt")
	assert.Equal(t, 40, st.Found)
	assert.False(t, st.Enabled)
	assert.Equal(t, types.HealthAverage, st.Health)
	assert.NotContains(t, r.StatsMap(), "https://gone.example")

	require.NoError(t, r.Remove("https://a.example/http.txt"))
	assert.Len(t, r.Sources(), 2)
	assert.ErrorIs(t, r.Remove("https://a.example/http.txt"), ErrUnknownSource)
}
