package pipeline

import (
	"testing"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(id string, status types.Status, latency *int64, anon types.Anonymity, fails int) types.Candidate {
	c := types.NewCandidate(id, types.ProtocolHTTP, "")
	c.Status = status
	c.LatencyMs = latency
	c.Anonymity = anon
	c.ConsecutiveFails = fails
	if status == types.StatusValid {
		c.Uptime = types.Uptime{Checks: 10, Passed: 10}
	}
	return c
}

// TestMergeLastWriteWins tests later values replace earlier ones per key
func TestMergeLastWriteWins(t *testing.T) {
	a1 := candidate("1.1.1.1:80", types.StatusValid, types.Ptr[int64](100), types.AnonymityElite, 0)
	a1.Notes = types.Ptr("v1")
	a2 := a1.Clone()
	a2.Notes = types.Ptr("v2")

	first, _, err := Merge(map[string]types.Candidate{}, []types.Candidate{a1}, 0)
	require.NoError(t, err)
	second, _, err := Merge(first, []types.Candidate{a2}, 0)
	require.NoError(t, err)
	assert.Equal(t, "v2", *second["1.1.1.1:80"].Notes)

	// within one batch, incoming order decides
	within, _, err := Merge(nil, []types.Candidate{a2, a1}, 0)
	require.NoError(t, err)
	assert.Equal(t, "v1", *within["1.1.1.1:80"].Notes)
}

// TestMergeDoesNotMutateInput tests the authoritative map is left untouched
func TestMergeDoesNotMutateInput(t *testing.T) {
	old := candidate("2.2.2.2:80", types.StatusValid, types.Ptr[int64](40), types.AnonymityElite, 0)
	old.Tags = []string{"tier-standard"}
	auth := map[string]types.Candidate{old.ID: old}

	failed := candidate("3.3.3.3:80", types.StatusInvalid, nil, types.AnonymityUnknown, 5)
	next, _, err := Merge(auth, []types.Candidate{failed}, 5)
	require.NoError(t, err)

	assert.Len(t, auth, 1)
	assert.Equal(t, []string{"tier-standard"}, auth[old.ID].Tags)
	assert.Nil(t, auth[old.ID].QualityScore)
	assert.Equal(t, []string{"tier-elite"}, next[old.ID].Tags)
}

// TestMergeRetention tests removal at the threshold and the disabled case
func TestMergeRetention(t *testing.T) {
	incoming := []types.Candidate{
		candidate("1.0.0.1:80", types.StatusInvalid, nil, types.AnonymityUnknown, 4),
		candidate("1.0.0.2:80", types.StatusInvalid, nil, types.AnonymityUnknown, 5),
		candidate("1.0.0.3:80", types.StatusInvalid, nil, types.AnonymityUnknown, 9),
	}

	kept, summary, err := Merge(nil, incoming, 5)
	require.NoError(t, err)
	assert.Len(t, kept, 1)
	assert.Contains(t, kept, "1.0.0.1:80")
	assert.Equal(t, 1, summary.Unique)

	all, _, err := Merge(nil, incoming, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// TestMergeNegativeThreshold tests rejection before any work is done
func TestMergeNegativeThreshold(t *testing.T) {
	auth := map[string]types.Candidate{"1.1.1.1:80": candidate("1.1.1.1:80", types.StatusValid, nil, types.AnonymityUnknown, 0)}
	out, _, err := Merge(auth, nil, -1)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	assert.Nil(t, out)
	assert.Len(t, auth, 1)
}

// TestMergeRetiersEveryCandidate tests stale tier tags on unrelated candidates are fixed
func TestMergeRetiersEveryCandidate(t *testing.T) {
	stale := candidate("4.4.4.4:80", types.StatusInvalid, nil, types.AnonymityUnknown, 1)
	stale.Tags = []string{"tier-elite", "mine"}
	fresh := candidate("5.5.5.5:80", types.StatusValid, types.Ptr[int64](40), types.AnonymityElite, 0)

	out, _, err := Merge(map[string]types.Candidate{stale.ID: stale}, []types.Candidate{fresh}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, out[stale.ID].Tags)
	assert.Equal(t, []string{"tier-elite"}, out[fresh.ID].Tags)
	require.NotNil(t, out[fresh.ID].QualityScore)
	assert.Equal(t, 100, *out[fresh.ID].QualityScore)
}

// TestSummarize tests statistics are computed from scratch
func TestSummarize(t *testing.T) {
	socks := candidate("6.6.6.6:1080", types.StatusValid, types.Ptr[int64](300), types.AnonymityAnonymous, 0)
	socks.Protocol = types.ProtocolSOCKS5

	set := map[string]types.Candidate{
		"a": candidate("1.1.1.1:80", types.StatusValid, types.Ptr[int64](100), types.AnonymityElite, 0),
		"b": socks,
		"c": candidate("3.3.3.3:80", types.StatusInvalid, types.Ptr[int64](10), types.AnonymityElite, 2),
		"d": candidate("4.4.4.4:80", types.StatusUntested, nil, types.AnonymityUnknown, 0),
	}

	s := Summarize(set)
	assert.Equal(t, 4, s.Unique)
	assert.Equal(t, 3, s.ByProtocol[types.ProtocolHTTP])
	assert.Equal(t, 1, s.ByProtocol[types.ProtocolSOCKS5])
	assert.Equal(t, 0, s.ByProtocol[types.ProtocolSOCKS4])
	assert.Equal(t, 2, s.Valid)
	assert.Equal(t, 1, s.Invalid)
	assert.Equal(t, 1, s.Elite)
	assert.Equal(t, 1, s.Anonymous)
	assert.Equal(t, 99, s.TopScore)
	assert.InDelta(t, 200.0, s.AverageLatency, 1e-9)
}

// TestSummarizeMalformed tests inconsistent counters score 0 instead of failing
func TestSummarizeMalformed(t *testing.T) {
	bad := candidate("7.7.7.7:80", types.StatusValid, types.Ptr[int64](40), types.AnonymityElite, 0)
	bad.Uptime = types.Uptime{Checks: 1, Passed: 3}

	s := Summarize(map[string]types.Candidate{bad.ID: bad})
	assert.Equal(t, 1, s.Valid)
	assert.Equal(t, 0, s.TopScore)

	merged, _, err := Merge(nil, []types.Candidate{bad}, 0)
	require.NoError(t, err)
	require.NotNil(t, merged[bad.ID].QualityScore)
	assert.Equal(t, 0, *merged[bad.ID].QualityScore)
	assert.Empty(t, merged[bad.ID].Tags)
}

// TestSummarizeEmpty tests the empty collection
func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, 0, s.Unique)
	assert.Equal(t, 0.0, s.AverageLatency)
	assert.Len(t, s.ByProtocol, len(types.Protocols))
}
