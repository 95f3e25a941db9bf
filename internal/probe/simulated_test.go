package probe

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSimulatedReproducible tests a seed yields the same observations
func TestSimulatedReproducible(t *testing.T) {
	run := func() []types.Candidate {
		s := NewSimulated(types.ModeStandard, nil, 0, 42)
		var out []types.Candidate
		for i := 0; i < 20; i++ {
			res, err := s.Execute(context.Background(), checkTask("10.0.0.1:80", types.ProtocolHTTP))
			require.NoError(t, err)
			out = append(out, res.Candidates[0])
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		assert.Equal(t, a[i].Status, b[i].Status)
		assert.Equal(t, a[i].LatencyMs, b[i].LatencyMs)
	}
}

// TestSimulatedInvariants tests observations stay within the modelled ranges
func TestSimulatedInvariants(t *testing.T) {
	s := NewSimulated(types.ModeLightning, []string{"a", "b"}, 0, 1)
	for i := 0; i < 200; i++ {
		res, err := s.Execute(context.Background(), checkTask("10.0.0.1:80", types.ProtocolSOCKS5))
		require.NoError(t, err)
		c := res.Candidates[0]
		assert.Equal(t, types.AnonymityUnknown, c.Anonymity)
		assert.Len(t, c.CheckHistory, 2)
		if c.Status == types.StatusValid {
			require.NotNil(t, c.LatencyMs)
			assert.GreaterOrEqual(t, *c.LatencyMs, int64(50))
			assert.Less(t, *c.LatencyMs, int64(300))
			assert.NotNil(t, c.QualityScore)
		} else {
			assert.Equal(t, types.StatusInvalid, c.Status)
			assert.NotNil(t, c.FailureReason)
			assert.Nil(t, c.QualityScore)
		}
	}
}

// TestSimulatedCancel tests the simulated wait honours cancellation
func TestSimulatedCancel(t *testing.T) {
	s := NewSimulated(types.ModeIntensive, nil, time.Hour, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Execute(ctx, checkTask("10.0.0.1:80", types.ProtocolHTTP))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.Execute(context.Background(), worker.Task{ID: "x"})
	assert.ErrorIs(t, err, ErrNotCheckTask)
}
