package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, kind types.BatchKind) types.HistoryEntry {
	return types.HistoryEntry{
		ID:              id,
		Kind:            kind,
		Date:            time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		DurationSeconds: 2.5,
		Details:         map[string]any{"found": 12, "profile": "<default>"},
	}
}

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	j, err := Open(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

// TestAppendAndEntries tests entries come back newest first with data intact
func TestAppendAndEntries(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(entry("a", types.BatchScrape)))
	require.NoError(t, j.Append(entry("b", types.BatchCheck)))
	require.NoError(t, j.Append(entry("c", types.BatchCheck)))

	assert.Equal(t, 3, j.Len())
	assert.Equal(t, uint64(3), j.LastSeq())

	got, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[2].ID)
	assert.Equal(t, types.BatchScrape, got[2].Kind)
	assert.Equal(t, 2.5, got[0].DurationSeconds)
	assert.Equal(t, "<default>", got[0].Details["profile"])
	assert.Equal(t, float64(12), got[0].Details["found"])
}

// TestReopenContinuesSeq tests the sequence survives a restart
func TestReopenContinuesSeq(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(entry("a", types.BatchScrape)))
	require.NoError(t, j.Append(entry("b", types.BatchScrape)))
	require.NoError(t, j.Close())

	j2, err := Open(path, false)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(2), j2.LastSeq())

	require.NoError(t, j2.Append(entry("c", types.BatchCheck)))
	var seqs []uint64
	require.NoError(t, j2.Replay(func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

// TestTruncatedTail tests a half-written last line is cut off on open
func TestTruncatedTail(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(entry("a", types.BatchScrape)))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"entry":{"id":"b"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path, true)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, 1, j2.Len())

	require.NoError(t, j2.Append(entry("b", types.BatchCheck)))
	got, err := j2.Entries()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
}

// TestChecksumMismatch tests tampering is detected on replay
func TestChecksumMismatch(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(entry("a", types.BatchScrape)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), `"id":"a"`, `"id":"z"`, 1)), 0644))

	err = j.Replay(func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

// TestCorruptedLine tests an unparseable full line is reported
func TestCorruptedLine(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0644))

	err := j.Replay(func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupted)
}

// TestHandlerErrorStops tests a handler error aborts the replay
func TestHandlerErrorStops(t *testing.T) {
	j, _ := openTemp(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(entry(fmt.Sprint(i), types.BatchCheck)))
	}
	stop := errors.New("stop")
	calls := 0
	err := j.Replay(func(Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

// TestReset tests the journal is replaced and renumbered
func TestReset(t *testing.T) {
	j, path := openTemp(t)
	require.NoError(t, j.Append(entry("old", types.BatchScrape)))

	restored := []types.HistoryEntry{entry("newest", types.BatchCheck), entry("oldest", types.BatchScrape)}
	require.NoError(t, j.Reset(restored))
	assert.Equal(t, 2, j.Len())
	assert.Equal(t, uint64(2), j.LastSeq())

	got, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].ID)
	assert.Equal(t, "oldest", got[1].ID)

	require.NoError(t, j.Append(entry("after", types.BatchCheck)))
	got, err = j.Entries()
	require.NoError(t, err)
	assert.Equal(t, "after", got[0].ID)

	require.NoError(t, j.Reset(nil))
	assert.Equal(t, 0, j.Len())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

// TestClosed tests operations after Close fail
func TestClosed(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(entry("a", types.BatchCheck)), ErrClosed)
	assert.ErrorIs(t, j.Reset(nil), ErrClosed)
	_, err := j.Entries()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, j.Close())
}

// TestConcurrentAppend tests appends from many goroutines keep a dense sequence
func TestConcurrentAppend(t *testing.T) {
	j, _ := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, j.Append(entry(fmt.Sprint(i), types.BatchCheck)))
		}(i)
	}
	wg.Wait()

	var last uint64
	require.NoError(t, j.Replay(func(rec Record) error {
		assert.Equal(t, last+1, rec.Seq)
		last = rec.Seq
		return nil
	}))
	assert.Equal(t, uint64(20), last)
}
