package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidateSet(ids ...string) map[string]types.Candidate {
	out := make(map[string]types.Candidate, len(ids))
	for _, id := range ids {
		out[id] = types.NewCandidate(id, types.ProtocolHTTP, "https://src.example/list.txt")
	}
	return out
}

func sampleData(ids ...string) types.SnapshotData {
	data := Empty()
	data.Candidates = candidateSet(ids...)
	return data
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "proxies.json")
	manager := NewManager(snapshotPath)

	original := sampleData("1.2.3.4:80", "5.6.7.8:3128")
	c := original.Candidates["1.2.3.4:80"]
	c.Status = types.StatusValid
	c.LatencyMs = types.Ptr(int64(250))
	c.QualityScore = types.Ptr(77)
	c.Tags = []string{"fast", "tier-premium"}
	original.Candidates[c.ID] = c
	original.Settings.Workers = 32
	original.SourceStats["https://src.example/list.txt"] = types.SourceStats{URL: "https://src.example/list.txt", Found: 2, Enabled: true, YieldHistory: []int{2}, Health: types.HealthAverage}
	original.ScrapeProfiles = []types.ScrapeProfile{{Name: "socks", EnabledSources: []string{"https://src.example/list.txt"}}}
	original.CheckProfiles = []types.CheckProfile{{Name: "quick", Mode: types.ModeLightning, Targets: []string{"https://example.com"}}}
	original.History = []types.HistoryEntry{{ID: "h1", Kind: types.BatchCheck, Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), DurationSeconds: 1.5}}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.False(t, loaded.SavedAt.IsZero())
	assert.Equal(t, original.Candidates, loaded.Candidates)
	assert.Equal(t, 32, loaded.Settings.Workers)
	assert.Equal(t, original.Settings.Timeout, loaded.Settings.Timeout)
	assert.Equal(t, original.SourceStats, loaded.SourceStats)
	assert.Equal(t, original.ScrapeProfiles, loaded.ScrapeProfiles)
	assert.Equal(t, original.CheckProfiles, loaded.CheckProfiles)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, "h1", loaded.History[0].ID)
}

// TestAtomicWrite 測試原子性寫入：讀者只會看到完整的舊或新快照
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "proxies.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData("1.1.1.1:1")))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData("2.2.2.2:2", "3.3.3.3:3")))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	n := len(loaded.Candidates)
	assert.True(t, n == 1 || n == 2, "should load either the old or the new snapshot, got %d candidates", n)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "proxies.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Empty()))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Candidates)
	assert.Empty(t, loaded.Candidates)
	assert.Equal(t, types.DefaultSettings(), loaded.Settings)

	_, err = ReadFile(manager.GetPath())
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "proxies.json")
	manager := NewManager(snapshotPath)

	data := Empty()
	data.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "proxies.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"proxies": {"1.2.3.4:80": {"id": "1.2.3.4:80"`), 0644))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	// key 與 id 不一致也視為損壞
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"schema_ver": 1, "proxies": {"1.2.3.4:80": {"id": "9.9.9.9:80"}}}`), 0644))
	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "proxies.json"))
	assert.Error(t, manager.Write(Empty()))
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入與舊備份清理
func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "proxies.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData("1.1.1.1:1")))

	for i := 0; i < 4; i++ {
		require.NoError(t, manager.WriteWithBackup(sampleData(fmt.Sprintf("2.2.2.%d:80", i)), 2))
		time.Sleep(2 * time.Millisecond) // 確保備份時間後綴不同
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Candidates, "2.2.2.3:80")

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	// 最新的備份是上一版
	prev, err := ReadFile(backups[1])
	require.NoError(t, err)
	assert.Contains(t, prev.Candidates, "2.2.2.2:80")
}

// TestWriteFileCreatesDir 測試手動備份到不存在的目錄
func TestWriteFileCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backups", "nested", "export.json")
	require.NoError(t, WriteFile(path, sampleData("1.2.3.4:80")))

	data, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data.Candidates, 1)
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "proxies.json"))

	large := Empty()
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("10.%d.%d.1:8080", i/250, i%250)
		c := types.NewCandidate(id, types.ProtocolSOCKS5, "")
		c.Uptime = types.Uptime{Checks: i % 7, Passed: i % 3}
		large.Candidates[id] = c
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("write duration for 5000 candidates: %v", time.Since(start))

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	t.Logf("load duration for 5000 candidates: %v", time.Since(start))

	assert.Len(t, loaded.Candidates, 5000)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "proxies.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(fmt.Sprintf("1.1.1.%d:80", index))))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Candidates, 1)
}
