package snapshot

// ============================================================================
// 職責說明：
// 1. 將集合、設定、來源統計、設定檔與歷史序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 同一套讀寫邏輯服務自動保存、手動備份與還原
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// backupStamp 備份檔名的時間後綴
const backupStamp = "20060102_150405.000"

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器，負責一個固定路徑（自動保存檔）
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入快照
//
// 參數：
//   - data: 快照資料；SchemaVer 會被設為目前版本，SavedAt 為零值時補上現在時間
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return WriteFile(m.path, data)
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動，預設設定）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := ReadFile(m.path)
	if errors.Is(err, ErrSnapshotNotFound) {
		// 首次啟動，無快照
		return Empty(), nil
	}
	return data, err
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留舊版本備份
//
// 舊快照改名為 "<path>.<時間>"，只保留最近 keepBackups 個；keepBackups <= 0 不保留。
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format(backupStamp))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}
	return WriteFile(m.path, data)
}

// Backups 列出現有備份（舊到新）
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") {
			continue
		}
		out = append(out, p)
	}
	// 時間後綴可直接按字典序排序
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackups(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// ============================================================================
// 檔案層級操作（手動備份 / 還原使用任意路徑）
// ============================================================================

// Empty 首次啟動的空狀態
func Empty() types.SnapshotData {
	return types.SnapshotData{
		Candidates:  make(map[string]types.Candidate),
		Settings:    types.DefaultSettings(),
		SourceStats: make(map[string]types.SourceStats),
		SchemaVer:   SchemaVersion,
	}
}

// WriteFile 以 temp file + rename 原子性寫入 path
func WriteFile(path string, data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now().UTC()
	}

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	// 1. 寫入臨時檔案
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// ReadFile 讀取並驗證 path 的快照；檔案不存在回傳 ErrSnapshotNotFound
func ReadFile(path string) (types.SnapshotData, error) {
	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	// 確保 map 不為 nil，且鍵與 ID 一致
	if data.Candidates == nil {
		data.Candidates = make(map[string]types.Candidate)
	}
	for id, c := range data.Candidates {
		if c.ID != id {
			return data, fmt.Errorf("%w: candidate key %q holds id %q", ErrCorruptedSnapshot, id, c.ID)
		}
	}
	if data.SourceStats == nil {
		data.SourceStats = make(map[string]types.SourceStats)
	}
	return data, nil
}
