package journal

// ============================================================================
// 歷史日誌核心實作
// 職責：
// 1. 以 append-only JSON lines 記錄每個批次的歷史項目
// 2. 每筆記錄帶 CRC32 校驗和，重放時驗證
// 3. 開啟時掃描既有內容取得最後序號；尾端損壞（寫到一半當機）會被截斷
// 4. Reset 以 temp file + rename 原子性重寫（還原快照、清空時使用）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// Journal 歷史日誌實例
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64 // 最後一筆記錄的序號
	count        int
	syncOnAppend bool // 是否每次追加都 fsync
	closed       bool
	log          *slog.Logger
}

/*
Open 建立或開啟一個歷史日誌

行為：
- 檔案不存在時建立，seq 從 0 開始
- 檔案存在時掃描所有記錄，從最後的 seq 繼續
- 遇到損壞或校驗失敗的記錄時，從該筆開始截斷並記錄警告
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		file:         file,
		path:         path,
		syncOnAppend: syncOnAppend,
		log:          slog.Default().With("component", "journal"),
	}

	good, err := j.scanLocked(func(rec Record) error {
		j.seq = rec.Seq
		j.count++
		return nil
	})
	if err != nil {
		var ce *CorruptionError
		var me *ChecksumError
		if !errors.As(err, &ce) && !errors.As(err, &me) {
			file.Close()
			return nil, err
		}
		j.log.Warn("truncating damaged journal tail", "path", path, "offset", good, "error", err)
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to truncate journal: %w", err)
		}
	}
	return j, nil
}

// Append 追加一筆歷史項目
func (j *Journal) Append(entry types.HistoryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	seq := j.seq + 1
	line, err := encodeRecord(seq, raw)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal sync: %w", err)
		}
	}
	j.seq = seq
	j.count++
	return nil
}

// Replay 依寫入順序重放所有記錄；校驗失敗或 handler 錯誤會立即停止
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	_, err := j.scanLocked(handler)
	return err
}

// Entries 全部歷史項目，最新的在前
func (j *Journal) Entries() ([]types.HistoryEntry, error) {
	var out []types.HistoryEntry
	err := j.Replay(func(rec Record) error {
		var e types.HistoryEntry
		if err := json.Unmarshal(rec.Entry, &e); err != nil {
			return fmt.Errorf("%w: seq %d: %v", ErrCorrupted, rec.Seq, err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// Reset 以 entries（最新的在前）原子性取代整個日誌，序號從 1 重新編號
func (j *Journal) Reset(entries []types.HistoryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	seq := uint64(0)
	for i := len(entries) - 1; i >= 0; i-- {
		raw, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal history entry: %w", err)
		}
		seq++
		line, err := encodeRecord(seq, raw)
		if err != nil {
			return err
		}
		buf.Write(line)
	}

	tmpPath := j.path + ".tmp"
	if err := writeSynced(tmpPath, buf.Bytes()); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		// 重新開啟舊檔案，保持實例可用
		if f, openErr := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644); openErr == nil {
			j.file = f
		} else {
			j.closed = true
		}
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		j.closed = true
		return err
	}
	j.file = f
	j.seq = seq
	j.count = len(entries)
	return nil
}

// Len 記錄數量
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// LastSeq 最後一筆記錄的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close 關閉日誌；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// scanLocked 從頭讀取並驗證每筆記錄，返回最後一筆完好記錄之後的位元組位移
func (j *Journal) scanLocked(handler Handler) (int64, error) {
	f, err := os.Open(j.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return offset, err
		}
		// 沒有換行結尾代表寫到一半
		if raw[len(raw)-1] != '\n' {
			return offset, &CorruptionError{Line: line, Cause: io.ErrUnexpectedEOF}
		}

		var rec Record
		if decErr := json.Unmarshal(raw, &rec); decErr != nil {
			return offset, &CorruptionError{Line: line, Cause: decErr}
		}
		if vErr := rec.verify(); vErr != nil {
			return offset, vErr
		}
		if hErr := handler(rec); hErr != nil {
			return offset, hErr
		}
		offset += int64(len(raw))
	}
}

func encodeRecord(seq uint64, entry []byte) ([]byte, error) {
	line, err := json.Marshal(Record{Seq: seq, Entry: entry, Checksum: checksum(seq, entry)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal record: %w", err)
	}
	return append(line, '\n'), nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
