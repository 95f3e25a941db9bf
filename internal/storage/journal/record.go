package journal

// ============================================================================
// Journal Record Definitions
// Responsibility: record layout, CRC32 checksums and error types
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
)

// Predefined errors
var (
	// ErrCorrupted indicates a record line cannot be parsed
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates the stored checksum does not match the record
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")
)

// Record is one line of the journal file.
type Record struct {
	Seq      uint64          `json:"seq"`      // monotonically increasing, starts at 1
	Entry    json.RawMessage `json:"entry"`    // a compact JSON types.HistoryEntry
	Checksum uint32          `json:"checksum"` // CRC32-IEEE over seq and entry bytes
}

// Handler processes a record during Replay. Returning an error stops the replay.
type Handler func(rec Record) error

// checksum covers the sequence number and the exact entry bytes.
func checksum(seq uint64, entry []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{':'})
	h.Write(entry)
	return h.Sum32()
}

func (r Record) verify() error {
	if want := checksum(r.Seq, r.Entry); want != r.Checksum {
		return &ChecksumError{Seq: r.Seq, Expected: want, Actual: r.Checksum}
	}
	return nil
}

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports an unparseable line.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
