// Package commitlog persists committed consensus decisions to the configured
// data file. The file is an append-only sequence of length-prefixed,
// CRC-protected JSON records; it is the node's only durable state and the
// replay source for collector delivery after an outage.
package commitlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

var (
	ErrClosed    = errors.New("commitlog: closed")
	ErrCorrupted = errors.New("commitlog: corrupted record")
)

const maxRecordSize = 1 << 20

// CommitRecord is the immutable unit produced when a round commits and the
// payload sent to the collector. Witnesses lists the node ids whose accept
// votes formed the quorum, in ascending order.
type CommitRecord struct {
	Round     uint64    `json:"round"`
	Term      uint64    `json:"term"`
	Value     string    `json:"value"`
	Witnesses []int     `json:"witnesses"`
	NodeID    int       `json:"nodeId"`
	RunID     string    `json:"runId,omitempty"`
	At        time.Time `json:"at"`
}

// Log is a single-file append log of CommitRecords.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

// Open opens (or creates) the log at path and positions for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

// Append durably writes the record: the call returns only after the bytes
// reach stable storage.
func (l *Log) Append(rec CommitRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("commitlog: encode: %w", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := l.buf.Write(hdr[:]); err != nil {
		return fmt.Errorf("commitlog: write: %w", err)
	}
	if _, err := l.buf.Write(payload); err != nil {
		return fmt.Errorf("commitlog: write: %w", err)
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("commitlog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("commitlog: sync: %w", err)
	}
	return nil
}

// Replay reads every intact record in append order. A truncated tail (from a
// crash mid-append) ends the scan without error; a CRC mismatch inside the
// file reports ErrCorrupted.
func (l *Log) Replay() ([]CommitRecord, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	return ReplayFile(path)
}

// ReplayFile reads records from an arbitrary log file path.
func ReplayFile(path string) ([]CommitRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("commitlog: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []CommitRecord
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, nil
			}
			return out, fmt.Errorf("commitlog: read header: %w", err)
		}
		size := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		if size == 0 || size > maxRecordSize {
			return out, fmt.Errorf("%w: record size %d", ErrCorrupted, size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// torn tail write
				return out, nil
			}
			return out, fmt.Errorf("commitlog: read payload: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return out, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
		}
		var rec CommitRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		out = append(out, rec)
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
