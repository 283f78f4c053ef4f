// Package wal implements an append-only write-ahead log for the channel
// store. Every commit is written and synced before the engine applies it in
// memory, and the log replays into cold history on restart.
//
// Entries form a hash chain; each carries an HMAC under a device key and a
// CRC32 so torn tails and tampering are told apart.
package wal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chanstore/internal/security"
)

// File format constants.
const (
	Version    = 1
	Magic      = "CSWL"
	HeaderSize = 64

	// entryOverhead is every serialized byte except the payload.
	entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4
)

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	EntryCommit   EntryType = 1 // storage commit: record, summary and folded batch
	EntryRoot     EntryType = 2 // committed channel root
	EntrySnapshot EntryType = 3 // channel history base written by Truncate
)

// String returns the entry type name.
func (t EntryType) String() string {
	switch t {
	case EntryCommit:
		return "commit"
	case EntryRoot:
		return "root"
	case EntrySnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("wal: broken hash chain")
	ErrInvalidHMAC    = errors.New("wal: HMAC verification failed")
	ErrClosed         = errors.New("wal: log is closed")
	ErrShortEntry     = errors.New("wal: entry too short")
)

// Header is the fixed file header.
type Header struct {
	DeviceID  [32]byte
	CreatedAt int64
	BaseSeq   uint64 // first sequence retained after truncation
}

// Entry is a single log entry.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64 // UnixNano
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	HMAC      [32]byte
	CRC32     uint32
}

// WAL is an open log file. It is safe for concurrent use.
type WAL struct {
	mu sync.Mutex

	path    string
	file    *os.File
	header  Header
	hmacKey []byte
	logger  *slog.Logger

	nextSequence uint64
	lastHash     [32]byte
	entryCount   uint64
	byteCount    int64
	closed       bool
}

// Open opens the log at path, creating it and its directory when missing.
// An existing log is scanned to its last intact entry; a torn or corrupted
// tail is cut off.
func Open(path string, deviceID [32]byte, hmacKey []byte, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := security.EnsurePrivateDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}
	if err := security.LockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: lock %s: %w", path, err)
	}

	w := &WAL{
		path:    path,
		file:    file,
		hmacKey: append([]byte(nil), hmacKey...),
		logger:  logger.With("component", "wal"),
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat file: %w", err)
	}

	if stat.Size() == 0 {
		w.header = Header{DeviceID: deviceID, CreatedAt: time.Now().UnixNano()}
		if err := writeHeader(file, w.header); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: write header: %w", err)
		}
		w.byteCount = HeaderSize
		return w, nil
	}

	if w.header, err = readHeader(file); err != nil {
		file.Close()
		return nil, err
	}
	if err := w.scanToEnd(stat.Size()); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: scan: %w", err)
	}
	return w, nil
}

func writeHeader(f *os.File, h Header) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	copy(buf[8:40], h.DeviceID[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(h.CreatedAt))
	binary.BigEndian.PutUint64(buf[48:56], h.BaseSeq)

	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readHeader(f io.ReaderAt) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, fmt.Errorf("wal: read header: %w", err)
	}
	if string(buf[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != Version {
		return Header{}, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, v, Version)
	}

	var h Header
	copy(h.DeviceID[:], buf[8:40])
	h.CreatedAt = int64(binary.BigEndian.Uint64(buf[40:48]))
	h.BaseSeq = binary.BigEndian.Uint64(buf[48:56])
	return h, nil
}

// readEntryAt returns the entry at offset, or io.EOF at a clean end. Entries
// must end at or before end; a length field reaching past it is a torn tail.
func readEntryAt(f io.ReaderAt, offset, end int64) (*Entry, error) {
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, io.EOF
	}
	if n < entryOverhead {
		return nil, ErrShortEntry
	}
	if int64(n) > end-offset {
		return nil, fmt.Errorf("%w: entry of %d bytes with %d left", io.ErrUnexpectedEOF, n, end-offset)
	}

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return deserializeEntry(buf)
}

func (w *WAL) scanToEnd(size int64) error {
	w.nextSequence = w.header.BaseSeq
	offset := int64(HeaderSize)

	for {
		entry, err := readEntryAt(w.file, offset, size)
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && entry.CRC32 != computeEntryCRC(entry) {
			err = ErrCorruptedEntry
		}
		if err != nil {
			w.logger.Warn("discarding damaged log tail", "offset", offset, "error", err)
			break
		}

		w.nextSequence = entry.Sequence + 1
		w.lastHash = entry.Hash()
		w.entryCount++
		offset += int64(entry.Length)
	}

	if offset < size {
		if err := w.file.Truncate(offset); err != nil {
			return err
		}
	}
	w.byteCount = offset
	return nil
}

// Append writes and syncs one entry.
func (w *WAL) Append(entryType EntryType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: time.Now().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	entry.HMAC = w.computeHMAC(entry)
	entry.CRC32 = computeEntryCRC(entry)
	data := serializeEntry(entry)

	if _, err := w.file.WriteAt(data, w.byteCount); err != nil {
		return fmt.Errorf("wal: write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync entry: %w", err)
	}

	w.lastHash = entry.Hash()
	w.nextSequence++
	w.entryCount++
	w.byteCount += int64(len(data))
	return nil
}

// ReadAll returns every entry, checking CRCs and the hash chain.
func (w *WAL) ReadAll() ([]Entry, error) {
	return w.ReadAfter(0, false)
}

// ReadAfter returns entries with a sequence at or after from. With
// verify set each entry's HMAC is checked as well.
func (w *WAL) ReadAfter(from uint64, verify bool) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	err := w.walk(func(e *Entry) error {
		if verify && !w.VerifyHMAC(e) {
			return fmt.Errorf("entry %d: %w", e.Sequence, ErrInvalidHMAC)
		}
		if e.Sequence >= from {
			entries = append(entries, *e)
		}
		return nil
	})
	return entries, err
}

// Replay calls fn for every entry in order after checking its CRC, chain
// link and HMAC. It stops at the first error.
func (w *WAL) Replay(fn func(*Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.walk(func(e *Entry) error {
		if !w.VerifyHMAC(e) {
			return fmt.Errorf("entry %d: %w", e.Sequence, ErrInvalidHMAC)
		}
		return fn(e)
	})
}

// walk iterates intact entries up to byteCount. Callers hold mu.
func (w *WAL) walk(fn func(*Entry) error) error {
	offset := int64(HeaderSize)
	var prevHash [32]byte
	first := true

	for offset < w.byteCount {
		entry, err := readEntryAt(w.file, offset, w.byteCount)
		if err != nil {
			return fmt.Errorf("wal: read entry at offset %d: %w", offset, err)
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			return fmt.Errorf("wal: entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if !first && entry.PrevHash != prevHash {
			return fmt.Errorf("wal: entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if err := fn(entry); err != nil {
			return err
		}

		first = false
		prevHash = entry.Hash()
		offset += int64(entry.Length)
	}
	return nil
}

// VerifyHMAC reports whether the entry's HMAC matches the log key.
func (w *WAL) VerifyHMAC(entry *Entry) bool {
	expected := w.computeHMAC(entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

// writeEntryFields feeds the chained fields of e to h.
func writeEntryFields(h hash.Hash, e *Entry) {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	h.Write(buf[:])
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}

func (w *WAL) computeHMAC(e *Entry) [32]byte {
	mac := hmac.New(sha256.New, w.hmacKey)
	writeEntryFields(mac, e)

	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Hash is the chain link of the entry.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func computeEntryCRC(e *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, e)
	crc.Write(e.HMAC[:])
	return crc.Sum32()
}

func serializeEntry(e *Entry) []byte {
	buf := make([]byte, entryOverhead+len(e.Payload))
	e.Length = uint32(len(buf))

	binary.BigEndian.PutUint32(buf[0:4], e.Length)
	binary.BigEndian.PutUint64(buf[4:12], e.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], uint64(e.Timestamp))
	buf[20] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(e.Payload)))
	off := 25 + copy(buf[25:], e.Payload)
	off += copy(buf[off:], e.PrevHash[:])
	off += copy(buf[off:], e.HMAC[:])
	binary.BigEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, ErrShortEntry
	}

	e := &Entry{
		Length:    binary.BigEndian.Uint32(data[0:4]),
		Sequence:  binary.BigEndian.Uint64(data[4:12]),
		Timestamp: int64(binary.BigEndian.Uint64(data[12:20])),
		Type:      EntryType(data[20]),
	}
	payloadLen := int(binary.BigEndian.Uint32(data[21:25]))
	if len(data) != entryOverhead+payloadLen {
		return nil, fmt.Errorf("%w: payload length %d in %d bytes", ErrShortEntry, payloadLen, len(data))
	}

	off := 25
	e.Payload = make([]byte, payloadLen)
	off += copy(e.Payload, data[off:off+payloadLen])
	off += copy(e.PrevHash[:], data[off:off+32])
	off += copy(e.HMAC[:], data[off:off+32])
	e.CRC32 = binary.BigEndian.Uint32(data[off:])
	return e, nil
}

// Truncate drops entries before seq, rewriting the log through a temporary
// file and an atomic rename. The dropped entries are folded into one
// EntrySnapshot per channel and one EntryRoot per committed root, written
// ahead of the retained entries under the sequence numbers just below them,
// so Load still rebuilds the same state. Retained entries are re-chained and
// re-signed, so any entry failing its HMAC, or a dropped entry that does not
// decode, aborts the truncation.
func (w *WAL) Truncate(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	base := newReplayState()
	var kept []Entry
	if err := w.walk(func(e *Entry) error {
		if !w.VerifyHMAC(e) {
			return fmt.Errorf("entry %d: %w", e.Sequence, ErrInvalidHMAC)
		}
		if e.Sequence >= seq {
			kept = append(kept, *e)
			return nil
		}
		known, err := base.apply(e)
		if err == nil && !known {
			w.logger.Warn("dropping unknown entry type", "sequence", e.Sequence, "type", e.Type.String())
		}
		return err
	}); err != nil {
		return err
	}

	cut := max(seq, w.nextSequence)
	if len(kept) > 0 {
		cut = kept[0].Sequence
	}
	folded := base.entries()
	first := cut - uint64(len(folded))
	for i := range folded {
		folded[i].Sequence = first + uint64(i)
		folded[i].Timestamp = time.Now().UnixNano()
	}
	entries := append(folded, kept...)

	tmpPath := w.path + ".new"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("wal: create %s: %w", tmpPath, err)
	}
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	header := w.header
	header.BaseSeq = first
	if err := writeHeader(tmp, header); err != nil {
		return fail(err)
	}

	offset := int64(HeaderSize)
	var lastHash [32]byte
	for i := range entries {
		e := &entries[i]
		e.PrevHash = lastHash
		e.HMAC = w.computeHMAC(e)
		e.CRC32 = computeEntryCRC(e)
		data := serializeEntry(e)
		if _, err := tmp.WriteAt(data, offset); err != nil {
			return fail(err)
		}
		offset += int64(len(data))
		lastHash = e.Hash()
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	w.file.Close()
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: replace log: %w", err)
	}
	if w.file, err = os.OpenFile(w.path, os.O_RDWR, 0600); err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen log: %w", err)
	}
	if err := security.LockFile(w.file); err != nil {
		w.file.Close()
		w.closed = true
		return fmt.Errorf("wal: relock log: %w", err)
	}

	w.header = header
	w.entryCount = uint64(len(entries))
	w.byteCount = offset
	w.lastHash = lastHash
	if len(kept) > 0 {
		w.nextSequence = kept[len(kept)-1].Sequence + 1
	} else {
		w.nextSequence = cut
	}

	w.logger.Info("log truncated", "before_seq", seq, "folded", len(folded), "kept", len(kept))
	return nil
}

// Header returns the file header.
func (w *WAL) Header() Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header
}

// Size returns the log size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount
}

// EntryCount returns the number of entries in the log.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// NextSequence returns the sequence the next entry will take.
func (w *WAL) NextSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSequence
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	security.Wipe(w.hmacKey)
	if err := security.UnlockFile(w.file); err != nil {
		w.logger.Warn("unlock log", "error", err)
	}
	return w.file.Close()
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Exists reports whether a file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
