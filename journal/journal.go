// Package journal implements a crash-safe transaction journal backed by a
// single pre-allocated file that is reused cyclically. Records are framed
// with a generation id that changes on every rollover, so recovery scans can
// separate live records (current and previous generation) from stale bytes
// left over from older cycles without an index.
//
// Access to a JournalFile is single-writer: all mutating operations are
// serialized internally, and the file itself is protected by an exclusive
// OS-level lock against other processes.
package journal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/crashsafe/txjournal/buffer"
	"github.com/crashsafe/txjournal/utils/log"
)

// FixedHeaderSize reserves the first kilobyte of the file for the header
// (magic banner, previous and current generation ids, padding); the record
// area begins at this offset.
const FixedHeaderSize = 1024

const journalHeaderMagic = "BTM-NTJ-[Version 1.0]"

var journalHeaderPrefix = []byte(journalHeaderMagic + "\r\n" +
	"\r\n" +
	"--------------- Rolling Transaction Journal File ---------------\r\n" +
	"\r\n" +
	"    This is a delimiter based rolling binary file format.\r\n" +
	"    The purpose of this file is to persist transaction states\r\n" +
	"    for providing crash recovery on broken commits and rollbacks.\r\n" +
	"\r\n" +
	"----------------------------------------------------------------\r\n" +
	"\r\n")

var journalHeaderSuffix = []byte("\r\n\r\n")

var errLockHeld = errors.New("file lock is held elsewhere")

// JournalFile is an open journal. It owns the file handle and an exclusive
// lock on it from Open until Close.
type JournalFile struct {
	mu   sync.Mutex
	path string
	file *os.File
	pool buffer.Provider

	prevGen Generation
	curGen  Generation

	size     int64 // declared journal size, never below the physical length
	position int64 // append point

	writeBuf []byte

	lastModified int64
	lastForced   int64
}

// Open opens or creates the journal at path, pre-allocated to at least
// initialSize bytes. An existing journal is never shrunk; its header is
// validated (BadMagicError on mismatch) and the append point is discovered
// by scanning for the last record of the current generation. The file is
// locked exclusively; BusyError is returned when another open handle, in this
// or another process, holds the lock. A nil provider falls back to plain allocation.
func Open(path string, initialSize int64, prov buffer.Provider) (*JournalFile, error) {
	if prov == nil {
		prov = buffer.NewAllocating()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal file %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, errLockHeld) {
			return nil, BusyError(path)
		}
		return nil, fmt.Errorf("cannot lock journal file %s: %w", path, err)
	}

	jf := &JournalFile{path: path, file: f, pool: prov}
	if err := jf.initialize(initialSize); err != nil {
		if uerr := unlockFile(f); uerr != nil {
			log.Error("failed to release the lock on %s while aborting open: %v", path, uerr)
		}
		f.Close()
		return nil, err
	}
	return jf, nil
}

func (jf *JournalFile) initialize(initialSize int64) error {
	st, err := jf.file.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat journal file %s: %w", jf.path, err)
	}
	length := st.Size()
	fresh := length == 0

	if fresh {
		jf.prevGen = NewGeneration()
		jf.curGen = NewGeneration()
	} else if err := jf.readJournalHeader(); err != nil {
		return err
	}

	// The journal can grow but never shrink.
	jf.size = initialSize
	if length > jf.size {
		jf.size = length
	}
	if err := jf.file.Truncate(jf.size); err != nil {
		return fmt.Errorf("cannot pre-allocate %d bytes for journal %s: %w", jf.size, jf.path, err)
	}

	if fresh {
		if err := jf.writeJournalHeaderLocked(); err != nil {
			return err
		}
		jf.position = FixedHeaderSize
		jf.lastModified = time.Now().UnixNano()
		log.Info("created a new transaction journal in %s (size: %s)", jf.path, bytefmt.ByteSize(uint64(jf.size)))
		return nil
	}

	sc := newScanner(jf.file, jf.curGen, true, jf.pool, jf.size)
	jf.position = sc.findPositionAfterLastRecord()
	if jf.position < FixedHeaderSize {
		jf.position = FixedHeaderSize
	}
	log.Info("opened existing transaction journal in %s, insert position is at offset %d", jf.path, jf.position)
	if jf.position == FixedHeaderSize {
		log.Warn("the journal file %s appears to be empty though it was not just created", jf.path)
	}
	return nil
}

func (jf *JournalFile) readJournalHeader() error {
	buf := jf.pool.Poll(FixedHeaderSize)[:FixedHeaderSize]
	defer jf.pool.Recycle(buf)

	if _, err := jf.file.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			// Too short to hold the fixed header.
			return BadMagicError(jf.path)
		}
		return fmt.Errorf("cannot read the header of journal %s: %w", jf.path, err)
	}

	off := len(journalHeaderPrefix)
	if !bytes.Equal(buf[:off], journalHeaderPrefix) {
		return BadMagicError(jf.path)
	}
	copy(jf.prevGen[:], buf[off:])
	off += generationSize
	copy(jf.curGen[:], buf[off:])
	off += generationSize
	if !bytes.Equal(buf[off:off+len(journalHeaderSuffix)], journalHeaderSuffix) {
		return BadMagicError(jf.path)
	}
	return nil
}

func (jf *JournalFile) writeJournalHeaderLocked() error {
	header := make([]byte, 0, len(journalHeaderPrefix)+2*generationSize+len(journalHeaderSuffix))
	header = append(header, journalHeaderPrefix...)
	header = append(header, jf.prevGen[:]...)
	header = append(header, jf.curGen[:]...)
	header = append(header, journalHeaderSuffix...)

	if _, err := jf.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("cannot write the header of journal %s: %w", jf.path, err)
	}
	return nil
}

// Path returns the journal's file path.
func (jf *JournalFile) Path() string {
	return jf.path
}

// Size returns the declared journal size in bytes.
func (jf *JournalFile) Size() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.size
}

// Position returns the current append point.
func (jf *JournalFile) Position() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.position
}

// RemainingCapacity returns how many bytes can still be written before a
// rollover is required.
func (jf *JournalFile) RemainingCapacity() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.remainingLocked()
}

func (jf *JournalFile) remainingLocked() int64 {
	if remaining := jf.size - jf.position; remaining > 0 {
		return remaining
	}
	return 0
}

// CurrentGeneration returns the generation stamped on new records.
func (jf *JournalFile) CurrentGeneration() Generation {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.curGen
}

// PreviousGeneration returns the generation of the cycle before the last
// rollover.
func (jf *JournalFile) PreviousGeneration() Generation {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.prevGen
}

// CreateEmptyRecord returns a record stamped with the current generation.
// The caller fills it via CreateEmptyPayload and submits it to Write.
func (jf *JournalFile) CreateEmptyRecord() *Record {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return &Record{gen: jf.curGen, pool: jf.pool, valid: true}
}

// Write appends the given records in order with a single contiguous write.
// When the batch does not fit into the remaining capacity it fails with
// NeedsRolloverError before any byte is written; the caller decides whether
// to Rollover, Grow or drop the batch. An empty batch writes nothing and
// leaves the journal untouched.
func (jf *JournalFile) Write(records []*Record) (int64, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.file == nil {
		return 0, fmt.Errorf("journal %s is closed", jf.path)
	}
	if len(records) == 0 {
		return 0, nil
	}

	required := int64(RequiredBytes(records))
	if remaining := jf.remainingLocked(); required > remaining {
		return 0, NeedsRolloverError{Remaining: remaining, Required: required}
	}

	// One intermediate buffer and one write beats scattering the records
	// into separate syscalls.
	buf := jf.writeBuffer(int(required))
	target := jf.curGen
	var err error
	for _, rec := range records {
		if buf, err = rec.appendTo(buf, target); err != nil {
			return 0, err
		}
	}
	jf.writeBuf = buf

	n, err := jf.file.WriteAt(buf, jf.position)
	jf.position += int64(n)
	jf.lastModified = time.Now().UnixNano()
	if err != nil {
		return int64(n), fmt.Errorf("journal write of %d bytes failed at offset %d: %w", len(buf), jf.position, err)
	}
	return int64(n), nil
}

func (jf *JournalFile) writeBuffer(required int) []byte {
	if cap(jf.writeBuf) < required {
		jf.writeBuf = make([]byte, 0, required)
	}
	return jf.writeBuf[:0]
}

// Rollover ends the current cycle: the unused tail of the record area is
// erased, the previous generation is replaced by the current one, a fresh
// current generation is written to the header and the append point moves
// back to the start of the record area. Rollover is never triggered
// implicitly so callers can flush or migrate state first.
func (jf *JournalFile) Rollover() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.file == nil {
		return fmt.Errorf("journal %s is closed", jf.path)
	}

	if err := jf.eraseRemainingBytesLocked(); err != nil {
		return err
	}

	jf.prevGen = jf.curGen
	jf.curGen = NewGeneration()
	if err := jf.writeJournalHeaderLocked(); err != nil {
		return err
	}
	jf.position = FixedHeaderSize
	jf.lastModified = time.Now().UnixNano()

	log.Info("rolled the journal %s over, new generation is %s", jf.path, jf.curGen)
	return nil
}

// eraseRemainingBytesLocked fills the record area from the append point to
// its end with spaces so that stale framing cannot confuse later scans.
func (jf *JournalFile) eraseRemainingBytesLocked() error {
	const blockSize = 4 * 1024
	block := jf.pool.Poll(blockSize)[:blockSize]
	defer jf.pool.Recycle(block)
	for i := range block {
		block[i] = ' '
	}

	for pos := jf.position; pos < jf.size; {
		n := int64(blockSize)
		if remaining := jf.size - pos; remaining < n {
			n = remaining
		}
		if _, err := jf.file.WriteAt(block[:n], pos); err != nil {
			return fmt.Errorf("cannot erase the record area tail of journal %s: %w", jf.path, err)
		}
		pos += n
	}
	return nil
}

// Grow extends the journal to newSize bytes. Smaller sizes are ignored; the
// journal never shrinks.
func (jf *JournalFile) Grow(newSize int64) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.file == nil {
		return fmt.Errorf("journal %s is closed", jf.path)
	}
	if newSize <= jf.size {
		return nil
	}
	if err := jf.file.Truncate(newSize); err != nil {
		return fmt.Errorf("cannot grow journal %s to %d bytes: %w", jf.path, newSize, err)
	}
	log.Info("grew journal %s from %s to %s", jf.path,
		bytefmt.ByteSize(uint64(jf.size)), bytefmt.ByteSize(uint64(newSize)))
	jf.size = newSize
	return nil
}

// ReadAll returns an iterator over the journal's records: the previous
// generation's pass first, then the current generation's. The iterator
// snapshots the journal size at creation and reads positionally, so it is
// safe against writes that happen while iterating; records written after
// creation may or may not be surfaced. With includeInvalid, records whose
// payload fails its CRC are yielded too (with Valid reporting false)
// instead of being skipped.
func (jf *JournalFile) ReadAll(includeInvalid bool) (*Iterator, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.file == nil {
		return nil, fmt.Errorf("journal %s is closed", jf.path)
	}
	return &Iterator{scanners: []*scanner{
		newScanner(jf.file, jf.prevGen, includeInvalid, jf.pool, jf.size),
		newScanner(jf.file, jf.curGen, includeInvalid, jf.pool, jf.size),
	}}, nil
}

// Force fsyncs the journal, but only when something was written since the
// last call; a clean journal costs no syscall. After Force returns, every
// previously written byte is on stable storage.
func (jf *JournalFile) Force() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.forceLocked()
}

func (jf *JournalFile) forceLocked() error {
	if jf.file == nil {
		return nil
	}
	if jf.lastForced == jf.lastModified {
		log.Debug("force not required on journal %s, no modifications since the last call", jf.path)
		return nil
	}
	if err := jf.file.Sync(); err != nil {
		return fmt.Errorf("fsync of journal %s failed: %w", jf.path, err)
	}
	jf.lastForced = jf.lastModified
	return nil
}

// Close forces pending bytes to disk, releases the lock and closes the
// handle. Closing an already closed journal is a no-op.
func (jf *JournalFile) Close() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.file == nil {
		return nil
	}

	err := jf.forceLocked()
	if uerr := unlockFile(jf.file); uerr != nil && err == nil {
		err = fmt.Errorf("cannot release the lock on journal %s: %w", jf.path, uerr)
	}
	if cerr := jf.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	jf.file = nil
	return err
}
