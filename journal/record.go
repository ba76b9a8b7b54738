package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/crashsafe/txjournal/buffer"
	"github.com/crashsafe/txjournal/utils/log"
)

// On-disk record layout. All integers are big-endian (network order) 32-bit
// signed values; generation ids are written MSB-first.
//
//	PREFIX | GEN | LENGTH | CRC32 | SUFFIX | PAYLOAD | TRAILER | GEN
//	 5 B   | 16 B|  4 B   |  4 B  |  2 B   |  L bytes|   2 B   | 16 B
//
// LENGTH holds the payload length. CRC32 covers the payload bytes only and is
// patched in at write time. The generation id doubles as the record delimiter:
// a record is only accepted when the opening and closing copies match, which
// bounds the damage a torn write can do.
const (
	recordPrefix      = "\r\nLR["
	recordSuffix      = "]["
	recordTrailerMark = "]-"

	generationSize = 16

	recordLengthOffset = len(recordPrefix) + generationSize
	recordCRC32Offset  = recordLengthOffset + 4

	// RecordHeaderSize and RecordTrailerSize are the fixed framing overhead
	// around a record's payload.
	RecordHeaderSize  = recordCRC32Offset + 4 + len(recordSuffix)
	RecordTrailerSize = len(recordTrailerMark) + generationSize

	// MaxRecordSize bounds the total on-disk size of a single record. Any
	// length field beyond it is treated as corruption at scan time and the
	// size is rejected at record creation time.
	MaxRecordSize = 64 * 1024
)

// Generation identifies one rollover cycle of the journal. Every record is
// stamped with the generation that was current when it was written, which
// lets a scanner tell live records from stale remnants of older cycles.
type Generation uuid.UUID

// NewGeneration returns a uniformly random generation id.
func NewGeneration() Generation {
	return Generation(uuid.New())
}

func (g Generation) String() string {
	return uuid.UUID(g).String()
}

// Record is a single journal entry: an opaque payload framed with the
// generation id and a CRC32 of the payload. Records are created through
// JournalFile.CreateEmptyRecord or produced by a scan; in both cases Dispose
// returns the backing buffer to the journal's buffer provider.
type Record struct {
	gen     Generation
	payload []byte
	frame   []byte // full framed bytes, nil until the record has been framed
	backing []byte // provider buffer recycled on Dispose
	valid   bool
	pool    buffer.Provider
}

// CreateEmptyPayload allocates the record's framed buffer and returns the
// writable payload window of exactly size bytes. The caller fills it before
// handing the record to JournalFile.Write.
func (r *Record) CreateEmptyPayload(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("cannot create a record payload with negative size %d", size)
	}
	required := size + RecordHeaderSize + RecordTrailerSize
	if required > MaxRecordSize {
		return nil, RecordTooLargeError(required)
	}

	buf := r.pool.Poll(required)[:required]
	writeRecordHeader(buf, size, r.gen)
	writeRecordTrailer(buf[RecordHeaderSize+size:], r.gen)

	r.frame = buf
	r.backing = buf
	r.payload = buf[RecordHeaderSize : RecordHeaderSize+size]
	r.valid = true
	return r.payload, nil
}

// Payload returns the record's payload bytes. The slice aliases the record's
// backing buffer and must not be used after Dispose.
func (r *Record) Payload() []byte {
	return r.payload
}

func (r *Record) Generation() Generation {
	return r.gen
}

// Valid reports whether the payload matched its CRC32 when the record was
// decoded. Records created for writing are always valid.
func (r *Record) Valid() bool {
	return r.valid
}

// Size returns the total on-disk size of the record including framing.
func (r *Record) Size() int {
	switch {
	case r.frame != nil:
		return len(r.frame)
	case r.payload != nil:
		return len(r.payload) + RecordHeaderSize + RecordTrailerSize
	default:
		return 0
	}
}

// Dispose returns the record's backing buffer to the provider. The record
// and any payload slices obtained from it are unusable afterwards.
func (r *Record) Dispose() {
	if r.pool != nil && r.backing != nil {
		r.pool.Recycle(r.backing)
	}
	r.frame, r.backing, r.payload = nil, nil, nil
}

// DisposeAll disposes every record in records, ignoring nils.
func DisposeAll(records []*Record) {
	for _, r := range records {
		if r != nil {
			r.Dispose()
		}
	}
}

// RequiredBytes returns the number of bytes a Write of the given records
// will occupy on disk.
func RequiredBytes(records []*Record) int {
	total := 0
	for _, r := range records {
		total += r.Size()
	}
	return total
}

// appendTo frames the record under gen, patches the payload CRC32 and appends
// the serialized bytes to dst. A record created before a rollover is silently
// re-framed under the journal's current generation.
func (r *Record) appendTo(dst []byte, gen Generation) ([]byte, error) {
	if r.gen != gen {
		log.Debug("correcting record generation from %s to %s, the journal rolled over in the meantime", r.gen, gen)
		if err := r.reframe(gen); err != nil {
			return nil, err
		}
	} else if r.frame == nil {
		if err := r.reframe(gen); err != nil {
			return nil, err
		}
	}

	binary.BigEndian.PutUint32(r.frame[recordCRC32Offset:], crc32.ChecksumIEEE(r.payload))
	return append(dst, r.frame...), nil
}

func (r *Record) reframe(gen Generation) error {
	if r.payload == nil {
		return fmt.Errorf("record payload was never created, cannot write this record")
	}
	old := r.backing
	payload := r.payload
	r.gen = gen
	r.frame, r.backing, r.payload = nil, nil, nil

	window, err := r.CreateEmptyPayload(len(payload))
	if err != nil {
		return err
	}
	copy(window, payload)
	if r.pool != nil && old != nil {
		r.pool.Recycle(old)
	}
	return nil
}

func writeRecordHeader(dst []byte, payloadLen int, gen Generation) {
	n := copy(dst, recordPrefix)
	n += copy(dst[n:], gen[:])
	binary.BigEndian.PutUint32(dst[n:], uint32(payloadLen))
	n += 4
	binary.BigEndian.PutUint32(dst[n:], 0) // CRC32, patched at write time
	n += 4
	copy(dst[n:], recordSuffix)
}

func writeRecordTrailer(dst []byte, gen Generation) {
	n := copy(dst, recordTrailerMark)
	copy(dst[n:], gen[:])
}

// ReadStatus classifies the outcome of a single scan step.
type ReadStatus int8

const (
	// ReadOK means a complete record of the expected generation was found.
	ReadOK ReadStatus = iota
	// NoHeaderHere means there is no acceptable record header at the
	// current position; scanning continues at FindResult.Pos.
	NoHeaderHere
	// NoHeaderInBuffer means the remaining bytes hold no header candidate.
	NoHeaderInBuffer
	// OtherGeneration means a complete, CRC-valid record of a different
	// generation was stepped over.
	OtherGeneration
	// PartialRecord means a header matched but the record continues past
	// the end of the buffer; the caller must compact and read more bytes.
	PartialRecord
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOK:
		return "ReadOK"
	case NoHeaderHere:
		return "NoHeaderHere"
	case NoHeaderInBuffer:
		return "NoHeaderInBuffer"
	case OtherGeneration:
		return "OtherGeneration"
	case PartialRecord:
		return "PartialRecord"
	default:
		return fmt.Sprintf("ReadStatus(%d)", int8(s))
	}
}

// FindResult carries the outcome of one scanNext step. Pos is the position
// within the scanned slice at which the next step should start: just past the
// record for ReadOK and OtherGeneration, at the start of the header candidate
// for PartialRecord, and one byte past the rejected hook for NoHeaderHere.
type FindResult struct {
	Status ReadStatus
	Record *Record
	Pos    int
}

// scanNext advances through src looking for the next record header candidate
// and classifies it. The first byte of the record prefix acts as a cheap
// hook; full header validation only runs on hook matches.
func scanNext(src []byte, gen Generation, pool buffer.Provider) FindResult {
	i := bytes.IndexByte(src, recordPrefix[0])
	if i < 0 {
		return FindResult{Status: NoHeaderInBuffer, Pos: len(src)}
	}

	status, length := inspectHeader(src[i:], gen)
	switch status {
	case ReadOK:
		payload := src[i+RecordHeaderSize : i+RecordHeaderSize+length]
		stored := binary.BigEndian.Uint32(src[i+recordCRC32Offset:])
		return FindResult{
			Status: ReadOK,
			Record: newScannedRecord(gen, payload, stored, pool),
			Pos:    i + RecordHeaderSize + length + RecordTrailerSize,
		}
	case OtherGeneration:
		return FindResult{Status: OtherGeneration, Pos: i + RecordHeaderSize + length + RecordTrailerSize}
	case PartialRecord:
		return FindResult{Status: PartialRecord, Pos: i}
	default:
		return FindResult{Status: NoHeaderHere, Pos: i + 1}
	}
}

// inspectHeader validates the record framing at the start of b. It returns
// the status and the payload length for ReadOK and OtherGeneration. Every
// NoHeaderHere outcome advances the scan by exactly one byte past the hook,
// so a genuine record whose prefix starts inside a false header candidate is
// never skipped over.
func inspectHeader(b []byte, gen Generation) (status ReadStatus, length int) {
	if len(b) < RecordHeaderSize {
		m := matchLen(b, recordPrefix)
		// A full prefix, or a proper prefix running into the end of the
		// buffer, may complete once more bytes arrive.
		if m == len(recordPrefix) || m == len(b) {
			return PartialRecord, 0
		}
		return NoHeaderHere, 0
	}
	if matchLen(b, recordPrefix) != len(recordPrefix) {
		return NoHeaderHere, 0
	}

	var open Generation
	copy(open[:], b[len(recordPrefix):])

	length = int(int32(binary.BigEndian.Uint32(b[recordLengthOffset:])))
	if length < 0 || length > MaxRecordSize {
		log.Debug("found a record with an invalid length of %d bytes where only %d is allowed, skipping this header", length, MaxRecordSize)
		return NoHeaderHere, 0
	}
	if !bytes.Equal(b[recordCRC32Offset+4:RecordHeaderSize], []byte(recordSuffix)) {
		return NoHeaderHere, 0
	}
	if RecordHeaderSize+length+RecordTrailerSize > len(b) {
		return PartialRecord, length
	}

	trailer := b[RecordHeaderSize+length:]
	var closing Generation
	copy(closing[:], trailer[len(recordTrailerMark):])
	if !bytes.Equal(trailer[:len(recordTrailerMark)], []byte(recordTrailerMark)) || closing != open {
		log.Debug("found an invalid record trailer for generation %s, skipping this header", open)
		return NoHeaderHere, 0
	}

	if open != gen {
		// A foreign generation id is only trusted when the payload passes
		// its CRC; otherwise the match is treated as coincidence and the
		// scan resumes right behind the hook byte.
		stored := binary.BigEndian.Uint32(b[recordCRC32Offset:])
		if crc32.ChecksumIEEE(b[RecordHeaderSize:RecordHeaderSize+length]) == stored {
			return OtherGeneration, length
		}
		log.Debug("found a record of generation %s while expecting %s that did not pass the CRC32 check, skipping this header", open, gen)
		return NoHeaderHere, 0
	}

	return ReadOK, length
}

// matchLen returns how many leading bytes of b match seq.
func matchLen(b []byte, seq string) int {
	n := 0
	for n < len(b) && n < len(seq) && b[n] == seq[n] {
		n++
	}
	return n
}

func newScannedRecord(gen Generation, payload []byte, storedCRC32 uint32, pool buffer.Provider) *Record {
	backing := pool.Poll(len(payload))
	n := copy(backing, payload)
	r := &Record{
		gen:     gen,
		payload: backing[:n],
		backing: backing,
		pool:    pool,
	}
	r.valid = crc32.ChecksumIEEE(r.payload) == storedCRC32
	return r
}

// ReadRecord decodes the record that must start at src[0], stamped with the
// given generation. A nil provider falls back to plain allocation.
func ReadRecord(gen Generation, src []byte, pool buffer.Provider) (*Record, error) {
	if pool == nil {
		pool = buffer.NewAllocating()
	}
	status, length := inspectHeader(src, gen)
	if status != ReadOK {
		return nil, InvalidSourceError(status.String())
	}
	payload := src[RecordHeaderSize : RecordHeaderSize+length]
	stored := binary.BigEndian.Uint32(src[recordCRC32Offset:])
	return newScannedRecord(gen, payload, stored, pool), nil
}
