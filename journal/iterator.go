package journal

import (
	"io"
	"os"

	"github.com/crashsafe/txjournal/buffer"
	"github.com/crashsafe/txjournal/utils/log"
)

// scanBufferSize is the scanner's working window. Twice the maximum record
// size so a record that straddles a refill always fits after one compaction.
const scanBufferSize = 2 * MaxRecordSize

// Iterator lazily yields the records of a journal, previous generation first,
// then current generation. It never surfaces errors: torn, corrupt and stale
// regions are skipped, with details available at debug log level. Close
// releases the scan buffers early when iteration is abandoned.
type Iterator struct {
	scanners []*scanner
	current  *Record
}

// Next advances to the next record, reporting whether one is available.
func (it *Iterator) Next() bool {
	for len(it.scanners) > 0 {
		if rec, ok := it.scanners[0].next(); ok {
			it.current = rec
			return true
		}
		it.scanners = it.scanners[1:]
	}
	it.current = nil
	return false
}

// Record returns the record Next advanced to.
func (it *Iterator) Record() *Record {
	return it.current
}

// Close releases the scan buffers. Records already returned stay usable.
func (it *Iterator) Close() {
	for _, s := range it.scanners {
		s.finish()
	}
	it.scanners = nil
	it.current = nil
}

// scanner produces the records of one generation from the record area
// [FixedHeaderSize, end). It reads positionally, so it never disturbs the
// journal's append cursor, and it tolerates a physically shorter file.
type scanner struct {
	f              *os.File
	gen            Generation
	includeInvalid bool
	pool           buffer.Provider

	buf        []byte
	r, w       int
	nextOffset int64 // file offset of the first byte not yet in buf
	end        int64
	eof        bool
	done       bool

	lastRecordEnd int64
}

func newScanner(f *os.File, gen Generation, includeInvalid bool, pool buffer.Provider, end int64) *scanner {
	return &scanner{
		f:              f,
		gen:            gen,
		includeInvalid: includeInvalid,
		pool:           pool,
		nextOffset:     FixedHeaderSize,
		end:            end,
		lastRecordEnd:  FixedHeaderSize,
	}
}

func (s *scanner) next() (*Record, bool) {
	if s.done {
		return nil, false
	}
	if s.buf == nil {
		s.buf = s.pool.Poll(scanBufferSize)
	}

	for {
		if s.r == s.w && !s.fill() {
			return s.finish()
		}

		res := scanNext(s.buf[s.r:s.w], s.gen, s.pool)
		switch res.Status {
		case ReadOK:
			s.r += res.Pos
			s.lastRecordEnd = s.abs(s.r)
			if res.Record.valid || s.includeInvalid {
				return res.Record, true
			}
			log.Debug("skipping a record of generation %s that failed its CRC32 check", s.gen)
			res.Record.Dispose()
		case OtherGeneration, NoHeaderHere:
			s.r += res.Pos
		case PartialRecord:
			s.r += res.Pos
			if !s.fill() {
				// A record torn at the end of the data is unrecoverable.
				return s.finish()
			}
		case NoHeaderInBuffer:
			s.r = s.w
		}
	}
}

// fill compacts the unread window to the front of the buffer and reads more
// bytes from the file. It reports whether any new bytes arrived.
func (s *scanner) fill() bool {
	if s.r > 0 {
		copy(s.buf, s.buf[s.r:s.w])
		s.w -= s.r
		s.r = 0
	}
	if s.eof || s.nextOffset >= s.end {
		return false
	}

	want := len(s.buf) - s.w
	if max := s.end - s.nextOffset; int64(want) > max {
		want = int(max)
	}
	if want <= 0 {
		return false
	}

	n, err := s.f.ReadAt(s.buf[s.w:s.w+want], s.nextOffset)
	s.w += n
	s.nextOffset += int64(n)
	if err != nil {
		// The declared journal size may exceed the physical file length
		// after an interrupted grow or an external truncation; scans stop
		// at the bytes that exist.
		if err != io.EOF {
			log.Warn("journal scan read failed at offset %d: %v", s.nextOffset, err)
		}
		s.eof = true
	}
	return n > 0
}

func (s *scanner) finish() (*Record, bool) {
	s.done = true
	if s.buf != nil {
		s.pool.Recycle(s.buf)
		s.buf = nil
	}
	return nil, false
}

// abs translates a buffer index into its file offset.
func (s *scanner) abs(i int) int64 {
	return s.nextOffset - int64(s.w-i)
}

// findPositionAfterLastRecord drains the scanner and returns the offset just
// past the last well-framed record of its generation, or FixedHeaderSize if
// there is none. Records that fail their CRC still advance the position: they
// occupy their bytes, and appending over them would tear the file.
func (s *scanner) findPositionAfterLastRecord() int64 {
	for {
		rec, ok := s.next()
		if !ok {
			return s.lastRecordEnd
		}
		rec.Dispose()
	}
}
