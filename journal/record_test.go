package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashsafe/txjournal/buffer"
)

func buildFrame(t *testing.T, gen Generation, payload string) []byte {
	t.Helper()
	r := &Record{gen: gen, pool: buffer.NewAllocating(), valid: true}
	window, err := r.CreateEmptyPayload(len(payload))
	require.NoError(t, err)
	copy(window, payload)

	frame, err := r.appendTo(nil, gen)
	require.NoError(t, err)
	return frame
}

// scanFully steps through b collecting every record of gen, the way the
// iterator does, and stops at a partial record or buffer exhaustion.
func scanFully(b []byte, gen Generation) []*Record {
	pool := buffer.NewAllocating()
	var records []*Record
	pos := 0
	for pos < len(b) {
		res := scanNext(b[pos:], gen, pool)
		switch res.Status {
		case ReadOK:
			records = append(records, res.Record)
			pos += res.Pos
		case PartialRecord, NoHeaderInBuffer:
			return records
		default:
			pos += res.Pos
		}
	}
	return records
}

func TestFrameLayout(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")

	require.Len(t, frame, RecordHeaderSize+5+RecordTrailerSize)
	assert.Equal(t, recordPrefix, string(frame[:len(recordPrefix)]))
	assert.Equal(t, gen[:], frame[len(recordPrefix):recordLengthOffset])
	assert.Equal(t, []byte{0, 0, 0, 5}, frame[recordLengthOffset:recordLengthOffset+4])
	assert.Equal(t, recordSuffix, string(frame[recordCRC32Offset+4:RecordHeaderSize]))
	assert.Equal(t, "hello", string(frame[RecordHeaderSize:RecordHeaderSize+5]))
	assert.Equal(t, recordTrailerMark, string(frame[RecordHeaderSize+5:RecordHeaderSize+7]))
	assert.Equal(t, gen[:], frame[RecordHeaderSize+7:])
}

func TestScanNextFindsRecord(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")

	res := scanNext(frame, gen, buffer.NewAllocating())
	require.Equal(t, ReadOK, res.Status)
	require.NotNil(t, res.Record)
	assert.Equal(t, "hello", string(res.Record.Payload()))
	assert.True(t, res.Record.Valid())
	assert.Equal(t, len(frame), res.Pos)
}

func TestScanNextSkipsLeadingGarbage(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "x")
	b := append([]byte("no record in this preamble\r\n"), frame...)

	records := scanFully(b, gen)
	require.Len(t, records, 1)
	assert.Equal(t, "x", string(records[0].Payload()))
}

func TestScanNextNoHook(t *testing.T) {
	res := scanNext([]byte("nothing interesting here"), NewGeneration(), buffer.NewAllocating())
	assert.Equal(t, NoHeaderInBuffer, res.Status)
	assert.Equal(t, 24, res.Pos)
}

func TestScanNextPartialHeader(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")

	for _, cut := range []int{1, len(recordPrefix), RecordHeaderSize - 1, RecordHeaderSize + 2, len(frame) - 1} {
		res := scanNext(frame[:cut], gen, buffer.NewAllocating())
		assert.Equal(t, PartialRecord, res.Status, "cut at %d", cut)
		assert.Equal(t, 0, res.Pos, "cut at %d", cut)
	}
}

func TestScanNextPartialAfterGarbage(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")
	b := append([]byte("leading bytes"), frame[:10]...)

	res := scanNext(b, gen, buffer.NewAllocating())
	assert.Equal(t, PartialRecord, res.Status)
	assert.Equal(t, 13, res.Pos) // at the start of the torn header
}

func TestScanNextOtherGeneration(t *testing.T) {
	foreign := NewGeneration()
	frame := buildFrame(t, foreign, "foreign payload")

	res := scanNext(frame, NewGeneration(), buffer.NewAllocating())
	assert.Equal(t, OtherGeneration, res.Status)
	assert.Nil(t, res.Record)
	assert.Equal(t, len(frame), res.Pos)
}

func TestScanNextForeignGenerationWithBadCRC(t *testing.T) {
	foreign := NewGeneration()
	frame := buildFrame(t, foreign, "foreign payload")
	frame[RecordHeaderSize+3] ^= 0xFF

	// A foreign id over a corrupt payload is treated as coincidence: the
	// scan resumes one byte past the hook, not past the record.
	res := scanNext(frame, NewGeneration(), buffer.NewAllocating())
	assert.Equal(t, NoHeaderHere, res.Status)
	assert.Equal(t, 1, res.Pos)
}

func TestScanNextRejectsBadLength(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")
	frame[recordLengthOffset] = 0x7F // far beyond MaxRecordSize

	records := scanFully(frame, gen)
	assert.Empty(t, records)
}

func TestFramingByteFlipsRejectRecord(t *testing.T) {
	gen := NewGeneration()
	payload := "framing test payload"

	var framingOffsets []int
	for i := 0; i < len(recordPrefix); i++ {
		framingOffsets = append(framingOffsets, i)
	}
	for i := 0; i < generationSize; i++ {
		framingOffsets = append(framingOffsets, len(recordPrefix)+i) // opening generation id
	}
	for i := 0; i < len(recordSuffix); i++ {
		framingOffsets = append(framingOffsets, recordCRC32Offset+4+i)
	}
	trailerStart := RecordHeaderSize + len(payload)
	for i := 0; i < len(recordTrailerMark)+generationSize; i++ {
		framingOffsets = append(framingOffsets, trailerStart+i)
	}

	for _, off := range framingOffsets {
		frame := buildFrame(t, gen, payload)
		frame[off] ^= 0xFF
		records := scanFully(frame, gen)
		assert.Empty(t, records, "flip at offset %d", off)
	}
}

func TestDamagedTrailerDoesNotHideFollowingRecords(t *testing.T) {
	gen := NewGeneration()
	first := buildFrame(t, gen, "first")
	middle := buildFrame(t, gen, "middle")
	last := buildFrame(t, gen, "last")

	// Damaging only the middle record's trailer must not swallow the
	// record behind it: the scan backs up to one byte past the rejected
	// hook and re-examines everything that follows.
	for _, off := range []int{
		RecordHeaderSize + len("middle"),                           // trailer mark
		RecordHeaderSize + len("middle") + len(recordTrailerMark),  // closing generation id
		len(middle) - 1,                                            // last closing generation byte
	} {
		damaged := append([]byte(nil), middle...)
		damaged[off] ^= 0xFF

		var b []byte
		b = append(b, first...)
		b = append(b, damaged...)
		b = append(b, last...)

		var payloads []string
		for _, rec := range scanFully(b, gen) {
			payloads = append(payloads, string(rec.Payload()))
		}
		assert.Equal(t, []string{"first", "last"}, payloads, "flip at offset %d", off)
	}
}

func TestResyncFromEveryOffset(t *testing.T) {
	gen := NewGeneration()
	first := buildFrame(t, gen, "first record")
	second := buildFrame(t, gen, "second record")

	var b []byte
	b = append(b, []byte("garbage with a \r stray hook ")...)
	firstStart := len(b)
	b = append(b, first...)
	b = append(b, []byte("more noise \r\nLR")...)
	secondStart := len(b)
	b = append(b, second...)

	for offset := 0; offset < len(b); offset++ {
		var payloads []string
		for _, rec := range scanFully(b[offset:], gen) {
			payloads = append(payloads, string(rec.Payload()))
		}
		switch {
		case offset <= firstStart:
			assert.Equal(t, []string{"first record", "second record"}, payloads, "offset %d", offset)
		case offset <= secondStart:
			assert.Equal(t, []string{"second record"}, payloads, "offset %d", offset)
		default:
			assert.Empty(t, payloads, "offset %d", offset)
		}
	}
}

func TestReframeUnderNewGeneration(t *testing.T) {
	oldGen, newGen := NewGeneration(), NewGeneration()
	r := &Record{gen: oldGen, pool: buffer.NewAllocating(), valid: true}
	window, err := r.CreateEmptyPayload(4)
	require.NoError(t, err)
	copy(window, "data")

	frame, err := r.appendTo(nil, newGen)
	require.NoError(t, err)
	assert.Equal(t, newGen, r.Generation())

	res := scanNext(frame, newGen, buffer.NewAllocating())
	require.Equal(t, ReadOK, res.Status)
	assert.Equal(t, "data", string(res.Record.Payload()))
}

func TestAppendToWithoutPayload(t *testing.T) {
	r := &Record{gen: NewGeneration(), pool: buffer.NewAllocating()}
	_, err := r.appendTo(nil, r.gen)
	require.Error(t, err)
}

func TestRequiredBytes(t *testing.T) {
	gen := NewGeneration()
	pool := buffer.NewAllocating()

	a := &Record{gen: gen, pool: pool, valid: true}
	_, err := a.CreateEmptyPayload(10)
	require.NoError(t, err)
	b := &Record{gen: gen, pool: pool, valid: true}
	_, err = b.CreateEmptyPayload(0)
	require.NoError(t, err)

	overhead := RecordHeaderSize + RecordTrailerSize
	assert.Equal(t, 10+2*overhead, RequiredBytes([]*Record{a, b}))
	assert.Equal(t, 0, RequiredBytes(nil))
}

func TestReadRecord(t *testing.T) {
	gen := NewGeneration()
	frame := buildFrame(t, gen, "hello")

	rec, err := ReadRecord(gen, frame, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(rec.Payload()))
	assert.True(t, rec.Valid())

	_, err = ReadRecord(gen, []byte("not a record at all......................................"), nil)
	require.Error(t, err)
	var invalid InvalidSourceError
	assert.ErrorAs(t, err, &invalid)

	// A record not at position zero is rejected as well.
	_, err = ReadRecord(gen, append([]byte{' '}, frame...), nil)
	require.Error(t, err)
}

func TestDisposeRecyclesBacking(t *testing.T) {
	pool := buffer.NewPooled()
	r := &Record{gen: NewGeneration(), pool: pool, valid: true}
	_, err := r.CreateEmptyPayload(16)
	require.NoError(t, err)

	r.Dispose()
	assert.Nil(t, r.Payload())
	assert.Zero(t, r.Size())
	r.Dispose() // second dispose is harmless
}
