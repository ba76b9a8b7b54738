package journal

import (
	"fmt"

	"code.cloudfoundry.org/bytefmt"
)

// BusyError is returned by Open when another open handle, in this or another
// process, holds the exclusive lock on the journal file.
type BusyError string

func (e BusyError) Error() string {
	return fmt.Sprintf("journal file %s is locked by another open handle", string(e))
}

// BadMagicError is returned by Open when the file header does not carry the
// expected magic banner.
type BadMagicError string

func (e BadMagicError) Error() string {
	return fmt.Sprintf("file %s is not a journal: header magic mismatch", string(e))
}

// NeedsRolloverError is returned by Write when the batch does not fit in the
// remaining capacity of the record area. No bytes have been written; the
// caller must call Rollover (or Grow) and retry.
type NeedsRolloverError struct {
	Remaining int64
	Required  int64
}

func (e NeedsRolloverError) Error() string {
	return fmt.Sprintf("journal requires a rollover (remaining capacity: %s, required: %s)",
		bytefmt.ByteSize(uint64(e.Remaining)), bytefmt.ByteSize(uint64(e.Required)))
}

// RecordTooLargeError is returned when a payload would produce a record
// larger than MaxRecordSize.
type RecordTooLargeError int

func (e RecordTooLargeError) Error() string {
	return fmt.Sprintf("record of %d bytes exceeds the maximum record size of %d bytes", int(e), MaxRecordSize)
}

// InvalidSourceError is returned by ReadRecord when the supplied bytes do not
// start with a complete, well-framed record.
type InvalidSourceError string

func (e InvalidSourceError) Error() string {
	return "source buffer does not contain a valid record: " + string(e)
}
