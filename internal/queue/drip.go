// Package queue provides a bounded back-pressure primitive between a
// producer loop and a downstream writer: the producer must not outrun the
// transport by more than one buffer's worth of data.
//
// Grounded on the pwr/drip package — only dripwriter_test.go survived
// retrieval, so DripWriter's contract is reconstructed to match that test
// exactly: writes accumulate into a fixed-size buffer, which is only
// flushed downstream once full (or once, short, on Close).
package queue

import "io"

// DripWriter accumulates bytes written to it into Buffer, flushing exactly
// len(Buffer) bytes at a time to Writer. Validate, if set, runs against
// each flushed chunk before it reaches Writer, so a caller can assert a
// drop's size invariants the way dripwriter_test.go does.
//
// A DripWriter must not be copied after first use.
type DripWriter struct {
	Buffer   []byte
	Validate func([]byte) error
	Writer   io.Writer

	offset int
}

// Write buffers p, flushing full drops to Writer as the buffer fills. It
// always returns len(p), nil unless a flush fails partway through, in
// which case it returns however many bytes were absorbed before the
// failing flush.
func (d *DripWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(d.Buffer[d.offset:], p)
		d.offset += n
		p = p[n:]
		written += n
		if d.offset == len(d.Buffer) {
			if err := d.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close flushes whatever remains buffered, short or not, and returns any
// error from that final flush.
func (d *DripWriter) Close() error {
	return d.flush()
}

func (d *DripWriter) flush() error {
	if d.offset == 0 {
		return nil
	}
	drop := d.Buffer[:d.offset]
	if d.Validate != nil {
		if err := d.Validate(drop); err != nil {
			return err
		}
	}
	if _, err := d.Writer.Write(drop); err != nil {
		return err
	}
	d.offset = 0
	return nil
}
