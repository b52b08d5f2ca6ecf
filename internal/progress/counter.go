package progress

import "io"

// CountingReader wraps an io.Reader, invoking onRead with the running
// total of bytes read so far after every Read call. Grounded on
// counter.CounterReader's NewReaderCallback: the indexer uses this to
// report progress mid-file, not just once per file boundary.
type CountingReader struct {
	r      io.Reader
	count  int64
	onRead func(total int64)
}

// NewCountingReader wraps r, calling onRead after every successful read.
func NewCountingReader(r io.Reader, onRead func(total int64)) *CountingReader {
	return &CountingReader{r: r, onRead: onRead}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += int64(n)
	if c.onRead != nil {
		c.onRead(c.count)
	}
	return n, err
}

// Count reports the running total of bytes read.
func (c *CountingReader) Count() int64 {
	return c.count
}
