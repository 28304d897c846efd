package fileops

import "io"

// CountingReader reports the running byte count after every read that
// returns data.
type CountingReader struct {
	r     io.Reader
	n     int64
	onAdd func(total int64)
}

// NewCountingReader wraps r. onAdd may be nil.
func NewCountingReader(r io.Reader, onAdd func(total int64)) *CountingReader {
	return &CountingReader{r: r, onAdd: onAdd}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.onAdd != nil {
			c.onAdd(c.n)
		}
	}
	return n, err
}

// Count returns the bytes read so far.
func (c *CountingReader) Count() int64 {
	return c.n
}
