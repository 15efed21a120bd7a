package longpoll

import "bytes"

// LineFramer reassembles newline-delimited records from arbitrary network reads.
type LineFramer struct {
	buf    []byte
	offset int
}

// NewLineFramer constructs an empty framer.
func NewLineFramer() *LineFramer {
	return &LineFramer{}
}

// Feed appends chunk and returns every complete line now available, without
// the trailing newline. Unterminated bytes are kept for the next call.
func (f *LineFramer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf[f.offset:], '\n')
		if idx < 0 {
			break
		}
		end := f.offset + idx
		lines = append(lines, string(f.buf[f.offset:end]))
		f.offset = end + 1
	}

	// compact so the buffer only holds the unterminated remainder
	if f.offset > 0 {
		n := copy(f.buf, f.buf[f.offset:])
		f.buf = f.buf[:n]
		f.offset = 0
	}
	return lines
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (f *LineFramer) Pending() int {
	return len(f.buf) - f.offset
}

// Reset drops any buffered partial line.
func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
	f.offset = 0
}
