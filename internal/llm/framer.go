package llm

import "bytes"

// framer reassembles newline-delimited records from a byte stream whose read
// boundaries are arbitrary. It owns a single pending buffer: feed returns
// every complete line in the chunk and re-buffers whatever trails the last
// newline until a later chunk completes it.
type framer struct {
	pending []byte
}

// feed appends chunk to the pending buffer and returns all complete lines,
// newline stripped. Returned slices are copies and stay valid after the next
// call. Empty lines are skipped.
func (f *framer) feed(chunk []byte) [][]byte {
	f.pending = append(f.pending, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(f.pending[:i], "\r")
		if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
		f.pending = f.pending[i+1:]
	}
	return lines
}

// rest returns the unterminated tail, if any. A non-empty rest at end of
// stream means the upstream closed mid-record.
func (f *framer) rest() []byte {
	return bytes.TrimSpace(f.pending)
}
