package frame

import "strings"

// Codec is the per-connection frame encoder/decoder. Encoding is
// stateless; decoding accumulates bytes until a terminator arrives.
type Codec struct {
	buf []byte
}

func NewCodec() *Codec {
	return &Codec{buf: make([]byte, 0, 1024)}
}

// DecodeNextByte appends b to the pending frame. On the terminator it
// parses the pending bytes, resets the buffer and reports the frame.
func (c *Codec) DecodeNextByte(b byte) (Frame, bool) {
	if b != Terminator {
		c.buf = append(c.buf, b)
		return Frame{}, false
	}
	f := Parse(string(c.buf))
	c.buf = c.buf[:0]
	return f, true
}

// Decode feeds a whole chunk and returns every frame it completed.
func (c *Codec) Decode(data []byte) []Frame {
	var frames []Frame
	for _, b := range data {
		if f, ok := c.DecodeNextByte(b); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Pending reports how many bytes of an unfinished frame are buffered.
func (c *Codec) Pending() int {
	return len(c.buf)
}

func (c *Codec) Encode(f Frame) []byte {
	return Encode(f)
}

// Encode renders f as COMMAND, key:value lines, a blank line, the body and
// the terminator byte. Header order is unspecified.
func Encode(f Frame) []byte {
	var sb strings.Builder
	size := len(f.Command) + len(f.Body) + 3
	for k, v := range f.Headers {
		size += len(k) + len(v) + 2
	}
	sb.Grow(size)

	sb.WriteString(string(f.Command))
	sb.WriteByte('\n')
	for k, v := range f.Headers {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(f.Body)
	sb.WriteByte(Terminator)
	return []byte(sb.String())
}
