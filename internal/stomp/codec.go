package stomp

// Terminator ends every frame on the wire.
const Terminator byte = 0

const initialBufferSize = 1 << 10

// Codec is an incremental decoder for NUL-terminated messages plus the
// matching encoder. A Codec belongs to one connection and is not safe for
// concurrent use.
type Codec struct {
	buf []byte
	n   int
}

// NewCodec returns a codec with an empty 1 KiB buffer.
func NewCodec() *Codec {
	return &Codec{buf: make([]byte, initialBufferSize)}
}

// Feed appends one byte. On the terminator it returns the accumulated
// message (UTF-8 decoded) and resets the buffer.
func (c *Codec) Feed(b byte) (string, bool) {
	if b == Terminator {
		msg := string(c.buf[:c.n])
		c.n = 0
		return msg, true
	}
	if c.n == len(c.buf) {
		grown := make([]byte, len(c.buf)*2)
		copy(grown, c.buf)
		c.buf = grown
	}
	c.buf[c.n] = b
	c.n++
	return "", false
}

// Decode feeds every byte of p and returns the messages completed by it,
// in order. Partial trailing bytes stay buffered for the next call.
func (c *Codec) Decode(p []byte) []string {
	var out []string
	for _, b := range p {
		if msg, ok := c.Feed(b); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Buffered reports how many bytes of an incomplete message are held.
func (c *Codec) Buffered() int {
	return c.n
}

// Encode returns the UTF-8 bytes of msg followed by the terminator.
func (c *Codec) Encode(msg string) []byte {
	return Encode(msg)
}

// Encode returns the UTF-8 bytes of msg followed by the terminator.
func Encode(msg string) []byte {
	out := make([]byte, len(msg)+1)
	copy(out, msg)
	out[len(msg)] = Terminator
	return out
}

// Marshal serializes a frame and appends the terminator.
func Marshal(f *Frame) []byte {
	return Encode(f.String())
}
