// Package stomp implements the text frames exchanged with clients and the
// NUL-delimited codec that carries them on a byte stream.
package stomp

import (
	"strings"
)

// Client commands.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
)

// Server commands.
const (
	CmdConnected = "CONNECTED"
	CmdReceipt   = "RECEIPT"
	CmdMessage   = "MESSAGE"
	CmdError     = "ERROR"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrVersion       = "version"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrMessage       = "message"
	HdrFileName      = "file-name"
)

// ProtocolVersion is announced in CONNECTED frames.
const ProtocolVersion = "1.2"

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Frame is one protocol message: a command, ordered headers and a body.
//
// Headers keep their first insertion position; setting a name that is
// already present replaces the value in place (last write wins).
type Frame struct {
	Command string
	Headers []Header
	Body    string
}

// New returns a frame with the given command and no headers.
func New(command string) *Frame {
	return &Frame{Command: command}
}

// Set adds or replaces a header and returns the frame for chaining.
//
// Names and values are written unescaped, so a frame only parses back to
// itself when names contain no ':', CR or LF and values contain no LF and
// do not end in CR. Use ValidHeader to check untrusted input.
func (f *Frame) Set(name, value string) *Frame {
	for i := range f.Headers {
		if f.Headers[i].Name == name {
			f.Headers[i].Value = value
			return f
		}
	}
	f.Headers = append(f.Headers, Header{Name: name, Value: value})
	return f
}

// ValidHeader reports whether name and value survive a String/Parse round
// trip unchanged.
func ValidHeader(name, value string) bool {
	return name != "" &&
		!strings.ContainsAny(name, ":\r\n") &&
		!strings.Contains(value, "\n") &&
		!strings.HasSuffix(value, "\r")
}

// Get returns a header value and whether it was present.
func (f *Frame) Get(name string) (string, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Header returns a header value or "" when absent.
func (f *Frame) Header(name string) string {
	v, _ := f.Get(name)
	return v
}

// WithBody sets the body and returns the frame for chaining.
func (f *Frame) WithBody(body string) *Frame {
	f.Body = body
	return f
}

// Parse turns the text of one complete frame (without the NUL terminator)
// into a Frame. It returns nil when the text carries no command.
//
// Header lines are split on the first ':'; lines without ':' are ignored.
// The body is everything after the first empty line, verbatim. Text with no
// empty line yields headers up to the end and an empty body. EOLs before
// the command are skipped and a trailing '\r' is trimmed from the command
// and header lines.
func Parse(text string) *Frame {
	text = strings.TrimLeft(text, "\r\n")
	if text == "" {
		return nil
	}

	line, rest, more := strings.Cut(text, "\n")
	command := strings.TrimSuffix(line, "\r")
	if command == "" {
		return nil
	}

	f := &Frame{Command: command}
	for more {
		line, rest, more = strings.Cut(rest, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			if more {
				f.Body = rest
			}
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f.Set(name, value)
	}
	return f
}

// String serializes the frame without the NUL terminator:
// command, one "name:value" line per header, an empty line, then the body.
func (f *Frame) String() string {
	var b strings.Builder
	n := len(f.Command) + len(f.Body) + 2
	for _, h := range f.Headers {
		n += len(h.Name) + len(h.Value) + 2
	}
	b.Grow(n)

	b.WriteString(f.Command)
	b.WriteByte('\n')
	for _, h := range f.Headers {
		b.WriteString(h.Name)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(f.Body)
	return b.String()
}
