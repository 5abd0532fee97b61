// Package frame implements the STOMP frame model and its wire codec.
package frame

import (
	"sort"
	"strings"
)

type Command string

const (
	CONNECT     Command = "CONNECT"
	SEND        Command = "SEND"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	DISCONNECT  Command = "DISCONNECT"

	CONNECTED Command = "CONNECTED"
	MESSAGE   Command = "MESSAGE"
	RECEIPT   Command = "RECEIPT"
	ERROR     Command = "ERROR"
)

// Header names used by the broker.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
	HeaderVersion       = "version"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderMessage       = "message"
)

const Terminator byte = 0x00

type Frame struct {
	Command Command
	Headers map[string]string
	Body    string
}

// New builds a frame with a non-nil header map.
func New(command Command, headers map[string]string, body string) Frame {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return Frame{Command: command, Headers: h, Body: body}
}

// Header returns the value of key and whether it was present.
func (f Frame) Header(key string) (string, bool) {
	v, ok := f.Headers[key]
	return v, ok
}

// CloneHeaders returns a copy of the header map that the caller may mutate.
func (f Frame) CloneHeaders() map[string]string {
	h := make(map[string]string, len(f.Headers)+3)
	for k, v := range f.Headers {
		h[k] = v
	}
	return h
}

// String renders the frame without its terminator. Headers are sorted so
// the output is stable in logs and ERROR bodies.
func (f Frame) String() string {
	var sb strings.Builder
	sb.WriteString(string(f.Command))
	sb.WriteByte('\n')
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(f.Headers[k])
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(f.Body)
	return sb.String()
}

// Parse turns the text between two terminators into a frame. The header
// block ends at the first blank line; header lines without a colon are
// ignored and later duplicates overwrite earlier ones. Keys and values are
// taken verbatim apart from a trailing carriage return.
func Parse(raw string) Frame {
	raw = strings.TrimLeft(raw, "\r\n")
	headerPart, body, _ := strings.Cut(raw, "\n\n")
	body = strings.ReplaceAll(body, string(Terminator), "")

	lines := strings.Split(headerPart, "\n")
	f := Frame{
		Command: Command(strings.TrimSuffix(lines[0], "\r")),
		Headers: make(map[string]string, len(lines)-1),
		Body:    body,
	}
	for _, line := range lines[1:] {
		key, value, found := strings.Cut(strings.TrimSuffix(line, "\r"), ":")
		if !found {
			continue
		}
		f.Headers[key] = value
	}
	return f
}
