package stompws

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedFrame = errors.New("malformed stomp frame")

const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdSend        = "SEND"
	cmdMessage     = "MESSAGE"
	cmdError       = "ERROR"
	cmdDisconnect  = "DISCONNECT"
	cmdReceipt     = "RECEIPT"
)

type header struct {
	key, value string
}

// Frame is one STOMP 1.2 frame. Header order is kept; on repeated keys the
// first one wins, as the protocol requires.
type Frame struct {
	Command string
	Headers []header
	Body    []byte
}

func newFrame(cmd string, kv ...string) Frame {
	f := Frame{Command: cmd}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, header{kv[i], kv[i+1]})
	}
	return f
}

func (f Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.key == key {
			return h.value, true
		}
	}
	return "", false
}

func (f Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for _, h := range f.Headers {
		b.WriteString(escape(h.key))
		b.WriteByte(':')
		b.WriteString(escape(h.value))
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		fmt.Fprintf(&b, "content-length:%d\n", len(f.Body))
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// parseFrames splits one websocket message into frames. Heart-beat EOLs are
// skipped and yield no frame.
func parseFrames(msg []byte) ([]Frame, error) {
	var frames []Frame
	rest := msg
	for {
		rest = bytes.TrimLeft(rest, "\r\n")
		if len(rest) == 0 {
			return frames, nil
		}
		f, n, err := parseFrame(rest)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		rest = rest[n:]
	}
}

func parseFrame(b []byte) (Frame, int, error) {
	headEnd := bytes.Index(b, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(b, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return Frame{}, 0, fmt.Errorf("%w: no header terminator", ErrMalformedFrame)
	}

	lines := strings.Split(strings.ReplaceAll(string(b[:headEnd]), "\r\n", "\n"), "\n")
	f := Frame{Command: lines[0]}
	contentLength := -1
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, 0, fmt.Errorf("%w: header %q", ErrMalformedFrame, line)
		}
		k, v = unescape(k), unescape(v)
		if k == "content-length" && contentLength < 0 {
			if _, err := fmt.Sscanf(v, "%d", &contentLength); err != nil {
				return Frame{}, 0, fmt.Errorf("%w: content-length %q", ErrMalformedFrame, v)
			}
		}
		f.Headers = append(f.Headers, header{k, v})
	}

	bodyStart := headEnd + sepLen
	var bodyEnd int
	if contentLength >= 0 {
		bodyEnd = bodyStart + contentLength
		if bodyEnd >= len(b) || b[bodyEnd] != 0 {
			return Frame{}, 0, fmt.Errorf("%w: body shorter than content-length", ErrMalformedFrame)
		}
	} else {
		nul := bytes.IndexByte(b[bodyStart:], 0)
		if nul < 0 {
			return Frame{}, 0, fmt.Errorf("%w: missing NUL", ErrMalformedFrame)
		}
		bodyEnd = bodyStart + nul
	}
	f.Body = append([]byte(nil), b[bodyStart:bodyEnd]...)
	return f, bodyEnd + 1, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
var unescaper = strings.NewReplacer(`\\`, `\`, `\r`, "\r", `\n`, "\n", `\c`, ":")

func escape(s string) string   { return escaper.Replace(s) }
func unescape(s string) string { return unescaper.Replace(s) }
