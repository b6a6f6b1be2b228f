package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Tyrowin/lanchat/internal/chaterr"
)

// MaxFrameSize is the hard ceiling for one encoded envelope, newline included.
const MaxFrameSize = 10 << 20

// ErrNeedMoreBytes is returned by Decoder.Next when no complete line is buffered.
var ErrNeedMoreBytes = errors.New("protocol: need more bytes")

// Decoder turns a byte stream into envelopes, one per '\n'-terminated line.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf        []byte
	maxLine    int
	discarding bool
}

// NewDecoder returns a Decoder that rejects lines longer than maxLine bytes.
// A non-positive maxLine selects MaxFrameSize.
func NewDecoder(maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = MaxFrameSize
	}
	return &Decoder{maxLine: maxLine}
}

// Feed appends a chunk read from the stream.
func (d *Decoder) Feed(chunk []byte) {
	d.buf = append(d.buf, chunk...)
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next extracts and parses exactly one line from the buffer.
//
// It returns ErrNeedMoreBytes when the buffer holds no complete line. Any
// other error belongs to a single line that has already been consumed, so the
// caller reports it and keeps calling Next.
func (d *Decoder) Next() (Envelope, error) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			if len(d.buf) > d.maxLine {
				d.buf = d.buf[:0]
				if !d.discarding {
					d.discarding = true
					return Envelope{}, chaterr.ErrPayloadTooLarge
				}
			}
			return Envelope{}, ErrNeedMoreBytes
		}

		line := d.buf[:idx]
		rest := d.buf[idx+1:]

		// Tail of an oversized line that was already reported.
		if d.discarding {
			d.discarding = false
			d.compact(rest)
			continue
		}

		if len(line) > d.maxLine {
			d.compact(rest)
			return Envelope{}, chaterr.ErrPayloadTooLarge
		}

		env, err := decodeLine(bytes.TrimRight(line, "\r"))
		d.compact(rest)

		if errors.Is(err, errBlankLine) {
			continue
		}
		return env, err
	}
}

// compact moves the unread remainder to the front of the buffer.
func (d *Decoder) compact(rest []byte) {
	n := copy(d.buf, rest)
	d.buf = d.buf[:n]
}

var errBlankLine = errors.New("blank line")

// DecodeLine parses one line without its terminator.
func DecodeLine(line []byte) (Envelope, error) {
	env, err := decodeLine(bytes.TrimRight(line, "\r\n"))
	if errors.Is(err, errBlankLine) {
		return Envelope{}, ErrNeedMoreBytes
	}
	return env, err
}

func decodeLine(line []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Envelope{}, errBlankLine
	}

	if trimmed[0] != '{' {
		return decodeLegacy(string(trimmed))
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, chaterr.Newf(chaterr.CodeMalformedPayload, "malformed envelope: %v", err)
	}
	env.DeliveryState = Sent
	if env.Type == "" {
		env.Type = KindText
	}

	if env.Type.IsPayload() {
		if err := validatePayload(&env); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// decodeLegacy maps a plain-text line onto an envelope. The LOGIN:, CHAT: and
// USERS forms are the text commands older clients send.
func decodeLegacy(line string) (Envelope, error) {
	switch {
	case strings.HasPrefix(line, "LOGIN:"):
		return Envelope{Type: KindLogin, Username: strings.TrimSpace(line[len("LOGIN:"):])}, nil
	case line == "USERS":
		return Envelope{Type: KindUsers}, nil
	case strings.HasPrefix(line, "CHAT:"):
		body := line[len("CHAT:"):]
		i := strings.IndexByte(body, ':')
		if i < 0 {
			return Envelope{}, chaterr.Newf(chaterr.CodeMalformedPayload, "CHAT line needs the form CHAT:<user>:<message>")
		}
		return Envelope{Type: KindText, Content: body[i+1:]}, nil
	}
	return Envelope{Type: KindText, Content: line}, nil
}

// Encode serializes env as one newline-terminated frame. Frames larger than
// MaxFrameSize are rejected before anything is written.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, chaterr.Wrap(err, "protocol", "Encode", "marshal envelope")
	}
	if len(data)+1 > MaxFrameSize {
		return nil, chaterr.Newf(chaterr.CodePayloadTooLarge,
			"envelope of %d bytes exceeds the %d byte limit", len(data)+1, MaxFrameSize)
	}
	return append(data, '\n'), nil
}
