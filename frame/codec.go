package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

const prefixLen = 4

// BoundFunc returns the largest payload, in bytes, that may be accepted right now.
type BoundFunc func() int

// Decoder reads host frames from a byte channel.
type Decoder struct {
	r     io.Reader
	bound BoundFunc

	// skip is the length of the last frame rejected as oversized, still unread on r.
	skip uint32
}

func NewDecoder(r io.Reader, bound BoundFunc) *Decoder {
	return &Decoder{r: r, bound: bound}
}

// Decode reads exactly one frame and parses it.
// The declared length is checked against the bound before anything is allocated for the payload.
// An oversized frame's payload is left unread; the next call discards it before reading on.
func (d *Decoder) Decode() (*Message, error) {
	if d.skip != 0 {
		err := d.discardSkipped()
		if err != nil {
			return nil, err
		}
	}

	var prefix [prefixLen]byte
	_, err := io.ReadFull(d.r, prefix[:])
	if err != nil {
		return nil, closedErr("reading length prefix", err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])

	bound := d.bound()
	if uint64(n) > uint64(bound) {
		d.skip = n
		return nil, fmt.Errorf("%w: declared %d bytes, bound is %d", ErrOversized, n, bound)
	}

	payload := make([]byte, n)
	_, err = io.ReadFull(d.r, payload)
	if err != nil {
		return nil, closedErr("reading payload", err)
	}
	return ParseMessage(payload)
}

// discardSkipped reads past the payload of the last oversized frame without buffering it.
func (d *Decoder) discardSkipped() error {
	n := int64(d.skip)
	d.skip = 0
	_, err := io.CopyN(io.Discard, d.r, n)
	if err != nil {
		return closedErr("skipping oversized payload", err)
	}
	return nil
}

func closedErr(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", what, ErrChannelClosed)
	}
	return fmt.Errorf("%s: %w: %v", what, ErrChannelClosed, err)
}

// ParseMessage parses a single host payload.
func ParseMessage(payload []byte) (*Message, error) {
	p := bytes.TrimLeft(payload, " \t\r\n")
	if len(p) == 0 {
		return nil, malformed("empty payload")
	}

	switch p[0] {
	case '"':
		text, n, err := unquote(p)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(p[n:])) != 0 {
			return nil, malformed("trailing data after string")
		}
		return &Message{Kind: KindText, Text: text}, nil
	case '{':
		return parseCommand(p)
	default:
		return nil, malformed("unexpected payload starting with %q", p[0])
	}
}

func parseCommand(p []byte) (*Message, error) {
	if !gjson.ValidBytes(p) {
		return nil, malformed("invalid JSON object")
	}
	op := gjson.GetBytes(p, "operation")
	if op.Type != gjson.String {
		return nil, malformed("operation must be a string")
	}

	switch op.Str {
	case "run":
		command := gjson.GetBytes(p, "command")
		if command.Type != gjson.String {
			return nil, malformed("run requires a string command")
		}
		args := gjson.GetBytes(p, "args")
		if args.Exists() && args.Type != gjson.String {
			return nil, malformed("run args must be a string")
		}
		return &Message{Kind: KindRun, Command: command.Str, Args: args.Str}, nil
	case "kill":
		return &Message{Kind: KindKill}, nil
	default:
		return nil, malformed("unknown operation %q", op.Str)
	}
}

// EncodeData wraps raw child output as a length-prefixed JSON string frame.
func EncodeData(b []byte) []byte {
	buf := make([]byte, prefixLen, prefixLen+len(b)+2)
	buf = appendQuoted(buf, b)
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)-prefixLen))
	return buf
}

// EncodeEvent serializes an exit notification as a length-prefixed JSON object frame.
func EncodeEvent(ev ExitEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling exit event: %w", err)
	}
	buf := make([]byte, prefixLen, prefixLen+len(b))
	buf = append(buf, b...)
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	return buf, nil
}

// MaxRawForFrame returns the most raw bytes that are guaranteed to fit in a data frame whose
// JSON payload may be at most frameLimit bytes.
func MaxRawForFrame(frameLimit int) int {
	n := (frameLimit - 2) / maxEscapedLen
	if n < 1 {
		return 1
	}
	return n
}

// Encoder writes broker frames to the host channel. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) WriteData(b []byte) error {
	return e.write(EncodeData(b))
}

func (e *Encoder) WriteExit(status int) error {
	buf, err := EncodeEvent(ExitEvent{Type: "exit", Status: status})
	if err != nil {
		return err
	}
	return e.write(buf)
}

// write issues the whole frame in one call so a frame is never interleaved with a partial write.
func (e *Encoder) write(buf []byte) error {
	_, err := e.w.Write(buf)
	if err != nil {
		return fmt.Errorf("writing frame: %w: %v", ErrChannelClosed, err)
	}
	return nil
}
