package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned when the channel yields no more bytes or can no longer be written.
	ErrChannelClosed = errors.New("channel closed")
	// ErrMalformedFrame is returned when a payload is not one of the defined message shapes.
	// The frame has been fully consumed, so the stream is still in sync.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrOversized is returned when a declared length exceeds the current bound.
	// The payload has not been consumed.
	ErrOversized = errors.New("oversized frame")
)

// Kind is the tag of a decoded host Message.
type Kind int

const (
	// KindText carries raw bytes for the child's stdin.
	KindText Kind = iota
	// KindRun asks the broker to spawn a child.
	KindRun
	// KindKill asks the broker to forcefully terminate the child.
	KindKill
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindRun:
		return "run"
	case KindKill:
		return "kill"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is a decoded unit of host input.
type Message struct {
	Kind Kind

	// Text is set for KindText.
	Text []byte

	// Command and Args are set for KindRun. Args is a single command-line string and may be empty.
	Command string
	Args    string
}

// ExitEvent is the lifecycle notification sent when the child terminates.
type ExitEvent struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
