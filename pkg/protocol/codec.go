package protocol

import "fmt"

// Codec converts envelopes to and from one wire form.
type Codec interface {
	// Name identifies the codec in logs and metrics.
	Name() string

	// Binary reports whether frames travel as binary (true) or text frames.
	Binary() bool

	Encode(msg Message) ([]byte, error)

	// Decode never panics; malformed input yields a *DecodeError.
	Decode(data []byte) (Message, error)
}

// DecodeError describes input that could not be turned into a Message.
type DecodeError struct {
	Codec  string
	Tag    Tag
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("%s: failed to decode", e.Codec)
	if e.Tag != "" {
		msg += fmt.Sprintf(" %s", e.Tag)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	_ Codec = BinaryCodec{}
	_ Codec = JSONCodec{}
)
