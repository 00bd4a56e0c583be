package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// frameHeaderSize is the type byte plus the 4-byte little-endian length.
const frameHeaderSize = 5

// maxPayloadSize caps a single frame's payload. A length beyond this is
// treated as a corrupt frame rather than an allocation request.
const maxPayloadSize = 64 << 20

// CorruptFrameError reports a frame that cannot be decoded: an unknown type
// tag, an implausible length, or a malformed payload. The connection that
// produced it must be closed; no recovery is attempted.
type CorruptFrameError struct {
	// Tag is the type byte of the offending frame.
	Tag byte
	// Reason describes what was wrong.
	Reason string
	// Err is the underlying unmarshal error, if any.
	Err error
}

func (e *CorruptFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt frame (tag %d): %s: %v", e.Tag, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt frame (tag %d): %s", e.Tag, e.Reason)
}

func (e *CorruptFrameError) Unwrap() error { return e.Err }

// ViolationError reports a message whose type did not match what the
// protocol allows at that point (wrong first message, wrong reply variant).
// Like CorruptFrameError it is fatal for the link that produced it.
type ViolationError struct {
	Expected MessageType
	Got      MessageType
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: expected %s, got %s", e.Expected, e.Got)
}

// Encode writes m to w as a single frame:
// one type byte, a 4-byte little-endian payload length, then the JSON payload.
func Encode(w io.Writer, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = byte(m.Type())
	binary.LittleEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	// One Write call so the frame hits the socket without interleaving.
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decode reads one frame from r and returns the decoded message.
// A clean peer close — at a frame boundary or mid-frame — returns io.EOF.
// An unknown type tag or malformed payload returns *CorruptFrameError; the
// caller must close the connection.
func Decode(r io.Reader) (Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, eofOrErr(err)
	}

	tag := header[0]
	if tag > byte(maxMessageType) {
		return nil, &CorruptFrameError{Tag: tag, Reason: "unknown message type"}
	}

	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return nil, eofOrErr(err)
	}
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxPayloadSize {
		return nil, &CorruptFrameError{Tag: tag, Reason: fmt.Sprintf("payload length %d exceeds limit", length)}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, eofOrErr(err)
	}

	msg := newMessage(MessageType(tag))
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, &CorruptFrameError{Tag: tag, Reason: "malformed payload", Err: err}
	}
	return msg, nil
}

// newMessage returns a zero value of the concrete type for tag.
// tag has already been range-checked by Decode.
func newMessage(tag MessageType) Message {
	switch tag {
	case MsgPostQuery:
		return &PostQuery{}
	case MsgAskConnection:
		return &AskConnection{}
	case MsgAskContext:
		return &AskContext{}
	case MsgPostContext:
		return &PostContext{}
	case MsgPostCode:
		return &PostCode{}
	case MsgRunCommand:
		return &RunCommand{}
	case MsgAskCommandOutput:
		return &AskCommandOutput{}
	case MsgPostResult:
		return &PostResult{}
	}
	panic("protocol: unreachable message type " + tag.String())
}

// eofOrErr collapses mid-frame stream closure to io.EOF so callers see one
// "peer went away" signal, and passes through everything else.
func eofOrErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
