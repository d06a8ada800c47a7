package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// ReadFrame reads one length-prefixed frame from r and decodes it into a
// Message. Returns ErrFrameInvalid (wrapped) for any frame that violates
// spec.md §4.G's well-formedness rules; the caller is responsible for
// terminating the session on that specific error, per spec.md §7.
func ReadFrame(r *bufio.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		// Drain and discard so the stream stays framed for whatever comes
		// next, even though the session is about to be torn down.
		io.CopyN(io.Discard, r, int64(n))
		return Message{}, fmt.Errorf("%w: frame length %d exceeds %d byte limit", ErrFrameInvalid, n, MaxFrameBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	if !utf8.Valid(body) {
		return Message{}, fmt.Errorf("%w: frame body is not valid UTF-8", ErrFrameInvalid)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrFrameInvalid, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// WriteFrame encodes msg as JSON and writes it to w as a length-prefixed
// frame. Returns ErrFrameInvalid if the encoded body would exceed
// MaxFrameBytes.
func WriteFrame(w io.Writer, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFrameInvalid, err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("%w: encoded frame length %d exceeds %d byte limit", ErrFrameInvalid, len(body), MaxFrameBytes)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
