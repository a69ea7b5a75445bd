// This file implements the framed binary transport used to stream migration
// data between the source and destination.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgTaskState MsgType = 1 // gob-encoded TaskState
	MsgDone      MsgType = 2 // source signals end-of-migration
	MsgReady     MsgType = 3 // destination confirms the task is runnable
)

// maxPayload bounds a single message; a task state is a few hundred bytes.
const maxPayload = 1 << 20

var errPayloadTooLarge = errors.New("payload too large")

// Sender writes framed messages to an underlying writer (typically a conn).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendTaskState encodes st with gob and sends it as a MsgTaskState.
func (s *Sender) SendTaskState(st *TaskState) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode task state: %w", err)
	}

	return s.send(MsgTaskState, buf.Bytes())
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination has resumed the task.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > maxPayload {
		return 0, nil, fmt.Errorf("%w: type=%d len=%d", errPayloadTooLarge, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeTaskState decodes a gob-encoded TaskState from payload bytes.
func DecodeTaskState(payload []byte) (*TaskState, error) {
	st := &TaskState{}
	dec := gob.NewDecoder((*bReader)(&payload))

	if err := dec.Decode(st); err != nil {
		return nil, fmt.Errorf("decode task state: %w", err)
	}

	return st, nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
