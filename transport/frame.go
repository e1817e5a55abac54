// Package transport holds the frame codec shared by every byte-stream
// transport: a frame is an int32 little-endian length followed by that many
// payload bytes.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/saacpsi/psistreams/errors"
)

// MaxFrameSize bounds the payload accepted by ReadFrame
const MaxFrameSize = 64 << 20

// WriteFrame writes one length-prefixed frame
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "transport", "WriteFrame", "check size")
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. io.EOF is returned unwrapped when the peer
// closed the stream between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := int32(binary.LittleEndian.Uint32(header[:]))
	if n < 0 || n > MaxFrameSize {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d bytes", errors.ErrFrameTooLarge, n),
			"transport", "ReadFrame", "read header")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
