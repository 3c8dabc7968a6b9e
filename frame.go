package pipeipc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxFrameSize bounds a single frame payload. It exists to reject garbage
// length headers before attempting a multi-gigabyte allocation, not to impose
// a meaningful message size limit.
const maxFrameSize = 64 << 20

// flusher is the drain primitive of the transport: Flush blocks until the
// peer has consumed the written bytes. winio's PipeConn implements it; Unix
// sockets do not need it because the kernel delivers buffered stream data
// after close.
type flusher interface {
	Flush() error
}

// writeFrame writes one length-prefixed frame: a 4-byte little-endian payload
// length followed by the payload, then drains the stream so that a subsequent
// close cannot truncate the frame. Zero-length payloads are rejected; a
// zero length header is a protocol error to readFrame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("zero-length frame is not writable")
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "draining frame")
		}
	}
	return nil
}

// readFrame reads one frame. A clean end of stream before any header byte
// returns io.EOF. A partial header or a truncated payload returns a
// *ProtocolError.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && (err == io.EOF || isClosedConn(err)) {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Reason: "partial frame header"}
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size == 0 || size > maxFrameSize {
		return nil, &ProtocolError{Reason: "invalid frame length"}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Reason: "truncated frame payload"}
		}
		return nil, err
	}
	return payload, nil
}
