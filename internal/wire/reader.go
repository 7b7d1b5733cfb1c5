package wire

import (
	"errors"
	"io"
)

// ErrGracefulDisconnect is returned by Reader.WaitForMessage when the
// underlying stream reports a clean close (a zero-byte read with no error).
var ErrGracefulDisconnect = errors.New("wire: peer closed connection")

const readChunkSize = 512

// Reader wraps a byte-stream input with an internal carry buffer,
// accumulating bytes until a complete frame is available. It never
// busy-spins: between reads it blocks inside the underlying io.Reader.
//
// The carry buffer may be primed with bytes already consumed from the
// stream (e.g. read past the handshake's fixed 68 bytes) via NewReaderWithCarry.
type Reader struct {
	r     io.Reader
	carry []byte
	chunk [readChunkSize]byte
}

// NewReader returns a Reader with an empty carry buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// NewReaderWithCarry returns a Reader primed with bytes already read from r
// but not yet consumed as part of a message (the handshake read may have
// over-read into the first frame).
func NewReaderWithCarry(r io.Reader, carry []byte) *Reader {
	return &Reader{r: r, carry: append([]byte(nil), carry...)}
}

// WaitForMessage blocks until one complete message can be decoded from the
// stream, or returns an error. On a malformed frame it returns the
// TryDecode error directly (a ProtocolError); on EOF-without-data it
// returns ErrGracefulDisconnect; any other read error is returned verbatim.
func (fr *Reader) WaitForMessage() (Message, error) {
	for {
		if len(fr.carry) >= 4 {
			msg, consumed, complete, err := TryDecode(fr.carry)
			if err != nil {
				return Message{}, err
			}
			if complete {
				fr.carry = fr.carry[consumed:]
				return msg, nil
			}
		}

		n, err := fr.r.Read(fr.chunk[:])
		if n > 0 {
			fr.carry = append(fr.carry, fr.chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && n == 0 {
				return Message{}, ErrGracefulDisconnect
			}
			if err == io.EOF {
				// Bytes arrived alongside EOF; give TryDecode a chance to
				// complete the frame on the next loop iteration before
				// surfacing the disconnect.
				continue
			}
			return Message{}, err
		}
		if n == 0 {
			return Message{}, ErrGracefulDisconnect
		}
	}
}
