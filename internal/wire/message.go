// Package wire implements the BitTorrent peer wire protocol: the fixed
// handshake envelope, the length-prefixed message codec, and a framed
// reader that accumulates bytes off a stream and emits one message at a
// time.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the type of a peer wire message. KeepAlive has no id
// byte on the wire (it is the zero-length frame) and so is not listed here;
// see Message.IsKeepAlive.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("MessageID(%d)", byte(id))
	}
}

// ErrUnknownMessageID reports a type id not in the table above, encountered
// once its length prefix is fully satisfied. This is a ProtocolError: the
// connection must be failed.
var ErrUnknownMessageID = errors.New("wire: unknown message type id")

// ErrMalformedPayload reports a message whose declared length is
// inconsistent with its type's fixed payload shape (e.g. a Have with fewer
// than 5 payload bytes). This is a ProtocolError.
var ErrMalformedPayload = errors.New("wire: malformed message payload")

// Message is a single decoded peer wire message. A zero-value Message with
// keepAlive set represents KeepAlive (id-less, zero-length frame).
type Message struct {
	ID        MessageID
	Payload   []byte
	keepAlive bool
}

// IsKeepAlive reports whether m is the zero-length KeepAlive frame.
func (m Message) IsKeepAlive() bool { return m.keepAlive }

// KeepAliveMessage constructs the KeepAlive message value.
func KeepAliveMessage() Message { return Message{keepAlive: true} }

// NewChoke, NewUnchoke, NewInterested, and NewNotInterested construct their
// respective zero-payload messages.
func NewChoke() Message         { return Message{ID: Choke} }
func NewUnchoke() Message       { return Message{ID: Unchoke} }
func NewInterested() Message    { return Message{ID: Interested} }
func NewNotInterested() Message { return Message{ID: NotInterested} }

// NewHave constructs a Have message for pieceIndex.
func NewHave(pieceIndex uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, pieceIndex)
	return Message{ID: Have, Payload: payload}
}

// NewBitfield constructs a Bitfield message wrapping the given bytes as-is.
func NewBitfield(bits []byte) Message {
	return Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

// NewRequest constructs a Request message.
func NewRequest(index, begin, length uint32) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Message{ID: Request, Payload: payload}
}

// NewCancel constructs a Cancel message; payload shape matches Request.
func NewCancel(index, begin, length uint32) Message {
	m := NewRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// NewPiece constructs a Piece message carrying block as the trailing bytes.
func NewPiece(index, begin uint32, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return Message{ID: Piece, Payload: payload}
}

// NewPort constructs a Port message.
func NewPort(port uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return Message{ID: Port, Payload: payload}
}

// ParseHave returns the piece index of a Have message.
func (m Message) ParseHave() (uint32, bool) {
	if m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// RequestFields holds the three uint32 fields shared by Request and Cancel.
type RequestFields struct {
	Index, Begin, Length uint32
}

// ParseRequest returns the decoded fields of a Request or Cancel message.
func (m Message) ParseRequest() (RequestFields, bool) {
	if (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return RequestFields{}, false
	}
	return RequestFields{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, true
}

// PieceFields holds the decoded fields of a Piece message.
type PieceFields struct {
	Index, Begin uint32
	Block        []byte
}

// ParsePiece returns the decoded fields of a Piece message. Block aliases
// the message's payload and must not be retained past the next read.
func (m Message) ParsePiece() (PieceFields, bool) {
	if m.ID != Piece || len(m.Payload) < 8 {
		return PieceFields{}, false
	}
	return PieceFields{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Block: m.Payload[8:],
	}, true
}

// ParsePort returns the port of a Port message.
func (m Message) ParsePort() (uint16, bool) {
	if m.ID != Port || len(m.Payload) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.Payload), true
}

// Encode appends the wire representation of m (4-byte length prefix, then
// the type id and payload for non-KeepAlive messages) to dst and returns the
// result.
func (m Message) Encode(dst []byte) []byte {
	if m.keepAlive {
		return binary.BigEndian.AppendUint32(dst, 0)
	}

	length := uint32(1 + len(m.Payload))
	dst = binary.BigEndian.AppendUint32(dst, length)
	dst = append(dst, byte(m.ID))
	dst = append(dst, m.Payload...)
	return dst
}

// WriteTo writes the wire representation of m to w.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	buf := m.Encode(nil)
	n, err := w.Write(buf)
	return int64(n), err
}

// validatePayloadLen enforces each message type's fixed payload shape. L is
// the full payload length, i.e. 1 (type id) + len(fields).
func validatePayloadLen(id MessageID, payloadLen int) error {
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if payloadLen != 1 {
			return fmt.Errorf("%w: %s expects no fields, got %d payload bytes", ErrMalformedPayload, id, payloadLen)
		}
	case Have:
		if payloadLen != 5 {
			return fmt.Errorf("%w: %s expects 4 field bytes, got %d payload bytes", ErrMalformedPayload, id, payloadLen)
		}
	case Bitfield:
		if payloadLen < 1 {
			return fmt.Errorf("%w: %s payload too short", ErrMalformedPayload, id)
		}
	case Request, Cancel:
		if payloadLen != 13 {
			return fmt.Errorf("%w: %s expects 12 field bytes, got %d payload bytes", ErrMalformedPayload, id, payloadLen)
		}
	case Piece:
		if payloadLen < 9 {
			return fmt.Errorf("%w: %s expects at least 8 field bytes, got %d payload bytes", ErrMalformedPayload, id, payloadLen)
		}
	case Port:
		if payloadLen != 3 {
			return fmt.Errorf("%w: %s expects 2 field bytes, got %d payload bytes", ErrMalformedPayload, id, payloadLen)
		}
	default:
		return fmt.Errorf("%w: id=%d", ErrUnknownMessageID, byte(id))
	}
	return nil
}

// TryDecode attempts to decode one message from the front of buf.
//
// It returns (msg, consumed, true, nil) on a complete frame; (Message{},
// 0, false, nil) when buf holds fewer than 4+L bytes ("need more", not an
// error); or (Message{}, 0, true, err) when the frame's length prefix is
// satisfied but its type id is unknown or its declared payload size is
// inconsistent with that type (a protocol error). TryDecode never partially
// consumes buf.
func TryDecode(buf []byte) (msg Message, consumed int, complete bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}

	length := binary.BigEndian.Uint32(buf[:4])
	if length == 0 {
		return KeepAliveMessage(), 4, true, nil
	}

	total := 4 + uint64(length)
	if uint64(len(buf)) < total {
		return Message{}, 0, false, nil
	}

	payload := buf[4:total]
	id := MessageID(payload[0])

	if verr := validatePayloadLen(id, len(payload)); verr != nil {
		return Message{}, 0, true, verr
	}

	return Message{ID: id, Payload: append([]byte(nil), payload[1:]...)}, int(total), true, nil
}
