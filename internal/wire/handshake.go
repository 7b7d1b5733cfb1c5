package wire

import (
	"errors"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed size of the handshake envelope in bytes.
const HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20

// ErrHandshakeMismatch reports a handshake whose protocol string or info
// hash does not match what was expected. It is a ProtocolError.
var ErrHandshakeMismatch = errors.New("wire: handshake mismatch")

// Handshake is the 68-byte protocol introduction exchanged immediately upon
// connecting.
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake value for the given torrent and local
// peer id.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{Pstr: protocolString, InfoHash: infoHash, PeerID: peerID}
}

// Encode appends the wire representation of h to dst.
func (h Handshake) Encode(dst []byte) []byte {
	dst = append(dst, byte(len(h.Pstr)))
	dst = append(dst, h.Pstr...)
	dst = append(dst, h.Reserved[:]...)
	dst = append(dst, h.InfoHash[:]...)
	dst = append(dst, h.PeerID[:]...)
	return dst
}

// WriteTo writes h's wire representation to w.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	buf := h.Encode(make([]byte, 0, HandshakeLen))
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadHandshake reads exactly HandshakeLen bytes from r and decodes them. It
// returns an error on a short read or a pstrlen other than 19.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake: %w", err)
	}

	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) {
		return Handshake{}, fmt.Errorf("%w: pstrlen=%d", ErrHandshakeMismatch, pstrlen)
	}

	var h Handshake
	h.Pstr = string(buf[1 : 1+pstrlen])
	copy(h.Reserved[:], buf[1+pstrlen:9+pstrlen])
	copy(h.InfoHash[:], buf[9+pstrlen:29+pstrlen])
	copy(h.PeerID[:], buf[29+pstrlen:49+pstrlen])

	return h, nil
}

// Exchange writes ours to rw, reads the peer's handshake back, and
// validates the protocol string and (if verifyInfoHash) the info hash.
// Extra bytes are never read past HandshakeLen; any bytes the peer pipelined
// immediately after its handshake remain unread on rw for the caller's
// framed reader to pick up.
func Exchange(rw io.ReadWriter, ours Handshake, verifyInfoHash bool) (Handshake, error) {
	if _, err := ours.WriteTo(rw); err != nil {
		return Handshake{}, fmt.Errorf("wire: write handshake: %w", err)
	}

	theirs, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}

	if theirs.Pstr != protocolString {
		return Handshake{}, fmt.Errorf("%w: pstr=%q", ErrHandshakeMismatch, theirs.Pstr)
	}
	if verifyInfoHash && theirs.InfoHash != ours.InfoHash {
		return Handshake{}, fmt.Errorf("%w: info hash", ErrHandshakeMismatch)
	}

	return theirs, nil
}
