package wire

import (
	"bytes"
	"testing"
)

// S1 — Handshake encode.
func TestHandshakeScenarioS1(t *testing.T) {
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = 0x01
	}
	copy(peerID[:], "-TR1000-aaaaaaaaaaaa")

	h := NewHandshake(infoHash, peerID)
	got := h.Encode(nil)

	if len(got) != 68 {
		t.Fatalf("length = %d, want 68", len(got))
	}
	if got[0] != 0x13 {
		t.Fatalf("pstrlen byte = %#x, want 0x13", got[0])
	}
	if string(got[1:20]) != "BitTorrent protocol" {
		t.Fatalf("pstr = %q", got[1:20])
	}
	for _, b := range got[20:28] {
		if b != 0 {
			t.Fatalf("reserved bytes not zero: % x", got[20:28])
		}
	}
	if !bytes.Equal(got[28:48], bytes.Repeat([]byte{0x01}, 20)) {
		t.Fatalf("info hash = % x", got[28:48])
	}
	if !bytes.Equal(got[48:68], peerID[:]) {
		t.Fatalf("peer id = %q", got[48:68])
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB
	peerID[0] = 0xCD

	h := NewHandshake(infoHash, peerID)
	buf := bytes.NewBuffer(h.Encode(nil))

	got, err := ReadHandshake(buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.Pstr != h.Pstr || got.InfoHash != h.InfoHash || got.PeerID != h.PeerID {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestExchangeRejectsMismatchedInfoHash(t *testing.T) {
	var ourHash, theirHash, peerID [20]byte
	ourHash[0] = 1
	theirHash[0] = 2

	theirs := NewHandshake(theirHash, peerID)
	conn := &loopback{peerSide: bytes.NewBuffer(theirs.Encode(nil))}

	ours := NewHandshake(ourHash, peerID)
	if _, err := Exchange(conn, ours, true); err == nil {
		t.Fatal("expected mismatch error")
	}
}

// loopback is a minimal io.ReadWriter: writes go nowhere, reads come from
// peerSide, enough to drive Exchange's write-then-read sequence in tests.
type loopback struct {
	peerSide *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return len(p), nil }
func (l *loopback) Read(p []byte) (int, error)  { return l.peerSide.Read(p) }
