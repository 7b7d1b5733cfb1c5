package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderWaitForMessageAccumulates(t *testing.T) {
	full := NewHave(9).Encode(nil)
	src := &chunkedReader{chunks: splitBytes(full, 3)}
	r := NewReader(src)

	msg, err := r.WaitForMessage()
	if err != nil {
		t.Fatalf("WaitForMessage: %v", err)
	}
	idx, ok := msg.ParseHave()
	if !ok || idx != 9 {
		t.Fatalf("got %+v", msg)
	}
}

func TestReaderDeliversMultipleMessagesInOrder(t *testing.T) {
	var buf []byte
	buf = NewChoke().Encode(buf)
	buf = NewUnchoke().Encode(buf)
	buf = NewHave(3).Encode(buf)

	r := NewReader(bytes.NewReader(buf))

	m1, err := r.WaitForMessage()
	if err != nil || m1.ID != Choke {
		t.Fatalf("first message: %+v, %v", m1, err)
	}
	m2, err := r.WaitForMessage()
	if err != nil || m2.ID != Unchoke {
		t.Fatalf("second message: %+v, %v", m2, err)
	}
	m3, err := r.WaitForMessage()
	if err != nil || m3.ID != Have {
		t.Fatalf("third message: %+v, %v", m3, err)
	}
}

func TestReaderGracefulDisconnect(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.WaitForMessage()
	if !errors.Is(err, ErrGracefulDisconnect) {
		t.Fatalf("got %v, want ErrGracefulDisconnect", err)
	}
}

func TestReaderCarriesPrimedBytes(t *testing.T) {
	full := NewHave(1).Encode(nil)
	r := NewReaderWithCarry(bytes.NewReader(nil), full)
	msg, err := r.WaitForMessage()
	if err != nil {
		t.Fatalf("WaitForMessage: %v", err)
	}
	if msg.ID != Have {
		t.Fatalf("got %+v", msg)
	}
}

func TestReaderPropagatesProtocolError(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 0xFE}
	r := NewReader(bytes.NewReader(buf))
	if _, err := r.WaitForMessage(); err == nil {
		t.Fatal("expected protocol error")
	}
}

// chunkedReader serves successive byte slices on each Read call.
type chunkedReader struct {
	chunks [][]byte
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func splitBytes(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		k := n
		if k > len(b) {
			k = len(b)
		}
		out = append(out, append([]byte(nil), b[:k]...))
		b = b[k:]
	}
	return out
}
