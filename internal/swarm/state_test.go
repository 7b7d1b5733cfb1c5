package swarm

import (
	"net/netip"
	"testing"
	"time"

	"github.com/arrowsmith/gorrent/internal/rangeset"
	"github.com/arrowsmith/gorrent/internal/wire"
)

type recordingSender struct {
	sent []wire.Message
}

func (r *recordingSender) Send(m wire.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

func TestPeerInitialState(t *testing.T) {
	p := NewPeer([20]byte{1}, netip.MustParseAddrPort("127.0.0.1:6881"), &recordingSender{})
	usChoked, usInterested, themChoked, themInterested := p.State()
	if !usChoked || usInterested || !themChoked || themInterested {
		t.Fatalf("initial state = %v,%v,%v,%v, want true,false,true,false", usChoked, usInterested, themChoked, themInterested)
	}
}

func TestPeerSendUpdatesLastSendAt(t *testing.T) {
	sender := &recordingSender{}
	p := NewPeer([20]byte{1}, netip.MustParseAddrPort("127.0.0.1:6881"), sender)
	before := p.LastSendAt()

	time.Sleep(time.Millisecond)
	if err := p.Send(wire.NewInterested()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !p.LastSendAt().After(before) {
		t.Fatal("LastSendAt did not advance")
	}
	if len(sender.sent) != 1 || sender.sent[0].ID != wire.Interested {
		t.Fatalf("sender got %+v", sender.sent)
	}
}

func TestSwarmStatePeerRegistry(t *testing.T) {
	s := New(16384, 32768, [][20]byte{{1}, {2}})
	p := NewPeer([20]byte{9}, netip.MustParseAddrPort("127.0.0.1:6881"), &recordingSender{})

	s.Lock()
	s.AddPeer(p)
	if s.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", s.PeerCount())
	}
	s.RemovePeer(p.ID)
	if s.PeerCount() != 0 {
		t.Fatalf("peer count after remove = %d, want 0", s.PeerCount())
	}
	s.Unlock()
}

func TestSwarmStateIsComplete(t *testing.T) {
	s := New(16384, 32768, [][20]byte{{1}, {2}})
	if s.IsComplete() {
		t.Fatal("expected incomplete with no owned pieces")
	}

	s.Lock()
	if err := s.Owned.Insert(rangeset.Piece(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Owned.Insert(rangeset.Piece(1)); err != nil {
		t.Fatal(err)
	}
	s.Unlock()

	if !s.IsComplete() {
		t.Fatal("expected complete once all pieces owned")
	}
}

func TestInFlightExpiry(t *testing.T) {
	f := NewInFlight()
	now := time.Now()

	for i := 0; i < 4; i++ {
		r := rangeset.Range{Start: rangeset.Position{Piece: uint32(i), Offset: 0}, End: rangeset.Position{Piece: uint32(i), Offset: 100}}
		if err := f.Insert(r, now.Add(-time.Duration(20-i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	evicted := f.Expire(now, 18*time.Second, 2)
	if len(evicted) != 2 {
		t.Fatalf("evicted %d, want 2", len(evicted))
	}
	if f.Len() != 2 {
		t.Fatalf("remaining = %d, want 2", f.Len())
	}
}
