// Package swarm holds the engine's shared mutable state: SwarmState (the
// torrent's owned/in-flight bookkeeping and the peer registry) and the Peer
// record each session registers into it. Spec §5's lock order applies:
// SwarmState's lock is acquired before any Peer's lock, and network sends
// never happen while holding a Peer lock.
package swarm

import (
	"net/netip"
	"sync"
	"time"

	"github.com/arrowsmith/gorrent/internal/rangeset"
	"github.com/arrowsmith/gorrent/internal/wire"
)

// Sender is the outbound half of a peer connection. Implementations must
// serialize writes of a single message atomically with respect to other
// sends on the same connection, and Send must not block the caller for long
// (the scheduler tick calls Send while holding the swarm lock, per §5).
type Sender interface {
	Send(wire.Message) error
}

// Peer is the per-connection record registered into SwarmState after a
// successful handshake. Its four boolean flags start (true, false, true,
// false): us_choked, us_interested, them_choked, them_interested.
type Peer struct {
	ID   [20]byte
	Addr netip.AddrPort

	mu             sync.RWMutex
	available      *rangeset.List
	usChoked       bool
	usInterested   bool
	themChoked     bool
	themInterested bool
	lastActivityAt time.Time
	lastSendAt     time.Time

	sender Sender
}

// NewPeer constructs a Peer in its initial state.
func NewPeer(id [20]byte, addr netip.AddrPort, sender Sender) *Peer {
	now := time.Now()
	return &Peer{
		ID:             id,
		Addr:           addr,
		available:      rangeset.New(),
		usChoked:       true,
		usInterested:   false,
		themChoked:     true,
		themInterested: false,
		lastActivityAt: now,
		lastSendAt:     now,
		sender:         sender,
	}
}

// Available returns the peer's available-pieces RangeList. Callers must
// hold no expectation of exclusivity beyond the peer lock; treat the
// returned value as read-only unless paired with SetAvailable.
func (p *Peer) Available() *rangeset.List {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// SetAvailable replaces the peer's available-pieces RangeList wholesale
// (used when applying a Bitfield message).
func (p *Peer) SetAvailable(l *rangeset.List) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = l
}

// InsertAvailable inserts r into the peer's available list (used when
// applying a Have message).
func (p *Peer) InsertAvailable(r rangeset.Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available.Insert(r)
}

// State returns the four session flags.
func (p *Peer) State() (usChoked, usInterested, themChoked, themInterested bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usChoked, p.usInterested, p.themChoked, p.themInterested
}

// SetUsChoked, SetUsInterested, SetThemChoked, and SetThemInterested update
// their respective session flag.
func (p *Peer) SetUsChoked(v bool) {
	p.mu.Lock()
	p.usChoked = v
	p.mu.Unlock()
}

func (p *Peer) SetUsInterested(v bool) {
	p.mu.Lock()
	p.usInterested = v
	p.mu.Unlock()
}

func (p *Peer) SetThemChoked(v bool) {
	p.mu.Lock()
	p.themChoked = v
	p.mu.Unlock()
}

func (p *Peer) SetThemInterested(v bool) {
	p.mu.Lock()
	p.themInterested = v
	p.mu.Unlock()
}

// LastActivityAt returns the time of the last inbound message from this
// peer.
func (p *Peer) LastActivityAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivityAt
}

// TouchActivity records now as the time of the most recent inbound message.
func (p *Peer) TouchActivity(now time.Time) {
	p.mu.Lock()
	p.lastActivityAt = now
	p.mu.Unlock()
}

// LastSendAt returns the time of the last outbound message sent to this
// peer.
func (p *Peer) LastSendAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSendAt
}

// Send transmits m on the peer's connection and records the send time. It
// never blocks across a Peer-lock hold: the lock is released before the
// underlying Sender.Send call per §5's "no task holds a Peer lock across a
// network send".
func (p *Peer) Send(m wire.Message) error {
	p.mu.Lock()
	now := time.Now()
	p.lastSendAt = now
	sender := p.sender
	p.mu.Unlock()

	return sender.Send(m)
}

// SwarmState is the shared record a supervisor owns for the duration of a
// torrent. All mutation happens under Lock/Unlock, per §5's
// single-coarse-lock model: the scheduler tick and the handler-sink update
// the bookkeeping, and sessions register and deregister their peers.
type SwarmState struct {
	mu sync.Mutex

	PieceLength uint32
	TotalLength uint64
	PiecesHash  [][20]byte

	Owned    *rangeset.List
	InFlight *InFlight

	// GlobalPieceCount[i] counts how many connected peers advertise
	// piece i, for rarity accounting.
	GlobalPieceCount []uint32

	peers map[[20]byte]*Peer
}

// New constructs an empty SwarmState for a torrent with the given piece
// count.
func New(pieceLength uint32, totalLength uint64, piecesHash [][20]byte) *SwarmState {
	return &SwarmState{
		PieceLength:      pieceLength,
		TotalLength:      totalLength,
		PiecesHash:       piecesHash,
		Owned:            rangeset.New(),
		InFlight:         NewInFlight(),
		GlobalPieceCount: make([]uint32, len(piecesHash)),
		peers:            make(map[[20]byte]*Peer),
	}
}

// Lock and Unlock expose the coarse swarm lock directly; the scheduler tick
// and handler-sink use these to bracket a whole tick or a batch of drained
// messages, per §5.
func (s *SwarmState) Lock()   { s.mu.Lock() }
func (s *SwarmState) Unlock() { s.mu.Unlock() }

// PieceCount returns the total number of pieces in the torrent.
func (s *SwarmState) PieceCount() int { return len(s.PiecesHash) }

// AddPeer registers p into the peer registry. Caller must hold the swarm
// lock.
func (s *SwarmState) AddPeer(p *Peer) {
	s.peers[p.ID] = p
}

// RemovePeer deregisters the peer with the given id. Caller must hold the
// swarm lock.
func (s *SwarmState) RemovePeer(id [20]byte) {
	delete(s.peers, id)
}

// Peers returns a snapshot slice of all registered peers. Caller must hold
// the swarm lock for the duration of use, or copy before releasing it.
func (s *SwarmState) Peers() []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of registered peers. Caller must hold the
// swarm lock.
func (s *SwarmState) PeerCount() int { return len(s.peers) }

// IsComplete reports whether every byte of the torrent is owned.
func (s *SwarmState) IsComplete() bool {
	total := rangeset.Range{
		Start: rangeset.Position{Piece: 0, Offset: 0},
		End:   rangeset.Position{Piece: uint32(s.PieceCount()), Offset: 0},
	}
	missing := rangeset.Complement(func() *rangeset.List {
		l := rangeset.New()
		_ = l.Insert(total)
		return l
	}(), s.Owned)
	return missing.Len() == 0
}
