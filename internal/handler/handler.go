// Package handler applies inbound peer messages to SwarmState. Handler.Apply
// handles one (message, peer) pair; the supervisor's handler-sink task is
// the consumer of the reader-task -> sink queue described in spec §5 and
// calls Apply for each pair it drains under one swarm-lock acquisition.
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arrowsmith/gorrent/internal/bitfield"
	"github.com/arrowsmith/gorrent/internal/piecestore"
	"github.com/arrowsmith/gorrent/internal/rangeset"
	"github.com/arrowsmith/gorrent/internal/swarm"
	"github.com/arrowsmith/gorrent/internal/wire"
)

// ErrProtocol reports a message-level protocol violation detected while
// applying an inbound message, e.g. a Bitfield received after other traffic.
// Policy per §7: fail the offending connection only; do not propagate past
// the sink.
var ErrProtocol = errors.New("handler: protocol violation")

// ErrPeerIdle reports that a peer's silence exceeded PeerIdleDropThreshold
// (§5(c)): the connection is dropped on its next message rather than being
// applied.
var ErrPeerIdle = errors.New("handler: peer exceeded idle drop threshold")

// Inbound pairs a decoded message with the peer it arrived from, the unit
// the reader tasks hand to the sink's queue.
type Inbound struct {
	Peer    *swarm.Peer
	Message wire.Message
}

// Broadcaster sends a message to every connected peer except, optionally,
// one to exclude. The supervisor implements this over SwarmState's peer
// registry.
type Broadcaster interface {
	Broadcast(m wire.Message, exclude *swarm.Peer)
}

// Handler applies inbound messages to a SwarmState, using store to assemble
// and verify piece data.
type Handler struct {
	state         *swarm.SwarmState
	store         *piecestore.Store
	log           *slog.Logger
	idleThreshold time.Duration

	mu           sync.Mutex
	seenAnything map[[20]byte]bool
}

// New constructs a Handler. idleThreshold is the silence threshold past
// which a peer is dropped on its next message (§5(c)); zero disables the
// check.
func New(state *swarm.SwarmState, store *piecestore.Store, log *slog.Logger, idleThreshold time.Duration) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		state:         state,
		store:         store,
		log:           log.With("component", "handler"),
		idleThreshold: idleThreshold,
		seenAnything:  make(map[[20]byte]bool),
	}
}

// Apply processes one inbound (message, peer) pair. Caller must hold the
// swarm lock for the duration of the call, per §5. bcast fans out Have once
// a piece verifies.
func (h *Handler) Apply(in Inbound, bcast Broadcaster) error {
	p := in.Peer
	m := in.Message

	// Check staleness against activity recorded as of the *previous*
	// message before touching it for this one, else a peer is never
	// seen idle by its own next message.
	if h.idleThreshold > 0 {
		if last := p.LastActivityAt(); !last.IsZero() && time.Since(last) > h.idleThreshold {
			return fmt.Errorf("%w: peer %x silent past %s", ErrPeerIdle, p.ID, h.idleThreshold)
		}
	}
	p.TouchActivity(time.Now())

	if m.IsKeepAlive() {
		return nil
	}
	defer h.markSeen(p.ID)

	switch m.ID {
	case wire.Choke:
		p.SetUsChoked(true)

	case wire.Unchoke:
		p.SetUsChoked(false)

	case wire.Interested:
		p.SetThemInterested(true)

	case wire.NotInterested:
		p.SetThemInterested(false)

	case wire.Have:
		index, ok := m.ParseHave()
		if !ok {
			return fmt.Errorf("%w: malformed Have from peer %x", ErrProtocol, p.ID)
		}
		if int(index) < len(h.state.GlobalPieceCount) {
			h.state.GlobalPieceCount[index]++
		}
		if err := p.InsertAvailable(rangeset.Piece(index)); err != nil {
			h.log.Debug("have for already-available piece", "peer", p.ID, "piece", index, "error", err)
		}

	case wire.Bitfield:
		if h.hasSeen(p.ID) {
			return fmt.Errorf("%w: Bitfield after other traffic from peer %x", ErrProtocol, p.ID)
		}
		bf := bitfield.FromBytes(m.Payload)
		total := len(h.state.PiecesHash)
		available, err := rangeset.FromBitfield(bf, total)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		for i := 0; i < total; i++ {
			if bf.Has(i) {
				h.state.GlobalPieceCount[i]++
			}
		}
		p.SetAvailable(available)

	case wire.Request:
		// Download-only client: uploading is out of scope.

	case wire.Piece:
		fields, ok := m.ParsePiece()
		if !ok {
			return fmt.Errorf("%w: malformed Piece from peer %x", ErrProtocol, p.ID)
		}
		h.applyPiece(fields, bcast)

	case wire.Cancel, wire.Port:
		// Ignored: no upload path to cancel against; Port is reserved for
		// DHT, which this engine does not implement.

	default:
		// Unknown message ids are rejected earlier by wire.TryDecode.
	}

	return nil
}

func (h *Handler) hasSeen(id [20]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seenAnything[id]
}

func (h *Handler) markSeen(id [20]byte) {
	h.mu.Lock()
	h.seenAnything[id] = true
	h.mu.Unlock()
}

// Forget clears the first-message tracking for a peer, called when a
// session deregisters so a later reconnection is treated fresh.
func (h *Handler) Forget(id [20]byte) {
	h.mu.Lock()
	delete(h.seenAnything, id)
	h.mu.Unlock()
}

// applyPiece locates the matching in_flight entry, records the block into
// the piece store, and on verified completion updates owned and broadcasts
// Have to every connected peer.
func (h *Handler) applyPiece(fields wire.PieceFields, bcast Broadcaster) {
	req := rangeset.Range{
		Start: rangeset.Position{Piece: fields.Index, Offset: fields.Begin},
		End:   rangeset.Position{Piece: fields.Index, Offset: fields.Begin + uint32(len(fields.Block))},
	}
	if req.End.Offset == h.state.PieceLength {
		req.End = rangeset.PieceEnd(fields.Index)
	}
	if !h.state.InFlight.Remove(req) {
		h.log.Debug("piece for unknown in-flight request, discarding", "piece", fields.Index, "begin", fields.Begin)
		return
	}

	result, complete, err := h.store.StoreBlock(fields.Index, fields.Begin, fields.Block)
	if err != nil {
		h.log.Info("integrity error assembling piece", "piece", fields.Index, "error", err)
		return
	}
	if !complete {
		return
	}

	if !result.Verified {
		h.log.Info("piece failed verification, discarding", "piece", result.Index)
		return
	}

	if err := h.state.Owned.Insert(rangeset.Piece(result.Index)); err != nil {
		h.log.Debug("piece already owned", "piece", result.Index, "error", err)
		return
	}

	if bcast != nil {
		bcast.Broadcast(wire.NewHave(result.Index), nil)
	}
}
