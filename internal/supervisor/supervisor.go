// Package supervisor wires the engine's components together for one
// torrent run, per spec §4.7: it announces to the tracker, spawns a
// session per peer address, runs the scheduler tick and the handler-sink,
// and owns the torrent's SwarmState for the run's duration.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/arrowsmith/gorrent/internal/config"
	"github.com/arrowsmith/gorrent/internal/handler"
	"github.com/arrowsmith/gorrent/internal/metainfo"
	"github.com/arrowsmith/gorrent/internal/piecestore"
	"github.com/arrowsmith/gorrent/internal/scheduler"
	"github.com/arrowsmith/gorrent/internal/session"
	"github.com/arrowsmith/gorrent/internal/swarm"
	"github.com/arrowsmith/gorrent/internal/tracker"
	"github.com/arrowsmith/gorrent/internal/wire"
	"golang.org/x/sync/errgroup"
)

// ErrAllPeersFailed is returned by Run when every tracker-supplied peer
// failed to connect or handshake and the torrent never reached completion.
var ErrAllPeersFailed = errors.New("supervisor: all peers failed before completion")

// Supervisor owns one torrent's SwarmState, piece store, tracker client,
// and the collection of live peer sessions.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger

	mi        *metainfo.Metainfo
	ourPeerID [20]byte

	state     *swarm.SwarmState
	store     *piecestore.Store
	h         *handler.Handler
	trackerCl *tracker.Client

	inbox chan handler.Inbound

	sessMu   sync.Mutex
	sessions map[[20]byte]*session.Session
}

// New constructs a Supervisor for the given parsed torrent, persisting
// downloaded data under downloadDir.
func New(mi *metainfo.Metainfo, downloadDir string, cfg *config.Config, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("torrent", mi.Info.Name)

	store, err := piecestore.New(mi, downloadDir, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	ourPeerID, err := config.GeneratePeerID("-GR0001-")
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	state := swarm.New(mi.Info.PieceLength, mi.Info.TotalLength(), mi.Info.Pieces)

	sv := &Supervisor{
		cfg:       cfg,
		log:       log,
		mi:        mi,
		ourPeerID: ourPeerID,
		state:     state,
		store:     store,
		trackerCl: tracker.NewClient(),
		inbox:     make(chan handler.Inbound, 256),
		sessions:  make(map[[20]byte]*session.Session),
	}
	sv.h = handler.New(state, store, log, cfg.PeerIdleDropThreshold)

	return sv, nil
}

// Submit implements session.Sink: reader tasks hand decoded messages here.
func (sv *Supervisor) Submit(in handler.Inbound) {
	sv.inbox <- in
}

// Forget implements session.Sink: clears the handler's first-message
// tracking for id so a later reconnection under the same peer id is not
// rejected as a protocol violation for traffic the prior connection saw.
func (sv *Supervisor) Forget(id [20]byte) {
	sv.h.Forget(id)
}

// Broadcast implements handler.Broadcaster: sends m to every connected peer
// other than exclude. Called by the handler while the sink already holds
// the swarm lock, so Peers() is safe to call directly.
func (sv *Supervisor) Broadcast(m wire.Message, exclude *swarm.Peer) {
	for _, p := range sv.state.Peers() {
		if exclude != nil && p.ID == exclude.ID {
			continue
		}
		if err := p.Send(m); err != nil {
			sv.log.Debug("broadcast send failed", "peer", p.ID, "error", err)
		}
	}
}

// Run announces to the tracker, spawns one session per returned peer
// address plus the scheduler-tick and handler-sink tasks, and blocks until
// the torrent completes or every peer has failed.
func (sv *Supervisor) Run(ctx context.Context) error {
	left := sv.mi.Info.TotalLength()

	resp, err := sv.trackerCl.Announce(ctx, tracker.AnnounceParams{
		Announce: sv.mi.Announce,
		InfoHash: sv.mi.InfoHash,
		PeerID:   sv.ourPeerID,
		Port:     sv.cfg.ListenPort,
		Left:     left,
		NumWant:  sv.cfg.TrackerNumWant,
		Event:    tracker.EventStarted,
	})
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sv.sinkLoop(gctx, cancel) })

	sch := scheduler.New(sv.state, sv.cfg, sv.log)
	g.Go(func() error { return sch.Run(gctx.Done()) })

	var (
		mu         sync.Mutex
		successful int
		peersWG    sync.WaitGroup
	)
	for _, addr := range resp.Peers {
		addr := addr
		peersWG.Add(1)
		g.Go(func() error {
			defer peersWG.Done()
			ok := sv.runPeer(gctx, addr)
			if ok {
				mu.Lock()
				successful++
				mu.Unlock()
			}
			return nil
		})
	}
	// Once every peer session has ended, stop the sink and scheduler so
	// g.Wait returns.
	go func() {
		peersWG.Wait()
		cancel()
	}()

	err = g.Wait()

	if sv.state.IsComplete() {
		return nil
	}
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if successful == 0 {
		return ErrAllPeersFailed
	}
	return nil
}

// runPeer dials and runs one peer's session to completion. It returns
// whether the session ever reached StateReady, for the all-peers-failed
// check. Per-peer failures are logged at info level and never propagate,
// per §7.
func (sv *Supervisor) runPeer(ctx context.Context, addr netip.AddrPort) bool {
	sess, err := session.Dial(ctx, addr, sv.mi.InfoHash, sv.ourPeerID, sv.state, sv, sv.cfg, sv.log)
	if err != nil {
		sv.log.Info("peer connect failed", "addr", addr, "error", err)
		return false
	}

	sv.sessMu.Lock()
	sv.sessions[sess.Peer().ID] = sess
	sv.sessMu.Unlock()
	defer func() {
		sv.sessMu.Lock()
		delete(sv.sessions, sess.Peer().ID)
		sv.sessMu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil {
		sv.log.Info("peer session ended", "addr", addr, "error", err)
	}
	return true
}

// sinkLoop is the single handler-sink task spec §5 names: it drains as
// many pending inbound messages as are immediately available under one
// swarm-lock acquisition, applies each, then releases and blocks for more.
// It signals completion by cancelling cancel once every byte is owned.
func (sv *Supervisor) sinkLoop(ctx context.Context, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case first := <-sv.inbox:
			sv.state.Lock()
			sv.applyOne(first)
			drain:
			for {
				select {
				case in := <-sv.inbox:
					sv.applyOne(in)
				default:
					break drain
				}
			}
			complete := sv.state.IsComplete()
			sv.state.Unlock()

			if complete {
				cancel()
				return nil
			}
		}
	}
}

func (sv *Supervisor) applyOne(in handler.Inbound) {
	if err := sv.h.Apply(in, sv); err != nil {
		sv.log.Info("protocol error, failing connection", "peer", in.Peer.ID, "error", err)
		sv.state.RemovePeer(in.Peer.ID)
		sv.h.Forget(in.Peer.ID)

		sv.sessMu.Lock()
		sess := sv.sessions[in.Peer.ID]
		sv.sessMu.Unlock()
		if sess != nil {
			sess.Close()
		}
	}
}

// Idle reports whether more than PeerIdleDropThreshold has passed since the
// given time. The handler enforces PeerIdleDropThreshold itself via
// ErrPeerIdle, so this is an independent, coarser stall signal.
func (sv *Supervisor) Idle(since time.Time) bool {
	return time.Since(since) > sv.cfg.PeerIdleDropThreshold
}

// State returns the supervisor's SwarmState, for progress reporting.
func (sv *Supervisor) State() *swarm.SwarmState { return sv.state }
