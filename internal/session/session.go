// Package session drives one peer connection through the state machine
// spec §4.4 names: Connecting -> Handshaking -> Ready -> Closed. It owns
// the TCP socket, the outbound write queue, and the framed reader; it
// forwards every decoded message to a Sink for the handler-sink task to
// apply under the swarm lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrowsmith/gorrent/internal/config"
	"github.com/arrowsmith/gorrent/internal/handler"
	"github.com/arrowsmith/gorrent/internal/swarm"
	"github.com/arrowsmith/gorrent/internal/wire"
	"golang.org/x/sync/errgroup"
)

// State is one of the four session lifecycle stages.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the single consumer reader tasks hand decoded messages to. The
// supervisor's handler-sink implements this over a multi-producer channel.
type Sink interface {
	Submit(handler.Inbound)
	// Forget clears a peer's handler-tracked state so a later reconnection
	// under the same peer id is treated as fresh, rather than rejected for
	// traffic the prior connection already saw.
	Forget(id [20]byte)
}

// Session manages one peer connection end to end.
type Session struct {
	log  *slog.Logger
	cfg  *config.Config
	addr netip.AddrPort

	infoHash  [20]byte
	ourPeerID [20]byte

	state atomic.Int32

	conn   net.Conn
	outbox chan wire.Message

	swarmState *swarm.SwarmState
	peer       *swarm.Peer
	sink       Sink

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Dial opens the TCP connection, exchanges handshakes, and returns a
// Session positioned at StateHandshaking complete / ready to Run. It
// implements §4.4's Connecting and Handshaking stages.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, ourPeerID [20]byte, swarmState *swarm.SwarmState, sink Sink, cfg *config.Config, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "addr", addr)

	s := &Session{
		log:        log,
		cfg:        cfg,
		addr:       addr,
		infoHash:   infoHash,
		ourPeerID:  ourPeerID,
		outbox:     make(chan wire.Message, 64),
		swarmState: swarmState,
		sink:       sink,
	}
	s.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("session: connect %s: %w", addr, err)
	}
	s.conn = conn
	s.state.Store(int32(StateHandshaking))

	ours := wire.NewHandshake(infoHash, ourPeerID)
	_ = conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	theirs, err := wire.Exchange(conn, ours, true)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		conn.Close()
		s.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("session: handshake %s: %w", addr, err)
	}

	s.peer = swarm.NewPeer(theirs.PeerID, addr, s)
	return s, nil
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Peer returns the swarm.Peer record this session backs.
func (s *Session) Peer() *swarm.Peer { return s.peer }

// Run enters StateReady: registers the peer into SwarmState, sends the
// initial Interested, and runs the read and write loops until either
// fails or ctx is cancelled. On return the peer has been deregistered and
// the session is StateClosed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	s.swarmState.Lock()
	s.swarmState.AddPeer(s.peer)
	s.swarmState.Unlock()

	s.state.Store(int32(StateReady))
	s.peer.SetUsInterested(true)
	if err := s.Send(wire.NewInterested()); err != nil {
		s.log.Info("failed to send initial Interested", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()

	s.swarmState.Lock()
	s.swarmState.RemovePeer(s.peer.ID)
	s.swarmState.Unlock()
	s.sink.Forget(s.peer.ID)
	s.state.Store(int32(StateClosed))

	return err
}

// readLoop implements §4.4 Ready's receive side: wait_for_message, forward
// to the sink, repeat until the reader errors or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context) error {
	reader := wire.NewReader(s.conn)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := reader.WaitForMessage()
		if err != nil {
			if errors.Is(err, wire.ErrGracefulDisconnect) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("session: read %s: %w", s.addr, err)
		}

		s.sink.Submit(handler.Inbound{Peer: s.peer, Message: msg})
	}
}

// writeLoop drains the outbox, writing each message atomically with
// respect to others on this connection, per §4.4's "sends are serialized
// per connection" requirement.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := msg.WriteTo(s.conn); err != nil {
				return fmt.Errorf("session: write %s: %w", s.addr, err)
			}
			_ = s.conn.SetWriteDeadline(time.Time{})
		}
	}
}

// Send enqueues m for the write loop. It implements swarm.Sender and must
// never block the caller for long; the queue is large enough to absorb a
// tick's worth of requests, and a full queue drops the send as a soft
// failure rather than blocking the swarm lock.
func (s *Session) Send(m wire.Message) error {
	select {
	case s.outbox <- m:
		return nil
	default:
		return fmt.Errorf("session: outbox full for %s, dropping %s", s.addr, m.ID)
	}
}

// Close tears down the connection and cancels the session's context. Safe
// to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
