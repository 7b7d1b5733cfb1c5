// Package scheduler implements the swarm scheduler's periodic tick: block
// request generation, keepalives, and in-flight expiry, per spec §4.5.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/arrowsmith/gorrent/internal/config"
	"github.com/arrowsmith/gorrent/internal/rangeset"
	"github.com/arrowsmith/gorrent/internal/swarm"
	"github.com/arrowsmith/gorrent/internal/wire"
)

// ErrSchedulerInvariant reports an internal bookkeeping violation (e.g.
// inserting an already-in-flight range). Per §7 this is fatal: the process
// aborts with diagnostics rather than limping on with corrupted state.
var ErrSchedulerInvariant = errors.New("scheduler: invariant violation")

// Scheduler runs the periodic tick against a single SwarmState.
type Scheduler struct {
	cfg   *config.Config
	log   *slog.Logger
	state *swarm.SwarmState
}

// New constructs a Scheduler for state using cfg's tuning constants.
func New(state *swarm.SwarmState, cfg *config.Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, log: log.With("component", "scheduler"), state: state}
}

// Run blocks, ticking every cfg.TickInterval, until done is closed or a
// tick returns a fatal error. It is cooperatively cancellable at tick
// boundaries, per §5.
func (s *Scheduler) Run(done <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case now := <-ticker.C:
			if err := s.Tick(now); err != nil {
				return err
			}
		}
	}
}

// Tick runs one scheduler pass per §4.5's algorithm:
//
//  1. Shuffle the peer list.
//  2. Build exclude = owned ∪ in_flight.
//  3. For each peer: keepalive if idle, then (unless |in_flight| is at the
//     want limit) compute the peer's candidate range, slice one block, add
//     it to in_flight and to this tick's exclude set, and send Request.
//  4. If |in_flight| is still at the want limit after the peer loop, expire
//     the oldest entries past the in-flight timeout.
//
// Tick holds the swarm lock for its entire duration, so request insertion
// and the matching Request transmission appear atomic to the rest of the
// system, per §5.
func (s *Scheduler) Tick(now time.Time) error {
	s.state.Lock()
	defer s.state.Unlock()

	peers := s.state.Peers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	exclude := rangeset.Union(s.state.Owned, s.state.InFlight.List())

	for _, p := range peers {
		if now.Sub(p.LastSendAt()) >= s.cfg.KeepAliveInterval {
			if err := p.Send(wire.KeepAliveMessage()); err != nil {
				s.log.Info("keepalive send failed", "peer", p.ID, "error", err)
			}
		}

		if s.state.InFlight.Len() >= s.cfg.WantLimit {
			continue
		}

		candidate := rangeset.Complement(p.Available(), exclude)
		if candidate.Len() == 0 {
			continue
		}

		req, ok := rangeset.SliceBlock(candidate, s.state.PieceLength, s.cfg.BlockSize)
		if !ok {
			continue
		}

		if err := s.state.InFlight.Insert(req, now); err != nil {
			return fmt.Errorf("%w: %v", ErrSchedulerInvariant, err)
		}
		if err := exclude.Insert(req); err != nil {
			return fmt.Errorf("%w: %v", ErrSchedulerInvariant, err)
		}

		length := uint32(req.ByteCount(s.state.PieceLength))
		if err := p.Send(wire.NewRequest(req.Start.Piece, req.Start.Offset, length)); err != nil {
			s.log.Info("request send failed", "peer", p.ID, "error", err)
		}
	}

	if s.state.InFlight.Len() >= s.cfg.WantLimit {
		maxEvict := s.cfg.WantLimit / s.cfg.ExpireFactor
		evicted := s.state.InFlight.Expire(now, s.cfg.InFlightTimeout, maxEvict)
		if len(evicted) > 0 {
			s.log.Debug("expired stale in-flight requests", "count", len(evicted))
		}
	}

	return nil
}
