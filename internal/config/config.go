// Package config holds the engine's tunable constants and their documented
// defaults.
package config

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Config collects every tunable the engine needs. Zero-value Config is not
// meant for direct use; construct with WithDefaults and override fields as
// needed.
type Config struct {
	// ListenPort is the default outbound/announce port.
	ListenPort uint16

	// ConnectTimeout bounds dialing a peer's TCP connection (§5).
	ConnectTimeout time.Duration
	// ReadTimeout and WriteTimeout bound individual socket operations.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// TickInterval is the swarm scheduler's tick period (§4.5).
	TickInterval time.Duration
	// WantLimit is the maximum size of in_flight before request
	// generation pauses for the remainder of a tick (§4.5 step 3b).
	WantLimit int
	// ExpireFactor determines how many stale entries the expiry sweep
	// evicts: WantLimit / ExpireFactor (§4.5 step 4).
	ExpireFactor int
	// InFlightTimeout is the age past which an in-flight request becomes
	// eligible for expiry (§4.5 step 4, 18s by spec).
	InFlightTimeout time.Duration
	// KeepAliveInterval is the idle-send threshold after which a
	// KeepAlive is sent (§4.5 step 3a, §5, 120s by spec).
	KeepAliveInterval time.Duration
	// PeerIdleDropThreshold is the silence threshold after which the
	// handler drops a peer on its next message (§5, 180s by spec).
	PeerIdleDropThreshold time.Duration

	// BlockSize is the request granularity (§4.3, 16384 bytes by
	// convention).
	BlockSize uint32

	// TrackerNumWant is the num_want query parameter sent on announce.
	TrackerNumWant int
}

// WithDefaults returns a Config populated with the values spec.md names
// explicitly, and otherwise the teacher's conventional defaults.
func WithDefaults() *Config {
	return &Config{
		ListenPort:            6887,
		ConnectTimeout:        10 * time.Second,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		TickInterval:          1 * time.Second,
		WantLimit:             1500,
		ExpireFactor:          2,
		InFlightTimeout:       18 * time.Second,
		KeepAliveInterval:     120 * time.Second,
		PeerIdleDropThreshold: 180 * time.Second,
		BlockSize:             16384,
		TrackerNumWant:        15,
	}
}

// GeneratePeerID builds a 20-byte Azureus-style peer id: a client prefix
// followed by random bytes.
func GeneratePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)
	if n >= 20 {
		return id, fmt.Errorf("config: peer id prefix %q too long", prefix)
	}
	if _, err := rand.Read(id[n:]); err != nil {
		return id, fmt.Errorf("config: generate peer id: %w", err)
	}
	return id, nil
}
