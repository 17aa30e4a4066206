// Package sync implements the header-and-body downloader: it fetches a
// contiguous range of block headers and bodies from multiple peers,
// validates every pair against the consensus rules, penalizes peers whose
// responses fail, and emits a strictly ordered stream of validated chain
// segments for import.
package sync

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline states. State moves Idle -> RequestingHeaders ->
// RequestingBodies -> Validating -> Emitting and loops until the range is
// exhausted; Error is reachable from any state.
const (
	StateIdle uint32 = iota
	StateRequestingHeaders
	StateRequestingBodies
	StateValidating
	StateEmitting
	StateComplete
	StateError
)

// StageName returns a human-readable name for a pipeline state.
func StageName(state uint32) string {
	switch state {
	case StateIdle:
		return "idle"
	case StateRequestingHeaders:
		return "requesting headers"
	case StateRequestingBodies:
		return "requesting bodies"
	case StateValidating:
		return "validating"
	case StateEmitting:
		return "emitting"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Downloader errors.
var (
	ErrInvalidRange  = errors.New("sync: invalid block range (from > to)")
	ErrAlreadyActive = errors.New("sync: a session is already active")
	ErrCancelled     = errors.New("sync: session cancelled")
	ErrMaxRetries    = errors.New("sync: max retries exceeded")
	ErrNoPeers       = errors.New("sync: no peers available")
	ErrStaleBoundary = errors.New("sync: first batch does not extend local tip")
)

// Default configuration values.
const (
	DefaultBatchSize       = 192
	DefaultMaxInFlight     = 16
	DefaultMaxRetries      = 3
	DefaultRequestTimeout  = 10 * time.Second
	DefaultBadPeerCooldown = 4
)

// Config configures one download session.
type Config struct {
	BatchSize       int           // headers per request
	MaxInFlight     int           // pipelining depth (in-flight batches)
	MaxRetries      int           // retry ceiling per batch
	RequestTimeout  time.Duration // per-request deadline
	BadPeerCooldown int           // batches a faulting peer is excluded for
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       DefaultBatchSize,
		MaxInFlight:     DefaultMaxInFlight,
		MaxRetries:      DefaultMaxRetries,
		RequestTimeout:  DefaultRequestTimeout,
		BadPeerCooldown: DefaultBadPeerCooldown,
	}
}

// sanitize fills zero values with defaults.
func (c Config) sanitize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BadPeerCooldown <= 0 {
		c.BadPeerCooldown = DefaultBadPeerCooldown
	}
	return c
}

// RangeError is the terminal session error: it names the failing block
// range and wraps the last underlying error kind.
type RangeError struct {
	From uint64
	To   uint64
	Err  error
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	return fmt.Sprintf("sync: range [%d,%d]: %v", e.From, e.To, e.Err)
}

// Unwrap exposes the underlying error for errors.Is classification.
func (e *RangeError) Unwrap() error { return e.Err }

// Status is a point-in-time snapshot of a session's window.
type Status struct {
	Pending  int    // batches not yet emitted
	InFlight int    // fetch tasks currently running
	Window   Window // block range currently being worked
}

// Window is the contiguous block range covered by issued, unemitted
// batches.
type Window struct {
	From uint64
	To   uint64
}

// Progress reports how far a session has advanced.
type Progress struct {
	StartingBlock uint64
	CurrentBlock  uint64
	HighestBlock  uint64
	PulledHeaders uint64
	PulledBodies  uint64
	Stage         string
}

// Percentage returns the completion percentage of the session range.
func (p Progress) Percentage() float64 {
	if p.CurrentBlock >= p.HighestBlock || p.HighestBlock <= p.StartingBlock {
		return 100.0
	}
	span := p.HighestBlock - p.StartingBlock + 1
	done := p.CurrentBlock - p.StartingBlock
	if p.CurrentBlock < p.StartingBlock {
		done = 0
	}
	if done >= span {
		return 100.0
	}
	return float64(done) / float64(span) * 100.0
}
