// Package chaos injects datagram faults for resilience testing.
//
// A FaultInjector decides, per packet, whether to drop, delay, duplicate or
// fail it. PacketConn applies an injector to the reads and writes of a
// wrapped net.PacketConn so a relay can be run over a lossy socket.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault was selected.
	FaultNone FaultType = iota - 1
	// FaultDrop silently discards the packet.
	FaultDrop
	// FaultDelay holds the packet for a random time.
	FaultDelay
	// FaultDuplicate delivers the packet twice.
	FaultDuplicate
	// FaultError fails the operation with ErrInjected.
	FaultError
)

// String implements fmt.Stringer.
func (t FaultType) String() string {
	switch t {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultDuplicate:
		return "duplicate"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrInjected is returned by operations failed with FaultError.
var ErrInjected = errors.New("chaos: injected fault")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector selects faults. It is safe for concurrent use.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.RWMutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled fault injector. Configs are tried in
// order and the first one that fires wins.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled
}

// MaybeInject returns the fault to apply to the next packet, or FaultNone.
func (f *FaultInjector) MaybeInject() FaultType {
	fault, _ := f.next()
	return fault
}

// next selects a fault and, for FaultDelay, the delay to apply.
func (f *FaultInjector) next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return FaultNone, 0
	}

	for _, cfg := range f.configs {
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			return FaultDelay, f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return cfg.Type, 0
	}

	return FaultNone, 0
}

// GetStats returns the number of times each fault fired.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// PacketConn wraps a net.PacketConn and applies faults to its traffic.
// Either injector may be nil. Reads follow the net.PacketConn contract for
// a single reader goroutine.
type PacketConn struct {
	net.PacketConn

	reads  *FaultInjector
	writes *FaultInjector

	// pending is a duplicated packet returned by the next ReadFrom.
	pending     []byte
	pendingFrom net.Addr
}

// WrapPacketConn returns pc with reads and writes subject to the given
// injectors.
func WrapPacketConn(pc net.PacketConn, reads, writes *FaultInjector) *PacketConn {
	return &PacketConn{
		PacketConn: pc,
		reads:      reads,
		writes:     writes,
	}
}

// ReadFrom implements net.PacketConn.
func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if c.pending != nil {
		n := copy(p, c.pending)
		from := c.pendingFrom
		c.pending, c.pendingFrom = nil, nil
		return n, from, nil
	}

	for {
		n, from, err := c.PacketConn.ReadFrom(p)
		if err != nil || c.reads == nil {
			return n, from, err
		}

		fault, delay := c.reads.next()
		switch fault {
		case FaultDrop:
			continue
		case FaultDelay:
			time.Sleep(delay)
		case FaultDuplicate:
			c.pending = append([]byte(nil), p[:n]...)
			c.pendingFrom = from
		case FaultError:
			return 0, from, ErrInjected
		}
		return n, from, nil
	}
}

// WriteTo implements net.PacketConn.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.writes == nil {
		return c.PacketConn.WriteTo(p, addr)
	}

	fault, delay := c.writes.next()
	switch fault {
	case FaultDrop:
		return len(p), nil
	case FaultDelay:
		time.Sleep(delay)
	case FaultDuplicate:
		if _, err := c.PacketConn.WriteTo(p, addr); err != nil {
			return 0, err
		}
	case FaultError:
		return 0, ErrInjected
	}
	return c.PacketConn.WriteTo(p, addr)
}
