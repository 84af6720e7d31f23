// Package snowflake generates globally-ordered 64-bit identifiers without
// storage round-trips.
//
// Layout: 41-bit millisecond timestamp | 10-bit worker id | 12-bit sequence.
// Identifiers are strictly increasing within a process and unique across
// processes as long as worker ids do not collide.
//
// The worker id is resolved in order of preference:
//  1. the CAPBUS_WORKER_ID environment variable
//  2. a hash of the first hardware (MAC) address
//  3. a random value
//
// and is always masked to 10 bits (0-1023).
package snowflake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	timestampBits = 41
	workerBits    = 10
	sequenceBits  = 12

	maxWorkerID  = (1 << workerBits) - 1
	sequenceMask = (1 << sequenceBits) - 1

	workerShift    = sequenceBits
	timestampShift = sequenceBits + workerBits
)

// Epoch is the custom epoch (2020-01-01T00:00:00Z) in Unix milliseconds.
// 41 bits of milliseconds above it cover roughly 69 years.
const Epoch int64 = 1577836800000

// EnvWorkerID is the environment variable overriding the derived worker id.
const EnvWorkerID = "CAPBUS_WORKER_ID"

// ErrClockMovedBack is returned by NextID when the wall clock runs behind
// the last issued timestamp by more than the tolerated drift.
var ErrClockMovedBack = errors.New("snowflake: clock moved backwards")

// Generator issues snowflake ids. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	lastTS   int64
	sequence int64
	now      func() int64 // ms since Unix epoch, overridable in tests
}

// Option configures a Generator.
type Option func(*Generator)

// WithWorkerID sets an explicit worker id, bypassing the environment and
// MAC derivation. Values outside 0-1023 are masked.
func WithWorkerID(id int64) Option {
	return func(g *Generator) {
		g.workerID = id & maxWorkerID
	}
}

// New creates a Generator. Without options the worker id is derived from the
// environment, the MAC address, or randomness, in that order.
func New(opts ...Option) (*Generator, error) {
	g := &Generator{
		workerID: -1,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.workerID < 0 {
		id, err := deriveWorkerID()
		if err != nil {
			return nil, err
		}
		g.workerID = id
	}
	return g, nil
}

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

// Default returns the process-wide generator, creating it on first use.
func Default() *Generator {
	defaultOnce.Do(func() {
		g, err := New()
		if err != nil {
			// Random fallback inside deriveWorkerID means this is
			// unreachable unless crypto/rand fails too.
			g = &Generator{workerID: 0, now: func() int64 { return time.Now().UnixMilli() }}
		}
		defaultGen = g
	})
	return defaultGen
}

// WorkerID returns the resolved worker id.
func (g *Generator) WorkerID() int64 {
	return g.workerID
}

// NextID returns the next identifier. Within a process ids are strictly
// increasing. When the 12-bit sequence overflows inside one millisecond the
// call spins until the next millisecond instead of emitting a duplicate.
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTS {
		// Tolerate small NTP steps by waiting them out.
		if g.lastTS-ts > 5 {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBack, g.lastTS-ts)
		}
		for ts < g.lastTS {
			time.Sleep(time.Duration(g.lastTS-ts) * time.Millisecond)
			ts = g.now()
		}
	}

	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond.
			for ts <= g.lastTS {
				time.Sleep(100 * time.Microsecond)
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTS = ts

	return (ts-Epoch)<<timestampShift | g.workerID<<workerShift | g.sequence, nil
}

// NextString returns the next identifier in decimal string form, as used
// for row keys.
func (g *Generator) NextString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Timestamp extracts the creation time encoded in an id.
func Timestamp(id int64) time.Time {
	ms := (id >> timestampShift) + Epoch
	return time.UnixMilli(ms)
}

func deriveWorkerID() (int64, error) {
	if v := os.Getenv(EnvWorkerID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("snowflake: invalid %s %q: %w", EnvWorkerID, v, err)
		}
		return id & maxWorkerID, nil
	}

	if mac := firstHardwareAddr(); len(mac) > 0 {
		h := fnv.New32a()
		h.Write(mac)
		return int64(h.Sum32()) & maxWorkerID, nil
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("snowflake: derive worker id: %w", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])&maxWorkerID) & maxWorkerID, nil
}

func firstHardwareAddr() []byte {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) >= 6 && iface.Flags&net.FlagLoopback == 0 {
			return iface.HardwareAddr
		}
	}
	return nil
}
