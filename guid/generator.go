package guid

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
)

// Identities are time based (version 1) UUIDs. Their embedded
// timestamp is what the time-shard table routes on, so generation
// must be monotonic: two identities minted in the same tick differ in
// the clock sequence, never in the timestamp order.

// ticks between the UUID epoch (1582-10-15) and the Unix epoch, in
// 100ns units
const epochOffset = 122192928000000000

// Generator mints identities. Safe for concurrent use.
type Generator struct {
	m     sync.Mutex
	clock clock.Clock
	last  int64
	seq   uint16
	node  [6]byte
}

// NewGenerator returns a generator stamping identities from the given
// clock. The node field comes from a hardware address, or random
// bytes when none is usable.
func NewGenerator(c clock.Clock) *Generator {
	return &Generator{clock: c, node: nodeID()}
}

func nodeID() [6]byte {
	var node [6]byte
	ifs, err := net.Interfaces()
	if err == nil {
		for _, ifc := range ifs {
			if len(ifc.HardwareAddr) >= 6 {
				copy(node[:], ifc.HardwareAddr)
				if node != [6]byte{} {
					return node
				}
			}
		}
	}
	rand.Read(node[:])
	// the multicast bit marks the node as not a real address
	node[0] |= 0x01
	return node
}

// New mints an identity stamped with the current time.
func (g *Generator) New() uuid.UUID {
	return g.NewAt(g.clock.Now())
}

// NewAt mints an identity stamped with the given time. A time at or
// before the previous one advances the clock sequence instead.
func (g *Generator) NewAt(at time.Time) uuid.UUID {
	g.m.Lock()
	defer g.m.Unlock()
	ticks := at.UnixNano()/100 + epochOffset
	if ticks <= g.last {
		g.seq = (g.seq + 1) & 0x3FFF
		ticks = g.last
	}
	g.last = ticks

	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], uint32(ticks))
	binary.BigEndian.PutUint16(u[4:6], uint16(ticks>>32))
	binary.BigEndian.PutUint16(u[6:8], uint16(ticks>>48)&0x0FFF|0x1000)
	binary.BigEndian.PutUint16(u[8:10], g.seq&0x3FFF|0x8000)
	copy(u[10:16], g.node[:])
	return u
}

// IndexTime extracts the routing key of an identity, the middle bits
// of its timestamp. It grows over time for version 1 identities, so
// the time-shard table can be searched on it.
func IndexTime(u uuid.UUID) int64 {
	msg := int64(binary.BigEndian.Uint32(u[4:8]))
	return (msg >> 16) | ((msg & 0xFFFF) << 16)
}

// IndexTimeAt returns the routing key an identity minted at the given
// time would carry. New time-shard rows are cut with it.
func IndexTimeAt(at time.Time) int64 {
	ticks := at.UnixNano()/100 + epochOffset
	return ((ticks >> 32) & 0xFFFF) | (((ticks>>48)&0x0FFF | 0x1000) << 16)
}

// EpochTime recovers the timestamp an identity was minted at.
func EpochTime(u uuid.UUID) time.Time {
	hi := int64(binary.BigEndian.Uint16(u[6:8]) & 0x0FFF)
	mid := int64(binary.BigEndian.Uint16(u[4:6]))
	low := int64(binary.BigEndian.Uint32(u[0:4]))
	ticks := hi<<48 | mid<<32 | low
	return time.Unix(0, (ticks-epochOffset)*100)
}
