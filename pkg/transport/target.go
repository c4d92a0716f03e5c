package transport

import (
	"net"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// initialRTT seeds a new peer's retransmit timer before any round trip
// has been observed, matching the original's conservative 100ms default.
const initialRTT = 100 * time.Millisecond

// rttAlpha is the EWMA smoothing factor for round-trip time updates.
const rttAlpha = 0.125

// peerTimeout is how long a peer may go without an ANNOUNCE or DATA
// packet before it is considered to have left (original_source: "2 seconds", §4.6).
const peerTimeout = 2 * time.Second

// assembler reassembles one multi-fragment DATA send. received tracks
// which fragment indices have arrived via a compact bitset rather than a
// []bool, grounded on the teacher's bitmap usage in
// pkg/storage/cache/bloom_exchange.go's neighbor.
type assembler struct {
	total    uint16
	hash     [16]byte
	reliable bool
	data     [][]byte
	received *roaring.Bitmap
	count    uint16
	started  time.Time
}

func newAssembler(total uint16, hash [16]byte, reliable bool) *assembler {
	return &assembler{
		total:    total,
		hash:     hash,
		reliable: reliable,
		data:     make([][]byte, total),
		received: roaring.New(),
		started:  time.Now(),
	}
}

// add records fragment no's bytes, reporting true once every fragment
// has arrived.
func (a *assembler) add(no uint16, fragment []byte) bool {
	if a.received.Contains(uint32(no)) {
		return a.count == a.total
	}
	a.received.Add(uint32(no))
	a.data[no] = fragment
	a.count++
	return a.count == a.total
}

// missing returns the fragment indices not yet received, used to answer
// a resend sweep or to build a NACK.
func (a *assembler) missing() []uint16 {
	var out []uint16
	for i := uint16(0); i < a.total; i++ {
		if !a.received.Contains(uint32(i)) {
			out = append(out, i)
		}
	}
	return out
}

// corruptAgainst reports whether a fragment claiming newTotal total
// fragments is inconsistent with what this assembler already holds: its
// highest received index can never legally be >= a correct total
// (spec.md §4.6 "the assembler's current highest-indexed fragment >= the
// new fragment's packet_count").
func (a *assembler) corruptAgainst(newTotal uint16) bool {
	if a.received.IsEmpty() {
		return false
	}
	return a.received.Maximum() >= uint32(newTotal)
}

// heldIndices returns every fragment index currently held, for the NACK
// sent when corruption is detected.
func (a *assembler) heldIndices() []uint16 {
	out := make([]uint16, 0, a.count)
	it := a.received.Iterator()
	for it.HasNext() {
		out = append(out, uint16(it.Next()))
	}
	return out
}

// ackBitset renders the fragments currently held as a ceil(total/8)-byte
// bitset, the shape an ACK packet's bitset field carries (spec.md §6).
func (a *assembler) ackBitset() []byte {
	out := make([]byte, bitsetLen(a.total))
	it := a.received.Iterator()
	for it.HasNext() {
		bitsetSet(out, uint16(it.Next()))
	}
	return out
}

func (a *assembler) assemble() []byte {
	size := 0
	for _, f := range a.data {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range a.data {
		out = append(out, f...)
	}
	return out
}

// peer is a single remote endpoint discovered via ANNOUNCE, tracking
// liveness, reassembly state for inbound multi-fragment sends, an RTT
// estimate, and duplicate-packet-id suppression.
type peer struct {
	name string
	addr *net.UDPAddr

	mu         sync.Mutex
	lastSeen   time.Time
	rtt        time.Duration
	assemblers map[uint32]*assembler

	seenMu sync.Mutex
	seen   map[uint32]time.Time
}

func newPeer(name string, addr *net.UDPAddr) *peer {
	return &peer{
		name:       name,
		addr:       addr,
		lastSeen:   time.Now(),
		rtt:        initialRTT,
		assemblers: make(map[uint32]*assembler),
		seen:       make(map[uint32]time.Time),
	}
}

func (p *peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *peer) timedOut(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen) > peerTimeout
}

// observeRTT folds a fresh round-trip sample into the peer's estimate
// using an exponential moving average (spec.md §4.5).
func (p *peer) observeRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtt = time.Duration(float64(p.rtt)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

func (p *peer) retransmitDeadline() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 2 * p.rtt
}

func (p *peer) getAssembler(packetID uint32, total uint16, hash [16]byte, reliable bool) *assembler {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.assemblers[packetID]
	if !ok {
		a = newAssembler(total, hash, reliable)
		p.assemblers[packetID] = a
	}
	return a
}

func (p *peer) dropAssembler(packetID uint32) {
	p.mu.Lock()
	delete(p.assemblers, packetID)
	p.mu.Unlock()
}

// markSeen reports whether packetID has already been delivered by this
// peer, for duplicate suppression on retransmitted single-fragment sends
// (bits-and-blooms/bloom/v3 backs the multi-peer fast path in
// transport.go; this exact map is the per-peer precise fallback it
// consults on a possible hit, since a bloom filter alone can false
// positive and would otherwise drop a legitimate packet).
func (p *peer) markSeen(packetID uint32) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[packetID]; ok {
		return true
	}
	p.seen[packetID] = time.Now()
	if len(p.seen) > 4096 {
		p.evictOldSeen()
	}
	return false
}

func (p *peer) evictOldSeen() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for id, t := range p.seen {
		if t.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}
