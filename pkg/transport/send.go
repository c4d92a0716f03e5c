package transport

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

// announceLoop periodically broadcasts an ANNOUNCE, sweeps for peer
// timeouts, and retries unacknowledged reliable sends (spec.md §4.6
// "announce()").
func (t *Transport) announceLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepTimeouts()
			t.sweepRetransmits()
			_, _ = t.ucastConn.WriteToUDP(encodeAnnounce(t.opts.Name), t.groupAddr)
		}
	}
}

func (t *Transport) sweepTimeouts() {
	now := time.Now()
	t.peersMu.RLock()
	stale := make([]*peer, 0)
	for _, p := range t.byAddr {
		if p.timedOut(now) {
			stale = append(stale, p)
		}
	}
	t.peersMu.RUnlock()

	for _, p := range stale {
		t.removePeer(p.addr)
	}
}

func (t *Transport) sweepRetransmits() {
	t.sendMu.Lock()
	entries := make([]*sendEntry, 0, len(t.sendQueue))
	for _, e := range t.sendQueue {
		entries = append(entries, e)
	}
	t.sendMu.Unlock()

	now := time.Now()
	for _, e := range entries {
		e.mu.Lock()
		for key, st := range e.targets {
			if now.Sub(st.lastSend) > st.peer.retransmitDeadline() {
				t.resendMissing(e, st)
				st.lastSend = now
			}
			_ = key
		}
		e.mu.Unlock()
	}
}

// resendMissing retransmits every fragment of e not yet acked by st's
// target, via unicast (spec.md §4.6 resend rule). Caller holds e.mu.
func (t *Transport) resendMissing(e *sendEntry, st *targetAckState) {
	for i := uint16(0); i < e.header.PacketCount; i++ {
		if bitsetGet(st.acked, i) {
			continue
		}
		h := e.header
		h.PacketNo = i
		_, _ = t.ucastConn.WriteToUDP(encodeData(h, e.fragment[i]), st.peer.addr)
	}
}

// SendTyped fragments payload and unicasts it to every currently known
// peer, implementing bus.NetworkSender (spec.md §4.2 "NETWORK").
func (t *Transport) SendTyped(ctx context.Context, typeHash ids.TypeHash, payload []byte, reliable bool) error {
	peers := t.allPeers()
	if len(peers) == 0 {
		return nil // no peers on the network yet: nothing to send
	}

	fragments := t.fragment(payload)
	packetID := uint32(t.packetIDs.Next())

	header := dataHeader{
		PacketID:    packetID,
		PacketCount: uint16(len(fragments)),
		Reliable:    reliable,
		Hash:        typeHash,
	}

	entry := &sendEntry{
		packetID: packetID,
		hash:     typeHash,
		reliable: reliable,
		fragment: fragments,
		header:   header,
		targets:  make(map[string]*targetAckState),
	}

	now := time.Now()
	for _, p := range peers {
		for i, frag := range fragments {
			h := header
			h.PacketNo = uint16(i)
			if _, err := t.ucastConn.WriteToUDP(encodeData(h, frag), p.addr); err != nil {
				return err
			}
		}
		if reliable {
			entry.targets[p.addr.String()] = &targetAckState{
				peer:     p,
				acked:    make([]byte, bitsetLen(header.PacketCount)),
				lastSend: now,
			}
		}
	}

	if reliable && len(entry.targets) > 0 {
		t.sendMu.Lock()
		t.sendQueue[packetID] = entry
		t.sendMu.Unlock()
	}
	return nil
}

// fragment splits payload into MTU-sized chunks, always returning at
// least one (possibly empty) fragment so a zero-length payload still
// round-trips (spec.md §8 "payload sizes {0, ...}").
func (t *Transport) fragment(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	count := int(math.Ceil(float64(len(payload)) / float64(t.mtuPayload)))
	out := make([][]byte, 0, count)
	for i := 0; i < len(payload); i += t.mtuPayload {
		end := i + t.mtuPayload
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[i:end])
	}
	return out
}

func (t *Transport) allPeers() []*peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	out := make([]*peer, 0, len(t.byAddr))
	for _, p := range t.byAddr {
		out = append(out, p)
	}
	return out
}

func (t *Transport) sendAck(p *peer, packetID uint32, no, count uint16) {
	bitset := make([]byte, bitsetLen(count))
	bitsetSet(bitset, no)
	t.sendAckNack(typeAck, p, packetID, no, count, bitset)
}

func (t *Transport) sendAssemblerAck(p *peer, packetID uint32, asm *assembler) {
	t.sendAckNack(typeAck, p, packetID, 0, asm.total, asm.ackBitset())
}

func (t *Transport) sendNack(p *peer, packetID uint32, count uint16, missing []uint16) {
	bitset := make([]byte, bitsetLen(count))
	for _, i := range missing {
		bitsetSet(bitset, i)
	}
	t.sendAckNack(typeNack, p, packetID, 0, count, bitset)
}

func (t *Transport) sendAckNack(kind packetType, p *peer, packetID uint32, no, count uint16, bitset []byte) {
	h := ackNackHeader{PacketID: packetID, PacketNo: no, PacketCount: count, Bitset: bitset}
	_, _ = t.ucastConn.WriteToUDP(encodeAckNack(kind, h), p.addr)
}

func (t *Transport) handleAck(from *net.UDPAddr, h ackNackHeader) {
	t.sendMu.Lock()
	entry, ok := t.sendQueue[h.PacketID]
	t.sendMu.Unlock()
	if !ok {
		return
	}

	p := t.lookupPeer(from)
	if p == nil {
		return
	}

	entry.mu.Lock()
	st, ok := entry.targets[from.String()]
	if !ok {
		entry.mu.Unlock()
		return
	}

	p.observeRTT(time.Since(st.lastSend))
	for i := 0; i < len(h.Bitset) && i < len(st.acked); i++ {
		st.acked[i] |= h.Bitset[i]
	}

	complete := true
	for i := uint16(0); i < entry.header.PacketCount; i++ {
		if !bitsetGet(st.acked, i) {
			complete = false
			break
		}
	}
	if complete {
		delete(entry.targets, from.String())
	}
	empty := len(entry.targets) == 0
	entry.mu.Unlock()

	if empty {
		t.sendMu.Lock()
		delete(t.sendQueue, h.PacketID)
		t.sendMu.Unlock()
	}
}

func (t *Transport) handleNack(from *net.UDPAddr, h ackNackHeader) {
	t.sendMu.Lock()
	entry, ok := t.sendQueue[h.PacketID]
	t.sendMu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	st, ok := entry.targets[from.String()]
	if !ok {
		entry.mu.Unlock()
		return
	}
	for i := uint16(0); i < entry.header.PacketCount; i++ {
		if bitsetGet(h.Bitset, i) {
			st.acked[i/8] &^= 1 << (i % 8)
		}
	}
	t.resendMissing(entry, st)
	st.lastSend = time.Now()
	entry.mu.Unlock()
}
