package transport

import (
	"context"
	"net"
	"time"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

const readBufferSize = 65535

// receiveLoop reads datagrams off conn until Stop closes it, handing
// each to processPacket. Both the multicast and unicast sockets run
// their own instance (original_source polled both fds each tick; Go's
// blocking read per goroutine is the idiomatic equivalent).
func (t *Transport) receiveLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.log.Debug("read error", map[string]interface{}{"error": err.Error()})
				continue
			}
		}
		payload := append([]byte(nil), buf[:n]...)
		t.processPacket(from, payload)
	}
}

func (t *Transport) processPacket(from *net.UDPAddr, payload []byte) {
	kind, err := decodeHeader(payload)
	if err != nil {
		return // bad magic / truncated header: silently dropped (spec.md §7)
	}

	switch kind {
	case typeAnnounce:
		t.handleAnnounce(from, decodeAnnounceName(payload))
	case typeLeave:
		t.handleLeave(from)
	case typeData:
		h, fragment, err := decodeData(payload)
		if err != nil {
			return
		}
		t.handleData(from, h, fragment)
	case typeAck:
		h, err := decodeAckNack(payload)
		if err != nil {
			return
		}
		t.handleAck(from, h)
	case typeNack:
		h, err := decodeAckNack(payload)
		if err != nil {
			return
		}
		t.handleNack(from, h)
	}
}

func (t *Transport) handleAnnounce(from *net.UDPAddr, name string) {
	key := from.String()

	t.peersMu.RLock()
	existing := t.byAddr[key]
	t.peersMu.RUnlock()

	if existing != nil {
		existing.touch()
		return
	}

	p := newPeer(name, from)
	t.peersMu.Lock()
	t.byAddr[key] = p
	t.byName[name] = append(t.byName[name], p)
	t.peersMu.Unlock()

	// Say hello back directly, so the new peer doesn't have to wait for
	// its own next announce tick to learn about us.
	_, _ = t.ucastConn.WriteToUDP(encodeAnnounce(t.opts.Name), from)

	if t.opts.OnJoin != nil {
		t.opts.OnJoin(name, from)
	}
}

func (t *Transport) handleLeave(from *net.UDPAddr) {
	t.removePeer(from)
}

func (t *Transport) removePeer(addr *net.UDPAddr) {
	key := addr.String()
	t.peersMu.Lock()
	p, ok := t.byAddr[key]
	if ok {
		delete(t.byAddr, key)
		list := t.byName[p.name]
		for i, cand := range list {
			if cand == p {
				t.byName[p.name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.byName[p.name]) == 0 {
			delete(t.byName, p.name)
		}
	}
	t.peersMu.Unlock()

	if ok && t.opts.OnLeave != nil {
		t.opts.OnLeave(p.name, addr)
	}
}

func (t *Transport) lookupPeer(addr *net.UDPAddr) *peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.byAddr[addr.String()]
}

func (t *Transport) handleData(from *net.UDPAddr, h dataHeader, fragment []byte) {
	if h.PacketNo >= h.PacketCount {
		return // obviously corrupt: packet_no out of range (spec.md §7)
	}

	p := t.lookupPeer(from)
	if p == nil {
		return // unknown sender: ignore until they've announced
	}
	p.touch()

	if h.PacketCount == 1 {
		if t.seenDuplicate(from, h.PacketID) {
			if h.Reliable {
				t.sendAck(p, h.PacketID, 0, 1)
			}
			return
		}
		if h.Reliable {
			t.sendAck(p, h.PacketID, 0, 1)
		}
		t.deliver(h.Hash, fragment)
		return
	}

	asm := p.getAssembler(h.PacketID, h.PacketCount, h.Hash, h.Reliable)
	if asm.corruptAgainst(h.PacketCount) {
		held := asm.heldIndices()
		p.dropAssembler(h.PacketID)
		if h.Reliable {
			t.sendNack(p, h.PacketID, asm.total, held)
		}
		asm = p.getAssembler(h.PacketID, h.PacketCount, h.Hash, h.Reliable)
	}
	complete := asm.add(h.PacketNo, append([]byte(nil), fragment...))

	if h.Reliable {
		t.sendAssemblerAck(p, h.PacketID, asm)
	}

	if complete {
		data := asm.assemble()
		p.dropAssembler(h.PacketID)
		t.deliver(h.Hash, data)
	}
}

// seenDuplicate reports whether packetID has already been delivered from
// this peer's address, consulting the shared bloom filter first (fast,
// allows false positives) and the peer's precise map on a possible hit
// (authoritative).
func (t *Transport) seenDuplicate(from *net.UDPAddr, packetID uint32) bool {
	key := []byte(from.String())
	key = append(key, byte(packetID), byte(packetID>>8), byte(packetID>>16), byte(packetID>>24))

	t.dedupeMu.Lock()
	maybeSeen := t.dedupe.Test(key)
	if !maybeSeen {
		t.dedupe.Add(key)
	}
	t.dedupeMu.Unlock()

	p := t.lookupPeer(from)
	if p == nil {
		return false
	}
	if !maybeSeen {
		p.markSeen(packetID) // record it so a later possible hit can be confirmed
		return false
	}
	return p.markSeen(packetID)
}

func (t *Transport) deliver(hash ids.TypeHash, data []byte) {
	if t.deliverer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.deliverer.Deliver(ctx, hash, data); err != nil {
		t.log.Warn("delivering network payload", map[string]interface{}{"error": err.Error()})
	}
}
