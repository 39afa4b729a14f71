package discover

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ethcore/ethcore/crypto"
	"github.com/ethcore/ethcore/p2p/enode"
	"github.com/ethcore/ethcore/rlp"
)

var errPingTimeout = errors.New("discover: ping timed out")

// DefaultPacketTTL is the expiration window applied to outgoing v4 packets.
const DefaultPacketTTL = 20 * time.Second

// UDPTransport drives a Kademlia Table over the real v4 UDP wire: it signs
// and sends Ping/FindNeighbours requests, answers Ping/FindNeighbours from
// peers, and ages out bucket entries that fail to answer three pings in a row.
type UDPTransport struct {
	conn net.PacketConn
	priv *ecdsa.PrivateKey
	self *enode.Node
	tab  *Table

	mu      sync.Mutex
	pending map[string]chan []byte // hex(addr) -> channel awaiting a Pong/Neighbours

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPTransport binds conn and begins serving v4 discovery requests against tab.
func NewUDPTransport(conn net.PacketConn, priv *ecdsa.PrivateKey, self *enode.Node, tab *Table) *UDPTransport {
	t := &UDPTransport{
		conn:    conn,
		priv:    priv,
		self:    self,
		tab:     tab,
		pending: make(map[string]chan []byte),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Close shuts down the transport's read loop.
func (t *UDPTransport) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 1280) // conservative UDP datagram bound
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go t.handlePacket(packet, addr)
	}
}

func (t *UDPTransport) handlePacket(packet []byte, addr net.Addr) {
	pubkey, typ, payload, hash, err := DecodePacket(packet)
	if err != nil {
		return
	}

	udpAddr, _ := addr.(*net.UDPAddr)
	var ip net.IP
	var port uint16
	if udpAddr != nil {
		ip = udpAddr.IP
		port = uint16(udpAddr.Port)
	}

	switch typ {
	case PacketPing:
		var ping PingPacket
		if err := rlp.DecodeBytes(payload, &ping); err != nil {
			return
		}
		if Expired(ping.Expiration) {
			return
		}
		sender := NodeFromPubkeyAndEndpoint(pubkey, ip, port, ping.From.TCP)
		t.tab.AddNode(sender)
		pong, err := MakePong(t.priv, sender, hash, DefaultPacketTTL)
		if err == nil {
			t.conn.WriteTo(pong, addr)
		}

	case PacketPong:
		var pong PongPacket
		if err := rlp.DecodeBytes(payload, &pong); err != nil {
			return
		}
		if Expired(pong.Expiration) {
			return
		}
		t.deliver(addr, payload)

	case PacketFindNeighbours:
		var req FindNeighboursPacket
		if err := rlp.DecodeBytes(payload, &req); err != nil {
			return
		}
		if Expired(req.Expiration) {
			return
		}
		target := enode.NodeID(crypto.Keccak256Hash(stripPrefix(req.Target)))
		closest := t.tab.FindNode(target, BucketSize)
		neighbours, err := MakeNeighbours(t.priv, closest, DefaultPacketTTL)
		if err == nil {
			t.conn.WriteTo(neighbours, addr)
		}

	case PacketNeighbours:
		var resp NeighboursPacket
		if err := rlp.DecodeBytes(payload, &resp); err != nil {
			return
		}
		if Expired(resp.Expiration) {
			return
		}
		for _, n := range resp.Nodes {
			node := NodeFromPubkeyAndEndpoint(n.ID, n.IP, n.UDP, n.TCP)
			t.tab.AddNode(node)
		}
		t.deliver(addr, payload)
	}
}

func stripPrefix(pubkey []byte) []byte {
	if len(pubkey) == 65 && pubkey[0] == 0x04 {
		return pubkey[1:]
	}
	return pubkey
}

func (t *UDPTransport) deliver(addr net.Addr, payload []byte) {
	t.mu.Lock()
	ch, ok := t.pending[addr.String()]
	t.mu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (t *UDPTransport) await(addr net.Addr) chan []byte {
	ch := make(chan []byte, 1)
	t.mu.Lock()
	t.pending[addr.String()] = ch
	t.mu.Unlock()
	return ch
}

func (t *UDPTransport) forget(addr net.Addr) {
	t.mu.Lock()
	delete(t.pending, addr.String())
	t.mu.Unlock()
}

// Ping sends a signed Ping to n and waits up to timeout for a matching Pong.
// It returns an error (and leaves eviction bookkeeping to the caller) if no
// reply arrives within the deadline — three such failures age a node out of
// its bucket per the v4 bucket-replacement rule.
func (t *UDPTransport) Ping(n *enode.Node, timeout time.Duration) error {
	addr := &net.UDPAddr{IP: n.IP, Port: int(n.UDP)}
	pkt, err := MakePing(t.priv, t.self, n, DefaultPacketTTL)
	if err != nil {
		return err
	}
	ch := t.await(addr)
	defer t.forget(addr)

	if _, err := t.conn.WriteTo(pkt, addr); err != nil {
		return err
	}
	select {
	case <-ch:
		t.tab.AddNode(n)
		return nil
	case <-time.After(timeout):
		return errPingTimeout
	}
}

// FindNeighbours requests nodes close to target from n and waits for a
// Neighbours reply.
func (t *UDPTransport) FindNeighbours(n *enode.Node, target []byte, timeout time.Duration) ([]*enode.Node, error) {
	addr := &net.UDPAddr{IP: n.IP, Port: int(n.UDP)}
	pkt, err := MakeFindNeighbours(t.priv, target, DefaultPacketTTL)
	if err != nil {
		return nil, err
	}
	ch := t.await(addr)
	defer t.forget(addr)

	if _, err := t.conn.WriteTo(pkt, addr); err != nil {
		return nil, err
	}
	select {
	case raw := <-ch:
		var resp NeighboursPacket
		if err := rlp.DecodeBytes(raw, &resp); err != nil {
			return nil, err
		}
		nodes := make([]*enode.Node, 0, len(resp.Nodes))
		for _, e := range resp.Nodes {
			nodes = append(nodes, NodeFromPubkeyAndEndpoint(e.ID, e.IP, e.UDP, e.TCP))
		}
		return nodes, nil
	case <-time.After(timeout):
		return nil, errPingTimeout
	}
}
