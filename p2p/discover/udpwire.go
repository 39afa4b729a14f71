// udpwire.go implements the Node Discovery v4 UDP wire protocol: the four
// Kademlia messages (Ping, Pong, FindNeighbours, Neighbours), their
// ECDSA-over-Keccak256 packet envelope, and the bucket-aging rule that
// drops a node after three unanswered pings.
package discover

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"time"

	"github.com/ethcore/ethcore/crypto"
	"github.com/ethcore/ethcore/p2p/enode"
	"github.com/ethcore/ethcore/rlp"
)

// Packet type bytes, as placed immediately after the signature in a v4 datagram.
const (
	PacketPing           byte = 0x01
	PacketPong           byte = 0x02
	PacketFindNeighbours byte = 0x03
	PacketNeighbours     byte = 0x04
)

// Envelope sizes: 65-byte signature + 1-byte type precede the RLP payload.
const (
	sigLength  = 65
	headLength = sigLength + 1
)

// MaxFailedPings is the number of unanswered pings a bucket entry tolerates
// before it is evicted in favor of a replacement.
const MaxFailedPings = 3

// rpcEndpoint is the wire encoding of an IP/UDP/TCP triple used inside Ping,
// Pong, and Neighbours payloads.
type rpcEndpoint struct {
	IP  []byte
	UDP uint16
	TCP uint16
}

func endpointFromNode(n *enode.Node) rpcEndpoint {
	ip := n.IP.To4()
	if ip == nil {
		ip = n.IP.To16()
	}
	return rpcEndpoint{IP: ip, UDP: n.UDP, TCP: n.TCP}
}

// PingPacket is sent to probe liveness and bootstrap a routing table entry.
type PingPacket struct {
	Version    uint
	From       rpcEndpoint
	To         rpcEndpoint
	Expiration uint64
}

// PongPacket answers a Ping, echoing back the hash of the packet it replies to.
type PongPacket struct {
	To         rpcEndpoint
	ReplyTok   []byte // keccak256 hash of the Ping packet being replied to
	Expiration uint64
}

// FindNeighboursPacket requests the k nodes closest to Target known to the peer.
type FindNeighboursPacket struct {
	Target     []byte // 64-byte uncompressed public key identifying the target
	Expiration uint64
}

// NeighboursPacket answers FindNeighbours with up to BucketSize close nodes.
type NeighboursPacket struct {
	Nodes      []rpcEndpointNode
	Expiration uint64
}

// rpcEndpointNode pairs a network endpoint with the public key identifying it.
type rpcEndpointNode struct {
	IP  []byte
	UDP uint16
	TCP uint16
	ID  []byte // 64-byte uncompressed public key
}

var (
	errPacketTooSmall = errors.New("discover: packet too small")
	errBadSignature   = errors.New("discover: invalid packet signature")
	errExpired        = errors.New("discover: packet expired")
)

// EncodePacket signs and frames a v4 payload: sig(65) || type(1) || rlp(payload).
// The signature covers Keccak256(type || rlp(payload)), matching the wire
// format used to authenticate Kademlia messages over UDP.
func EncodePacket(priv *ecdsa.PrivateKey, typ byte, payload interface{}) ([]byte, error) {
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, err
	}
	msg := append([]byte{typ}, body...)
	hash := crypto.Keccak256(msg)
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, 0, headLength+len(body))
	packet = append(packet, sig...)
	packet = append(packet, msg...)
	return packet, nil
}

// DecodePacket verifies a v4 datagram's signature and returns the sender's
// uncompressed public key, the packet type, the raw RLP payload, and the
// packet hash (used as PongPacket.ReplyTok for a Ping).
func DecodePacket(packet []byte) (pubkey []byte, typ byte, payload []byte, hash []byte, err error) {
	if len(packet) < headLength {
		return nil, 0, nil, nil, errPacketTooSmall
	}
	sig := packet[:sigLength]
	msg := packet[sigLength:]
	typ = msg[0]
	payload = msg[1:]

	msgHash := crypto.Keccak256(msg)
	pub, err := crypto.Ecrecover(msgHash, sig)
	if err != nil {
		return nil, 0, nil, nil, errBadSignature
	}
	return pub, typ, payload, msgHash, nil
}

// Expired reports whether a v4 expiration timestamp (unix seconds) has passed.
func Expired(expiration uint64) bool {
	return time.Now().Unix() > int64(expiration)
}

// MakePing builds a signed Ping packet from the local node to the target endpoint.
func MakePing(priv *ecdsa.PrivateKey, from, to *enode.Node, ttl time.Duration) ([]byte, error) {
	pkt := PingPacket{
		Version:    4,
		From:       endpointFromNode(from),
		To:         endpointFromNode(to),
		Expiration: uint64(time.Now().Add(ttl).Unix()),
	}
	return EncodePacket(priv, PacketPing, pkt)
}

// MakePong builds a signed Pong packet replying to the packet hashed as replyTok.
func MakePong(priv *ecdsa.PrivateKey, to *enode.Node, replyTok []byte, ttl time.Duration) ([]byte, error) {
	pkt := PongPacket{
		To:         endpointFromNode(to),
		ReplyTok:   replyTok,
		Expiration: uint64(time.Now().Add(ttl).Unix()),
	}
	return EncodePacket(priv, PacketPong, pkt)
}

// MakeFindNeighbours builds a signed FindNeighbours packet for the given target
// public key (64-byte uncompressed, no 0x04 prefix).
func MakeFindNeighbours(priv *ecdsa.PrivateKey, target []byte, ttl time.Duration) ([]byte, error) {
	pkt := FindNeighboursPacket{
		Target:     target,
		Expiration: uint64(time.Now().Add(ttl).Unix()),
	}
	return EncodePacket(priv, PacketFindNeighbours, pkt)
}

// MakeNeighbours builds a signed Neighbours packet carrying up to BucketSize
// nodes closest to the requested target.
func MakeNeighbours(priv *ecdsa.PrivateKey, nodes []*enode.Node, ttl time.Duration) ([]byte, error) {
	entries := make([]rpcEndpointNode, 0, len(nodes))
	for _, n := range nodes {
		ip := n.IP.To4()
		if ip == nil {
			ip = n.IP.To16()
		}
		entries = append(entries, rpcEndpointNode{
			IP:  ip,
			UDP: n.UDP,
			TCP: n.TCP,
			ID:  n.Pubkey,
		})
	}
	pkt := NeighboursPacket{
		Nodes:      entries,
		Expiration: uint64(time.Now().Add(ttl).Unix()),
	}
	return EncodePacket(priv, PacketNeighbours, pkt)
}

// NodeFromPubkeyAndEndpoint derives a Node and its NodeID (keccak256 of the
// 64-byte uncompressed public key, without the 0x04 prefix byte) from wire
// data received in a Neighbours/Ping/Pong packet. pubkey may be 64 or 65
// bytes; a leading 0x04 format byte, if present, is stripped before hashing.
func NodeFromPubkeyAndEndpoint(pubkey []byte, ip net.IP, udp, tcp uint16) *enode.Node {
	raw := pubkey
	if len(raw) == 65 && raw[0] == 0x04 {
		raw = raw[1:]
	}
	id := enode.NodeID(crypto.Keccak256Hash(raw))
	n := enode.NewNode(id, ip, tcp, udp)
	n.Pubkey = pubkey
	return n
}
