package transport

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Heartbeat is the payload of a UDP heartbeat datagram: sender label,
// monotonic sequence number, declared capacity, used bytes (§4.1/§6).
type Heartbeat struct {
	Label         string
	Sequence      uint64
	CapacityBytes int64
	UsedBytes     int64
}

// Encode serializes a Heartbeat: 2B label length, label, 8B sequence, 8B
// capacity, 8B used.
func (h Heartbeat) Encode() []byte {
	labelLen := len(h.Label)
	buf := make([]byte, 2+labelLen+8+8+8)
	binary.BigEndian.PutUint16(buf[0:2], uint16(labelLen))
	copy(buf[2:2+labelLen], h.Label)
	off := 2 + labelLen
	binary.BigEndian.PutUint64(buf[off:off+8], h.Sequence)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(h.CapacityBytes))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(h.UsedBytes))
	return buf
}

// DecodeHeartbeat parses a heartbeat datagram. Malformed datagrams are
// dropped by the caller, not fatal: loss and corruption are both tolerated
// on the unreliable channel.
func DecodeHeartbeat(raw []byte) (Heartbeat, error) {
	if len(raw) < 2 {
		return Heartbeat{}, fmt.Errorf("heartbeat too short")
	}
	labelLen := int(binary.BigEndian.Uint16(raw[0:2]))
	off := 2
	if len(raw) < off+labelLen+8+8+8 {
		return Heartbeat{}, fmt.Errorf("heartbeat truncated")
	}
	label := string(raw[off : off+labelLen])
	off += labelLen
	seq := binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	cap := int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	used := int64(binary.BigEndian.Uint64(raw[off : off+8]))
	return Heartbeat{Label: label, Sequence: seq, CapacityBytes: cap, UsedBytes: used}, nil
}

// UDPSender emits heartbeat datagrams to peer addresses over one shared
// unconnected UDP socket.
type UDPSender struct {
	conn *net.UDPConn
}

// NewUDPSender opens the unreliable channel's outbound socket.
func NewUDPSender() (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open udp sender: %w", err)
	}
	return &UDPSender{conn: conn}, nil
}

// SendTo emits a heartbeat datagram to addr. Failures are expected (peer
// down, network blip) and non-fatal.
func (s *UDPSender) SendTo(addr string, hb Heartbeat) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	_, err = s.conn.WriteToUDP(hb.Encode(), raddr)
	return err
}

// Close releases the sender's socket.
func (s *UDPSender) Close() error { return s.conn.Close() }

// UDPListener receives heartbeat datagrams on the unreliable channel.
type UDPListener struct {
	conn *net.UDPConn
}

// ListenUDP opens the unreliable channel's inbound socket on addr.
func ListenUDP(addr string) (*UDPListener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return &UDPListener{conn: conn}, nil
}

// Addr returns the listener's bound address.
func (l *UDPListener) Addr() net.Addr { return l.conn.LocalAddr() }

// Serve reads datagrams until the listener is closed, calling onHeartbeat
// for each one that decodes successfully. Decode failures are dropped.
func (l *UDPListener) Serve(onHeartbeat func(from net.Addr, hb Heartbeat)) error {
	buf := make([]byte, 2048)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		hb, err := DecodeHeartbeat(buf[:n])
		if err != nil {
			continue
		}
		onHeartbeat(from, hb)
	}
}

// Close releases the listener's socket.
func (l *UDPListener) Close() error { return l.conn.Close() }
