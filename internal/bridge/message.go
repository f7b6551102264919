package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/tinyrange/vnet/internal/iface"
)

// Wire format, shared with the bridge process:
//
//	[2 bytes: msg_type (big endian)]
//	[4 bytes: payload_len (big endian)]
//	[payload_len bytes: payload]
const (
	// Session setup (0x00xx)
	MsgBind   uint16 = 0x0001
	MsgBindOK uint16 = 0x0002

	// Lease management (0x01xx)
	MsgIPRequest   uint16 = 0x0100
	MsgIPAck       uint16 = 0x0101
	MsgIPDuplicate uint16 = 0x0102

	// Datapath (0x02xx)
	MsgPayload uint16 = 0x0200
)

// headerLen is the framed message header size in bytes.
const headerLen = 6

// maxMessageLen bounds a single framed message. Payload messages are
// single IP datagrams, so anything bigger indicates a desynchronized
// or hostile peer.
const maxMessageLen = 64 * 1024

type header struct {
	typ    uint16
	length uint32
}

func readHeader(r io.Reader) (header, error) {
	var buf [headerLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, err
	}
	return header{
		typ:    binary.BigEndian.Uint16(buf[0:2]),
		length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

func writeHeader(w io.Writer, h header) error {
	var buf [headerLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.typ)
	binary.BigEndian.PutUint32(buf[2:6], h.length)
	_, err := w.Write(buf[:])
	return err
}

// Control is a decoded lease-management message. Which fields are
// meaningful depends on Type: IP_REQUEST carries Seq, IP_ACK carries
// Addr and Seq, IP_DUPLICATE carries Addr.
type Control struct {
	Type uint16
	Seq  uint32
	Addr netip.Addr
}

func (m Control) encode() ([]byte, error) {
	switch m.Type {
	case MsgIPRequest:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], m.Seq)
		return buf[:], nil
	case MsgIPAck:
		var buf [8]byte
		addr := m.Addr.As4()
		copy(buf[0:4], addr[:])
		binary.BigEndian.PutUint32(buf[4:8], m.Seq)
		return buf[:], nil
	case MsgIPDuplicate:
		addr := m.Addr.As4()
		return addr[:], nil
	default:
		return nil, fmt.Errorf("bridge: cannot encode message type 0x%04x", m.Type)
	}
}

func decodeControl(typ uint16, payload []byte) (Control, error) {
	m := Control{Type: typ}
	switch typ {
	case MsgIPRequest:
		if len(payload) != 4 {
			return Control{}, fmt.Errorf("bridge: ip_request payload %d bytes", len(payload))
		}
		m.Seq = binary.BigEndian.Uint32(payload)
	case MsgIPAck:
		if len(payload) != 8 {
			return Control{}, fmt.Errorf("bridge: ip_ack payload %d bytes", len(payload))
		}
		m.Addr = netip.AddrFrom4([4]byte(payload[0:4]))
		m.Seq = binary.BigEndian.Uint32(payload[4:8])
	case MsgIPDuplicate:
		if len(payload) != 4 {
			return Control{}, fmt.Errorf("bridge: ip_duplicate payload %d bytes", len(payload))
		}
		m.Addr = netip.AddrFrom4([4]byte(payload))
	default:
		return Control{}, fmt.Errorf("bridge: unknown control message type 0x%04x", typ)
	}
	return m, nil
}

// decodeBind parses the endpoint descriptor from a bind payload.
func decodeBind(payload []byte) (iface.Endpoint, error) {
	if len(payload) < 2 {
		return iface.Endpoint{}, fmt.Errorf("bridge: bind payload %d bytes", len(payload))
	}
	nameLen := int(binary.BigEndian.Uint16(payload[0:2]))
	rest := payload[2:]
	if len(rest) != nameLen+6+4+1 {
		return iface.Endpoint{}, fmt.Errorf("bridge: bind payload %d bytes for %d-byte device name", len(payload), nameLen)
	}
	ep := iface.Endpoint{
		Device:       string(rest[:nameLen]),
		HardwareAddr: net.HardwareAddr(append([]byte(nil), rest[nameLen:nameLen+6]...)),
		Addr:         netip.AddrFrom4([4]byte(rest[nameLen+6 : nameLen+10])),
		PrefixBits:   int(rest[nameLen+10]),
	}
	return ep, nil
}

// encodeBind serializes the endpoint descriptor sent at dial time:
// device name (u16 length + bytes), MAC (6 bytes), local IPv4
// (4 bytes), prefix length (1 byte).
func encodeBind(device string, mac net.HardwareAddr, addr netip.Addr, prefixBits int) ([]byte, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("bridge: invalid mac length %d", len(mac))
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("bridge: local address %s is not ipv4", addr)
	}
	buf := make([]byte, 0, 2+len(device)+6+4+1)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(device)))
	buf = append(buf, device...)
	buf = append(buf, mac...)
	ip := addr.As4()
	buf = append(buf, ip[:]...)
	buf = append(buf, byte(prefixBits))
	return buf, nil
}
