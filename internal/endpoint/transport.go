// Package endpoint is the server side of the datagram endpoint described
// in spec.md §4.4: it owns the UDP socket and the receive/timer loops,
// decodes inbound datagrams, verifies nonce/MAC, and dispatches requests
// to opcode handlers; sealed frames that are not requests are dropped.
// The client side lives in internal/clientsession, which reads and writes
// its own connected socket rather than this transport. The transport
// mirrors the teacher's
// internal/transport socket ownership generalized from QUIC streams to
// bare UDP datagrams.
package endpoint

import (
	"net"

	"chatroom/internal/protoerr"
	"chatroom/internal/wire"
)

// maxDatagramSize bounds a single recv; matches wire.MaxFrameSize.
const maxDatagramSize = wire.MaxFrameSize

// transport wraps one UDP socket. Reads and writes are safe for
// concurrent use (net.UDPConn already guarantees this).
type transport struct {
	conn *net.UDPConn
}

func newTransport(conn *net.UDPConn) *transport {
	return &transport{conn: conn}
}

// writeTo sends a raw datagram to addr.
func (t *transport) writeTo(addr *net.UDPAddr, datagram []byte) error {
	if _, err := t.conn.WriteToUDP(datagram, addr); err != nil {
		return protoerr.Wrap(protoerr.KindTransportError, "write failed", err)
	}
	return nil
}

// write sends a raw datagram on a connected socket (client side).
func (t *transport) write(datagram []byte) error {
	if _, err := t.conn.Write(datagram); err != nil {
		return protoerr.Wrap(protoerr.KindTransportError, "write failed", err)
	}
	return nil
}

// readFrom blocks for the next inbound datagram and its sender.
func (t *transport) readFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, protoerr.Wrap(protoerr.KindTransportError, "read failed", err)
	}
	return n, addr, nil
}

// read blocks for the next inbound datagram on a connected socket.
func (t *transport) read(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if err != nil {
		return 0, protoerr.Wrap(protoerr.KindTransportError, "read failed", err)
	}
	return n, nil
}

func (t *transport) close() error {
	return t.conn.Close()
}

func (t *transport) localAddr() net.Addr {
	return t.conn.LocalAddr()
}
