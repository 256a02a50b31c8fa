package transport

import (
	"fmt"
	"io"
)

// Negotiate runs the client side of the connection handshake: it
// announces the client id, protocol name, and version, then reads the
// server id and the status preamble.
func Negotiate(rw io.ReadWriter, clientID, protocol string) (serverID string, err error) {
	pkt := NewPacket(rw)
	if err := pkt.WriteString(clientID); err != nil {
		return "", err
	}
	if err := pkt.WriteString(protocol); err != nil {
		return "", err
	}
	if err := pkt.WriteUint32(ProtocolVersion); err != nil {
		return "", err
	}
	serverID, err = pkt.ReadString()
	if err != nil {
		return "", err
	}
	status, err := pkt.ReadString()
	if err != nil {
		return "", err
	}
	if status != "ok" {
		return "", fmt.Errorf("negotiate %s: server %s replied %q", protocol, serverID, status)
	}
	return serverID, nil
}
