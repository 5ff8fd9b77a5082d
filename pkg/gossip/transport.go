package gossip

import "github.com/ryandielhenn/zephyrbus/pkg/transport"

// Fabric is the part of the connection manager a Synchronizer talks through.
type Fabric interface {
	// Connections returns the current neighbors.
	Connections() []transport.Conn
	// SendPacket sends payload on channel to each target. A failed target does not stop the others.
	SendPacket(channel string, payload []byte, targets ...transport.Conn) error
	// SetInternalHandler routes every packet on channel to h instead of the application.
	SetInternalHandler(channel string, h func(payload []byte, from transport.Conn))
}
