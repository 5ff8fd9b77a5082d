package node

// Listener receives topology events. Callbacks run on the worker of the
// connection that caused them and must not block; dial from a goroutine.
type Listener interface {
	// PreConnected fires when a link is up but no welcome has arrived yet.
	// remote is nil for accepted connections.
	PreConnected(remote *Identity, thisIsServer bool)
	// Connected fires when a peer's welcome has been accepted.
	Connected(remote Identity, thisIsServer bool)
	// NodesRegistered fires with identities new to this node. fromSync is
	// true when they were learned from the mesh rather than added locally.
	NodesRegistered(nodes []Identity, fromSync bool)
	Disconnected(remote Identity)
	ConnectionAttemptFailed(remote Identity, err error)
}

// NopListener ignores every event. Embed it to implement only some callbacks.
type NopListener struct{}

func (NopListener) PreConnected(*Identity, bool)            {}
func (NopListener) Connected(Identity, bool)                {}
func (NopListener) NodesRegistered([]Identity, bool)        {}
func (NopListener) Disconnected(Identity)                   {}
func (NopListener) ConnectionAttemptFailed(Identity, error) {}
