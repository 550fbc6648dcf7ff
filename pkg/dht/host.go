package dht

import "context"

// Stream is a single bidirectional Kad RPC exchange opened by a Host.
// Implementations (pkg/transport) carry frames over a QUIC stream.
type Stream interface {
	SendFrame(frame []byte) error
	RecvFrame() ([]byte, error)
	Close() error
}

// HostEventKind tags a notification emitted by a Host.
type HostEventKind int

const (
	HostConnected HostEventKind = iota
	HostDisconnected
	HostPeerIdentified
)

// HostEvent is one notification from the Host's event stream.
type HostEvent struct {
	Kind      HostEventKind
	Peer      PeerID
	Addrs     []string
	Protocols []string
}

// Host is the transport/peer-host collaborator the core consumes. It is
// deliberately out of scope for the core: dial, stream open, frame
// send/recv, and connect/disconnect/identify notifications.
type Host interface {
	// OpenStream dials peer if needed and opens a stream negotiated for
	// protocolID.
	OpenStream(ctx context.Context, peer PeerID, protocolID string) (Stream, error)
	// Events returns the channel of Connected/Disconnected/PeerIdentified
	// notifications. An implementation may close it on shutdown; MainLoop
	// stops reading it once it is closed.
	Events() <-chan HostEvent
	// LocalPeerID returns this node's own PeerID.
	LocalPeerID() PeerID
}
