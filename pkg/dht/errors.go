package dht

import "fmt"

// ErrorKind tags the class of a dht.Error, not its Go type.
type ErrorKind int

const (
	// NoKnownPeers: a query was started with an empty seed set.
	NoKnownPeers ErrorKind = iota
	// ErrTimeout: a query deadline or RPC timeout expired.
	ErrTimeout
	// ErrUnreachable: dial or stream-open failed for a peer.
	ErrUnreachable
	// ErrProtocol: malformed message, wrong protocol, or unexpected reply
	// type. Fatal for the stream, never for the query unless it caused
	// every peer to fail.
	ErrProtocol
	// ErrNotFound: GetValue/GetProviders completed without a record or
	// provider.
	ErrNotFound
	// ErrStopped: the node is shutting down.
	ErrStopped
	// ErrInternal: invariant violation. Logged, surfaced, never
	// recovered.
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case NoKnownPeers:
		return "NoKnownPeers"
	case ErrTimeout:
		return "Timeout"
	case ErrUnreachable:
		return "Unreachable"
	case ErrProtocol:
		return "ProtocolError"
	case ErrNotFound:
		return "NotFound"
	case ErrStopped:
		return "Stopped"
	case ErrInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried across the Controller reply
// boundary and through the query/router internals.
type Error struct {
	Kind ErrorKind
	Peer PeerID
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("dht: %s peer=%s: %v", e.Kind, e.Peer, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("dht: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("dht: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, peer PeerID, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Err: err}
}
