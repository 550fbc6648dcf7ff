package dht

import (
	"fmt"
	"time"

	"github.com/shadowmesh/kaddht/pkg/dht/wire"
	"github.com/shadowmesh/kaddht/pkg/logging"
)

// RouterEventKind tags a MessageRouter->MainLoop event.
type RouterEventKind int

const (
	RouterPeerSeen RouterEventKind = iota
	RouterRecordWritten
)

// RouterEvent is emitted by MessageRouter on every inbound message
// (PeerSeen) and on every successful PUT_VALUE/ADD_PROVIDER
// (RecordWritten), for MainLoop to refresh aliveness or update stats.
type RouterEvent struct {
	Kind RouterEventKind
	Peer PeerID
	Key  Key
}

// TableView is the read-only slice of MainLoop state MessageRouter needs:
// a closest() lookup against a snapshot, never the live table itself
// (peer → addrs, table → entries, query → peers are all identifier-based,
// per the design notes).
type TableView interface {
	Closest(target Key, count int) []PeerID
	Get(peer PeerID) (*Entry, bool)
}

// MessageRouter serves inbound Kad RPCs using a snapshot view of the
// table and a handle to the RecordStore. It never mutates the table
// directly; PeerSeen/RecordWritten events flow to MainLoop instead.
type MessageRouter struct {
	k           int
	store       RecordStore
	log         *logging.Logger
	recordTtl   time.Duration
	providerTtl time.Duration
}

// NewMessageRouter constructs a router bound to the given bucket width and
// RecordStore. recordTtl/providerTtl are the TTLs applied to inbound
// PUT_VALUE/ADD_PROVIDER writes, per Config.RecordTtl/Config.ProviderTtl.
func NewMessageRouter(k int, store RecordStore, recordTtl, providerTtl time.Duration, log *logging.Logger) *MessageRouter {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	return &MessageRouter{k: k, store: store, recordTtl: recordTtl, providerTtl: providerTtl, log: log}
}

// Handle serves one inbound Kad message against view, returning the
// reply frame and the PeerSeen/RecordWritten events to forward to
// MainLoop. streamPeer is the peer_id the stream itself was opened by,
// used to validate ADD_PROVIDER's provider identity.
func (r *MessageRouter) Handle(streamPeer PeerID, msg *wire.Message, view TableView) (*wire.Message, []RouterEvent) {
	events := []RouterEvent{{Kind: RouterPeerSeen, Peer: streamPeer}}

	switch msg.Type {
	case wire.MsgFindNode:
		target := KeyFromBytes(msg.Key)
		reply := &wire.Message{Type: wire.MsgFindNode, Key: msg.Key, CloserPeers: r.closerPeers(view, target)}
		return reply, events

	case wire.MsgGetValue:
		key := KeyFromBytes(msg.Key)
		reply := &wire.Message{Type: wire.MsgGetValue, Key: msg.Key, CloserPeers: r.closerPeers(view, key)}
		if r.store != nil {
			if rec, ok, err := r.store.Get(key); err == nil && ok {
				reply.Record = &wire.Record{Key: rec.Key[:], Value: rec.Value, TimeReceived: rec.TimeReceived.UnixNano()}
			}
		}
		return reply, events

	case wire.MsgPutValue:
		key := KeyFromBytes(msg.Key)
		if msg.Record == nil {
			r.log.Warn("PUT_VALUE with no record", logging.Fields{"peer": string(streamPeer)})
			return nil, events
		}
		if r.store != nil {
			rec := Record{Key: key, Value: msg.Record.Value, TimeReceived: time.Unix(0, msg.Record.TimeReceived)}
			if err := r.store.Put(key, rec, r.recordTtl); err != nil {
				r.log.Error("failed to store PUT_VALUE record", logging.Fields{"error": err.Error()})
				return nil, events
			}
		}
		events = append(events, RouterEvent{Kind: RouterRecordWritten, Peer: streamPeer, Key: key})
		return &wire.Message{Type: wire.MsgPutValue, Key: msg.Key}, events

	case wire.MsgGetProviders:
		key := KeyFromBytes(msg.Key)
		reply := &wire.Message{Type: wire.MsgGetProviders, Key: msg.Key, CloserPeers: r.closerPeers(view, key)}
		if r.store != nil {
			if providers, err := r.store.Providers(key); err == nil {
				reply.ProviderPeers = toWirePeers(providers, view)
			}
		}
		return reply, events

	case wire.MsgAddProvider:
		key := KeyFromBytes(msg.Key)
		if len(msg.ProviderPeers) != 1 {
			r.log.Warn("ADD_PROVIDER with unexpected peer count", logging.Fields{"peer": string(streamPeer)})
			return nil, events
		}
		provider := msg.ProviderPeers[0]
		if PeerID(provider.ID) != streamPeer {
			r.log.Warn("ADD_PROVIDER provider identity mismatch, rejecting", logging.Fields{
				"peer": string(streamPeer), "claimed": string(provider.ID),
			})
			return nil, events
		}
		if r.store != nil {
			info := ProviderInfo{PeerID: streamPeer, Addrs: bytesToAddrs(provider.Addrs)}
			if err := r.store.AddProvider(key, info, r.providerTtl); err != nil {
				r.log.Error("failed to store ADD_PROVIDER", logging.Fields{"error": err.Error()})
				return nil, events
			}
		}
		events = append(events, RouterEvent{Kind: RouterRecordWritten, Peer: streamPeer, Key: key})
		return &wire.Message{Type: wire.MsgAddProvider, Key: msg.Key}, events

	case wire.MsgPing:
		return &wire.Message{Type: wire.MsgPing}, events

	default:
		r.log.Warn(fmt.Sprintf("unhandled message type 0x%02x", byte(msg.Type)), logging.Fields{"peer": string(streamPeer)})
		return nil, events
	}
}

func (r *MessageRouter) closerPeers(view TableView, target Key) []wire.Peer {
	ids := view.Closest(target, r.k)
	peers := make([]wire.Peer, 0, len(ids))
	for _, id := range ids {
		entry, ok := view.Get(id)
		if !ok {
			continue
		}
		peers = append(peers, wire.Peer{
			ID:         []byte(id),
			Addrs:      addrsToBytes(entry.addrList()),
			Connection: wire.ConnectionType(entry.ConnectionState),
		})
	}
	return peers
}

func toWirePeers(providers []ProviderInfo, view TableView) []wire.Peer {
	peers := make([]wire.Peer, 0, len(providers))
	for _, p := range providers {
		conn := wire.NotConnected
		if entry, ok := view.Get(p.PeerID); ok {
			conn = wire.ConnectionType(entry.ConnectionState)
		}
		peers = append(peers, wire.Peer{ID: []byte(p.PeerID), Addrs: addrsToBytes(p.Addrs), Connection: conn})
	}
	return peers
}
