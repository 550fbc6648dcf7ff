package dht

import (
	"context"
	"testing"
	"time"
)

type fakeHost struct {
	local  PeerID
	events chan HostEvent
}

func newFakeHost(local PeerID) *fakeHost {
	return &fakeHost{local: local, events: make(chan HostEvent, 16)}
}

func (h *fakeHost) OpenStream(ctx context.Context, peer PeerID, protocolID string) (Stream, error) {
	return nil, newError(ErrUnreachable, peer, nil)
}
func (h *fakeHost) Events() <-chan HostEvent { return h.events }
func (h *fakeHost) LocalPeerID() PeerID      { return h.local }

func newTestMainLoop(t *testing.T) *MainLoop {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EvictGrace = 10 * time.Minute
	host := newFakeHost("local")
	return NewMainLoop(cfg, "local", host, NewMapRecordStore(), nil)
}

// Scenario 5: a failed RPC against a freshly-added peer (aliveness younger
// than EvictGrace) must not evict it; only once aliveness has aged past
// EvictGrace does a failed RPC remove the entry.
func TestMainLoopFailedRPCEvictionGrace(t *testing.T) {
	m := newTestMainLoop(t)

	peer := PeerID("fresh-peer")
	now := time.Now()
	m.table.InsertOrUpdate(peer, []string{"/ip4/127.0.0.1/udp/4001"}, now, m.cfg.StaleReplaceThreshold)

	m.queries[1] = &queryHandle{qtype: QueryFindNode, started: now}
	m.handleQueryEvent(QueryEvent{QueryID: 1, Kind: QueryProgress, Peer: peer, Outcome: ProgressFailure})

	if _, ok := m.table.Get(peer); !ok {
		t.Fatalf("peer evicted despite being within EvictGrace window")
	}

	m.table.UpdateAliveness(peer, now.Add(-2*m.cfg.EvictGrace))
	m.handleQueryEvent(QueryEvent{QueryID: 1, Kind: QueryProgress, Peer: peer, Outcome: ProgressFailure})

	if _, ok := m.table.Get(peer); ok {
		t.Fatalf("peer not evicted after failed RPC past EvictGrace")
	}
}

func TestMainLoopQueryProgressSuccessRefreshesAliveness(t *testing.T) {
	m := newTestMainLoop(t)
	peer := PeerID("peer-a")
	old := time.Now().Add(-time.Hour)
	m.table.InsertOrUpdate(peer, nil, old, m.cfg.StaleReplaceThreshold)

	m.queries[1] = &queryHandle{qtype: QueryFindNode, started: time.Now()}
	m.handleQueryEvent(QueryEvent{QueryID: 1, Kind: QueryProgress, Peer: peer, Outcome: ProgressSuccess})

	entry, ok := m.table.Get(peer)
	if !ok {
		t.Fatalf("peer unexpectedly removed")
	}
	if !entry.AlivenessTs.After(old) {
		t.Fatalf("aliveness not refreshed on successful RPC")
	}
}

func TestMainLoopDumpReflectsTableAndQueries(t *testing.T) {
	m := newTestMainLoop(t)
	m.table.InsertOrUpdate("peer-a", []string{"/ip4/1.2.3.4/udp/4001"}, time.Now(), m.cfg.StaleReplaceThreshold)
	m.table.InsertOrUpdate("peer-b", []string{"/ip4/1.2.3.5/udp/4001"}, time.Now(), m.cfg.StaleReplaceThreshold)
	m.queries[42] = &queryHandle{qtype: QueryFindNode, started: time.Now()}

	dump := m.buildDump()
	if len(dump.Entries) != 2 {
		t.Fatalf("expected 2 entries in dump, got %d", len(dump.Entries))
	}
	if len(dump.ActiveQueries) != 1 || dump.ActiveQueries[0] != 42 {
		t.Fatalf("expected active query 42 in dump, got %v", dump.ActiveQueries)
	}
}

func TestMainLoopStatsCommandReportsTableSize(t *testing.T) {
	m := newTestMainLoop(t)
	m.table.InsertOrUpdate("peer-a", nil, time.Now(), m.cfg.StaleReplaceThreshold)
	m.connected["peer-a"] = &connInfo{status: StatusConnected}

	reply := make(chan CommandReply, 1)
	m.handleCommand(Command{Kind: CmdStats, ReplyTo: reply})
	got := <-reply

	if got.Stats == nil {
		t.Fatalf("expected stats in reply")
	}
	if got.Stats.TableSize != 1 {
		t.Fatalf("expected table size 1, got %d", got.Stats.TableSize)
	}
	if got.Stats.ConnectedPeers != 1 {
		t.Fatalf("expected 1 connected peer, got %d", got.Stats.ConnectedPeers)
	}
}

func TestMainLoopAddAddressAndRemovePeer(t *testing.T) {
	m := newTestMainLoop(t)
	reply := make(chan CommandReply, 1)

	m.handleCommand(Command{Kind: CmdAddAddress, Peer: "peer-a", Addrs: []string{"/ip4/1.2.3.4/udp/4001"}, ReplyTo: reply})
	got := <-reply
	if got.Err != nil {
		t.Fatalf("unexpected error adding address: %v", got.Err)
	}
	if _, ok := m.table.Get("peer-a"); !ok {
		t.Fatalf("peer-a not present after CmdAddAddress")
	}

	m.handleCommand(Command{Kind: CmdRemovePeer, Peer: "peer-a", ReplyTo: reply})
	<-reply
	if _, ok := m.table.Get("peer-a"); ok {
		t.Fatalf("peer-a still present after CmdRemovePeer")
	}
}

func TestMainLoopPublishViewTracksTable(t *testing.T) {
	m := newTestMainLoop(t)
	m.table.InsertOrUpdate("peer-a", []string{"/ip4/1.2.3.4/udp/4001"}, time.Now(), m.cfg.StaleReplaceThreshold)
	m.publishView()

	view := m.View()
	if _, ok := view.Get("peer-a"); !ok {
		t.Fatalf("published view missing peer-a")
	}

	closest := view.Closest(KeyFromPeerID("peer-a"), 5)
	if len(closest) != 1 || closest[0] != "peer-a" {
		t.Fatalf("expected peer-a in closest set, got %v", closest)
	}
}

func TestMainLoopFindPeerWithEmptyTableReturnsNoKnownPeers(t *testing.T) {
	m := newTestMainLoop(t)
	reply := make(chan CommandReply, 1)
	m.handleCommand(Command{Kind: CmdFindPeer, Peer: "ghost", ReplyTo: reply})
	got := <-reply
	if got.Err == nil || got.Err.Kind != NoKnownPeers {
		t.Fatalf("expected NoKnownPeers error, got %+v", got.Err)
	}
}
