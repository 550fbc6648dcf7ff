package dht

import (
	"context"
	"testing"
	"time"

	"github.com/shadowmesh/kaddht/pkg/dht/wire"
)

// scriptedHost answers OpenStream/RPC per peer according to a fixed script,
// so query-loop tests can control exactly what each round observes without
// depending on real peer-id hashes.
type scriptedHost struct {
	local     PeerID
	responses map[PeerID]*wire.Message
	fail      map[PeerID]bool
}

type scriptedStream struct {
	resp *wire.Message
	fail bool
}

func (s scriptedStream) SendFrame(frame []byte) error { return nil }
func (s scriptedStream) RecvFrame() ([]byte, error) {
	if s.fail {
		return nil, newError(ErrTimeout, "", nil)
	}
	return wire.EncodeMessage(s.resp)
}
func (s scriptedStream) Close() error { return nil }

func (h *scriptedHost) OpenStream(ctx context.Context, peer PeerID, protocolID string) (Stream, error) {
	if h.fail[peer] {
		return nil, newError(ErrUnreachable, peer, nil)
	}
	resp := h.responses[peer]
	if resp == nil {
		resp = &wire.Message{Type: wire.MsgFindNode}
	}
	return scriptedStream{resp: resp}, nil
}
func (h *scriptedHost) Events() <-chan HostEvent { return make(chan HostEvent) }
func (h *scriptedHost) LocalPeerID() PeerID      { return h.local }

func distKey(lsb byte) Key {
	var k Key
	k[KeySize-1] = lsb
	return k
}

func baseQueryCfg() Config {
	cfg := DefaultConfig()
	cfg.RpcTimeout = time.Second
	cfg.QueryDeadline = 5 * time.Second
	return cfg
}

func TestRunShortlistLoopOrdersByDistanceAndTruncatesToK(t *testing.T) {
	shortlist := map[PeerID]*shortlistPeer{
		"P1": {dist: distKey(1), state: NotContacted},
		"P2": {dist: distKey(2), state: NotContacted},
		"P3": {dist: distKey(4), state: NotContacted},
		"P4": {dist: distKey(8), state: NotContacted},
		"P5": {dist: distKey(16), state: NotContacted},
		"P6": {dist: distKey(32), state: NotContacted},
		"P7": {dist: distKey(64), state: NotContacted},
	}
	cfg := baseQueryCfg()
	cfg.K = 6
	cfg.Alpha = 3
	cfg.Beta = 3

	host := &scriptedHost{local: "local"}
	events := make(chan QueryEvent, 64)
	res := runShortlistLoop(context.Background(), 1, "local", cfg, host, "/test/1.0", shortlist, QueryParams{Type: QueryFindNode}, events)

	if len(res.Peers) != 6 {
		t.Fatalf("expected 6 peers (K truncation), got %d: %v", len(res.Peers), res.Peers)
	}
	want := []PeerID{"P1", "P2", "P3", "P4", "P5", "P6"}
	for i, p := range want {
		if res.Peers[i] != p {
			t.Fatalf("position %d: expected %s, got %s (full: %v)", i, p, res.Peers[i], res.Peers)
		}
	}
}

func TestRunShortlistLoopStallTerminatesAfterBetaRounds(t *testing.T) {
	shortlist := map[PeerID]*shortlistPeer{
		"P1": {dist: distKey(1), state: NotContacted},
		"P2": {dist: distKey(2), state: NotContacted},
		"P3": {dist: distKey(3), state: NotContacted},
	}
	cfg := baseQueryCfg()
	cfg.K = 3
	cfg.Alpha = 1
	cfg.Beta = 3

	host := &scriptedHost{local: "local"}
	events := make(chan QueryEvent, 64)
	res := runShortlistLoop(context.Background(), 2, "local", cfg, host, "/test/1.0", shortlist, QueryParams{Type: QueryFindNode}, events)

	if res.Rounds != cfg.Beta {
		t.Fatalf("expected exactly %d rounds (one RPC per round, none of which finds a closer peer), got %d", cfg.Beta, res.Rounds)
	}
	if len(res.Peers) != 3 {
		t.Fatalf("expected all 3 peers to have succeeded, got %d", len(res.Peers))
	}
}

func TestRunShortlistLoopGetValueShortCircuitsOnQuorum(t *testing.T) {
	shortlist := map[PeerID]*shortlistPeer{
		"P1": {dist: distKey(1), state: NotContacted},
		"P2": {dist: distKey(2), state: NotContacted},
		"P3": {dist: distKey(3), state: NotContacted},
	}
	cfg := baseQueryCfg()
	cfg.K = 3
	cfg.Alpha = 3
	cfg.Beta = 3
	cfg.Q = 1

	host := &scriptedHost{
		local: "local",
		responses: map[PeerID]*wire.Message{
			"P1": {Type: wire.MsgGetValue, Record: &wire.Record{Key: []byte("k"), Value: []byte("v")}},
		},
	}
	events := make(chan QueryEvent, 64)
	res := runShortlistLoop(context.Background(), 3, "local", cfg, host, "/test/1.0", shortlist, QueryParams{Type: QueryGetValue, RecordKey: []byte("k")}, events)

	if len(res.Records) < cfg.Q {
		t.Fatalf("expected at least %d confirming record(s), got %d", cfg.Q, len(res.Records))
	}
	if res.Rounds != 1 {
		t.Fatalf("expected quorum to short-circuit after round 1, got %d rounds", res.Rounds)
	}
}

func TestRunShortlistLoopFailedRPCExcludedFromFront(t *testing.T) {
	shortlist := map[PeerID]*shortlistPeer{
		"P1": {dist: distKey(1), state: NotContacted},
		"P2": {dist: distKey(2), state: NotContacted},
	}
	cfg := baseQueryCfg()
	cfg.K = 2
	cfg.Alpha = 2
	cfg.Beta = 1

	host := &scriptedHost{local: "local", fail: map[PeerID]bool{"P1": true}}
	events := make(chan QueryEvent, 64)
	res := runShortlistLoop(context.Background(), 4, "local", cfg, host, "/test/1.0", shortlist, QueryParams{Type: QueryFindNode}, events)

	if len(res.Peers) != 1 || res.Peers[0] != "P2" {
		t.Fatalf("expected only P2 to succeed, got %v", res.Peers)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failure recorded, got %d", res.Failed)
	}
}

func TestMergeCloserSkipsExistingPeers(t *testing.T) {
	target := distKey(0)
	shortlist := map[PeerID]*shortlistPeer{
		"known": {dist: distKey(5), state: Succeeded},
	}
	mergeCloser(shortlist, []wire.Peer{{ID: []byte("known")}, {ID: []byte("new")}}, target)

	if len(shortlist) != 2 {
		t.Fatalf("expected 2 shortlist entries after merge, got %d", len(shortlist))
	}
	if shortlist["known"].state != Succeeded {
		t.Fatalf("merge must not clobber an existing peer's state")
	}
	if shortlist["new"].state != NotContacted {
		t.Fatalf("newly merged peer should start NotContacted")
	}
}

func TestFinalizeResultTieBreaksByPeerID(t *testing.T) {
	sameDist := distKey(9)
	shortlist := map[PeerID]*shortlistPeer{
		"zeta":  {dist: sameDist, state: Succeeded},
		"alpha": {dist: sameDist, state: Succeeded},
	}
	res := finalizeResult(&QueryResult{}, shortlist, 2)
	if res.Peers[0] != "alpha" || res.Peers[1] != "zeta" {
		t.Fatalf("expected byte-order tie-break [alpha, zeta], got %v", res.Peers)
	}
}

func TestAllFrontDoneRequiresTerminalState(t *testing.T) {
	shortlist := map[PeerID]*shortlistPeer{
		"a": {dist: distKey(1), state: Succeeded},
		"b": {dist: distKey(2), state: Waiting},
	}
	if allFrontDone(shortlist, 2) {
		t.Fatalf("expected allFrontDone to be false while a peer is still Waiting")
	}
	shortlist["b"].state = Failed
	if !allFrontDone(shortlist, 2) {
		t.Fatalf("expected allFrontDone to be true once every front member is terminal")
	}
}
