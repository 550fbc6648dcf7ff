package dht

import (
	"context"
	"sort"
	"time"

	"github.com/shadowmesh/kaddht/pkg/dht/wire"
)

// QueryEventKind tags a QueryTask->MainLoop event.
type QueryEventKind int

const (
	QueryProgress QueryEventKind = iota
	QueryCompleted
)

// QueryProgressOutcome tags a single peer's RPC outcome within a round,
// carried on Progress events so MainLoop can update aliveness or remove
// the peer (§4.4 handling rules).
type QueryProgressOutcome int

const (
	ProgressSuccess QueryProgressOutcome = iota
	ProgressFailure
)

// QueryEvent is the only thing that crosses the QueryTask/MainLoop
// boundary. Progress carries one peer's outcome; Completed carries the
// final result and is sent exactly once.
type QueryEvent struct {
	QueryID QueryID
	Kind    QueryEventKind
	Peer    PeerID
	Outcome QueryProgressOutcome
	Result  *QueryResult
}

// QueryResult is a query's final, terminal output.
type QueryResult struct {
	Type      QueryType
	Peers     []PeerID
	Records   []Record
	Providers []ProviderInfo
	PutAcks   int
	Rounds    int
	Contacted int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	Err       *Error
}

// QueryParams carries the per-type parameters a query dispatch needs, in
// place of representing query type as a subclass (design notes).
type QueryParams struct {
	Type         QueryType
	Target       Key
	RecordKey    []byte
	PutRecord    *Record
	ProviderSelf ProviderInfo
}

type shortlistPeer struct {
	dist  Key
	state PeerState
}

// RunQuery executes one iterative lookup to completion and reports
// exactly one QueryCompleted event (plus zero or more QueryProgress
// events) on events. It never blocks MainLoop: it is meant to be started
// with `go RunQuery(...)`.
func RunQuery(ctx context.Context, qid QueryID, local PeerID, cfg Config, host Host, protocolID string, seed []PeerID, params QueryParams, events chan<- QueryEvent) {
	start := time.Now()

	if len(seed) == 0 {
		events <- QueryEvent{
			QueryID: qid,
			Kind:    QueryCompleted,
			Result:  &QueryResult{Type: params.Type, Err: newError(NoKnownPeers, "", nil)},
		}
		return
	}

	deadline := time.Now().Add(cfg.QueryDeadline)
	queryCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	shortlist := make(map[PeerID]*shortlistPeer, len(seed)*2)
	for _, p := range seed {
		if p == local {
			continue
		}
		if _, ok := shortlist[p]; !ok {
			shortlist[p] = &shortlistPeer{dist: xor(KeyFromPeerID(p), params.Target), state: NotContacted}
		}
	}

	res := runShortlistLoop(queryCtx, qid, local, cfg, host, protocolID, shortlist, params, events)
	res.Elapsed = time.Since(start)

	if params.Type == QueryPutValue || params.Type == QueryAddProvider {
		res = runWritePhase(queryCtx, cfg, host, protocolID, res, params)
		res.Elapsed = time.Since(start)
	}

	events <- QueryEvent{QueryID: qid, Kind: QueryCompleted, Result: res}
}

// runShortlistLoop runs the FindNode/GetValue/GetProviders iterative
// phase (and the FindNode(K) seeding phase of PutValue/AddProvider)
// until one of the termination conditions of §4.2 is met.
func runShortlistLoop(ctx context.Context, qid QueryID, local PeerID, cfg Config, host Host, protocolID string, shortlist map[PeerID]*shortlistPeer, params QueryParams, events chan<- QueryEvent) *QueryResult {
	res := &QueryResult{Type: params.Type}
	stallRounds := 0

	for {
		select {
		case <-ctx.Done():
			res.Err = deadlineError(ctx)
			return finalizeResult(res, shortlist, cfg.K)
		default:
		}

		batch := pickBatch(shortlist, cfg.K, cfg.Alpha)
		if len(batch) == 0 {
			break
		}
		bestBefore := frontBestDist(shortlist, cfg.K)

		type outcome struct {
			peer PeerID
			resp *wire.Message
			err  error
		}
		results := make(chan outcome, len(batch))
		for _, p := range batch {
			shortlist[p].state = Waiting
			res.Contacted++
			go func(peer PeerID) {
				resp, err := dispatchRPC(ctx, host, protocolID, peer, discoveryRequest(params), cfg.RpcTimeout)
				results <- outcome{peer, resp, err}
			}(p)
		}

		for i := 0; i < len(batch); i++ {
			select {
			case <-ctx.Done():
				res.Err = deadlineError(ctx)
				return finalizeResult(res, shortlist, cfg.K)
			case r := <-results:
				if r.err != nil {
					shortlist[r.peer].state = Failed
					res.Failed++
					events <- QueryEvent{QueryID: qid, Peer: r.peer, Kind: QueryProgress, Outcome: ProgressFailure}
					continue
				}
				shortlist[r.peer].state = Succeeded
				res.Succeeded++
				events <- QueryEvent{QueryID: qid, Peer: r.peer, Kind: QueryProgress, Outcome: ProgressSuccess}
				mergeCloser(shortlist, r.resp.CloserPeers, params.Target)
				mergeCloser(shortlist, r.resp.ProviderPeers, params.Target)
				if params.Type == QueryGetValue && r.resp.Record != nil {
					res.Records = append(res.Records, Record{
						Key:          KeyFromBytes(r.resp.Record.Key),
						Value:        r.resp.Record.Value,
						TimeReceived: time.Unix(0, r.resp.Record.TimeReceived),
					})
				}
				if params.Type == QueryGetProviders {
					for _, pp := range r.resp.ProviderPeers {
						res.Providers = append(res.Providers, ProviderInfo{PeerID: PeerID(pp.ID), Addrs: bytesToAddrs(pp.Addrs)})
					}
				}
			}
		}

		res.Rounds++
		bestAfter := frontBestDist(shortlist, cfg.K)
		if bestAfter.less(bestBefore) {
			stallRounds = 0
		} else {
			stallRounds++
		}

		if params.Type == QueryGetValue && len(res.Records) >= cfg.Q {
			break
		}
		if stallRounds >= cfg.Beta {
			break
		}
		if allFrontDone(shortlist, cfg.K) {
			break
		}
		if shortlistExhausted(shortlist) {
			break
		}
	}

	return finalizeResult(res, shortlist, cfg.K)
}

// runWritePhase dispatches the PUT_VALUE/ADD_PROVIDER write RPC to the
// top-K succeeded peers found by the preceding FindNode phase, returning
// once min(KPut, succeeded) writes ack or the deadline elapses.
func runWritePhase(ctx context.Context, cfg Config, host Host, protocolID string, seedResult *QueryResult, params QueryParams) *QueryResult {
	targets := seedResult.Peers
	need := cfg.KPut
	if need > len(targets) {
		need = len(targets)
	}

	type outcome struct {
		peer PeerID
		err  error
	}
	results := make(chan outcome, len(targets))
	for _, p := range targets {
		go func(peer PeerID) {
			_, err := dispatchRPC(ctx, host, protocolID, peer, buildRequest(params), cfg.RpcTimeout)
			results <- outcome{peer, err}
		}(p)
	}

	acks := 0
	for i := 0; i < len(targets); i++ {
		select {
		case <-ctx.Done():
			seedResult.PutAcks = acks
			if acks < need {
				seedResult.Err = newError(ErrTimeout, "", nil)
			}
			return seedResult
		case r := <-results:
			if r.err == nil {
				acks++
			}
		}
		if acks >= need {
			break
		}
	}

	seedResult.PutAcks = acks
	if acks < need {
		seedResult.Err = newError(ErrTimeout, "", nil)
	}
	return seedResult
}

// discoveryRequest builds the request frame for the iterative shortlist
// phase. PutValue/AddProvider queries run a plain FindNode(Target) during
// discovery rather than their own write RPC: PUT_VALUE/ADD_PROVIDER replies
// carry no CloserPeers (router.go), so dispatching the write RPC here would
// leave mergeCloser nothing to deepen the shortlist with, and would also
// write the record to every peer touched during discovery instead of just
// the top-K succeeded peers. The write RPC itself is reserved for
// runWritePhase, once discovery has converged on that top-K set.
func discoveryRequest(params QueryParams) *wire.Message {
	switch params.Type {
	case QueryPutValue, QueryAddProvider:
		key := params.RecordKey
		if key == nil {
			k := params.Target
			key = k[:]
		}
		return &wire.Message{Type: wire.MsgFindNode, Key: key}
	default:
		return buildRequest(params)
	}
}

func buildRequest(params QueryParams) *wire.Message {
	switch params.Type {
	case QueryFindNode, QueryPutValue, QueryAddProvider:
		key := params.RecordKey
		if key == nil {
			k := params.Target
			key = k[:]
		}
		msgType := wire.MsgFindNode
		var rec *wire.Record
		var providerPeers []wire.Peer
		switch params.Type {
		case QueryPutValue:
			msgType = wire.MsgPutValue
			if params.PutRecord != nil {
				rec = &wire.Record{Key: params.PutRecord.Key[:], Value: params.PutRecord.Value, TimeReceived: params.PutRecord.TimeReceived.UnixNano()}
			}
		case QueryAddProvider:
			msgType = wire.MsgAddProvider
			providerPeers = []wire.Peer{{ID: []byte(params.ProviderSelf.PeerID), Addrs: addrsToBytes(params.ProviderSelf.Addrs)}}
		}
		return &wire.Message{Type: msgType, Key: key, Record: rec, ProviderPeers: providerPeers}
	case QueryGetValue:
		return &wire.Message{Type: wire.MsgGetValue, Key: params.RecordKey}
	case QueryGetProviders:
		return &wire.Message{Type: wire.MsgGetProviders, Key: params.RecordKey}
	default:
		return &wire.Message{Type: wire.MsgFindNode, Key: params.Target[:]}
	}
}

func dispatchRPC(ctx context.Context, host Host, protocolID string, peer PeerID, req *wire.Message, timeout time.Duration) (*wire.Message, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := host.OpenStream(rpcCtx, peer, protocolID)
	if err != nil {
		return nil, newError(ErrUnreachable, peer, err)
	}
	defer stream.Close()

	frame, err := wire.EncodeMessage(req)
	if err != nil {
		return nil, newError(ErrInternal, peer, err)
	}
	if err := stream.SendFrame(frame); err != nil {
		return nil, newError(ErrUnreachable, peer, err)
	}

	respFrame, err := stream.RecvFrame()
	if err != nil {
		return nil, newError(ErrTimeout, peer, err)
	}
	resp, _, err := wire.DecodeMessage(respFrame)
	if err != nil {
		return nil, newError(ErrProtocol, peer, err)
	}
	return resp, nil
}

// pickBatch returns up to alpha NotContacted peers from the front-K of
// the shortlist (closest-first, byte-order tie-break).
func pickBatch(shortlist map[PeerID]*shortlistPeer, k, alpha int) []PeerID {
	front := frontK(shortlist, k)
	var batch []PeerID
	for _, p := range front {
		if shortlist[p].state != NotContacted {
			continue
		}
		batch = append(batch, p)
		if len(batch) == alpha {
			break
		}
	}
	return batch
}

// frontK returns the K closest non-Failed peers, sorted ascending by
// distance then by PeerID for ties.
func frontK(shortlist map[PeerID]*shortlistPeer, k int) []PeerID {
	all := make([]PeerID, 0, len(shortlist))
	for p, sp := range shortlist {
		if sp.state == Failed {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		di, dj := shortlist[all[i]].dist, shortlist[all[j]].dist
		if di == dj {
			return all[i] < all[j]
		}
		return di.less(dj)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func frontBestDist(shortlist map[PeerID]*shortlistPeer, k int) Key {
	front := frontK(shortlist, k)
	best := allOnesKey()
	for _, p := range front {
		if shortlist[p].dist.less(best) {
			best = shortlist[p].dist
		}
	}
	return best
}

func allOnesKey() Key {
	var k Key
	for i := range k {
		k[i] = 0xff
	}
	return k
}

func allFrontDone(shortlist map[PeerID]*shortlistPeer, k int) bool {
	for _, p := range frontK(shortlist, k) {
		s := shortlist[p].state
		if s != Succeeded && s != Failed {
			return false
		}
	}
	return true
}

func shortlistExhausted(shortlist map[PeerID]*shortlistPeer) bool {
	for _, sp := range shortlist {
		if sp.state == NotContacted || sp.state == Waiting {
			return false
		}
	}
	return true
}

func mergeCloser(shortlist map[PeerID]*shortlistPeer, peers []wire.Peer, target Key) {
	for _, p := range peers {
		id := PeerID(p.ID)
		if id == "" {
			continue
		}
		if _, ok := shortlist[id]; ok {
			continue
		}
		shortlist[id] = &shortlistPeer{dist: xor(KeyFromPeerID(id), target), state: NotContacted}
	}
}

func finalizeResult(res *QueryResult, shortlist map[PeerID]*shortlistPeer, k int) *QueryResult {
	type distPeer struct {
		peer PeerID
		dist Key
	}
	var succeeded []distPeer
	for p, sp := range shortlist {
		if sp.state == Succeeded {
			succeeded = append(succeeded, distPeer{p, sp.dist})
		}
	}
	sort.Slice(succeeded, func(i, j int) bool {
		if succeeded[i].dist == succeeded[j].dist {
			return succeeded[i].peer < succeeded[j].peer
		}
		return succeeded[i].dist.less(succeeded[j].dist)
	})
	if len(succeeded) > k {
		succeeded = succeeded[:k]
	}
	res.Peers = make([]PeerID, len(succeeded))
	for i, dp := range succeeded {
		res.Peers[i] = dp.peer
	}
	return res
}

func deadlineError(ctx context.Context) *Error {
	if ctx.Err() == context.DeadlineExceeded {
		return newError(ErrTimeout, "", ctx.Err())
	}
	return newError(ErrStopped, "", ctx.Err())
}

func addrsToBytes(addrs []string) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = []byte(a)
	}
	return out
}

func bytesToAddrs(addrs [][]byte) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
