package dht

import (
	"context"
	"crypto/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shadowmesh/kaddht/pkg/logging"
)

// routingSnapshot is the read-only TableView published for inbound-RPC
// handlers (arbitrary goroutines, one per accepted stream) to consult
// without ever touching the live KBucketTable. MainLoop swaps in a fresh
// snapshot after every tick that may have changed the table; readers hold
// an atomic.Pointer load, never a reference into live state.
type routingSnapshot struct {
	local   Key
	entries map[PeerID]Entry
}

func newRoutingSnapshot(local Key, all []Entry) *routingSnapshot {
	s := &routingSnapshot{local: local, entries: make(map[PeerID]Entry, len(all))}
	for _, e := range all {
		s.entries[e.PeerID] = e
	}
	return s
}

func (s *routingSnapshot) Get(peer PeerID) (*Entry, bool) {
	e, ok := s.entries[peer]
	if !ok {
		return nil, false
	}
	return &e, true
}

func (s *routingSnapshot) Closest(target Key, count int) []PeerID {
	type distPeer struct {
		peer PeerID
		dist Key
	}
	all := make([]distPeer, 0, len(s.entries))
	for id := range s.entries {
		all = append(all, distPeer{peer: id, dist: xor(KeyFromPeerID(id), target)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist == all[j].dist {
			return all[i].peer < all[j].peer
		}
		return all[i].dist.less(all[j].dist)
	})
	if len(all) > count {
		all = all[:count]
	}
	out := make([]PeerID, len(all))
	for i, dp := range all {
		out[i] = dp.peer
	}
	return out
}

// CommandKind tags a Controller->MainLoop command.
type CommandKind int

const (
	CmdBootstrap CommandKind = iota
	CmdFindPeer
	CmdFindProviders
	CmdGetValue
	CmdPutValue
	CmdAddProvider
	CmdAddAddress
	CmdRemovePeer
	CmdDump
	CmdStats
)

// Command is one request sent over the Controller's command channel,
// carrying a one-shot reply channel.
type Command struct {
	Kind    CommandKind
	Peer    PeerID
	Addrs   []string
	Key     []byte
	Value   []byte
	Seeds   []PeerID
	ReplyTo chan CommandReply
}

// CommandReply is the terminal response to a Command.
type CommandReply struct {
	Peers     []PeerID
	Record    *Record
	Providers []ProviderInfo
	Dump      *Dump
	Stats     *Stats
	Err       *Error
}

// Dump is a serializable snapshot of table, connected set, and active
// queries, returned by the Dump command.
type Dump struct {
	Entries        []Entry
	ConnectedPeers []PeerID
	ActiveQueries  []QueryID
}

// connInfo tracks one connected peer's live connection metadata, owned
// exclusively by MainLoop.
type connInfo struct {
	status Status
}

type queryHandle struct {
	qtype   QueryType
	replyTo chan CommandReply
	started time.Time
}

// MainLoop is the single-threaded cooperative actor that owns the
// KBucketTable, the connected-peer set, the query registry, and Stats.
// It never blocks on I/O: every blocking operation is delegated to a
// spawned QueryTask or inbound-stream handler, which reports back over a
// channel.
type MainLoop struct {
	cfg   Config
	host  Host
	store RecordStore
	log   *logging.Logger

	table     *KBucketTable
	connected map[PeerID]*connInfo
	queries   map[QueryID]*queryHandle
	stats     *Stats

	view atomic.Pointer[routingSnapshot]

	commands chan Command
	events   chan QueryEvent
	router   chan RouterEvent

	refreshTicker *time.Ticker
	healthTicker  *time.Ticker

	nextQueryID uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMainLoop constructs a MainLoop bound to host/store/log. Call Run to
// start the actor goroutine.
func NewMainLoop(cfg Config, local PeerID, host Host, store RecordStore, log *logging.Logger) *MainLoop {
	if log == nil {
		log = logging.GetDefaultLogger()
	}
	table := NewKBucketTable(local)
	table.SetK(cfg.K)

	ctx, cancel := context.WithCancel(context.Background())
	m := &MainLoop{
		cfg:       cfg,
		host:      host,
		store:     store,
		log:       log,
		table:     table,
		connected: make(map[PeerID]*connInfo),
		queries:   make(map[QueryID]*queryHandle),
		stats:     newStats(),
		commands:  make(chan Command, 64),
		events:    make(chan QueryEvent, 256),
		router:    make(chan RouterEvent, 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.publishView()
	return m
}

// SetHost binds the transport host used for outbound RPCs. Callers whose
// host construction itself needs a Router/TableView (e.g. a QUIC listener
// that dispatches inbound streams against this loop) construct the loop
// first, build the host against it, then call SetHost before Run.
func (m *MainLoop) SetHost(host Host) { m.host = host }

// View returns the current read-only routing snapshot, safe to consult
// from any goroutine. Pass it to Router().Handle for inbound RPCs.
func (m *MainLoop) View() TableView { return m.view.Load() }

// Router returns a MessageRouter bound to this node's bucket width,
// RecordStore, and logger, for the transport layer to dispatch inbound
// Kad RPCs against View().
func (m *MainLoop) Router() *MessageRouter {
	return NewMessageRouter(m.cfg.K, m.store, m.cfg.RecordTtl, m.cfg.ProviderTtl, m.log)
}

func (m *MainLoop) publishView() {
	m.view.Store(newRoutingSnapshot(m.table.LocalKey(), m.table.Snapshot()))
}

// Commands returns the channel Controller sends commands on.
func (m *MainLoop) Commands() chan<- Command { return m.commands }

// RouterEvents returns the channel MessageRouter forwards PeerSeen /
// RecordWritten events on. It is the same channel Run's select loop reads
// directly, so sending on it never spawns per-call goroutines or forwarders.
func (m *MainLoop) RouterEvents() chan<- RouterEvent {
	return m.router
}

// Stop requests shutdown; in-flight queries are given up to RpcTimeout to
// report their (cancelled) results before Run returns.
func (m *MainLoop) Stop() {
	m.cancel()
	<-m.done
}

// Run is the actor's body. It should be started with `go loop.Run()`.
func (m *MainLoop) Run() {
	defer close(m.done)

	m.refreshTicker = time.NewTicker(m.cfg.RefreshInterval)
	defer m.refreshTicker.Stop()
	m.healthTicker = time.NewTicker(m.cfg.StaleEvictThreshold / 4)
	defer m.healthTicker.Stop()

	hostEvents := m.host.Events()

	for {
		select {
		case <-m.ctx.Done():
			// Queries share m.ctx, so they are already winding down; collect
			// their Completed events so waiting callers get a reply.
			grace := time.NewTimer(m.cfg.RpcTimeout)
			defer grace.Stop()
			for len(m.queries) > 0 {
				select {
				case qe := <-m.events:
					m.handleQueryEvent(qe)
				case <-grace.C:
					return
				}
			}
			return

		case cmd := <-m.commands:
			m.handleCommand(cmd)
			m.publishView()

		case ev, ok := <-hostEvents:
			if !ok {
				hostEvents = nil
				continue
			}
			m.handleHostEvent(ev)
			m.publishView()

		case ev := <-m.router:
			m.handleRouterEvent(ev)
			m.publishView()

		case qe := <-m.events:
			m.handleQueryEvent(qe)
			m.publishView()

		case <-m.refreshTicker.C:
			m.handleRefreshTick()
			m.publishView()

		case <-m.healthTicker.C:
			m.handleHealthTick()
			m.publishView()
		}
	}
}

func (m *MainLoop) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CmdAddAddress:
		outcome := m.table.InsertOrUpdate(cmd.Peer, cmd.Addrs, time.Now(), m.cfg.StaleReplaceThreshold)
		cmd.ReplyTo <- CommandReply{Err: outcomeError(outcome)}

	case CmdRemovePeer:
		m.table.Remove(cmd.Peer)
		delete(m.connected, cmd.Peer)
		cmd.ReplyTo <- CommandReply{}

	case CmdDump:
		cmd.ReplyTo <- CommandReply{Dump: m.buildDump()}

	case CmdStats:
		snap := *m.stats
		snap.TableSize = m.table.Size()
		snap.ConnectedPeers = len(m.connected)
		cmd.ReplyTo <- CommandReply{Stats: &snap}

	case CmdBootstrap:
		m.log.Info("bootstrapping routing table", logging.Fields{"seeds": len(cmd.Seeds)})
		for _, p := range cmd.Seeds {
			m.table.InsertOrUpdate(p, nil, time.Now(), m.cfg.StaleReplaceThreshold)
		}
		m.spawnQuery(QueryParams{Type: QueryFindNode, Target: m.table.LocalKey()}, cmd.ReplyTo)

	case CmdFindPeer:
		target := KeyFromPeerID(cmd.Peer)
		m.spawnQuery(QueryParams{Type: QueryFindNode, Target: target}, cmd.ReplyTo)

	case CmdFindProviders:
		target := KeyFromBytes(cmd.Key)
		m.spawnQuery(QueryParams{Type: QueryGetProviders, Target: target, RecordKey: cmd.Key}, cmd.ReplyTo)

	case CmdGetValue:
		target := KeyFromBytes(cmd.Key)
		m.spawnQuery(QueryParams{Type: QueryGetValue, Target: target, RecordKey: cmd.Key}, cmd.ReplyTo)

	case CmdPutValue:
		target := KeyFromBytes(cmd.Key)
		rec := &Record{Key: target, Value: cmd.Value, TimeReceived: time.Now()}
		m.spawnQuery(QueryParams{Type: QueryPutValue, Target: target, RecordKey: cmd.Key, PutRecord: rec}, cmd.ReplyTo)

	case CmdAddProvider:
		target := KeyFromBytes(cmd.Key)
		self := ProviderInfo{PeerID: m.table.LocalPeerID(), Addrs: cmd.Addrs}
		m.spawnQuery(QueryParams{Type: QueryAddProvider, Target: target, RecordKey: cmd.Key, ProviderSelf: self}, cmd.ReplyTo)
	}
}

func (m *MainLoop) spawnQuery(params QueryParams, replyTo chan CommandReply) {
	qid := QueryID(atomic.AddUint64(&m.nextQueryID, 1))
	seed := m.table.Closest(params.Target, m.cfg.K)
	if len(seed) == 0 {
		if replyTo != nil {
			replyTo <- CommandReply{Err: newError(NoKnownPeers, "", nil)}
		}
		return
	}

	m.queries[qid] = &queryHandle{qtype: params.Type, replyTo: replyTo, started: time.Now()}
	m.stats.TotalQueries++

	protocolID := "/ipfs/kad/1.0.0"
	if len(m.cfg.ProtocolIds) > 0 {
		protocolID = m.cfg.ProtocolIds[0]
	}
	go RunQuery(m.ctx, qid, m.table.LocalPeerID(), m.cfg, m.host, protocolID, seed, params, m.events)
}

func (m *MainLoop) handleHostEvent(ev HostEvent) {
	switch ev.Kind {
	case HostConnected:
		m.connected[ev.Peer] = &connInfo{status: StatusConnected}
		m.table.SetStatus(ev.Peer, StatusConnected)
	case HostDisconnected:
		delete(m.connected, ev.Peer)
		m.table.SetStatus(ev.Peer, StatusDisconnected)
	case HostPeerIdentified:
		if !containsProtocol(ev.Protocols, m.cfg.ProtocolIds) {
			return
		}
		m.table.InsertOrUpdate(ev.Peer, ev.Addrs, time.Now(), m.cfg.StaleReplaceThreshold)
	}
}

func (m *MainLoop) handleRouterEvent(ev RouterEvent) {
	switch ev.Kind {
	case RouterPeerSeen:
		m.table.UpdateAliveness(ev.Peer, time.Now())
	case RouterRecordWritten:
		m.stats.TxByType["record_written"]++
	}
}

func (m *MainLoop) handleQueryEvent(ev QueryEvent) {
	handle, ok := m.queries[ev.QueryID]
	if !ok {
		return
	}

	switch ev.Kind {
	case QueryProgress:
		if ev.Outcome == ProgressSuccess {
			m.table.UpdateAliveness(ev.Peer, time.Now())
			return
		}
		// A failed RPC only evicts if the peer's last known aliveness is
		// older than EvictGrace, so one flaky RPC does not punish a
		// freshly-added peer (scenario 5, spec §8).
		if entry, ok := m.table.Get(ev.Peer); ok {
			if time.Since(entry.AlivenessTs) > m.cfg.EvictGrace {
				m.table.Remove(ev.Peer)
				m.log.Debug("evicted peer after failed RPC", logging.Fields{"peer": string(ev.Peer)})
			}
		}

	case QueryCompleted:
		delete(m.queries, ev.QueryID)
		if handle.replyTo == nil {
			return
		}
		handle.replyTo <- resultToReply(ev.Result)
	}
}

func (m *MainLoop) handleRefreshTick() {
	m.stats.TotalRefreshes++
	stale := m.table.IterStale(time.Now(), m.cfg.StaleEvictThreshold)
	for _, p := range stale {
		m.table.Remove(p)
	}

	m.spawnQuery(QueryParams{Type: QueryFindNode, Target: m.table.LocalKey()}, nil)

	now := time.Now()
	for idx := 0; idx < BucketCount; idx++ {
		last, ok := m.table.LastTouched(idx)
		if ok && now.Sub(last) < m.cfg.RefreshInterval {
			continue
		}
		target := randomTargetInBucket(m.table.LocalKey(), idx)
		m.spawnQuery(QueryParams{Type: QueryFindNode, Target: target}, nil)
	}
}

func (m *MainLoop) handleHealthTick() {
	stale := m.table.IterStale(time.Now(), m.cfg.StaleEvictThreshold)
	for _, p := range stale {
		m.table.Remove(p)
	}
}

func (m *MainLoop) buildDump() *Dump {
	connected := make([]PeerID, 0, len(m.connected))
	for p := range m.connected {
		connected = append(connected, p)
	}
	queries := make([]QueryID, 0, len(m.queries))
	for q := range m.queries {
		queries = append(queries, q)
	}
	return &Dump{Entries: m.table.Snapshot(), ConnectedPeers: connected, ActiveQueries: queries}
}

func resultToReply(res *QueryResult) CommandReply {
	reply := CommandReply{Peers: res.Peers, Err: res.Err}
	if len(res.Records) > 0 {
		reply.Record = &res.Records[0]
	}
	if res.Type == QueryGetProviders || res.Type == QueryAddProvider {
		reply.Providers = res.Providers
	}
	if res.Err == nil && (res.Type == QueryGetValue) && reply.Record == nil {
		reply.Err = newError(ErrNotFound, "", nil)
	}
	return reply
}

func outcomeError(o Outcome) *Error {
	if o.Kind == OutcomeFull {
		return newError(ErrInternal, "", nil)
	}
	return nil
}

func containsProtocol(have []string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// randomTargetInBucket generates a target key guaranteed to fall in
// bucket idx: it flips the bucket-depth bit of local and randomizes all
// lower bits (spec §9's suggested improvement over the best-effort
// generator, chosen for deterministic testability).
func randomTargetInBucket(local Key, idx int) Key {
	bitPos := BucketCount - idx - 1 // 0 = lowest-order bit
	target := local

	byteIdx := KeySize - 1 - bitPos/8
	bitInByte := uint(bitPos % 8)
	target[byteIdx] ^= 1 << bitInByte

	for b := byteIdx + 1; b < KeySize; b++ {
		target[b] = randomByte()
	}
	if bitInByte > 0 {
		mask := byte(1<<bitInByte) - 1
		target[byteIdx] = (target[byteIdx] &^ mask) | (randomByte() & mask)
	}
	return target
}

// randomByte draws one cryptographically random byte, consistent with the
// rest of the module's use of crypto/rand over math/rand.
func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return b[0]
}
