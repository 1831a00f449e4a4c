package viewsyncer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/cvr"
	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
	"zero-sync/internal/query"
	"zero-sync/internal/types"
	"zero-sync/internal/util/ident"
	"zero-sync/internal/util/metrics"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/watermark"
	"zero-sync/internal/wireerr"
)

// lmidsHash names the reserved, internal query every client group
// tracks alongside its user queries (spec §4.H step 1): the last
// mutation ID acknowledged per client. Its producer is the push path
// in internal/connection, which reports each applied mutation through
// RecordMutation; there is no replicated table to compile a real
// pipeline against, so groupSyncer tracks it directly as
// lastMutationIDs/pendingMutations instead of a QueryRecord.
// validatePatch rejects the hash if a client ever sends a
// desired-query patch that collides with it, and recompile skips it.
const lmidsHash = "lmids"

// ViewSyncer owns one groupSyncer per client group, lazily started on
// the first initConnection.
type ViewSyncer struct {
	streamer types.Streamer
	replica  types.ReplicaStore
	cvrs     *cvr.Store
	schema   ident.Schema

	mu     sync.Mutex
	groups map[string]*groupSyncer
}

// New builds a ViewSyncer over a Change Streamer, Replica Store, and
// CVR store, addressing replicated tables under schema (e.g.
// "public").
func New(streamer types.Streamer, replica types.ReplicaStore, cvrs *cvr.Store, schema ident.Schema) *ViewSyncer {
	return &ViewSyncer{
		streamer: streamer,
		replica:  replica,
		cvrs:     cvrs,
		schema:   schema,
		groups:   make(map[string]*groupSyncer),
	}
}

func (vs *ViewSyncer) group(groupID string) *groupSyncer {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	g, ok := vs.groups[groupID]
	if !ok {
		g = newGroupSyncer(groupID, vs.streamer, vs.replica, vs.cvrs, vs.schema)
		vs.groups[groupID] = g
	}
	return g
}

// InitConnection implements the View Syncer's initConnection
// operation (spec §4.H). ctx owns the group's main loop goroutine if
// this is the group's first connection.
func (vs *ViewSyncer) InitConnection(
	ctx *stopper.Context, groupID string, sc SyncContext, patch []cvr.DesiredQueryPatch,
) (<-chan Downstream, types.Cancellable, error) {
	return vs.group(groupID).initConnection(ctx, sc, patch)
}

// ChangeDesiredQueries implements the View Syncer's
// changeDesiredQueries operation (spec §4.H). A groupID with no
// active groupSyncer silently drops the call: there is no connection
// left to have sent it.
func (vs *ViewSyncer) ChangeDesiredQueries(groupID string, sc SyncContext, patch []cvr.DesiredQueryPatch) error {
	vs.mu.Lock()
	g, ok := vs.groups[groupID]
	vs.mu.Unlock()
	if !ok {
		return nil
	}
	return g.changeDesiredQueries(sc, patch)
}

// RecordMutation records clientID's last applied mutation ID, to be
// reported in the next poke's lastMutationIDChanges.
func (vs *ViewSyncer) RecordMutation(groupID, clientID string, id int64) {
	vs.mu.Lock()
	g, ok := vs.groups[groupID]
	vs.mu.Unlock()
	if !ok {
		return
	}
	g.recordMutation(clientID, id)
}

// Stop tears down every active group.
func (vs *ViewSyncer) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, g := range vs.groups {
		g.stop()
	}
}

// connSub is one connection's downstream sequence. Cancel is
// idempotent (spec §5): it may be called by the owning connection, by
// the group on supersession, or by the group on overflow, in any
// order, and only the first call has effect.
type connSub struct {
	clientID string
	wsID     string
	ch       chan Downstream
	group    *groupSyncer

	once   sync.Once
	closed bool
}

func (c *connSub) Cancel() {
	c.once.Do(func() {
		c.group.mu.Lock()
		if existing, ok := c.group.subs[c.wsID]; ok && existing == c {
			delete(c.group.subs, c.wsID)
		}
		if c.group.byClient[c.clientID] == c.wsID {
			delete(c.group.byClient, c.clientID)
		}
		c.group.mu.Unlock()
		c.closed = true
		close(c.ch)
	})
}

func (c *connSub) deliver(d Downstream) {
	select {
	case c.ch <- d:
	default:
		// A connection slow enough to fill its buffer is cancelled
		// rather than allowed to stall the group's single writer loop
		// (spec §5 "a subscription fan-out queue... overflow cancels
		// the subscriber with a typed error").
		c.deliverErrAndCancel(wireerr.New(wireerr.Internal, "downstream buffer overflow"))
	}
}

func (c *connSub) deliverErrAndCancel(err *wireerr.Error) {
	c.once.Do(func() {
		c.group.mu.Lock()
		if existing, ok := c.group.subs[c.wsID]; ok && existing == c {
			delete(c.group.subs, c.wsID)
		}
		if c.group.byClient[c.clientID] == c.wsID {
			delete(c.group.byClient, c.clientID)
		}
		c.group.mu.Unlock()
		c.closed = true
		select {
		case c.ch <- Downstream{Err: err}:
		default:
		}
		close(c.ch)
	})
}

const downstreamBuffer = 16

// groupSyncer is one client group's View Syncer task: single CVR
// owner, single writer of that CVR's storage (spec §5).
type groupSyncer struct {
	id       string
	streamer types.Streamer
	replica  types.ReplicaStore
	cvrs     *cvr.Store
	sources  *sourceSet

	mu                  sync.Mutex
	started             bool
	subs                map[string]*connSub // wsID -> sub
	byClient            map[string]string   // clientID -> current wsID
	pipelines           map[string]*pipeline
	lastMutationIDs     map[string]int64
	pendingMutations    map[string]int64            // changes since the last poke part
	pendingQueryPatches map[string][]cvr.DesiredQueryPatch // clientID -> patches since the last query-change poke
	pendingSchemaTables map[string]bool                    // tables whose cached Source needs dropping before the next recompile
	watches             map[string]func()                  // table -> its Replica Store watch's cancel func

	// lastCookie is the cvr.Version of the most recent poke's cookie.
	// Touched only from within run's goroutine; recompileAndPoke and
	// processCommit never run concurrently with one another.
	lastCookie cvr.Version

	recompileCh chan struct{}
}

func newGroupSyncer(id string, streamer types.Streamer, replica types.ReplicaStore, cvrs *cvr.Store, schema ident.Schema) *groupSyncer {
	return &groupSyncer{
		id:                  id,
		streamer:            streamer,
		replica:             replica,
		cvrs:                cvrs,
		sources:             newSourceSet(replica, schema),
		subs:                make(map[string]*connSub),
		byClient:            make(map[string]string),
		pipelines:           make(map[string]*pipeline),
		lastMutationIDs:     make(map[string]int64),
		pendingMutations:    make(map[string]int64),
		pendingQueryPatches: make(map[string][]cvr.DesiredQueryPatch),
		pendingSchemaTables: make(map[string]bool),
		watches:             make(map[string]func()),
		recompileCh:         make(chan struct{}, 1),
	}
}

func (g *groupSyncer) recordMutation(clientID string, id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastMutationIDs[clientID] = id
	g.pendingMutations[clientID] = id
}

// initConnection validates and applies patch, supersedes any prior
// wsID for sc.ClientID, and (on first call for this group) starts the
// main loop.
func (g *groupSyncer) initConnection(ctx *stopper.Context, sc SyncContext, patch []cvr.DesiredQueryPatch) (<-chan Downstream, types.Cancellable, error) {
	if err := validatePatch(patch, g.replica, g.sources); err != nil {
		return nil, nil, err
	}

	record, err := g.cvrs.Load(g.id)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading CVR")
	}
	at := record.Version
	at.MinorVersion++
	if err := g.cvrs.PutDesiredQueries(g.id, sc.ClientID, at, patch); err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	var priorSub *connSub
	if priorWSID, ok := g.byClient[sc.ClientID]; ok {
		priorSub = g.subs[priorWSID]
	}
	g.mu.Unlock()
	if priorSub != nil {
		// Supersedes any prior wsID for this clientID (spec §4.H).
		priorSub.Cancel()
	}

	g.mu.Lock()
	sub := &connSub{clientID: sc.ClientID, wsID: sc.WSID, ch: make(chan Downstream, downstreamBuffer), group: g}
	g.subs[sc.WSID] = sub
	g.byClient[sc.ClientID] = sc.WSID
	started := g.started
	g.started = true
	g.mu.Unlock()

	if !started {
		ctx.Go(func() error {
			g.run(ctx)
			return nil
		})
	} else {
		// The main loop is already running: initConnection's patch
		// would otherwise sit in the CVR store unapplied to any
		// pipeline until the next unrelated commit (spec §4.H).
		g.signalQueryChange(sc.ClientID, patch)
	}

	return sub.ch, sub, nil
}

// changeDesiredQueries implements the named operation (spec §4.H):
// messages from a superseded wsID are silently ignored. A patch that
// survives validation wakes the main loop to recompile pipelines and
// poke every connected client with the resulting query-membership
// change (spec §4.H main loop, §6, scenario S2).
func (g *groupSyncer) changeDesiredQueries(sc SyncContext, patch []cvr.DesiredQueryPatch) error {
	g.mu.Lock()
	current, ok := g.byClient[sc.ClientID]
	g.mu.Unlock()
	if !ok || current != sc.WSID {
		return nil
	}
	if err := validatePatch(patch, g.replica, g.sources); err != nil {
		return err
	}
	record, err := g.cvrs.Load(g.id)
	if err != nil {
		return errors.Wrap(err, "loading CVR")
	}
	at := record.Version
	at.MinorVersion++
	if err := g.cvrs.PutDesiredQueries(g.id, sc.ClientID, at, patch); err != nil {
		return err
	}
	g.signalQueryChange(sc.ClientID, patch)
	return nil
}

func (g *groupSyncer) stop() {
	g.mu.Lock()
	subs := make([]*connSub, 0, len(g.subs))
	for _, sub := range g.subs {
		subs = append(subs, sub)
	}
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

func validatePatch(patch []cvr.DesiredQueryPatch, replica types.ReplicaStore, sources *sourceSet) error {
	for _, p := range patch {
		if p.Hash == lmidsHash {
			return wireerr.New(wireerr.InvalidMessage, "query hash \"lmids\" is reserved")
		}
		if p.Op != cvr.OpPut || p.AST == nil {
			continue
		}
		known := knownColumnsFor(replica, sources.schema, p.AST)
		if err := query.Validate(p.AST, known); err != nil {
			return wireerr.Wrap(wireerr.InvalidMessage, err, "invalid query "+p.Hash)
		}
	}
	return nil
}

func knownColumnsFor(replica types.ReplicaStore, schema ident.Schema, ast *query.AST) map[string]bool {
	into := make(map[string]bool)
	addKnownColumns(replica, schema, ast, into)
	return into
}

func addKnownColumns(replica types.ReplicaStore, schema ident.Schema, ast *query.AST, into map[string]bool) {
	if ts, ok := replica.Schema(ident.NewTable(schema, ast.Table)); ok {
		for _, c := range ts.ColumnPos {
			into[c] = true
		}
	}
	for _, j := range ast.Joins {
		into["relationships."+j.As] = true
		addKnownColumns(replica, schema, j.Other, into)
	}
}

// run is the group's main loop (spec §4.H "main loop (per CVR)"). It
// runs for the lifetime of the group: once started on the first
// connection, it keeps running (recompiling pipelines as the desired
// set changes) until ctx stops or a pipeline error tears the group
// down.
func (g *groupSyncer) run(ctx *stopper.Context) {
	defer g.teardownWatches()

	record, err := g.cvrs.Load(g.id)
	if err != nil {
		g.abort(wireerr.Wrap(wireerr.Internal, err, "loading CVR"))
		return
	}
	g.mu.Lock()
	g.lastCookie = record.Version
	g.mu.Unlock()

	if err := g.recompile(ctx, record); err != nil {
		g.abort(wireerr.Wrap(wireerr.Internal, err, "compiling query pipelines"))
		return
	}
	g.syncWatches(g.activeTables())

	downstream, sub, err := g.streamer.Subscribe(ctx, types.SubscribeRequest{
		ID:        g.id,
		Watermark: record.Version.StateVersion,
		Initial:   true,
	})
	if err != nil {
		g.abort(wireerr.Wrap(wireerr.Internal, err, "subscribing to change streamer"))
		return
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Stopping():
			return
		case batch, ok := <-downstream:
			if !ok {
				return
			}
			if batch.Err != nil {
				g.abort(wireerr.Wrap(wireerr.Internal, batch.Err, "change streamer subscription failed"))
				return
			}
			if err := g.processCommit(ctx, batch.Entries); err != nil {
				g.abort(wireerr.Wrap(wireerr.Internal, err, "processing commit"))
				return
			}
		case <-g.recompileCh:
			if err := g.recompileAndPoke(ctx); err != nil {
				g.abort(wireerr.Wrap(wireerr.Internal, err, "recompiling query pipelines"))
				return
			}
		}
	}
}

// recompile rebuilds every pipeline named by record's current
// QueryRecords, reusing the group's shared sourceSet so tables
// already referenced by another query aren't re-hydrated.
func (g *groupSyncer) recompile(ctx context.Context, record *cvr.CVR) error {
	pipelines := make(map[string]*pipeline, len(record.Queries))
	for hash, q := range record.Queries {
		if q.Internal || q.AST == nil || hash == lmidsHash {
			continue
		}
		if err := g.sources.ensureAll(ctx, q.AST); err != nil {
			return errors.Wrapf(err, "preparing sources for query %s", hash)
		}
		p, err := newPipeline(hash, q.AST, g.sources)
		if err != nil {
			return errors.Wrapf(err, "compiling query %s", hash)
		}
		if err := p.hydrate(ctx); err != nil {
			return errors.Wrapf(err, "hydrating query %s", hash)
		}
		pipelines[hash] = p
	}
	g.mu.Lock()
	g.pipelines = pipelines
	g.mu.Unlock()
	return nil
}

// recompileAndPoke handles a wakeup on g.recompileCh: drops any Source
// a pending schema-change signal invalidated, rebuilds every pipeline
// against the CVR's current desired queries, and emits a poke
// reporting the resulting query membership and row changes (spec
// §4.H main loop steps 2-4, §9 schema-change handling).
func (g *groupSyncer) recompileAndPoke(ctx context.Context) error {
	g.mu.Lock()
	for table := range g.pendingSchemaTables {
		g.sources.invalidate(table)
	}
	g.pendingSchemaTables = make(map[string]bool)
	before := make(map[string]bool, len(g.pipelines))
	for hash := range g.pipelines {
		before[hash] = true
	}
	g.mu.Unlock()

	record, err := g.cvrs.Load(g.id)
	if err != nil {
		return errors.Wrap(err, "loading CVR")
	}
	if err := g.recompile(ctx, record); err != nil {
		return errors.Wrap(err, "recompiling query pipelines")
	}
	g.syncWatches(g.activeTables())

	g.mu.Lock()
	pipelines := make([]*pipeline, 0, len(g.pipelines))
	after := make(map[string]bool, len(g.pipelines))
	for hash, p := range g.pipelines {
		pipelines = append(pipelines, p)
		after[hash] = true
	}
	g.mu.Unlock()

	results := make([]cvr.QueryResult, 0, len(pipelines))
	for _, p := range pipelines {
		results = append(results, cvr.QueryResult{Hash: p.hash, Rows: p.rows()})
	}

	patches, err := g.cvrs.ReconcileRows(g.id, results)
	if err != nil {
		return err
	}

	cookie := record.Version
	g.mu.Lock()
	baseCookie := g.lastCookie
	g.lastCookie = cookie
	g.mu.Unlock()

	g.broadcast(Poke{
		Start: PokeStart{PokeID: cookie.StateVersion, BaseCookie: baseCookie, Cookie: cookie},
		Parts: []PokePart{{
			DesiredQueriesPatches: g.drainPendingQueryPatches(),
			EntitiesPatch:         entityPatchesOf(patches),
			GotQueriesPatch:       diffHashes(before, after),
		}},
		End: PokeEnd{PokeID: cookie.StateVersion},
	})
	return nil
}

// diffHashes returns every hash present in exactly one of before/after:
// queries a pipeline was just added or dropped for (spec §6 gotQueriesPatch).
func diffHashes(before, after map[string]bool) []string {
	var out []string
	for hash := range after {
		if !before[hash] {
			out = append(out, hash)
		}
	}
	for hash := range before {
		if !after[hash] {
			out = append(out, hash)
		}
	}
	return out
}

// wake nudges the main loop into a recompile, coalescing concurrent
// callers into a single cycle.
func (g *groupSyncer) wake() {
	select {
	case g.recompileCh <- struct{}{}:
	default:
	}
}

// signalQueryChange records patch as clientID's contribution to the
// next query-change poke's desiredQueriesPatches and wakes the main
// loop (spec §4.H changeDesiredQueries/initConnection).
func (g *groupSyncer) signalQueryChange(clientID string, patch []cvr.DesiredQueryPatch) {
	g.mu.Lock()
	g.pendingQueryPatches[clientID] = append(g.pendingQueryPatches[clientID], patch...)
	g.mu.Unlock()
	g.wake()
}

func (g *groupSyncer) drainPendingQueryPatches() map[string][]cvr.DesiredQueryPatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pendingQueryPatches) == 0 {
		return nil
	}
	out := g.pendingQueryPatches
	g.pendingQueryPatches = make(map[string][]cvr.DesiredQueryPatch)
	return out
}

// signalSchemaChange marks table as needing its cached Source dropped
// before the next recompile and wakes the main loop (spec §9
// schema-change handling).
func (g *groupSyncer) signalSchemaChange(table string) {
	g.mu.Lock()
	g.pendingSchemaTables[table] = true
	g.mu.Unlock()
	g.wake()
}

// activeTables returns every table name a currently compiled pipeline
// references, directly or through a join's child side.
func (g *groupSyncer) activeTables() map[string]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	tables := make(map[string]bool, len(g.pipelines))
	for _, p := range g.pipelines {
		tables[p.rootTable] = true
		for t := range p.childTables {
			tables[t] = true
		}
	}
	return tables
}

// syncWatches starts a Replica Store watch for every table in tables
// not already watched, and cancels any watch for a table no pipeline
// references anymore (spec §9).
func (g *groupSyncer) syncWatches(tables map[string]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name := range tables {
		if _, ok := g.watches[name]; ok {
			continue
		}
		g.watches[name] = g.startTableWatch(name)
	}
	for name, cancel := range g.watches {
		if !tables[name] {
			cancel()
			delete(g.watches, name)
		}
	}
}

// startTableWatch subscribes to schema changes for name, discarding
// the Replica Store's initial snapshot delivery and signaling a
// recompile on every subsequent one. Must be called with g.mu held.
func (g *groupSyncer) startTableWatch(name string) func() {
	ch, cancel := g.replica.Watch(g.sources.tableOf(name))
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
		case <-done:
			return
		}
		for {
			select {
			case <-ch:
				g.signalSchemaChange(name)
			case <-done:
				return
			}
		}
	}()
	return func() {
		cancel()
		close(done)
	}
}

// teardownWatches cancels every active schema watch. Safe to call
// even if no watch was ever started.
func (g *groupSyncer) teardownWatches() {
	g.mu.Lock()
	watches := g.watches
	g.watches = make(map[string]func())
	g.mu.Unlock()
	for _, cancel := range watches {
		cancel()
	}
}

// processCommit implements main-loop steps 3a-3e: feed the commit
// into every pipeline, reconcile, and poke every connected client.
func (g *groupSyncer) processCommit(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var changes []model.Change
	var commitWatermark watermark.Version
	for _, e := range entries {
		changes = append(changes, e.Change)
		commitWatermark = e.Watermark
	}

	byTable := sourceChangesByTable(g.sources, changes)
	deltasByTable := make(map[string][]ivm.Delta, len(byTable))
	changedTables := make(map[string]bool, len(byTable))
	for table, tableChanges := range byTable {
		deltasByTable[table] = g.sources.apply(table, tableChanges)
		changedTables[table] = true
	}

	g.mu.Lock()
	pipelines := make([]*pipeline, 0, len(g.pipelines))
	for _, p := range g.pipelines {
		pipelines = append(pipelines, p)
	}
	g.mu.Unlock()

	results := make([]cvr.QueryResult, 0, len(pipelines))
	for _, p := range pipelines {
		if err := p.push(ctx, deltasByTable[p.rootTable], changedTables); err != nil {
			return errors.Wrapf(err, "pushing commit into query %s", p.hash)
		}
		results = append(results, cvr.QueryResult{Hash: p.hash, Rows: p.rows()})
	}

	patches, err := g.cvrs.ReconcileRows(g.id, results)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		metrics.ReconcileIdempotentReplays.Inc()
	}

	if err := g.cvrs.AdvanceVersion(g.id, commitWatermark); err != nil {
		return err
	}
	cookie := cvr.Version{StateVersion: commitWatermark}

	g.mu.Lock()
	baseCookie := g.lastCookie
	g.lastCookie = cookie
	g.mu.Unlock()

	g.broadcast(Poke{
		Start: PokeStart{PokeID: commitWatermark, BaseCookie: baseCookie, Cookie: cookie},
		Parts: []PokePart{{
			LastMutationIDChanges: g.drainPendingMutations(),
			EntitiesPatch:         entityPatchesOf(patches),
		}},
		End: PokeEnd{PokeID: commitWatermark},
	})
	metrics.PokeSize.Observe(float64(len(patches)))
	return nil
}

func (g *groupSyncer) drainPendingMutations() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pendingMutations) == 0 {
		return nil
	}
	out := g.pendingMutations
	g.pendingMutations = make(map[string]int64)
	return out
}

func entityPatchesOf(patches []cvr.RowPatch) []EntityPatch {
	out := make([]EntityPatch, len(patches))
	for i, p := range patches {
		out[i] = EntityPatch{Op: p.Op, EntityType: p.Table, EntityID: p.ID, Value: p.Columns}
	}
	return out
}

func (g *groupSyncer) broadcast(poke Poke) {
	g.mu.Lock()
	subs := make([]*connSub, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()
	for _, s := range subs {
		s.deliver(Downstream{Poke: &poke})
	}
}

// abort implements the failure semantics of spec §4.H: cancel every
// connected client's downstream sequence with a typed error and tear
// the group down. The CVR is left at whatever stateVersion the last
// successful commit advanced it to.
func (g *groupSyncer) abort(err *wireerr.Error) {
	log.WithError(err).WithField("group", g.id).Error("view syncer group aborted")
	g.mu.Lock()
	subs := make([]*connSub, 0, len(g.subs))
	for wsID, s := range g.subs {
		subs = append(subs, s)
		delete(g.subs, wsID)
	}
	g.byClient = make(map[string]string)
	g.started = false
	g.mu.Unlock()
	for _, s := range subs {
		s.deliverErrAndCancel(err)
	}
}
