// Package connection implements the per-WebSocket protocol adapter
// (spec §4.I): message validation, the ping/push/pull/
// changeDesiredQueries/initConnection dispatch table, and the
// stop-and-wait outbound poke sequence. Framing itself is the
// gorilla/websocket library's concern; applying a mutation's business
// logic is a narrow MutationApplier contract this package only calls
// through, never implements, mirroring the cdc-sink convention of
// depending on small capability interfaces (types.Applier,
// types.Dialect) rather than concrete apply logic.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"zero-sync/internal/cvr"
	"zero-sync/internal/types"
	"zero-sync/internal/util/stopper"
	"zero-sync/internal/viewsyncer"
	"zero-sync/internal/watermark"
	"zero-sync/internal/wireerr"
)

// Syncer is the subset of *viewsyncer.ViewSyncer a connection drives.
type Syncer interface {
	InitConnection(ctx *stopper.Context, groupID string, sc viewsyncer.SyncContext, patch []cvr.DesiredQueryPatch) (<-chan viewsyncer.Downstream, types.Cancellable, error)
	ChangeDesiredQueries(groupID string, sc viewsyncer.SyncContext, patch []cvr.DesiredQueryPatch) error
	RecordMutation(groupID, clientID string, id int64)
}

var _ Syncer = (*viewsyncer.ViewSyncer)(nil)

// MutationApplier represents the out-of-scope mutation-application
// service (spec §1 "mutagen"): this package only calls it.
type MutationApplier interface {
	Apply(ctx context.Context, groupID, clientID string, m Mutation) error
}

// errCloseConnection signals dispatch-level failures that terminate
// the connection (spec §4.I "invalid frames -> close with
// ['error', InvalidMessage, detail]").
var errCloseConnection = errors.New("connection: closing on protocol violation")

const ackTimeout = 30 * time.Second

// Conn adapts one upgraded *websocket.Conn to the View Syncer and
// mutation-apply path for the lifetime of one client connection.
type Conn struct {
	ws       *websocket.Conn
	syncer   Syncer
	mutator  MutationApplier
	groupID  string
	clientID string
	wsID     string

	ctx *stopper.Context

	sendMu sync.Mutex
	nextID int64
	ackCh  chan int64

	mu  sync.Mutex
	sub types.Cancellable
}

// New builds a Conn over an already-upgraded WebSocket, bound to one
// client group and client ID (taken from the connection's query
// string or auth context by the out-of-scope framing layer).
func New(ws *websocket.Conn, syncer Syncer, mutator MutationApplier, groupID, clientID string) *Conn {
	return &Conn{
		ws:       ws,
		syncer:   syncer,
		mutator:  mutator,
		groupID:  groupID,
		clientID: clientID,
		wsID:     uuid.NewString(),
		ackCh:    make(chan int64, 1),
	}
}

// Serve sends the initial connected frame and runs the read loop until
// the socket closes, ctx stops, or a protocol violation forces a
// close. Serve blocks; call it from the goroutine that owns ws.
func (c *Conn) Serve(ctx *stopper.Context) error {
	c.ctx = ctx
	c.ws.SetPongHandler(c.onPong)
	defer func() {
		c.teardown()
		_ = c.ws.Close()
	}()

	if err := c.sendMsg("connected", connectedPayload{WSID: c.wsID, Timestamp: time.Now().UnixMilli()}); err != nil {
		return errors.Wrap(err, "sending connected frame")
	}

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage {
			_ = c.sendError(wireerr.InvalidMessage, "binary frames are not supported")
			return errCloseConnection
		}
		if err := c.dispatch(data); err != nil {
			return err
		}
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// onPong feeds the stop-and-wait ack protocol: every outbound text
// frame is followed by a Ping control frame carrying its id, and the
// peer's resulting Pong carries that id back (spec §4.I "stop-and-wait
// protocol with per-message integer IDs").
func (c *Conn) onPong(appData string) error {
	id, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return nil
	}
	select {
	case c.ackCh <- id:
	default:
	}
	return nil
}

func (c *Conn) sendMsg(tag string, payload any) error {
	return c.sendRaw([]any{tag, payload})
}

func (c *Conn) sendError(kind wireerr.Kind, detail string) error {
	return c.sendRaw([]any{"error", string(kind), detail})
}

func (c *Conn) sendRaw(v any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	id := atomic.AddInt64(&c.nextID, 1)
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling outbound frame")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "writing outbound frame")
	}
	return c.awaitAck(id)
}

func (c *Conn) awaitAck(id int64) error {
	deadline := time.Now().Add(ackTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, []byte(strconv.FormatInt(id, 10)), deadline); err != nil {
		return errors.Wrap(err, "writing ack ping")
	}
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	for {
		select {
		case got := <-c.ackCh:
			if got == id {
				return nil
			}
			// A stale ack for an earlier send; keep waiting for ours.
		case <-timer.C:
			return errors.Errorf("timed out waiting for ack %d", id)
		case <-c.ctx.Stopping():
			return errors.New("connection stopping")
		}
	}
}

func (c *Conn) dispatch(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil || len(tuple) == 0 {
		_ = c.sendError(wireerr.InvalidMessage, "malformed frame")
		return errCloseConnection
	}
	var tag string
	if err := json.Unmarshal(tuple[0], &tag); err != nil {
		_ = c.sendError(wireerr.InvalidMessage, "malformed frame tag")
		return errCloseConnection
	}
	var payload json.RawMessage
	if len(tuple) > 1 {
		payload = tuple[1]
	}

	switch tag {
	case "ping":
		return c.handlePing()
	case "push":
		return c.handlePush(payload)
	case "pull":
		return c.handlePull()
	case "changeDesiredQueries":
		return c.handleChangeDesiredQueries(payload)
	case "initConnection":
		return c.handleInitConnection(payload)
	default:
		_ = c.sendError(wireerr.InvalidMessage, fmt.Sprintf("unknown message tag %q", tag))
		return errCloseConnection
	}
}

func (c *Conn) handlePing() error {
	return c.sendMsg("pong", struct{}{})
}

// handlePush implements the push dispatch entry (spec §4.I,§6):
// clientGroupID mismatch rejects without closing; each mutation's
// failure is reported individually and does not stop the batch.
func (c *Conn) handlePush(payload json.RawMessage) error {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		if sendErr := c.sendError(wireerr.InvalidMessage, "malformed push payload"); sendErr != nil {
			return sendErr
		}
		return errCloseConnection
	}
	if p.ClientGroupID != c.groupID {
		return c.sendError(wireerr.InvalidPush, "clientGroupID does not match this connection's group")
	}
	for _, m := range p.Mutations {
		if err := c.mutator.Apply(c.ctx, c.groupID, c.clientID, m); err != nil {
			if sendErr := c.sendError(wireerr.MutationFailed, err.Error()); sendErr != nil {
				return sendErr
			}
			continue
		}
		c.syncer.RecordMutation(c.groupID, c.clientID, m.ID)
	}
	return nil
}

// handlePull reports pull as unsupported: it is out of scope for this
// implementation (spec §6 "pull: (not in core)").
func (c *Conn) handlePull() error {
	return c.sendError(wireerr.Internal, "pull is not implemented")
}

func (c *Conn) handleChangeDesiredQueries(payload json.RawMessage) error {
	var p desiredQueriesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		if sendErr := c.sendError(wireerr.InvalidMessage, "malformed changeDesiredQueries payload"); sendErr != nil {
			return sendErr
		}
		return errCloseConnection
	}
	patches, err := patchesToDomain(p.DesiredQueriesPatch)
	if err != nil {
		return c.sendError(wireerr.InvalidMessage, err.Error())
	}
	sc := viewsyncer.SyncContext{ClientID: c.clientID, WSID: c.wsID}
	if err := c.syncer.ChangeDesiredQueries(c.groupID, sc, patches); err != nil {
		kind, detail := wireKindAndDetail(err)
		return c.sendError(kind, detail)
	}
	return nil
}

// handleInitConnection obtains this connection's downstream sequence
// and starts forwarding it. If ctx is already stopping by the time the
// subscription is established, it is cancelled immediately rather than
// leaked (spec §4.I "initConnection... if already closed cancel it").
func (c *Conn) handleInitConnection(payload json.RawMessage) error {
	var p desiredQueriesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		if sendErr := c.sendError(wireerr.InvalidMessage, "malformed initConnection payload"); sendErr != nil {
			return sendErr
		}
		return errCloseConnection
	}
	patches, err := patchesToDomain(p.DesiredQueriesPatch)
	if err != nil {
		return c.sendError(wireerr.InvalidMessage, err.Error())
	}
	sc := viewsyncer.SyncContext{ClientID: c.clientID, WSID: c.wsID}
	ch, sub, err := c.syncer.InitConnection(c.ctx, c.groupID, sc, patches)
	if err != nil {
		kind, detail := wireKindAndDetail(err)
		return c.sendError(kind, detail)
	}

	select {
	case <-c.ctx.Stopping():
		sub.Cancel()
		return errCloseConnection
	default:
	}

	c.mu.Lock()
	prior := c.sub
	c.sub = sub
	c.mu.Unlock()
	if prior != nil {
		prior.Cancel()
	}

	c.ctx.Go(func() error {
		c.forward(ch)
		return nil
	})
	return nil
}

// forward drains one downstream sequence onto the wire until it closes
// or ctx stops. A send failure tears the whole connection down, since
// the stop-and-wait protocol has no way to skip a dropped frame.
func (c *Conn) forward(ch <-chan viewsyncer.Downstream) {
	for {
		select {
		case <-c.ctx.Stopping():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			if d.Err != nil {
				_ = c.sendError(d.Err.Kind, d.Err.Detail)
				return
			}
			if d.Poke == nil {
				continue
			}
			if err := c.sendPoke(d.Poke); err != nil {
				log.WithError(err).WithField("wsid", c.wsID).Warn("failed to forward poke")
				return
			}
		}
	}
}

func (c *Conn) sendPoke(p *viewsyncer.Poke) error {
	if err := c.sendMsg("pokeStart", pokeStartWire{
		PokeID:     p.Start.PokeID,
		BaseCookie: cookieToWire(p.Start.BaseCookie),
		Cookie:     cookieToWire(p.Start.Cookie),
	}); err != nil {
		return err
	}
	for _, part := range p.Parts {
		if err := c.sendMsg("pokePart", pokePartToWire(part)); err != nil {
			return err
		}
	}
	return c.sendMsg("pokeEnd", pokeEndWire{PokeID: p.End.PokeID})
}

func wireKindAndDetail(err error) (wireerr.Kind, string) {
	if werr, ok := wireerr.As(err); ok {
		return werr.Kind, werr.Detail
	}
	return wireerr.Internal, err.Error()
}

type connectedPayload struct {
	WSID      string `json:"wsid"`
	Timestamp int64  `json:"timestamp"`
}

type cookieWire struct {
	StateVersion watermark.Version `json:"stateVersion"`
	MinorVersion int               `json:"minorVersion"`
}

func cookieToWire(v cvr.Version) cookieWire {
	return cookieWire{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion}
}

type pokeStartWire struct {
	PokeID     watermark.Version `json:"pokeID"`
	BaseCookie cookieWire        `json:"baseCookie"`
	Cookie     cookieWire        `json:"cookie"`
}

type pokePartWire struct {
	LastMutationIDChanges map[string]int64        `json:"lastMutationIDChanges,omitempty"`
	DesiredQueriesPatches map[string][]wirePatch   `json:"desiredQueriesPatches,omitempty"`
	EntitiesPatch         []entityPatchWire        `json:"entitiesPatch,omitempty"`
	GotQueriesPatch       []string                 `json:"gotQueriesPatch,omitempty"`
}

type pokeEndWire struct {
	PokeID watermark.Version `json:"pokeID"`
}

func entityPatchToWire(e viewsyncer.EntityPatch) entityPatchWire {
	return entityPatchWire{Op: patchOpString(e.Op), EntityType: e.EntityType, EntityID: e.EntityID, Value: e.Value}
}

func pokePartToWire(p viewsyncer.PokePart) pokePartWire {
	var dqp map[string][]wirePatch
	if len(p.DesiredQueriesPatches) > 0 {
		dqp = make(map[string][]wirePatch, len(p.DesiredQueriesPatches))
		for hash, patches := range p.DesiredQueriesPatches {
			wp := make([]wirePatch, len(patches))
			for i, patch := range patches {
				wp[i] = patchToWire(patch)
			}
			dqp[hash] = wp
		}
	}
	var ep []entityPatchWire
	if len(p.EntitiesPatch) > 0 {
		ep = make([]entityPatchWire, len(p.EntitiesPatch))
		for i, e := range p.EntitiesPatch {
			ep[i] = entityPatchToWire(e)
		}
	}
	return pokePartWire{
		LastMutationIDChanges: p.LastMutationIDChanges,
		DesiredQueriesPatches: dqp,
		EntitiesPatch:         ep,
		GotQueriesPatch:       p.GotQueriesPatch,
	}
}
