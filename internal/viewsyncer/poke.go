// Package viewsyncer implements the View Syncer (spec §4.H): one long
// -running task per client group, owning that group's CVR and the set
// of IVM pipelines its clients currently desire, translating each
// upstream commit into a poke sequence on every connected client.
// Grounded on cdc-sink's Resolvers.get/loop.Start single-active-loop-
// per-key pattern and the begin/data/commit/rollback state machine in
// internal/source/logical/serial_events.go, repurposed from "apply one
// commit to a target DB" to "diff one commit against N query
// pipelines and fan the result out to every client in a group".
package viewsyncer

import (
	"zero-sync/internal/cvr"
	"zero-sync/internal/watermark"
	"zero-sync/internal/wireerr"
)

// EntityPatch is one entitiesPatch entry (spec §6).
type EntityPatch struct {
	Op         cvr.PatchOp
	EntityType string
	EntityID   string
	Value      map[string]any
}

// PokeStart opens one poke (spec §4.H, §6).
type PokeStart struct {
	PokeID     watermark.Version
	BaseCookie cvr.Version
	Cookie     cvr.Version
}

// PokePart is one pokePart frame. Order across parts within a poke is
// not observable; a single part carries whatever the commit produced.
type PokePart struct {
	LastMutationIDChanges map[string]int64
	DesiredQueriesPatches map[string][]cvr.DesiredQueryPatch
	EntitiesPatch         []EntityPatch
	GotQueriesPatch       []string
}

// PokeEnd closes the poke opened by the PokeStart carrying the same
// PokeID.
type PokeEnd struct {
	PokeID watermark.Version
}

// Poke is one complete pokeStart/pokePart.../pokeEnd sequence (spec
// §4.H "poke ordering guarantees").
type Poke struct {
	Start PokeStart
	Parts []PokePart
	End   PokeEnd
}

// Downstream is one message delivered to a connection's downstream
// sequence: either a poke or a terminal, typed error that cancels the
// sequence (spec §4.H "failure semantics").
type Downstream struct {
	Poke *Poke
	Err  *wireerr.Error
}

// SyncContext identifies the connection a View Syncer call is made on
// behalf of (spec §4.H).
type SyncContext struct {
	ClientID   string
	WSID       string
	BaseCookie cvr.Version
}
