// Package registry holds one rank's view of the agent population: the
// authoritative entries this rank owns and the ghost replicas it has
// received. It is a pure in-memory container; all network I/O lives in the
// dispatcher.
package registry

import (
	"fmt"
	"sort"

	"parsim.dev/internal/protocol"
)

type AgentID string

type Role uint8

const (
	RoleAuthoritative Role = iota + 1
	RoleGhost
)

func (r Role) String() string {
	switch r {
	case RoleAuthoritative:
		return "AUTHORITATIVE"
	case RoleGhost:
		return "GHOST"
	default:
		return "UNKNOWN"
	}
}

type entry struct {
	role  Role
	state protocol.AgentState
	// For ghosts: the sender tick of the last applied update. For
	// authoritative entries: unused (the sync manager owns the clock).
	tick  uint64
	dirty bool
}

// Entry is one (id, state) pair from a snapshot.
type Entry struct {
	ID    AgentID
	State protocol.AgentState
}

// GhostEntry is a ghost snapshot row; Tick is the last applied owner tick.
type GhostEntry struct {
	ID    AgentID
	State protocol.AgentState
	Tick  uint64
}

// Registry is accessed only from the sync loop goroutine; it carries no
// locking of its own.
type Registry struct {
	agents  map[AgentID]*entry
	removed []AgentID // authoritative removals pending broadcast
}

func New() *Registry {
	return &Registry{agents: map[AgentID]*entry{}}
}

// Register creates an authoritative entry. The new entry starts dirty so
// the first exchange after registration publishes it.
func (r *Registry) Register(id AgentID, state protocol.AgentState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if _, exists := r.agents[id]; exists {
		// Caller misuse, not a wire condition; no protocol code.
		return fmt.Errorf("agent %q already registered", id)
	}
	r.agents[id] = &entry{role: RoleAuthoritative, state: state, dirty: true}
	return nil
}

// Update replaces the state of a locally owned agent and marks it dirty.
func (r *Registry) Update(id AgentID, state protocol.AgentState) error {
	e, ok := r.agents[id]
	if !ok || e.role != RoleAuthoritative {
		return protocol.NewError(protocol.ErrUnknownAgent, "agent %q not owned by this rank", id)
	}
	if err := state.Validate(); err != nil {
		return err
	}
	e.state = state
	e.dirty = true
	return nil
}

// ApplyGhostUpdate creates or refreshes a ghost entry. Updates older than
// the entry's last applied tick are dropped, not an error; the return
// value reports whether the state was applied. Updates for an agent this
// rank owns are ignored; ownership is never overwritten by the wire.
func (r *Registry) ApplyGhostUpdate(id AgentID, state protocol.AgentState, tick uint64) bool {
	e, ok := r.agents[id]
	if !ok {
		r.agents[id] = &entry{role: RoleGhost, state: state, tick: tick}
		return true
	}
	if e.role == RoleAuthoritative {
		return false
	}
	if tick < e.tick {
		return false
	}
	e.state = state
	e.tick = tick
	return true
}

// Remove deletes a locally owned agent and queues the removal for
// broadcast so ghosts elsewhere are cleaned up.
func (r *Registry) Remove(id AgentID) error {
	e, ok := r.agents[id]
	if !ok || e.role != RoleAuthoritative {
		return protocol.NewError(protocol.ErrUnknownAgent, "agent %q not owned by this rank", id)
	}
	delete(r.agents, id)
	r.removed = append(r.removed, id)
	return nil
}

// DropGhost discards a ghost after its owner reported removal. Dropping an
// absent or authoritative entry is a no-op.
func (r *Registry) DropGhost(id AgentID) {
	if e, ok := r.agents[id]; ok && e.role == RoleGhost {
		delete(r.agents, id)
	}
}

// TakeRemoved drains the queued authoritative removals.
func (r *Registry) TakeRemoved() []AgentID {
	out := r.removed
	r.removed = nil
	return out
}

// Snapshot returns the authoritative subset ordered by id.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.agents))
	for id, e := range r.agents {
		if e.role != RoleAuthoritative {
			continue
		}
		out = append(out, Entry{ID: id, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DirtySnapshot returns the authoritative entries mutated since the last
// call, ordered by id, and clears their dirty flags.
func (r *Registry) DirtySnapshot() []Entry {
	out := make([]Entry, 0, len(r.agents))
	for id, e := range r.agents {
		if e.role != RoleAuthoritative || !e.dirty {
			continue
		}
		e.dirty = false
		out = append(out, Entry{ID: id, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GhostSnapshot returns the ghost subset ordered by id.
func (r *Registry) GhostSnapshot() []GhostEntry {
	out := make([]GhostEntry, 0, len(r.agents))
	for id, e := range r.agents {
		if e.role != RoleGhost {
			continue
		}
		out = append(out, GhostEntry{ID: id, State: e.state, Tick: e.tick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnedPositions lists authoritative agent positions, the only input zone
// interest may be computed from.
func (r *Registry) OwnedPositions() []protocol.Vec3 {
	out := make([]protocol.Vec3, 0, len(r.agents))
	for _, e := range r.agents {
		if e.role == RoleAuthoritative {
			out = append(out, e.state.Pos)
		}
	}
	return out
}

// Owned returns the current state of a locally owned agent.
func (r *Registry) Owned(id AgentID) (protocol.AgentState, bool) {
	if e, ok := r.agents[id]; ok && e.role == RoleAuthoritative {
		return e.state, true
	}
	return protocol.AgentState{}, false
}

// Role reports an agent's local role, or 0 if unknown here.
func (r *Registry) Role(id AgentID) Role {
	if e, ok := r.agents[id]; ok {
		return e.role
	}
	return 0
}

// GhostTick returns the last applied owner tick for a ghost.
func (r *Registry) GhostTick(id AgentID) (uint64, bool) {
	if e, ok := r.agents[id]; ok && e.role == RoleGhost {
		return e.tick, true
	}
	return 0, false
}

func (r *Registry) Len() int { return len(r.agents) }
