// Package lockstep drives the per-tick exchange cycle that keeps every
// rank's ghost copies in step with their authoritative owners. One manager
// runs per rank, on the host simulation's main goroutine.
package lockstep

import (
	"log"
	"sync/atomic"
	"time"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/sim/dispatch"
	"parsim.dev/internal/sim/registry"
	"parsim.dev/internal/sim/zone"
	"parsim.dev/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateCollecting
	StateExchanging
	StateApplying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	case StateExchanging:
		return "EXCHANGING"
	case StateApplying:
		return "APPLYING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config carries the options the core recognizes. TickIntervalHint is
// advisory pacing for the host loop; the core never sleeps on it.
type Config struct {
	TickIntervalHint time.Duration
	ZoneCellSize     float64
	ProximityRadius  float64
	BarrierTimeout   time.Duration
	QueueCapacity    int
}

func (c *Config) applyDefaults() {
	if c.ZoneCellSize <= 0 {
		c.ZoneCellSize = 16
	}
	if c.ProximityRadius < 0 {
		c.ProximityRadius = 0
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
}

// retrySend is a (agent, destination) pair whose send failed this tick and
// gets one more attempt next tick. A second failure drops the pair; the
// agent's next dirty state supersedes it anyway.
type retrySend struct {
	id   registry.AgentID
	dest protocol.RankID
}

type Manager struct {
	cfg  Config
	tr   transport.Transport
	disp *dispatch.Dispatcher
	reg  *registry.Registry
	grid *zone.Grid
	log  *log.Logger
	rank protocol.RankID

	state State
	tick  uint64
	retry []retrySend

	stopReq atomic.Bool
	fatal   error
}

// New wires a manager over an already-initialized transport and codec. It
// owns the registry, grid and dispatcher it creates; the transport stays
// owned by the host.
func New(cfg Config, tr transport.Transport, cdc dispatch.Codec, logger *log.Logger) (*Manager, error) {
	cfg.applyDefaults()
	grid, err := zone.NewGrid(cfg.ZoneCellSize, cfg.ProximityRadius)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:  cfg,
		tr:   tr,
		disp: dispatch.New(tr, cdc, cfg.QueueCapacity, logger),
		reg:  registry.New(),
		grid: grid,
		log:  logger,
		rank: tr.ThisRank(),
	}, nil
}

func (m *Manager) Registry() *registry.Registry { return m.reg }
func (m *Manager) Grid() *zone.Grid             { return m.grid }
func (m *Manager) SyncTick() uint64             { return m.tick }
func (m *Manager) State() State                 { return m.state }
func (m *Manager) Config() Config               { return m.cfg }

// RequestShutdown asks the manager to stop. A request made mid-cycle is
// deferred until the manager is next Idle, so no tick commits partially.
// Safe to call from any goroutine.
func (m *Manager) RequestShutdown() { m.stopReq.Store(true) }

func (m *Manager) Stopped() bool { return m.state == StateStopped }

// Start performs the initial interest exchange: every rank declares its
// zones and observes its peers' declarations before the first tick, so
// tick 0 updates already reach interested ranks. A schema version skew
// anywhere in the run surfaces here, before any tick completes.
func (m *Manager) Start() error {
	if m.fatal != nil {
		return m.fatal
	}
	m.disp.SetTick(m.tick)
	zones := m.grid.ZonesAround(m.reg.OwnedPositions())
	m.grid.SetSubscription(m.rank, m.tick, zones)
	if err := m.disp.BroadcastSubscribe(refs(zones)); err != nil {
		m.log.Printf("rank %d: initial subscribe: %v", m.rank, err)
	}
	if err := m.barrier(); err != nil {
		return err
	}
	return m.apply()
}

// Step runs one full exchange cycle. The host calls it once per tick,
// after local physics has stepped. Only fatal errors are returned; all
// per-message failures are logged and absorbed.
func (m *Manager) Step() error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.state == StateStopped {
		return ErrStopped
	}
	if m.stopReq.Load() {
		m.state = StateStopped
		return ErrStopped
	}

	// Idle -> Collecting: take the dirty set and pending removals.
	m.state = StateCollecting
	dirty := m.reg.DirtySnapshot()
	removed := m.reg.TakeRemoved()
	zones := m.grid.ZonesAround(m.reg.OwnedPositions())
	m.grid.SetSubscription(m.rank, m.tick, zones)

	// Collecting -> Exchanging: all sends issued before the barrier.
	m.state = StateExchanging
	m.exchange(dirty, removed, zones)
	if err := m.barrier(); err != nil {
		return err
	}

	// Exchanging -> Applying: drain and apply the inbound buffers.
	m.state = StateApplying
	if err := m.apply(); err != nil {
		return err
	}

	// Applying -> Idle: commit the tick.
	m.tick++
	m.disp.SetTick(m.tick)
	m.state = StateIdle
	return nil
}

func (m *Manager) exchange(dirty []registry.Entry, removed []registry.AgentID, zones []zone.Zone) {
	if err := m.disp.BroadcastSubscribe(refs(zones)); err != nil {
		m.log.Printf("rank %d tick %d: subscribe broadcast: %v", m.rank, m.tick, err)
	}
	for _, id := range removed {
		if err := m.disp.BroadcastRemoval(string(id)); err != nil {
			m.log.Printf("rank %d tick %d: removal broadcast for %q: %v", m.rank, m.tick, id, err)
		}
	}

	// One retry for last tick's failed pairs, using current state. Pairs
	// whose agent is gone are dropped; removal already broadcast.
	retries := m.retry
	m.retry = nil
	sent := map[retrySend]bool{}
	for _, rs := range retries {
		st, ok := m.reg.Owned(rs.id)
		if !ok {
			continue
		}
		sent[rs] = true
		if err := m.disp.SendUpdate(string(rs.id), st, rs.dest); err != nil {
			m.log.Printf("rank %d tick %d: retry for agent %q to rank %d failed, dropping: %v", m.rank, m.tick, rs.id, rs.dest, err)
		}
	}

	for _, e := range dirty {
		z := m.grid.Assign(e.State.Pos)
		for _, dest := range m.grid.InterestedRanks(z) {
			if dest == m.rank {
				continue
			}
			pair := retrySend{id: e.ID, dest: dest}
			if sent[pair] {
				continue
			}
			err := m.disp.SendUpdate(string(e.ID), e.State, dest)
			if err == nil {
				continue
			}
			if protocol.CodeOf(err) == protocol.ErrTransport {
				m.log.Printf("rank %d tick %d: send agent %q to rank %d: %v (will retry once)", m.rank, m.tick, e.ID, dest, err)
				m.retry = append(m.retry, pair)
				continue
			}
			m.log.Printf("rank %d tick %d: drop update for agent %q: %v", m.rank, m.tick, e.ID, err)
		}
	}
}

func (m *Manager) barrier() error {
	if err := m.tr.Barrier(m.cfg.BarrierTimeout); err != nil {
		m.fatal = protocol.NewError(protocol.ErrBarrierTimeout,
			"rank %d tick %d: barrier wait failed after %s: %v", m.rank, m.tick, m.cfg.BarrierTimeout, err)
		m.state = StateStopped
		m.log.Printf("FATAL %v", m.fatal)
		return m.fatal
	}
	return nil
}

// subAgg accumulates one rank's zone declarations for its newest tick.
type subAgg struct {
	tick  uint64
	zones []zone.Zone
}

func (m *Manager) apply() error {
	msgs, err := m.disp.Poll()
	if err != nil {
		m.fatal = err
		m.state = StateStopped
		m.log.Printf("FATAL %v", err)
		return err
	}

	aggs := map[protocol.RankID]*subAgg{}
	for _, msg := range msgs {
		switch msg.Kind {
		case protocol.KindAgentUpdate:
			m.reg.ApplyGhostUpdate(registry.AgentID(msg.AgentID), msg.State, msg.Tick)
		case protocol.KindAgentRemoved:
			m.reg.DropGhost(registry.AgentID(msg.AgentID))
		case protocol.KindZoneSubscribe:
			a, ok := aggs[msg.Rank]
			if !ok {
				a = &subAgg{tick: msg.Tick}
				aggs[msg.Rank] = a
			}
			if msg.Tick > a.tick {
				a.tick = msg.Tick
				a.zones = a.zones[:0]
			}
			if msg.Tick == a.tick {
				a.zones = append(a.zones, zone.FromRef(msg.Zone))
			}
		}
	}
	for rank, a := range aggs {
		m.grid.SetSubscription(rank, a.tick, a.zones)
	}
	return nil
}

func refs(zones []zone.Zone) []protocol.ZoneRef {
	out := make([]protocol.ZoneRef, 0, len(zones))
	for _, z := range zones {
		out = append(out, z.Ref())
	}
	return out
}

// Close shuts down the dispatcher's receive goroutine. The host closes
// the transport first.
func (m *Manager) Close() {
	m.disp.Close()
}
