package lockstep

import (
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"parsim.dev/internal/codec"
	"parsim.dev/internal/protocol"
	"parsim.dev/internal/sim/registry"
	"parsim.dev/internal/transport"
	"parsim.dev/internal/transport/mem"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[lockstep-test] ", 0)
}

func testConfig() Config {
	return Config{
		ZoneCellSize:    16,
		ProximityRadius: 10,
		BarrierTimeout:  5 * time.Second,
		QueueCapacity:   64,
	}
}

func newManagers(t *testing.T, n int) []*Manager {
	t.Helper()
	f := mem.NewFabric(n, 256)
	t.Cleanup(f.Close)
	out := make([]*Manager, n)
	for r := 0; r < n; r++ {
		c, err := codec.New()
		if err != nil {
			t.Fatalf("codec: %v", err)
		}
		t.Cleanup(c.Close)
		m, err := New(testConfig(), f.Endpoint(protocol.RankID(r)), c, testLogger())
		if err != nil {
			t.Fatalf("manager %d: %v", r, err)
		}
		t.Cleanup(m.Close)
		out[r] = m
	}
	return out
}

func runAll(t *testing.T, op string, fn func(m *Manager) error, ms ...*Manager) {
	t.Helper()
	errs := make(chan error, len(ms))
	for _, m := range ms {
		go func(m *Manager) { errs <- fn(m) }(m)
	}
	for range ms {
		if err := <-errs; err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}
}

func startAll(t *testing.T, ms ...*Manager) {
	runAll(t, "start", (*Manager).Start, ms...)
}

func stepAll(t *testing.T, ms ...*Manager) {
	runAll(t, "step", (*Manager).Step, ms...)
}

func vehicle(x, z float64) protocol.AgentState {
	return protocol.AgentState{
		Kind:    protocol.KindVehicle,
		Pos:     protocol.Vec3{X: x, Z: z},
		Vehicle: &protocol.VehicleState{SpeedMps: 1},
	}
}

// Agent X on rank 0 moves within proximity of rank 1's agent; after the
// tick, rank 1 holds a ghost of X stamped with the exchange tick.
func TestGhostAppearsOnInterestedRank(t *testing.T) {
	ms := newManagers(t, 2)
	if err := ms[0].Registry().Register("X", vehicle(0, 0)); err != nil {
		t.Fatalf("register X: %v", err)
	}
	if err := ms[1].Registry().Register("Y", vehicle(8, 0)); err != nil {
		t.Fatalf("register Y: %v", err)
	}
	startAll(t, ms...)
	stepAll(t, ms...) // exchange tick 0: initial states propagate

	if err := ms[0].Registry().Update("X", vehicle(5, 0)); err != nil {
		t.Fatalf("update X: %v", err)
	}
	exchangeTick := ms[0].SyncTick()
	stepAll(t, ms...)

	ghosts := ms[1].Registry().GhostSnapshot()
	if len(ghosts) != 1 || ghosts[0].ID != "X" {
		t.Fatalf("rank 1 ghosts: %+v", ghosts)
	}
	if ghosts[0].State.Pos.X != 5 {
		t.Fatalf("ghost position not updated: %+v", ghosts[0].State.Pos)
	}
	if ghosts[0].Tick != exchangeTick {
		t.Fatalf("ghost tick %d, want exchange tick %d", ghosts[0].Tick, exchangeTick)
	}
	if ms[0].SyncTick() != ms[1].SyncTick() {
		t.Fatalf("ranks disagree on SyncTick: %d vs %d", ms[0].SyncTick(), ms[1].SyncTick())
	}
	// Symmetrically, rank 0 ghosts Y.
	if g := ms[0].Registry().GhostSnapshot(); len(g) != 1 || g[0].ID != "Y" {
		t.Fatalf("rank 0 ghosts: %+v", g)
	}
}

// Removal broadcasts clean up ghosts on the next tick.
func TestRemovalDropsGhosts(t *testing.T) {
	ms := newManagers(t, 2)
	if err := ms[0].Registry().Register("X", vehicle(0, 0)); err != nil {
		t.Fatalf("register X: %v", err)
	}
	if err := ms[1].Registry().Register("Y", vehicle(8, 0)); err != nil {
		t.Fatalf("register Y: %v", err)
	}
	startAll(t, ms...)
	stepAll(t, ms...)
	if g := ms[1].Registry().GhostSnapshot(); len(g) != 1 {
		t.Fatalf("precondition: rank 1 should ghost X, got %+v", g)
	}

	if err := ms[0].Registry().Remove("X"); err != nil {
		t.Fatalf("remove X: %v", err)
	}
	stepAll(t, ms...)

	if g := ms[1].Registry().GhostSnapshot(); len(g) != 0 {
		t.Fatalf("ghost of X must be gone after removal: %+v", g)
	}
}

// At most one rank reports itself authoritative for an id at any
// committed tick, across an interleaving of registrations and removals.
func TestAuthorityStaysUnique(t *testing.T) {
	ms := newManagers(t, 3)
	if err := ms[0].Registry().Register("X", vehicle(0, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = ms[1].Registry().Register("Y", vehicle(4, 0))
	_ = ms[2].Registry().Register("Z", vehicle(8, 0))
	startAll(t, ms...)

	check := func(tick int, id registry.AgentID, want int) {
		t.Helper()
		owners := 0
		for _, m := range ms {
			if m.Registry().Role(id) == registry.RoleAuthoritative {
				owners++
			}
		}
		if owners != want {
			t.Fatalf("tick %d: %d owners of %s, want %d", tick, owners, id, want)
		}
	}

	for i := 0; i < 3; i++ {
		// Churn: move everything, drop and re-register X mid-run.
		_ = ms[0].Registry().Update("X", vehicle(float64(i), 0))
		_ = ms[1].Registry().Update("Y", vehicle(4+float64(i), 0))
		if i == 1 {
			if err := ms[0].Registry().Remove("X"); err != nil {
				t.Fatalf("remove: %v", err)
			}
		}
		if i == 2 {
			if err := ms[0].Registry().Register("X", vehicle(0, 0)); err != nil {
				t.Fatalf("re-register: %v", err)
			}
		}
		stepAll(t, ms...)
		want := 1
		if i == 1 {
			want = 0
		}
		check(i, "X", want)
		check(i, "Y", 1)
		check(i, "Z", 1)
	}
}

// Mismatched codec versions abort both ranks before any tick completes.
func TestSchemaSkewAbortsBeforeFirstTick(t *testing.T) {
	f := mem.NewFabric(2, 256)
	t.Cleanup(f.Close)

	versions := []string{protocol.SchemaVersion, "9.9"}
	ms := make([]*Manager, 2)
	for r := 0; r < 2; r++ {
		c, err := codec.NewWithVersion(versions[r])
		if err != nil {
			t.Fatalf("codec: %v", err)
		}
		t.Cleanup(c.Close)
		m, err := New(testConfig(), f.Endpoint(protocol.RankID(r)), c, testLogger())
		if err != nil {
			t.Fatalf("manager: %v", err)
		}
		t.Cleanup(m.Close)
		if err := m.Registry().Register(registry.AgentID([]string{"X", "Y"}[r]), vehicle(float64(r), 0)); err != nil {
			t.Fatalf("register: %v", err)
		}
		ms[r] = m
	}

	errs := make(chan error, 2)
	for _, m := range ms {
		go func(m *Manager) { errs <- m.Start() }(m)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; protocol.CodeOf(err) != protocol.ErrSchemaVersion {
			t.Fatalf("want E_SCHEMA_VERSION from start, got %v", err)
		}
	}
	for r, m := range ms {
		if m.SyncTick() != 0 {
			t.Fatalf("rank %d committed a tick despite version skew", r)
		}
		if !m.Stopped() {
			t.Fatalf("rank %d not stopped after fatal error", r)
		}
	}
}

func TestSingleRankStateMachine(t *testing.T) {
	ms := newManagers(t, 1)
	m := ms[0]
	if m.State() != StateIdle || m.SyncTick() != 0 {
		t.Fatalf("fresh manager: state %v tick %d", m.State(), m.SyncTick())
	}
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if m.SyncTick() != uint64(i) {
			t.Fatalf("tick after step %d: %d", i, m.SyncTick())
		}
		if m.State() != StateIdle {
			t.Fatalf("state after step: %v", m.State())
		}
	}
}

func TestShutdownHonoredAtIdle(t *testing.T) {
	ms := newManagers(t, 1)
	m := ms[0]
	if err := m.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	m.RequestShutdown()
	if err := m.Step(); !errors.Is(err, ErrStopped) {
		t.Fatalf("want ErrStopped, got %v", err)
	}
	if !m.Stopped() {
		t.Fatalf("manager should be stopped")
	}
	if m.SyncTick() != 1 {
		t.Fatalf("no further tick may commit after shutdown, tick %d", m.SyncTick())
	}
	if err := m.Step(); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped manager must stay stopped, got %v", err)
	}
}

func TestBarrierTimeoutIsFatal(t *testing.T) {
	f := mem.NewFabric(2, 256)
	t.Cleanup(f.Close)
	c, err := codec.New()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	t.Cleanup(c.Close)

	cfg := testConfig()
	cfg.BarrierTimeout = 50 * time.Millisecond
	m, err := New(cfg, f.Endpoint(0), c, testLogger())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)

	// Rank 1 never arrives.
	stepErr := m.Step()
	if protocol.CodeOf(stepErr) != protocol.ErrBarrierTimeout {
		t.Fatalf("want E_BARRIER_TIMEOUT, got %v", stepErr)
	}
	if !m.Stopped() {
		t.Fatalf("barrier timeout must stop the manager")
	}
	if again := m.Step(); !errors.Is(again, stepErr) && protocol.CodeOf(again) != protocol.ErrBarrierTimeout {
		t.Fatalf("fatal error must stick: %v", again)
	}
}

// flakyTransport fails the first n unicast sends, then behaves.
type flakyTransport struct {
	transport.Transport
	failures int
	attempts int
}

func (f *flakyTransport) Send(b []byte, dest protocol.RankID) error {
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("synthetic send failure")
	}
	return f.Transport.Send(b, dest)
}

// A failed send is retried once on the next tick with the agent's current
// state, so a single dropped update self-heals.
func TestSendFailureRetriedOnce(t *testing.T) {
	f := mem.NewFabric(2, 256)
	t.Cleanup(f.Close)
	flaky := &flakyTransport{Transport: f.Endpoint(0), failures: 1}

	ms := make([]*Manager, 2)
	for r := 0; r < 2; r++ {
		c, err := codec.New()
		if err != nil {
			t.Fatalf("codec: %v", err)
		}
		t.Cleanup(c.Close)
		var tr transport.Transport = f.Endpoint(protocol.RankID(r))
		if r == 0 {
			tr = flaky
		}
		m, err := New(testConfig(), tr, c, testLogger())
		if err != nil {
			t.Fatalf("manager: %v", err)
		}
		t.Cleanup(m.Close)
		ms[r] = m
	}
	if err := ms[0].Registry().Register("X", vehicle(0, 0)); err != nil {
		t.Fatalf("register X: %v", err)
	}
	if err := ms[1].Registry().Register("Y", vehicle(8, 0)); err != nil {
		t.Fatalf("register Y: %v", err)
	}
	startAll(t, ms...)

	stepAll(t, ms...) // X's update to rank 1 fails and is queued for retry
	if g := ms[1].Registry().GhostSnapshot(); len(g) != 0 {
		t.Fatalf("update should have been lost this tick, ghosts: %+v", g)
	}

	stepAll(t, ms...) // retry delivers the current state
	g := ms[1].Registry().GhostSnapshot()
	if len(g) != 1 || g[0].ID != "X" {
		t.Fatalf("retry did not deliver the update: %+v", g)
	}
}
