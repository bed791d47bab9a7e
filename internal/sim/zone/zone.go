// Package zone partitions space into a fixed-size grid and answers which
// ranks need which agents' updates. Every rank computes the zones its own
// authoritative agents care about and declares them to its peers each tick
// (ZONE_SUBSCRIBE); ghost positions never feed interest, so stale replicas
// cannot cause subscription feedback loops.
package zone

import (
	"fmt"
	"math"
	"sort"

	"parsim.dev/internal/protocol"
)

// Zone is one grid cell.
type Zone struct {
	CX, CY, CZ int
}

func (z Zone) Ref() protocol.ZoneRef {
	return protocol.ZoneRef{CX: z.CX, CY: z.CY, CZ: z.CZ}
}

func FromRef(r protocol.ZoneRef) Zone {
	return Zone{CX: r.CX, CY: r.CY, CZ: r.CZ}
}

type subscription struct {
	tick  uint64
	zones map[Zone]struct{}
}

type Grid struct {
	cellSize float64
	radius   float64

	subs map[protocol.RankID]*subscription
}

// NewGrid builds a grid with the given cell size (> 0) and proximity
// radius (>= 0).
func NewGrid(cellSize, proximityRadius float64) (*Grid, error) {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("zone cell size must be > 0, got %v", cellSize)
	}
	if proximityRadius < 0 || math.IsNaN(proximityRadius) {
		return nil, fmt.Errorf("proximity radius must be >= 0, got %v", proximityRadius)
	}
	return &Grid{
		cellSize: cellSize,
		radius:   proximityRadius,
		subs:     map[protocol.RankID]*subscription{},
	}, nil
}

func (g *Grid) CellSize() float64 { return g.cellSize }

// Assign maps a position to its zone by floor division.
func (g *Grid) Assign(pos protocol.Vec3) Zone {
	return Zone{
		CX: cellOf(pos.X, g.cellSize),
		CY: cellOf(pos.Y, g.cellSize),
		CZ: cellOf(pos.Z, g.cellSize),
	}
}

func cellOf(v, size float64) int {
	return int(math.Floor(v / size))
}

// ZonesAround returns the cells a rank owning agents at these positions is
// interested in: every cell the proximity radius overlaps, widened by a
// 1-cell halo so fast movers near a boundary are not missed between ticks.
// The result is sorted and deduplicated.
func (g *Grid) ZonesAround(positions []protocol.Vec3) []Zone {
	set := map[Zone]struct{}{}
	for _, pos := range positions {
		// Conservative cell AABB of the proximity sphere, plus the halo.
		lo := g.Assign(protocol.Vec3{X: pos.X - g.radius, Y: pos.Y - g.radius, Z: pos.Z - g.radius})
		hi := g.Assign(protocol.Vec3{X: pos.X + g.radius, Y: pos.Y + g.radius, Z: pos.Z + g.radius})
		for cx := lo.CX - 1; cx <= hi.CX+1; cx++ {
			for cy := lo.CY - 1; cy <= hi.CY+1; cy++ {
				for cz := lo.CZ - 1; cz <= hi.CZ+1; cz++ {
					set[Zone{CX: cx, CY: cy, CZ: cz}] = struct{}{}
				}
			}
		}
	}
	out := make([]Zone, 0, len(set))
	for z := range set {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return zoneLess(out[i], out[j]) })
	return out
}

// SetSubscription records a rank's declared interest. Older declarations
// are dropped; a declaration for the already-stored tick is merged, since
// one tick's zones may arrive as several messages.
func (g *Grid) SetSubscription(rank protocol.RankID, tick uint64, zones []Zone) bool {
	s, ok := g.subs[rank]
	if !ok {
		s = &subscription{zones: map[Zone]struct{}{}}
		g.subs[rank] = s
	} else if tick < s.tick {
		return false
	} else if tick > s.tick {
		s.zones = map[Zone]struct{}{}
	}
	s.tick = tick
	for _, z := range zones {
		s.zones[z] = struct{}{}
	}
	return true
}

// Rebuild recomputes every rank's subscription directly from its
// authoritative positions, all tagged with the same tick. It serves hosts
// that run all ranks in one process, and tests.
func (g *Grid) Rebuild(owned map[protocol.RankID][]protocol.Vec3) {
	g.subs = map[protocol.RankID]*subscription{}
	for rank, positions := range owned {
		g.SetSubscription(rank, 0, g.ZonesAround(positions))
	}
}

// InterestedRanks returns the ranks whose declared interest covers a zone,
// sorted.
func (g *Grid) InterestedRanks(z Zone) []protocol.RankID {
	out := make([]protocol.RankID, 0, len(g.subs))
	for rank, s := range g.subs {
		if _, ok := s.zones[z]; ok {
			out = append(out, rank)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func zoneLess(a, b Zone) bool {
	if a.CX != b.CX {
		return a.CX < b.CX
	}
	if a.CY != b.CY {
		return a.CY < b.CY
	}
	return a.CZ < b.CZ
}
