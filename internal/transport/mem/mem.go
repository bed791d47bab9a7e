// Package mem is an in-process transport fabric: every rank lives in the
// same process and exchanges buffers over channels. It backs tests and the
// host's local mode.
package mem

import (
	"sync"
	"time"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/transport"
)

type Fabric struct {
	endpoints []*Endpoint

	mu      sync.Mutex
	arrived int
	release chan struct{}
	closed  bool
}

type Endpoint struct {
	fabric *Fabric
	rank   protocol.RankID
	inbox  chan []byte
}

// NewFabric builds a fabric of n ranks with the given per-rank inbox
// capacity. Rank ids are 0..n-1.
func NewFabric(n, inboxCap int) *Fabric {
	if inboxCap <= 0 {
		inboxCap = 1024
	}
	f := &Fabric{release: make(chan struct{})}
	for r := 0; r < n; r++ {
		f.endpoints = append(f.endpoints, &Endpoint{
			fabric: f,
			rank:   protocol.RankID(r),
			inbox:  make(chan []byte, inboxCap),
		})
	}
	return f
}

func (f *Fabric) Endpoint(rank protocol.RankID) *Endpoint {
	if int(rank) < 0 || int(rank) >= len(f.endpoints) {
		return nil
	}
	return f.endpoints[rank]
}

func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ep := range f.endpoints {
		close(ep.inbox)
	}
}

func (f *Fabric) deliver(b []byte, dest protocol.RankID) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	ep := f.Endpoint(dest)
	if ep == nil {
		return transport.ErrUnknownRank
	}
	// Copy so the sender may reuse its buffer.
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case ep.inbox <- cp:
		return nil
	default:
		return transport.ErrInboxFull
	}
}

func (f *Fabric) barrier(timeout time.Duration) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.arrived++
	if f.arrived == len(f.endpoints) {
		f.arrived = 0
		close(f.release)
		f.release = make(chan struct{})
		f.mu.Unlock()
		return nil
	}
	release := f.release
	f.mu.Unlock()

	if timeout <= 0 {
		<-release
		return nil
	}
	select {
	case <-release:
		return nil
	case <-time.After(timeout):
		return transport.ErrBarrierTimeout
	}
}

func (e *Endpoint) Send(b []byte, dest protocol.RankID) error {
	if dest == e.rank {
		return transport.ErrUnknownRank
	}
	return e.fabric.deliver(b, dest)
}

func (e *Endpoint) Broadcast(b []byte) error {
	for _, ep := range e.fabric.endpoints {
		if ep.rank == e.rank {
			continue
		}
		if err := e.fabric.deliver(b, ep.rank); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) Barrier(timeout time.Duration) error {
	return e.fabric.barrier(timeout)
}

func (e *Endpoint) Recv() <-chan []byte { return e.inbox }

func (e *Endpoint) ThisRank() protocol.RankID { return e.rank }

func (e *Endpoint) AllRanks() []protocol.RankID {
	out := make([]protocol.RankID, 0, len(e.fabric.endpoints))
	for _, ep := range e.fabric.endpoints {
		out = append(out, ep.rank)
	}
	return out
}

func (e *Endpoint) Close() error {
	e.fabric.Close()
	return nil
}

var _ transport.Transport = (*Endpoint)(nil)
