// Package dispatch owns the wire path of the sync core: it serializes
// outgoing messages through the schema codec and drains the transport into
// a bounded inbound queue for the sync loop to poll. Per-message failures
// stop here; only a schema version mismatch escalates past it.
package dispatch

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/transport"
)

// Codec is the schema-generated encode/decode artifact. The dispatcher
// treats it as a black box; its only contract is that Version matches
// across all ranks in a run.
type Codec interface {
	Encode(protocol.AgentState) ([]byte, error)
	Decode([]byte) (protocol.AgentState, error)
	Version() string
}

// Message is one decoded inbound message.
type Message struct {
	Kind   string
	Sender protocol.RankID
	Tick   uint64

	AgentID string
	State   protocol.AgentState // AGENT_UPDATE only
	Rank    protocol.RankID     // ZONE_SUBSCRIBE subject
	Zone    protocol.ZoneRef    // ZONE_SUBSCRIBE only
}

type Dispatcher struct {
	tr    transport.Transport
	codec Codec
	log   *log.Logger
	self  protocol.RankID

	// Current SyncTick, stamped onto every outgoing message.
	tick atomic.Uint64

	// Inbound queue: the only structure shared with the receive
	// goroutine. Bounded; on overflow the oldest buffer is dropped, since
	// a newer update for the same agent arrives next tick anyway.
	mu       sync.Mutex
	queue    [][]byte
	capacity int

	decodeWarn warnWindow
	queueWarn  warnWindow

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// New builds a dispatcher and starts its receive goroutine. queueCapacity
// bounds the inbound queue; values <= 0 fall back to 1024.
func New(tr transport.Transport, codec Codec, queueCapacity int, logger *log.Logger) *Dispatcher {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	d := &Dispatcher{
		tr:       tr,
		codec:    codec,
		log:      logger,
		self:     tr.ThisRank(),
		capacity: queueCapacity,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.drain()
	return d
}

// SetTick updates the SyncTick stamped onto outgoing messages.
func (d *Dispatcher) SetTick(t uint64) { d.tick.Store(t) }

// SendUpdate encodes one agent state and queues it for dest.
func (d *Dispatcher) SendUpdate(agentID string, st protocol.AgentState, dest protocol.RankID) error {
	body, err := d.codec.Encode(st)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		SchemaVersion: d.codec.Version(),
		Kind:          protocol.KindAgentUpdate,
		SenderRank:    d.self,
		Tick:          d.tick.Load(),
		AgentID:       agentID,
		State:         body,
	}
	return d.push(env, dest, false)
}

// BroadcastRemoval tells every peer to discard its ghost of agentID.
func (d *Dispatcher) BroadcastRemoval(agentID string) error {
	env := protocol.Envelope{
		SchemaVersion: d.codec.Version(),
		Kind:          protocol.KindAgentRemoved,
		SenderRank:    d.self,
		Tick:          d.tick.Load(),
		AgentID:       agentID,
	}
	return d.push(env, 0, true)
}

// BroadcastSubscribe declares this rank's interest in a set of zones, one
// message per zone, all stamped with the current tick so receivers can
// replace older declarations wholesale.
func (d *Dispatcher) BroadcastSubscribe(zones []protocol.ZoneRef) error {
	for _, z := range zones {
		env := protocol.Envelope{
			SchemaVersion: d.codec.Version(),
			Kind:          protocol.KindZoneSubscribe,
			SenderRank:    d.self,
			Tick:          d.tick.Load(),
			Rank:          d.self,
			Zone:          z,
		}
		if err := d.push(env, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) push(env protocol.Envelope, dest protocol.RankID, broadcast bool) error {
	b, err := env.Encode()
	if err != nil {
		return protocol.NewError(protocol.ErrEncode, "marshal envelope: %v", err)
	}
	if broadcast {
		err = d.tr.Broadcast(b)
	} else {
		err = d.tr.Send(b, dest)
	}
	if err != nil {
		return protocol.NewError(protocol.ErrTransport, "rank %d: %v", dest, err)
	}
	return nil
}

// Poll drains and decodes the buffered inbound messages without blocking.
// Undecodable buffers are logged and skipped; later buffers in the same
// poll still apply. A schema version mismatch aborts the poll and returns
// a fatal error.
func (d *Dispatcher) Poll() ([]Message, error) {
	// Sweep buffers already sitting in the transport channel that the
	// receive goroutine has not moved yet, so a message delivered before
	// the barrier cannot slip to the next tick on scheduling.
sweep:
	for {
		select {
		case b, ok := <-d.tr.Recv():
			if !ok {
				break sweep
			}
			d.enqueue(b)
		default:
			break sweep
		}
	}

	d.mu.Lock()
	buffers := d.queue
	d.queue = nil
	d.mu.Unlock()

	msgs := make([]Message, 0, len(buffers))
	for _, b := range buffers {
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			d.warnDecode("rank %d: drop undecodable envelope: %v", d.self, err)
			continue
		}
		if env.SchemaVersion != d.codec.Version() {
			return msgs, protocol.NewError(protocol.ErrSchemaVersion,
				"rank %d tick %d: message from rank %d carries schema version %q, local codec is %q",
				d.self, d.tick.Load(), env.SenderRank, env.SchemaVersion, d.codec.Version())
		}
		m := Message{
			Kind:    env.Kind,
			Sender:  env.SenderRank,
			Tick:    env.Tick,
			AgentID: env.AgentID,
			Rank:    env.Rank,
			Zone:    env.Zone,
		}
		switch env.Kind {
		case protocol.KindAgentUpdate:
			st, err := d.codec.Decode(env.State)
			if err != nil {
				d.warnDecode("rank %d: drop update for agent %q from rank %d: %v", d.self, env.AgentID, env.SenderRank, err)
				continue
			}
			m.State = st
		case protocol.KindAgentRemoved, protocol.KindZoneSubscribe:
		default:
			d.warnDecode("rank %d: drop message of unknown kind %q from rank %d", d.self, env.Kind, env.SenderRank)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Pending reports the number of buffered inbound messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for {
		select {
		case b, ok := <-d.tr.Recv():
			if !ok {
				return
			}
			d.enqueue(b)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueue(b []byte) {
	d.mu.Lock()
	if len(d.queue) >= d.capacity {
		// Drop-oldest backpressure: the freshest state wins.
		copy(d.queue, d.queue[1:])
		d.queue[len(d.queue)-1] = b
		d.mu.Unlock()
		d.warnQueue("rank %d: inbound queue full (capacity %d), dropped oldest buffered update", d.self, d.capacity)
		return
	}
	d.queue = append(d.queue, b)
	d.mu.Unlock()
}

// Close stops the receive goroutine and waits for it to finish. It does
// not own the transport; callers may close the two in either order.
func (d *Dispatcher) Close() {
	d.quitOnce.Do(func() { close(d.quit) })
	select {
	case <-d.done:
	case <-time.After(time.Second):
	}
}

func (d *Dispatcher) warnDecode(format string, args ...any) {
	if n, ok := d.decodeWarn.allow(time.Now()); ok {
		if n > 0 {
			d.log.Printf(format+" (%d similar suppressed)", append(args, n)...)
			return
		}
		d.log.Printf(format, args...)
	}
}

func (d *Dispatcher) warnQueue(format string, args ...any) {
	if n, ok := d.queueWarn.allow(time.Now()); ok {
		if n > 0 {
			d.log.Printf(format+" (%d similar suppressed)", append(args, n)...)
			return
		}
		d.log.Printf(format, args...)
	}
}

// warnWindow rate-limits a warning to one line per second, counting what
// it suppressed in between.
type warnWindow struct {
	mu         sync.Mutex
	last       time.Time
	suppressed int
}

func (w *warnWindow) allow(now time.Time) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.last) < time.Second {
		w.suppressed++
		return 0, false
	}
	n := w.suppressed
	w.suppressed = 0
	w.last = now
	return n, true
}
