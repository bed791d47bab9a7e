// Package transport defines the message-passing substrate the sync core is
// handed at startup. The core never selects or configures a transport;
// init and teardown belong to the hosting application.
package transport

import (
	"errors"
	"time"

	"parsim.dev/internal/protocol"
)

// Transport moves opaque byte buffers between ranks and provides the
// lock-step barrier. Implementations must keep Recv usable while the
// owning rank is blocked in Barrier.
type Transport interface {
	// Send queues b for delivery to dest. It must not block beyond
	// transport-internal buffering.
	Send(b []byte, dest protocol.RankID) error

	// Broadcast queues b for delivery to every rank except the sender.
	Broadcast(b []byte) error

	// Barrier blocks until all ranks have arrived, or fails after timeout.
	// A timeout here is fatal for the run.
	Barrier(timeout time.Duration) error

	// Recv is the raw inbound buffer stream, drained by the dispatcher's
	// receive goroutine. The channel closes when the transport shuts down.
	Recv() <-chan []byte

	ThisRank() protocol.RankID
	AllRanks() []protocol.RankID

	Close() error
}

var (
	ErrBarrierTimeout = errors.New("transport: barrier timeout")
	ErrClosed         = errors.New("transport: closed")
	ErrUnknownRank    = errors.New("transport: unknown destination rank")
	ErrInboxFull      = errors.New("transport: destination inbox full")
)
