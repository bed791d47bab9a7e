// Package ws runs the rank fabric over websockets in a star topology: one
// router process relays unicast and broadcast frames between rank clients
// and implements the collective barrier.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parsim.dev/internal/protocol"
)

type Router struct {
	n   int
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	members map[protocol.RankID]chan []byte
	arrived map[protocol.RankID]bool
}

// NewRouter serves a fabric of exactly n ranks. Extra or duplicate JOINs
// are refused.
func NewRouter(n int, logger *log.Logger) *Router {
	return &Router{
		n:       n,
		log:     logger,
		members: map[protocol.RankID]chan []byte{},
		arrived: map[protocol.RankID]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // trusted cluster network
		},
	}
}

func (rt *Router) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := rt.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		rank, out, ok := rt.join(conn)
		if !ok {
			return
		}
		defer rt.leave(rank)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			switch f.Op {
			case opSend:
				rt.relay(rank, f.Rank, f.Data)
			case opBcast:
				rt.relayAll(rank, f.Data)
			case opBarrier:
				rt.barrierArrive(rank)
			}
		}
	}
}

func (rt *Router) join(conn *websocket.Conn) (protocol.RankID, chan []byte, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return 0, nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var f frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Op != opJoin {
		closeWith(conn, "expected JOIN")
		return 0, nil, false
	}
	if int(f.Rank) < 0 || int(f.Rank) >= rt.n {
		closeWith(conn, fmt.Sprintf("rank %d out of range [0,%d)", f.Rank, rt.n))
		return 0, nil, false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.members[f.Rank]; dup {
		closeWith(conn, fmt.Sprintf("rank %d already joined", f.Rank))
		return 0, nil, false
	}
	out := make(chan []byte, 4096)
	rt.members[f.Rank] = out
	rt.log.Printf("rank %d joined (%d/%d)", f.Rank, len(rt.members), rt.n)
	return f.Rank, out, true
}

func (rt *Router) leave(rank protocol.RankID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if out, ok := rt.members[rank]; ok {
		close(out)
		delete(rt.members, rank)
	}
	delete(rt.arrived, rank)
	rt.log.Printf("rank %d left", rank)
}

func (rt *Router) relay(from, to protocol.RankID, data []byte) {
	b, err := json.Marshal(frame{Op: opData, Rank: from, Data: data})
	if err != nil {
		return
	}
	rt.mu.Lock()
	out, ok := rt.members[to]
	rt.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out <- b:
	default:
		rt.log.Printf("drop relay to rank %d: outbound queue full", to)
	}
}

func (rt *Router) relayAll(from protocol.RankID, data []byte) {
	b, err := json.Marshal(frame{Op: opData, Rank: from, Data: data})
	if err != nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for rank, out := range rt.members {
		if rank == from {
			continue
		}
		select {
		case out <- b:
		default:
			rt.log.Printf("drop broadcast to rank %d: outbound queue full", rank)
		}
	}
}

func (rt *Router) barrierArrive(rank protocol.RankID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.arrived[rank] = true
	if len(rt.arrived) < rt.n || len(rt.members) < rt.n {
		return
	}
	release, err := json.Marshal(frame{Op: opRelease})
	if err != nil {
		return
	}
	for _, out := range rt.members {
		select {
		case out <- release:
		default:
		}
	}
	rt.arrived = map[protocol.RankID]bool{}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}
