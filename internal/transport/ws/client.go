package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/transport"
)

// Client is one rank's endpoint on the router fabric. It satisfies
// transport.Transport.
type Client struct {
	rank protocol.RankID
	n    int
	log  *log.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	recv    chan []byte
	barrier chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial joins the router at url as the given rank in a fabric of n ranks.
// It blocks until the JOIN frame is written; peers may join later.
func Dial(url string, rank protocol.RankID, n int, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		rank:    rank,
		n:       n,
		log:     logger,
		conn:    conn,
		recv:    make(chan []byte, 4096),
		barrier: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	if err := c.writeFrame(frame{Op: opJoin, Rank: rank}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.Op {
		case opData:
			select {
			case c.recv <- f.Data:
			default:
				c.log.Printf("rank %d: inbound transport buffer full, dropping frame from rank %d", c.rank, f.Rank)
			}
		case opRelease:
			select {
			case c.barrier <- struct{}{}:
			default:
			}
		case opFatal:
			c.log.Printf("rank %d: router fatal: %s", c.rank, f.Msg)
			return
		}
	}
}

func (c *Client) writeFrame(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) Send(b []byte, dest protocol.RankID) error {
	if int(dest) < 0 || int(dest) >= c.n || dest == c.rank {
		return transport.ErrUnknownRank
	}
	return c.writeFrame(frame{Op: opSend, Rank: dest, Data: b})
}

func (c *Client) Broadcast(b []byte) error {
	return c.writeFrame(frame{Op: opBcast, Data: b})
}

func (c *Client) Barrier(timeout time.Duration) error {
	if err := c.writeFrame(frame{Op: opBarrier, Rank: c.rank}); err != nil {
		return err
	}
	if timeout <= 0 {
		select {
		case <-c.barrier:
			return nil
		case <-c.closed:
			return transport.ErrClosed
		}
	}
	select {
	case <-c.barrier:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-time.After(timeout):
		return transport.ErrBarrierTimeout
	}
}

func (c *Client) Recv() <-chan []byte { return c.recv }

func (c *Client) ThisRank() protocol.RankID { return c.rank }

func (c *Client) AllRanks() []protocol.RankID {
	out := make([]protocol.RankID, 0, c.n)
	for r := 0; r < c.n; r++ {
		out = append(out, protocol.RankID(r))
	}
	return out
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.recv)
		_ = c.conn.Close()
	})
}

func (c *Client) Close() error {
	c.shutdown()
	return nil
}

var _ transport.Transport = (*Client)(nil)
