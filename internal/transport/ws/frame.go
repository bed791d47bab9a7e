package ws

import "parsim.dev/internal/protocol"

// Router frame ops. The payload inside Data stays opaque to this package.
const (
	opJoin    = "JOIN"
	opSend    = "SEND"
	opBcast   = "BCAST"
	opBarrier = "BARRIER"
	opData    = "DATA"
	opRelease = "RELEASE"
	opFatal   = "FATAL"
)

type frame struct {
	Op   string          `json:"op"`
	Rank protocol.RankID `json:"rank"`
	Data []byte          `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}
