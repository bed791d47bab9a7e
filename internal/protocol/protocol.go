package protocol

import "encoding/json"

// SchemaVersion identifies the generated codec artifact this build links
// against. Every rank in a run must carry the same value; the dispatcher
// aborts the run on the first mismatch it decodes.
const SchemaVersion = "1.2"

// Message kinds.
const (
	KindAgentUpdate   = "AGENT_UPDATE"
	KindAgentRemoved  = "AGENT_REMOVED"
	KindZoneSubscribe = "ZONE_SUBSCRIBE"
)

// RankID identifies one simulation process. The rank set is fixed for the
// lifetime of a run.
type RankID int

// Envelope is the wire frame for every sync message. State carries the
// codec's output for AGENT_UPDATE and is empty otherwise.
type Envelope struct {
	SchemaVersion string `json:"schema_version"`
	Kind          string `json:"kind"`
	SenderRank    RankID `json:"sender_rank"`
	Tick          uint64 `json:"tick"`

	AgentID string `json:"agent_id,omitempty"`
	State   []byte `json:"state,omitempty"`

	// No omitempty: rank 0 is a valid subscription subject and must
	// survive encoding.
	Rank RankID  `json:"rank"`
	Zone ZoneRef `json:"zone"`
}

// ZoneRef names a grid cell in a ZONE_SUBSCRIBE message.
type ZoneRef struct {
	CX int `json:"cx"`
	CY int `json:"cy"`
	CZ int `json:"cz"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
