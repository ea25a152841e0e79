package protocol

import "encoding/json"

const Version = "1.0"

// Message types (client -> server).
const (
	TypeHello      = "HELLO"
	TypePostRoll   = "POST_ROLL"
	TypeRollAction = "ROLL_ACTION"
	TypeDeleteMsg  = "DELETE_MESSAGE"
)

// Message types (server -> client).
const (
	TypeWelcome = "WELCOME"
	TypeEvent   = "EVENT"
)

// Roll action kinds.
const (
	ActionBuff    = "BUFF"
	ActionConfirm = "CONFIRM"
	ActionBurn    = "BURN"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Event is a loosely typed server->client notification.
type Event map[string]interface{}
