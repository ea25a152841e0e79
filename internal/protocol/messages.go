package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	UserName        string `json:"user_name"`
	// GMKey, if it matches the table's configured key, grants administrative
	// write authority over every message on the table.
	GMKey string `json:"gm_key,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	UserID          string   `json:"user_id"`
	TableID         string   `json:"table_id"`
	GM              bool     `json:"gm,omitempty"`
	Keywords        []string `json:"keywords"`
}

// POST_ROLL (client -> server): ask the table to roll dice and post the
// interactive chat entry. Formula is a d6 formula such as "2d6" or "3d6kl";
// Flavor is free text and may carry the #keyword tag.
type PostRollMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Formula         string `json:"formula"`
	Flavor          string `json:"flavor,omitempty"`
}

// ROLL_ACTION (client -> server): retroactively modify a posted roll.
type RollActionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	MsgID           string `json:"msg_id"`
	Action          string `json:"action"` // BUFF | CONFIRM | BURN
}

// DELETE_MESSAGE (client -> server)
type DeleteMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	MsgID           string `json:"msg_id"`
}
