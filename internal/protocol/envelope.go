package protocol

// RelayActionUpdate is the only relay action consumers recognize. Envelopes
// with any other action are ignored.
const RelayActionUpdate = "updateMessage"

// RelayEnvelope carries a message mutation a non-privileged client could not
// persist itself. It travels over the table's broadcast channel; exactly one
// online GM is expected to apply it with full authority.
type RelayEnvelope struct {
	Action string    `json:"action"`
	MsgID  string    `json:"msgId"`
	Data   RelayData `json:"data"`
}

// RelayData is the fully rendered markup plus the updated snapshot flags.
type RelayData struct {
	Content string         `json:"content"`
	Flags   map[string]any `json:"flags"`
}
