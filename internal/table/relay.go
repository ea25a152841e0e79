package table

import (
	"encoding/json"
	"fmt"

	"dicehall.gg/internal/protocol"
)

// relayUpdate routes a mutation the origin client may not write itself. The
// envelope is addressed to the first online GM, whose authority is used to
// persist it; the GM client is notified of what was applied on its behalf.
func (t *Table) relayUpdate(origin, gm *Client, msgID, content string, flags []byte) error {
	var fl map[string]any
	if err := json.Unmarshal(flags, &fl); err != nil {
		return fmt.Errorf("relay flags: %w", err)
	}
	env := protocol.RelayEnvelope{
		Action: protocol.RelayActionUpdate,
		MsgID:  msgID,
		Data: protocol.RelayData{
			Content: content,
			Flags:   fl,
		},
	}
	if err := t.persistUpdate(msgID, content, flags); err != nil {
		return err
	}
	t.send(gm, protocol.Event{
		"type":     "RELAY_APPLIED",
		"origin":   origin.ID,
		"envelope": env,
	})
	return nil
}
