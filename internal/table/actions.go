package table

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dicehall.gg/internal/dice"
	"dicehall.gg/internal/persistence/docstore"
	"dicehall.gg/internal/protocol"
	"dicehall.gg/internal/roll"
)

const maxDicePerRoll = 10

// actionDedupeTTL bounds how long a recorded action result is replayed for a
// duplicate submission. Expired entries are swept opportunistically on insert.
const actionDedupeTTL = 10 * time.Minute

type actionKey struct {
	ClientID string
	ActionID string
}

type actionEntry struct {
	Result    protocol.Event
	MsgID     string
	ExpiresAt time.Time
}

// evictClientActions drops all cached results belonging to one client.
func (t *Table) evictClientActions(clientID string) {
	for k := range t.seenActions {
		if k.ClientID == clientID {
			delete(t.seenActions, k)
		}
	}
}

// evictMessageActions drops all cached results targeting one message.
func (t *Table) evictMessageActions(msgID string) {
	for k, e := range t.seenActions {
		if e.MsgID == msgID {
			delete(t.seenActions, k)
		}
	}
}

var formulaRe = regexp.MustCompile(`^(\d*)d6(k[lh])?$`)

// parseFormula accepts d6 pool formulas: "d6", "2d6", "3d6kl", "2d6kh".
func parseFormula(formula string) (count int, ok bool) {
	m := formulaRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(formula)))
	if m == nil {
		return 0, false
	}
	count = 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > maxDicePerRoll {
			return 0, false
		}
		count = n
	}
	return count, true
}

func (t *Table) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.cfg.BindWait)
}

func (t *Table) result(c *Client, actionID string, ok bool, code, detail string) protocol.Event {
	ev := protocol.Event{
		"type": "ACTION_RESULT",
		"id":   actionID,
		"ok":   ok,
	}
	if code != "" {
		ev["code"] = code
	}
	if detail != "" {
		ev["msg"] = detail
	}
	t.send(c, ev)
	return ev
}

// handlePostRoll rolls the dice, builds the initial roll state, and runs the
// first evaluate-render-persist cycle. Only this path does so: any later
// notification for the same message finds processed:true in its flags and
// must not re-persist.
func (t *Table) handlePostRoll(c *Client, msg protocol.PostRollMsg) {
	count, ok := parseFormula(msg.Formula)
	if !ok {
		t.result(c, msg.ID, false, protocol.ErrBadRequest, "bad d6 formula")
		return
	}

	raw := make([]int, count)
	for i := range raw {
		raw[i] = t.roller.D6()
	}

	st := roll.New(raw, msg.Formula, msg.Flavor, t.rules)
	parsed, err := dice.Evaluate(st.Request(), t.rules)
	if err != nil {
		t.result(c, msg.ID, false, protocol.ErrInternal, err.Error())
		return
	}
	st.LockTo(parsed.ActiveIndex)
	// Re-evaluate under the fresh lock so the persisted markup matches what
	// every later evaluation will reproduce.
	parsed, err = dice.Evaluate(st.Request(), t.rules)
	if err != nil {
		t.result(c, msg.ID, false, protocol.ErrInternal, err.Error())
		return
	}

	msgID := t.newMsgID()
	content, err := renderRoll(msgID, st, parsed, true)
	if err != nil {
		t.result(c, msg.ID, false, protocol.ErrInternal, err.Error())
		return
	}
	flags, err := roll.EncodeSnapshot(st.Snapshot())
	if err != nil {
		t.result(c, msg.ID, false, protocol.ErrInternal, err.Error())
		return
	}

	doc := docstore.Message{
		ID:      msgID,
		TableID: t.cfg.ID,
		Author:  c.ID,
		Content: content,
		Flags:   flags,
	}
	ctx, cancel := t.opCtx()
	defer cancel()
	if err := t.store.CreateChild(ctx, doc); err != nil {
		t.logger.Printf("post %s: create: %v", msgID, err)
		t.result(c, msg.ID, false, protocol.ErrInternal, "store write failed")
		return
	}

	t.transcript.Insert(msgID, content)
	if t.waitForEcho(msgID) {
		// Once the message goes away its cached action results are dead
		// weight; drop them with the node.
		t.transcript.Watch(msgID, func(kind string) {
			if kind == "delete" {
				t.evictMessageActions(msgID)
			}
		})
	} else {
		t.logger.Printf("post %s: echo wait timed out; proceeding without binding", msgID)
	}

	t.broadcast(func(viewer *Client) protocol.Event {
		return t.messageEvent("MESSAGE_CREATED", doc, viewer)
	})
	t.archiveEntry("post", msgID, c.ID, msg.Formula)
	t.result(c, msg.ID, true, "", msgID)
}

// waitForEcho blocks until the freshly written message reads back, bounded by
// the configured wait. A timeout is logged by the caller, never retried.
func (t *Table) waitForEcho(msgID string) bool {
	ctx, cancel := t.opCtx()
	defer cancel()
	for {
		if _, err := t.store.Get(ctx, msgID); err == nil {
			return true
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// handleRollAction applies one retroactive modification: BUFF, CONFIRM or
// BURN. The cycle is always hydrate -> lock -> mutate -> re-evaluate ->
// render -> persist -> notify.
func (t *Table) handleRollAction(c *Client, msg protocol.RollActionMsg) {
	key := actionKey{ClientID: c.ID, ActionID: msg.ID}
	if msg.ID != "" {
		if e, ok := t.seenActions[key]; ok && time.Now().Before(e.ExpiresAt) {
			// Double submit: replay the recorded outcome, never spend twice.
			t.send(c, e.Result)
			return
		}
	}
	record := func(ev protocol.Event) {
		if msg.ID == "" {
			return
		}
		now := time.Now()
		for k, e := range t.seenActions {
			if !now.Before(e.ExpiresAt) {
				delete(t.seenActions, k)
			}
		}
		t.seenActions[key] = actionEntry{Result: ev, MsgID: msg.MsgID, ExpiresAt: now.Add(actionDedupeTTL)}
	}

	ctx, cancel := t.opCtx()
	defer cancel()
	doc, err := t.store.Get(ctx, msg.MsgID)
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInvalidTarget, "message not found"))
		return
	}
	snap, processed, err := roll.DecodeSnapshot(doc.Flags)
	if err != nil || !processed {
		record(t.result(c, msg.ID, false, protocol.ErrInvalidTarget, "not an interactive roll"))
		return
	}
	st, err := roll.Hydrate(snap)
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInternal, err.Error()))
		return
	}

	parsed, err := dice.Evaluate(st.Request(), t.rules)
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInternal, err.Error()))
		return
	}
	// First evaluation after hydration pins the selection.
	st.LockTo(parsed.ActiveIndex)

	// Resolve write authority before touching any state: an abandoned action
	// must leave no trace, including on resource pools.
	direct := t.canModify(c, doc)
	var authority *Client
	if !direct {
		authority = t.firstOnlineGM()
		if authority == nil {
			record(t.result(c, msg.ID, false, protocol.ErrNoAuthority, "no GM online to apply the change"))
			return
		}
	}

	actor := t.actors[c.ID]
	rule := parsed.Rule

	switch msg.Action {
	case protocol.ActionBuff:
		eligible := parsed.CanSpendForBonus
		if n := len(st.Confirmations); n > 0 {
			last := st.Confirmations[n-1]
			eligible = dice.SpendEligible(rule, last.Value+last.Delta)
		}
		if !eligible {
			record(t.result(c, msg.ID, false, protocol.ErrBadRequest, "no eligible spend target"))
			return
		}
		if karma := actor.FirstPool(TagKarma); karma != nil {
			if !karma.Adjust(-1) {
				record(t.result(c, msg.ID, false, protocol.ErrNoResource, "karma exhausted"))
				return
			}
			t.notifyPool(c, karma)
		} else if stress := actor.FirstPool(TagStress); stress != nil {
			stress.Adjust(+1)
			t.notifyPool(c, stress)
		}
		st.BuffActive(parsed.ActiveIndex)

	case protocol.ActionConfirm:
		if !parsed.CanConfirm {
			record(t.result(c, msg.ID, false, protocol.ErrBadRequest, "nothing to confirm"))
			return
		}
		st.AddConfirmation(t.roller.D6())

	case protocol.ActionBurn:
		if !rule.AllowBurnOnes || !st.HasUnburnedOne() {
			record(t.result(c, msg.ID, false, protocol.ErrBadRequest, "no burnable die"))
			return
		}
		if health := actor.FirstPool(TagHealth); health != nil {
			if !health.Adjust(-1) {
				record(t.result(c, msg.ID, false, protocol.ErrNoResource, "health exhausted"))
				return
			}
			t.notifyPool(c, health)
		} else {
			if t.fallbackHealth <= 0 {
				record(t.result(c, msg.ID, false, protocol.ErrNoResource, "shared health exhausted"))
				return
			}
			t.fallbackHealth--
		}
		st.BurnFirstOne()

	default:
		record(t.result(c, msg.ID, false, protocol.ErrBadRequest, "unknown action"))
		return
	}

	// Re-derive the view and re-pin if the burn released the selection.
	parsed, err = dice.Evaluate(st.Request(), t.rules)
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInternal, err.Error()))
		return
	}
	st.LockTo(parsed.ActiveIndex)

	content, err := renderRoll(doc.ID, st, parsed, true)
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInternal, err.Error()))
		return
	}
	flags, err := roll.EncodeSnapshot(st.Snapshot())
	if err != nil {
		record(t.result(c, msg.ID, false, protocol.ErrInternal, err.Error()))
		return
	}

	if direct {
		if err := t.persistUpdate(doc.ID, content, flags); err != nil {
			t.logger.Printf("action %s on %s: persist: %v", msg.Action, doc.ID, err)
			record(t.result(c, msg.ID, false, protocol.ErrInternal, "store write failed"))
			return
		}
	} else {
		if err := t.relayUpdate(c, authority, doc.ID, content, flags); err != nil {
			t.logger.Printf("action %s on %s: relay: %v", msg.Action, doc.ID, err)
			record(t.result(c, msg.ID, false, protocol.ErrInternal, "relay failed"))
			return
		}
	}

	doc.Content = content
	doc.Flags = flags
	t.transcript.Insert(doc.ID, content)
	t.transcript.Notify(doc.ID, "update")
	t.broadcast(func(viewer *Client) protocol.Event {
		return t.messageEvent("MESSAGE_UPDATED", doc, viewer)
	})
	t.archiveEntry("action", doc.ID, c.ID, msg.Action)
	record(t.result(c, msg.ID, true, "", ""))
}

func (t *Table) persistUpdate(msgID, content string, flags []byte) error {
	ctx, cancel := t.opCtx()
	defer cancel()
	return t.store.Update(ctx, msgID, docstore.Patch{Content: &content, Flags: flags})
}

func (t *Table) notifyPool(c *Client, p *Pool) {
	t.send(c, protocol.Event{
		"type":  "RESOURCE",
		"pool":  p.Name,
		"tag":   p.Tag,
		"value": p.Value,
	})
}

// handleDelete removes a message document and tears down its presentation
// state: the transcript node goes away and its watchers are unsubscribed.
func (t *Table) handleDelete(c *Client, msg protocol.DeleteMsg) {
	ctx, cancel := t.opCtx()
	defer cancel()
	doc, err := t.store.Get(ctx, msg.MsgID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			t.result(c, msg.ID, true, "", "")
			return
		}
		t.result(c, msg.ID, false, protocol.ErrInternal, err.Error())
		return
	}
	if !t.canModify(c, doc) {
		t.result(c, msg.ID, false, protocol.ErrNoPermission, "cannot delete this message")
		return
	}
	if err := t.store.Delete(ctx, msg.MsgID); err != nil {
		t.logger.Printf("delete %s: %v", msg.MsgID, err)
		t.result(c, msg.ID, false, protocol.ErrInternal, "store write failed")
		return
	}
	t.transcript.Remove(msg.MsgID)
	t.broadcast(func(*Client) protocol.Event {
		return protocol.Event{"type": "MESSAGE_DELETED", "msg_id": msg.MsgID}
	})
	t.archiveEntry("delete", msg.MsgID, c.ID, "")
	t.result(c, msg.ID, true, "", "")
}

// messageEvent renders a message for one viewer. The persisted snapshot is
// authoritative; the viewer only affects whether the action buttons row is
// present.
func (t *Table) messageEvent(kind string, m docstore.Message, viewer *Client) protocol.Event {
	ev := protocol.Event{
		"type":   kind,
		"msg_id": m.ID,
		"author": m.Author,
	}
	if len(m.Flags) > 0 {
		ev["flags"] = json.RawMessage(m.Flags)
	}
	ev["content"] = t.renderFor(viewer, m)
	return ev
}

func (t *Table) renderFor(viewer *Client, m docstore.Message) string {
	snap, processed, err := roll.DecodeSnapshot(m.Flags)
	if err != nil || !processed {
		return m.Content
	}
	st, err := roll.Hydrate(snap)
	if err != nil {
		return m.Content
	}
	parsed, err := dice.Evaluate(st.Request(), t.rules)
	if err != nil {
		return m.Content
	}
	content, err := renderRoll(m.ID, st, parsed, t.canModify(viewer, m))
	if err != nil {
		return m.Content
	}
	return content
}
