package table

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dicehall.gg/internal/dice"
	"dicehall.gg/internal/persistence/docstore"
	"dicehall.gg/internal/protocol"
	"dicehall.gg/internal/roll"
	"dicehall.gg/internal/rules"
)

const testGMKey = "sesame"

func newTestTable(t *testing.T) *Table {
	t.Helper()
	store, err := docstore.Open(filepath.Join(t.TempDir(), "table.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := Config{ID: "table_1", Seed: 7, GMKey: testGMKey, FallbackHealth: 2}
	return New(cfg, store, rules.Builtin(), log.New(io.Discard, "", 0))
}

func join(t *testing.T, tbl *Table, name, gmKey string) *Client {
	t.Helper()
	resp := make(chan JoinResponse, 1)
	tbl.handleJoin(JoinRequest{Name: name, GMKey: gmKey, Out: make(chan []byte, 64), Resp: resp})
	r := <-resp
	c := tbl.clients[r.Welcome.UserID]
	if c == nil {
		t.Fatalf("join %q: client not registered", name)
	}
	return c
}

func drain(t *testing.T, c *Client) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for {
		select {
		case b := <-c.Out:
			var ev protocol.Event
			if err := json.Unmarshal(b, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func findEvent(evs []protocol.Event, typ string) protocol.Event {
	for _, ev := range evs {
		if ev["type"] == typ {
			return ev
		}
	}
	return nil
}

// seedRoll writes a roll document with known dice straight into the store, so
// action tests start from deterministic state.
func seedRoll(t *testing.T, tbl *Table, author string, raw []int, flavor string) string {
	t.Helper()
	st := roll.New(raw, "3d6", flavor, tbl.rules)
	parsed, err := dice.Evaluate(st.Request(), tbl.rules)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	st.LockTo(parsed.ActiveIndex)
	parsed, err = dice.Evaluate(st.Request(), tbl.rules)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	msgID := tbl.newMsgID()
	content, err := renderRoll(msgID, st, parsed, true)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	flags, err := roll.EncodeSnapshot(st.Snapshot())
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	err = tbl.store.CreateChild(context.Background(), docstore.Message{
		ID: msgID, TableID: tbl.cfg.ID, Author: author, Content: content, Flags: flags,
	})
	if err != nil {
		t.Fatalf("seed roll: %v", err)
	}
	tbl.transcript.Insert(msgID, content)
	return msgID
}

func loadSnapshot(t *testing.T, tbl *Table, msgID string) roll.SnapshotV1 {
	t.Helper()
	m, err := tbl.store.Get(context.Background(), msgID)
	if err != nil {
		t.Fatalf("get %s: %v", msgID, err)
	}
	snap, ok, err := roll.DecodeSnapshot(m.Flags)
	if err != nil || !ok {
		t.Fatalf("decode snapshot of %s: ok=%v err=%v", msgID, ok, err)
	}
	return snap
}

func TestPostRollCreatesMessage(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")

	tbl.handlePostRoll(player, protocol.PostRollMsg{ID: "p1", Formula: "3d6", Flavor: "swings with #attack"})

	evs := drain(t, player)
	res := findEvent(evs, "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("expected ok result, got %v", res)
	}
	created := findEvent(evs, "MESSAGE_CREATED")
	if created == nil {
		t.Fatalf("no MESSAGE_CREATED broadcast")
	}
	content, _ := created["content"].(string)
	if !strings.Contains(content, classContainer) {
		t.Fatalf("content missing roll container: %q", content)
	}
	if !strings.Contains(content, `data-keyword="attack"`) {
		t.Fatalf("keyword not rendered: %q", content)
	}

	msgs, err := tbl.store.ListTable(context.Background(), tbl.cfg.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	snap, ok, err := roll.DecodeSnapshot(msgs[0].Flags)
	if err != nil || !ok {
		t.Fatalf("snapshot not processed: ok=%v err=%v", ok, err)
	}
	if len(snap.OriginalDice) != 3 {
		t.Fatalf("dice = %d, want 3", len(snap.OriginalDice))
	}
	for _, v := range snap.OriginalDice {
		if v < 1 || v > 6 {
			t.Fatalf("die out of range: %v", snap.OriginalDice)
		}
	}
	if tbl.transcript.Len() != 1 {
		t.Fatalf("transcript nodes = %d, want 1", tbl.transcript.Len())
	}
}

func TestPostRollBadFormula(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")

	for _, formula := range []string{"2d20", "d6k", "0d6", "11d6", ""} {
		tbl.handlePostRoll(player, protocol.PostRollMsg{ID: "p-" + formula, Formula: formula})
		res := findEvent(drain(t, player), "ACTION_RESULT")
		if res == nil || res["ok"] != false || res["code"] != protocol.ErrBadRequest {
			t.Fatalf("formula %q: want E_BAD_REQUEST, got %v", formula, res)
		}
	}
}

func TestBuffRaisesFiveToSix(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{5, 2, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "a1", MsgID: msgID, Action: protocol.ActionBuff})

	evs := drain(t, player)
	res := findEvent(evs, "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("buff failed: %v", res)
	}
	snap := loadSnapshot(t, tbl, msgID)
	if snap.DeltaDice[0] != 1 {
		t.Fatalf("delta = %v, want [1 0 0]", snap.DeltaDice)
	}
	if snap.OriginalDice[0] != 5 {
		t.Fatalf("original die mutated: %v", snap.OriginalDice)
	}
	karma := tbl.actors[player.ID].FirstPool(TagKarma)
	if karma.Value != 2 {
		t.Fatalf("karma = %d, want 2", karma.Value)
	}
	resource := findEvent(evs, "RESOURCE")
	if resource == nil || resource["tag"] != TagKarma {
		t.Fatalf("no karma resource notification: %v", resource)
	}
	// Effective 6 on an attack roll is now confirmable.
	updated := findEvent(evs, "MESSAGE_UPDATED")
	if updated == nil {
		t.Fatalf("no MESSAGE_UPDATED broadcast")
	}
	if content, _ := updated["content"].(string); !strings.Contains(content, `data-action="CONFIRM"`) {
		t.Fatalf("buffed roll should offer confirmation: %q", content)
	}
}

func TestBuffRefusesExtremes(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")

	for _, tc := range []struct {
		name string
		raw  []int
	}{
		{"active six", []int{6, 2, 2}},
		{"active one", []int{1, 1, 1}},
	} {
		msgID := seedRoll(t, tbl, player.ID, tc.raw, "#attack")
		tbl.handleRollAction(player, protocol.RollActionMsg{ID: "a-" + tc.name, MsgID: msgID, Action: protocol.ActionBuff})
		res := findEvent(drain(t, player), "ACTION_RESULT")
		if res == nil || res["ok"] != false || res["code"] != protocol.ErrBadRequest {
			t.Fatalf("%s: want E_BAD_REQUEST, got %v", tc.name, res)
		}
		snap := loadSnapshot(t, tbl, msgID)
		for _, d := range snap.DeltaDice {
			if d != 0 {
				t.Fatalf("%s: delta written despite refusal: %v", tc.name, snap.DeltaDice)
			}
		}
	}
}

func TestBuffKarmaExhausted(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	tbl.actors[player.ID].FirstPool(TagKarma).Value = 0
	msgID := seedRoll(t, tbl, player.ID, []int{5, 2, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "a1", MsgID: msgID, Action: protocol.ActionBuff})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrNoResource {
		t.Fatalf("want E_NO_RESOURCE, got %v", res)
	}
	if snap := loadSnapshot(t, tbl, msgID); snap.DeltaDice[0] != 0 {
		t.Fatalf("delta written despite empty karma: %v", snap.DeltaDice)
	}
}

func TestConfirmAppendsFollowUpDie(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{6, 3, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "c1", MsgID: msgID, Action: protocol.ActionConfirm})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("confirm failed: %v", res)
	}
	snap := loadSnapshot(t, tbl, msgID)
	if len(snap.Confirmations) != 1 {
		t.Fatalf("confirmations = %d, want 1", len(snap.Confirmations))
	}
	if v := snap.Confirmations[0].Value; v < 1 || v > 6 {
		t.Fatalf("confirmation die out of range: %d", v)
	}
	m, _ := tbl.store.Get(context.Background(), msgID)
	if !strings.Contains(m.Content, classConfirmHead) {
		t.Fatalf("confirmation section not rendered: %q", m.Content)
	}
}

func TestConfirmRefusedBelowThreshold(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{4, 3, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "c1", MsgID: msgID, Action: protocol.ActionConfirm})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrBadRequest {
		t.Fatalf("want E_BAD_REQUEST, got %v", res)
	}
}

// A buff lands on the newest confirmation die once one exists, leaving the
// original row untouched.
func TestBuffTargetsLatestConfirmation(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{6, 3, 2}, "#attack")

	// Splice a known confirmation value into the stored snapshot so the buff
	// outcome is deterministic.
	snap := loadSnapshot(t, tbl, msgID)
	snap.Confirmations = []roll.Confirmation{{Value: 3, Delta: 0}}
	flags, err := roll.EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := tbl.store.Update(context.Background(), msgID, docstore.Patch{Flags: flags}); err != nil {
		t.Fatalf("update: %v", err)
	}

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "b1", MsgID: msgID, Action: protocol.ActionBuff})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("buff failed: %v", res)
	}
	got := loadSnapshot(t, tbl, msgID)
	if got.Confirmations[0].Delta != 1 {
		t.Fatalf("confirmation delta = %d, want 1", got.Confirmations[0].Delta)
	}
	for _, d := range got.DeltaDice {
		if d != 0 {
			t.Fatalf("original dice buffed instead of confirmation: %v", got.DeltaDice)
		}
	}
}

func TestBurnSpendsHealthAndReleasesLock(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{1, 4, 2}, "#magick")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "b1", MsgID: msgID, Action: protocol.ActionBurn})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("burn failed: %v", res)
	}
	snap := loadSnapshot(t, tbl, msgID)
	if !snap.BurnedOnes[0] {
		t.Fatalf("die not burned: %v", snap.BurnedOnes)
	}
	if snap.OriginalDice[0] != 1 {
		t.Fatalf("burn remapped the die value: %v", snap.OriginalDice)
	}
	// The post-burn evaluation pins the best surviving die.
	if snap.LockedResultIndex == nil || *snap.LockedResultIndex != 1 {
		t.Fatalf("lock = %v, want index 1", snap.LockedResultIndex)
	}
	health := tbl.actors[player.ID].FirstPool(TagHealth)
	if health.Value != 6 {
		t.Fatalf("health = %d, want 6", health.Value)
	}
}

func TestBurnRefusedWithoutHealth(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	tbl.actors[player.ID].FirstPool(TagHealth).Value = 0
	msgID := seedRoll(t, tbl, player.ID, []int{1, 4, 2}, "#magick")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "b1", MsgID: msgID, Action: protocol.ActionBurn})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrNoResource {
		t.Fatalf("want E_NO_RESOURCE, got %v", res)
	}
	if snap := loadSnapshot(t, tbl, msgID); snap.BurnedOnes[0] {
		t.Fatalf("die burned despite empty health")
	}
}

func TestBurnFallsBackToSharedHealth(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	actor := tbl.actors[player.ID]
	// Strip the health pool entirely so the table-scoped counter is used.
	kept := actor.Pools[:0]
	for _, p := range actor.Pools {
		if p.Tag != TagHealth {
			kept = append(kept, p)
		}
	}
	actor.Pools = kept
	msgID := seedRoll(t, tbl, player.ID, []int{1, 4, 2}, "#magick")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "b1", MsgID: msgID, Action: protocol.ActionBurn})
	if res := findEvent(drain(t, player), "ACTION_RESULT"); res == nil || res["ok"] != true {
		t.Fatalf("burn failed: %v", res)
	}
	if tbl.fallbackHealth != 1 {
		t.Fatalf("fallback health = %d, want 1", tbl.fallbackHealth)
	}
}

func TestBurnRefusedForNonBurnKeyword(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{1, 4, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "b1", MsgID: msgID, Action: protocol.ActionBurn})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrBadRequest {
		t.Fatalf("want E_BAD_REQUEST, got %v", res)
	}
}

func TestActionOnUnknownMessage(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "x1", MsgID: "M999999", Action: protocol.ActionBuff})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrInvalidTarget {
		t.Fatalf("want E_INVALID_TARGET, got %v", res)
	}
}

func TestActionDedupe(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{5, 2, 2}, "#attack")

	act := protocol.RollActionMsg{ID: "once", MsgID: msgID, Action: protocol.ActionBuff}
	tbl.handleRollAction(player, act)
	drain(t, player)
	tbl.handleRollAction(player, act)

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("replayed result missing: %v", res)
	}
	snap := loadSnapshot(t, tbl, msgID)
	if snap.DeltaDice[0] != 1 {
		t.Fatalf("double submit applied twice: %v", snap.DeltaDice)
	}
	if karma := tbl.actors[player.ID].FirstPool(TagKarma); karma.Value != 2 {
		t.Fatalf("karma spent twice: %d", karma.Value)
	}
}

func TestActionDedupeEvictedOnLeave(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	other := join(t, tbl, "lena", "")
	msgID := seedRoll(t, tbl, player.ID, []int{6, 3, 2}, "#attack")
	otherMsg := seedRoll(t, tbl, other.ID, []int{6, 3, 2}, "#attack")

	for i := 0; i < 100; i++ {
		tbl.handleRollAction(player, protocol.RollActionMsg{
			ID: fmt.Sprintf("c%03d", i), MsgID: msgID, Action: protocol.ActionConfirm,
		})
		drain(t, player)
	}
	tbl.handleRollAction(other, protocol.RollActionMsg{ID: "o1", MsgID: otherMsg, Action: protocol.ActionConfirm})

	if len(tbl.seenActions) != 101 {
		t.Fatalf("cached results = %d, want 101", len(tbl.seenActions))
	}
	tbl.handleLeave(player.ID)
	if len(tbl.seenActions) != 1 {
		t.Fatalf("cache after leave = %d entries, want only the other client's", len(tbl.seenActions))
	}
	for k := range tbl.seenActions {
		if k.ClientID != other.ID {
			t.Fatalf("surviving entry belongs to %s, want %s", k.ClientID, other.ID)
		}
	}
}

func TestActionDedupeEntriesExpire(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, player.ID, []int{5, 2, 2}, "#attack")

	act := protocol.RollActionMsg{ID: "a1", MsgID: msgID, Action: protocol.ActionBuff}
	tbl.handleRollAction(player, act)
	drain(t, player)

	// Age the cache past the TTL and plant a stale entry for another client:
	// the next insert must sweep both instead of replaying.
	for k, e := range tbl.seenActions {
		e.ExpiresAt = time.Now().Add(-time.Minute)
		tbl.seenActions[k] = e
	}
	tbl.seenActions[actionKey{ClientID: "U999999", ActionID: "x"}] = actionEntry{
		Result: protocol.Event{"type": "ACTION_RESULT"}, ExpiresAt: time.Now().Add(-time.Minute),
	}

	tbl.handleRollAction(player, act)
	res := findEvent(drain(t, player), "ACTION_RESULT")
	// Re-executed, not replayed: the die already sits at 6, so the fresh run
	// refuses instead of echoing the cached success.
	if res == nil || res["ok"] != false {
		t.Fatalf("expired entry replayed: %v", res)
	}
	if len(tbl.seenActions) != 1 {
		t.Fatalf("sweep left %d entries, want 1", len(tbl.seenActions))
	}
	if snap := loadSnapshot(t, tbl, msgID); snap.DeltaDice[0] != 1 {
		t.Fatalf("delta = %v, want the single applied buff", snap.DeltaDice)
	}
}

func TestDeleteEvictsCachedActions(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")

	tbl.handlePostRoll(player, protocol.PostRollMsg{ID: "p1", Formula: "3d6", Flavor: "#attack"})
	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != true {
		t.Fatalf("post failed: %v", res)
	}
	msgID, _ := res["msg"].(string)
	if msgID == "" {
		t.Fatalf("no message id in post result: %v", res)
	}

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "a1", MsgID: msgID, Action: protocol.ActionBuff})
	drain(t, player)
	if len(tbl.seenActions) != 1 {
		t.Fatalf("cached results = %d, want 1", len(tbl.seenActions))
	}

	tbl.handleDelete(player, protocol.DeleteMsg{ID: "d1", MsgID: msgID})
	if len(tbl.seenActions) != 0 {
		t.Fatalf("cache kept %d entries for a deleted message", len(tbl.seenActions))
	}
}

func TestRelayRequiresOnlineGM(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, "U999999", []int{5, 2, 2}, "#attack")

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "r1", MsgID: msgID, Action: protocol.ActionBuff})

	res := findEvent(drain(t, player), "ACTION_RESULT")
	if res == nil || res["ok"] != false || res["code"] != protocol.ErrNoAuthority {
		t.Fatalf("want E_NO_AUTHORITY, got %v", res)
	}
	// Abandoned actions leave no trace: snapshot and resources untouched.
	if snap := loadSnapshot(t, tbl, msgID); snap.DeltaDice[0] != 0 {
		t.Fatalf("delta written without authority: %v", snap.DeltaDice)
	}
	if karma := tbl.actors[player.ID].FirstPool(TagKarma); karma.Value != 3 {
		t.Fatalf("karma spent without authority: %d", karma.Value)
	}
}

func TestRelayAppliesThroughGM(t *testing.T) {
	tbl := newTestTable(t)
	gm := join(t, tbl, "keeper", testGMKey)
	player := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, "U999999", []int{5, 2, 2}, "#attack")
	drain(t, gm)

	tbl.handleRollAction(player, protocol.RollActionMsg{ID: "r1", MsgID: msgID, Action: protocol.ActionBuff})

	if res := findEvent(drain(t, player), "ACTION_RESULT"); res == nil || res["ok"] != true {
		t.Fatalf("relayed buff failed: %v", res)
	}
	if snap := loadSnapshot(t, tbl, msgID); snap.DeltaDice[0] != 1 {
		t.Fatalf("relayed mutation not persisted: %v", snap.DeltaDice)
	}
	applied := findEvent(drain(t, gm), "RELAY_APPLIED")
	if applied == nil {
		t.Fatalf("GM not notified of relayed mutation")
	}
	env, _ := applied["envelope"].(map[string]any)
	if env == nil || env["action"] != protocol.RelayActionUpdate || env["msgId"] != msgID {
		t.Fatalf("bad relay envelope: %v", applied["envelope"])
	}
}

func TestDeletePermissionAndTeardown(t *testing.T) {
	tbl := newTestTable(t)
	gm := join(t, tbl, "keeper", testGMKey)
	author := join(t, tbl, "arno", "")
	other := join(t, tbl, "lena", "")
	msgID := seedRoll(t, tbl, author.ID, []int{5, 2, 2}, "#attack")
	tbl.transcript.Watch(msgID, func(string) {})

	tbl.handleDelete(other, protocol.DeleteMsg{ID: "d1", MsgID: msgID})
	if res := findEvent(drain(t, other), "ACTION_RESULT"); res == nil || res["code"] != protocol.ErrNoPermission {
		t.Fatalf("non-author delete: want E_NO_PERMISSION, got %v", res)
	}

	tbl.handleDelete(author, protocol.DeleteMsg{ID: "d2", MsgID: msgID})
	if res := findEvent(drain(t, author), "ACTION_RESULT"); res == nil || res["ok"] != true {
		t.Fatalf("author delete failed: %v", res)
	}
	if _, err := tbl.store.Get(context.Background(), msgID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("document survived delete: %v", err)
	}
	if tbl.transcript.Get(msgID) != nil || tbl.transcript.Watching(msgID) {
		t.Fatalf("transcript node or watchers survived delete")
	}
	if ev := findEvent(drain(t, gm), "MESSAGE_DELETED"); ev == nil {
		t.Fatalf("MESSAGE_DELETED not broadcast")
	}

	// Deleting again is idempotent.
	tbl.handleDelete(author, protocol.DeleteMsg{ID: "d3", MsgID: msgID})
	if res := findEvent(drain(t, author), "ACTION_RESULT"); res == nil || res["ok"] != true {
		t.Fatalf("repeat delete not idempotent: %v", res)
	}
}

// Replay hydrates from the persisted snapshot and only adjusts presentation:
// the stored document must not be rewritten, and viewers without write access
// get the markup without the action buttons row.
func TestReplayHydratesWithoutRewriting(t *testing.T) {
	tbl := newTestTable(t)
	author := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, author.ID, []int{5, 2, 2}, "#attack")
	before, err := tbl.store.Get(context.Background(), msgID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	resp := make(chan JoinResponse, 1)
	tbl.handleJoin(JoinRequest{Name: "lena", Out: make(chan []byte, 64), Resp: resp})
	r := <-resp

	if len(r.Replay) != 1 {
		t.Fatalf("replay = %d events, want 1", len(r.Replay))
	}
	content, _ := r.Replay[0]["content"].(string)
	if !strings.Contains(content, classContainer) {
		t.Fatalf("replay content not a roll: %q", content)
	}
	if strings.Contains(content, classActionsRow) {
		t.Fatalf("read-only viewer got action buttons: %q", content)
	}
	after, err := tbl.store.Get(context.Background(), msgID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if after.Content != before.Content || string(after.Flags) != string(before.Flags) {
		t.Fatalf("replay rewrote the stored document")
	}
}

func TestGMSeesButtonsOnOthersRolls(t *testing.T) {
	tbl := newTestTable(t)
	author := join(t, tbl, "arno", "")
	msgID := seedRoll(t, tbl, author.ID, []int{5, 2, 2}, "#attack")

	resp := make(chan JoinResponse, 1)
	tbl.handleJoin(JoinRequest{Name: "keeper", GMKey: testGMKey, Out: make(chan []byte, 64), Resp: resp})
	r := <-resp

	if !r.Welcome.GM {
		t.Fatalf("GM key not honored")
	}
	content, _ := r.Replay[0]["content"].(string)
	if !strings.Contains(content, classActionsRow) {
		t.Fatalf("GM should see action buttons on %s: %q", msgID, content)
	}
}

func TestFirstGMByJoinOrder(t *testing.T) {
	tbl := newTestTable(t)
	join(t, tbl, "arno", "")
	gm1 := join(t, tbl, "first", testGMKey)
	gm2 := join(t, tbl, "second", testGMKey)

	if got := tbl.firstOnlineGM(); got != gm1 {
		t.Fatalf("firstOnlineGM = %v, want %s", got, gm1.ID)
	}
	tbl.handleLeave(gm1.ID)
	if got := tbl.firstOnlineGM(); got != gm2 {
		t.Fatalf("after leave, firstOnlineGM = %v, want %s", got, gm2.ID)
	}
	tbl.handleLeave(gm2.ID)
	if got := tbl.firstOnlineGM(); got != nil {
		t.Fatalf("no GM online, got %v", got)
	}
}

func TestUncriticalizableAllOnesHidesButtons(t *testing.T) {
	tbl := newTestTable(t)
	player := join(t, tbl, "arno", "")
	// miracle: onesAlwaysFail without burn. All ones can never improve.
	msgID := seedRoll(t, tbl, player.ID, []int{1, 1, 1}, "#miracle")

	m, err := tbl.store.Get(context.Background(), msgID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(m.Content, classActionsRow) {
		t.Fatalf("all-ones miracle roll still offers actions: %q", m.Content)
	}
}
