// Package table runs one shared chat table: clients join over the transport,
// post interactive d6 rolls, and retroactively modify them. All mutations are
// serialized through a single goroutine, which makes the table the sole
// writer of its message documents.
package table

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"dicehall.gg/internal/dice"
	"dicehall.gg/internal/persistence/archive"
	"dicehall.gg/internal/persistence/docstore"
	"dicehall.gg/internal/protocol"
	"dicehall.gg/internal/rules"
)

// Config carries the table's runtime parameters.
type Config struct {
	ID   string
	Seed int64
	// GMKey grants administrative write authority to clients presenting it.
	GMKey string
	// FallbackHealth is the shared pool burned against when an actor has no
	// health-tagged pool of their own.
	FallbackHealth int
	// BindWait bounds how long a freshly created message may take to become
	// readable before watcher binding is abandoned.
	BindWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "table_1"
	}
	if c.FallbackHealth <= 0 {
		c.FallbackHealth = 10
	}
	if c.BindWait <= 0 {
		c.BindWait = 3 * time.Second
	}
}

// Client is one connected viewer.
type Client struct {
	ID   string
	Name string
	GM   bool

	Out chan []byte
}

// JoinRequest asks the table to admit a new client.
type JoinRequest struct {
	Name  string
	GMKey string
	Out   chan []byte
	Resp  chan JoinResponse
}

// JoinResponse carries the admitted client's identity and the transcript
// replay.
type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Replay  []protocol.Event
}

// Command is one decoded client message awaiting the table loop.
type Command struct {
	ClientID string
	Msg      any
}

// Table is the interactive roll controller plus its runtime context: clients,
// actor sheets, the transcript registry, and the dedupe/watcher state. All
// fields are owned by the Run goroutine.
type Table struct {
	cfg    Config
	logger *log.Logger
	store  *docstore.Store
	rules  *rules.Table
	roller *dice.Roller
	arch   *archive.JSONLZstdWriter

	clients   map[string]*Client
	joinOrder []string
	actors    map[string]*Actor

	transcript *Transcript

	// Shared burn pool used when an actor has no health-tagged resource.
	fallbackHealth int

	// Action dedupe: result events cached per client/action id, so a
	// double-submitted action replays its outcome instead of spending twice.
	// Entries age out after actionDedupeTTL and are evicted when the client
	// leaves or the target message is deleted.
	seenActions map[actionKey]actionEntry

	capability CapabilityFn

	metrics metricsMirror

	nextUser uint64
	nextMsg  uint64

	join  chan JoinRequest
	leave chan string
	inbox chan Command
	stop  chan struct{}
}

// Option tweaks table construction.
type Option func(*Table)

// WithArchive attaches a chat archive writer.
func WithArchive(w *archive.JSONLZstdWriter) Option {
	return func(t *Table) { t.arch = w }
}

// WithCapability installs the store-exposed capability probe consulted by the
// permission gate for viewers who are neither author nor GM.
func WithCapability(fn CapabilityFn) Option {
	return func(t *Table) { t.capability = fn }
}

// New builds a table. The store must outlive it.
func New(cfg Config, store *docstore.Store, tab *rules.Table, logger *log.Logger, opts ...Option) *Table {
	cfg.applyDefaults()
	t := &Table{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		rules:          tab,
		roller:         dice.NewRoller(cfg.Seed),
		clients:        map[string]*Client{},
		actors:         map[string]*Actor{},
		transcript:     NewTranscript(),
		fallbackHealth: cfg.FallbackHealth,
		seenActions:    map[actionKey]actionEntry{},
		join:           make(chan JoinRequest, 16),
		leave:          make(chan string, 16),
		inbox:          make(chan Command, 256),
		stop:           make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) Join() chan<- JoinRequest { return t.join }
func (t *Table) Leave() chan<- string     { return t.leave }
func (t *Table) Inbox() chan<- Command    { return t.inbox }

func (t *Table) ID() string { return t.cfg.ID }

// Run processes joins, leaves and commands until the context ends. It is the
// only goroutine allowed to touch table state.
func (t *Table) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stop:
			return nil
		case req := <-t.join:
			t.handleJoin(req)
		case id := <-t.leave:
			t.handleLeave(id)
		case cmd := <-t.inbox:
			t.dispatch(cmd)
		}
		t.mirrorMetrics()
	}
}

func (t *Table) Stop() { close(t.stop) }

func (t *Table) handleJoin(req JoinRequest) {
	t.nextUser++
	id := fmt.Sprintf("U%06d", t.nextUser)
	name := req.Name
	if name == "" {
		name = "player"
	}
	c := &Client{
		ID:   id,
		Name: name,
		GM:   t.cfg.GMKey != "" && req.GMKey == t.cfg.GMKey,
		Out:  req.Out,
	}
	t.clients[id] = c
	t.joinOrder = append(t.joinOrder, id)
	if _, ok := t.actors[id]; !ok {
		t.actors[id] = NewActor(id)
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		UserID:          id,
		TableID:         t.cfg.ID,
		GM:              c.GM,
		Keywords:        t.rules.Keywords(),
	}

	// Transcript replay: the persisted documents are authoritative, and
	// already-processed rolls must not be re-rendered or re-persisted here.
	replay := t.replayEvents(c)

	req.Resp <- JoinResponse{Welcome: welcome, Replay: replay}
}

func (t *Table) replayEvents(viewer *Client) []protocol.Event {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.BindWait)
	defer cancel()
	msgs, err := t.store.ListTable(ctx, t.cfg.ID)
	if err != nil {
		t.logger.Printf("transcript replay: %v", err)
		return nil
	}
	out := make([]protocol.Event, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, t.messageEvent("MESSAGE_CREATED", m, viewer))
	}
	return out
}

func (t *Table) handleLeave(id string) {
	delete(t.clients, id)
	for i, jid := range t.joinOrder {
		if jid == id {
			t.joinOrder = append(t.joinOrder[:i], t.joinOrder[i+1:]...)
			break
		}
	}
	t.evictClientActions(id)
}

func (t *Table) dispatch(cmd Command) {
	c := t.clients[cmd.ClientID]
	if c == nil {
		return
	}
	switch msg := cmd.Msg.(type) {
	case protocol.PostRollMsg:
		t.handlePostRoll(c, msg)
	case protocol.RollActionMsg:
		t.handleRollAction(c, msg)
	case protocol.DeleteMsg:
		t.handleDelete(c, msg)
	default:
		t.send(c, protocol.Event{"type": "ACTION_RESULT", "ok": false, "code": protocol.ErrProtoBadRequest, "msg": "unknown command"})
	}
}

func (t *Table) newMsgID() string {
	t.nextMsg++
	return fmt.Sprintf("M%06d", t.nextMsg)
}

func (t *Table) firstOnlineGM() *Client {
	for _, id := range t.joinOrder {
		if c := t.clients[id]; c != nil && c.GM {
			return c
		}
	}
	return nil
}

func (t *Table) send(c *Client, ev protocol.Event) {
	if c == nil || c.Out == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.logger.Printf("marshal event: %v", err)
		return
	}
	sendLatest(c.Out, b)
}

func (t *Table) broadcast(ev func(*Client) protocol.Event) {
	for _, id := range t.joinOrder {
		c := t.clients[id]
		if c == nil {
			continue
		}
		t.send(c, ev(c))
	}
}

// sendLatest drops the oldest queued payload when the client is slow.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func (t *Table) archiveEntry(kind, msgID, actor, detail string) {
	if t.arch == nil {
		return
	}
	err := t.arch.Write(archive.Entry{
		At:      time.Now().UTC(),
		TableID: t.cfg.ID,
		Kind:    kind,
		MsgID:   msgID,
		Actor:   actor,
		Detail:  detail,
	})
	if err != nil {
		t.logger.Printf("archive: %v", err)
	}
}
