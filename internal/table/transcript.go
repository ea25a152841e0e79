package table

// Transcript is the presentation-side registry of live chat nodes. The
// transport can deliver several creation notifications for one logical
// message (initial post, a later full re-render, a relayed update); the
// transcript guarantees exactly one live node per message id, preferring the
// most recently inserted, and owns the per-message watcher subscriptions so
// they are torn down when the message goes away.
type Transcript struct {
	seq      uint64
	nodes    []*Node
	byID     map[string]*Node
	watchers map[string][]func(kind string)
}

// Node is one live transcript entry.
type Node struct {
	MsgID   string
	Seq     uint64
	Content string
}

func NewTranscript() *Transcript {
	return &Transcript{
		byID:     map[string]*Node{},
		watchers: map[string][]func(kind string){},
	}
}

// Insert adds a node for the message id and sweeps duplicates, keeping the
// newest. Returns the surviving node.
func (tr *Transcript) Insert(msgID, content string) *Node {
	tr.seq++
	n := &Node{MsgID: msgID, Seq: tr.seq, Content: content}
	tr.nodes = append(tr.nodes, n)
	tr.sweep(msgID)
	return tr.byID[msgID]
}

// sweep removes all but the newest node carrying the id.
func (tr *Transcript) sweep(msgID string) {
	var newest *Node
	for _, n := range tr.nodes {
		if n.MsgID != msgID {
			continue
		}
		if newest == nil || n.Seq > newest.Seq {
			newest = n
		}
	}
	if newest == nil {
		delete(tr.byID, msgID)
		return
	}
	kept := tr.nodes[:0]
	for _, n := range tr.nodes {
		if n.MsgID == msgID && n != newest {
			continue
		}
		kept = append(kept, n)
	}
	tr.nodes = kept
	tr.byID[msgID] = newest
}

// Get returns the live node for the id, if any.
func (tr *Transcript) Get(msgID string) *Node {
	return tr.byID[msgID]
}

// Len reports the number of live nodes.
func (tr *Transcript) Len() int { return len(tr.nodes) }

// Watch subscribes to lifecycle notifications ("update", "delete") for one
// message id.
func (tr *Transcript) Watch(msgID string, fn func(kind string)) {
	tr.watchers[msgID] = append(tr.watchers[msgID], fn)
}

// Notify fans a lifecycle event out to the message's watchers.
func (tr *Transcript) Notify(msgID, kind string) {
	for _, fn := range tr.watchers[msgID] {
		fn(kind)
	}
}

// Remove drops the message's node and unsubscribes its watchers. Called when
// the underlying document is deleted.
func (tr *Transcript) Remove(msgID string) {
	tr.Notify(msgID, "delete")
	delete(tr.watchers, msgID)
	kept := tr.nodes[:0]
	for _, n := range tr.nodes {
		if n.MsgID == msgID {
			continue
		}
		kept = append(kept, n)
	}
	tr.nodes = kept
	delete(tr.byID, msgID)
}

// Watching reports whether the message still has subscriptions.
func (tr *Transcript) Watching(msgID string) bool {
	return len(tr.watchers[msgID]) > 0
}
