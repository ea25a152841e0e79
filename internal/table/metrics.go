package table

import "sync/atomic"

// TableMetrics is a read-only snapshot for the /metrics endpoint. Gauges are
// mirrored into atomics by the Run goroutine so scrapes never touch loop
// state.
type TableMetrics struct {
	Clients     int64
	Messages    int64
	QueueDepths struct {
		Join  int
		Leave int
		Inbox int
	}
}

type metricsMirror struct {
	clients  atomic.Int64
	messages atomic.Int64
}

func (t *Table) Metrics() TableMetrics {
	var m TableMetrics
	m.Clients = t.metrics.clients.Load()
	m.Messages = t.metrics.messages.Load()
	m.QueueDepths.Join = len(t.join)
	m.QueueDepths.Leave = len(t.leave)
	m.QueueDepths.Inbox = len(t.inbox)
	return m
}

func (t *Table) mirrorMetrics() {
	t.metrics.clients.Store(int64(len(t.clients)))
	t.metrics.messages.Store(int64(t.transcript.Len()))
}
