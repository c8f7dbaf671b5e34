package engine

import (
	"errors"
	"time"

	"github.com/n0call/rfmp/internal/events"
	"github.com/n0call/rfmp/internal/metrics"
	"github.com/n0call/rfmp/internal/rfmp"
	"github.com/n0call/rfmp/internal/store"
)

// ErrBackpressure is returned by SubmitMessage when the TX queue is at
// its high-water mark (§7's BackpressureDropped kind).
var ErrBackpressure = errors.New("engine: tx queue backpressured")

// SubmitMessage originates a new MSG locally: it fingerprints the
// message, stores it through the same ingest path as a received MSG,
// and enqueues it for transmission, per §6.3's submit_message.
func (e *Engine) SubmitMessage(channel, author string, body []byte, replyTo *rfmp.ID) (rfmp.ID, error) {
	if full, err := e.backpressured(); err == nil && full {
		e.metrics.Inc(metrics.BackpressureDropped)
		return rfmp.ID{}, ErrBackpressure
	}

	now := time.Now()
	ts := uint32(now.Unix())
	from := e.self.String()
	id := rfmp.Fingerprint(from, ts, body)

	m := rfmp.Msg{
		ID:        id,
		FromNode:  from,
		Timestamp: ts,
		Priority:  DefaultSubmitPriority,
		Channel:   channel,
		Author:    author,
		ReplyTo:   replyTo,
		Body:      body,
	}
	if err := m.Verify(); err != nil {
		return rfmp.ID{}, err
	}
	if err := e.handleMsg(now, m); err != nil {
		return rfmp.ID{}, err
	}
	e.enqueueMsg(m, m.Priority)
	return id, nil
}

// DefaultSubmitPriority is the priority assigned to locally-originated
// messages absent any other signal.
const DefaultSubmitPriority = 3

// Subscribe returns a lazy, cancellable stream of MessageEvents, per
// §6.3's subscribe(). Each call is independent of every other.
func (e *Engine) Subscribe() (<-chan events.Event, func()) {
	return e.bus.Subscribe()
}

// QueryMessages lists stored messages, optionally filtered by channel
// and a minimum timestamp, per §6.3's query_messages.
func (e *Engine) QueryMessages(channel string, since uint32, limit int) ([]rfmp.Msg, error) {
	rows, err := e.store.ListMessages(channel, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]rfmp.Msg, 0, len(rows))
	for i := range rows {
		out = append(out, rowToMsg(&rows[i]))
	}
	return out, nil
}

// QueryChannels lists known channels, per §6.3's query_channels.
func (e *Engine) QueryChannels() ([]store.Channel, error) {
	return e.store.ListChannels()
}

// QueryNodes lists known peer nodes, per §6.3's query_nodes.
func (e *Engine) QueryNodes() ([]store.Node, error) {
	return e.store.ListNodes()
}

// Status is the point-in-time snapshot returned by §6.3's status().
type Status struct {
	Callsign        string
	Connected       bool
	TxQueueDepth    int64
	Subscribers     int
	PendingReqPeers int
	Counters        map[metrics.Kind]uint64
}

// Status reports the engine's current operating state.
func (e *Engine) Status() Status {
	depth, _ := e.store.CountTxQueue()
	return Status{
		Callsign:        e.self.String(),
		Connected:       e.tnc.Connected(),
		TxQueueDepth:    depth,
		Subscribers:     e.bus.SubscriberCount(),
		PendingReqPeers: e.scheduler.PendingCount(),
		Counters:        e.metrics.Snapshot(),
	}
}
