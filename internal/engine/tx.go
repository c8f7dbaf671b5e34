package engine

import (
	"context"
	"time"

	"github.com/n0call/rfmp/internal/ax25"
	"github.com/n0call/rfmp/internal/frag"
	"github.com/n0call/rfmp/internal/metrics"
	"github.com/n0call/rfmp/internal/rfmp"
	"github.com/n0call/rfmp/internal/store"
	rfsync "github.com/n0call/rfmp/internal/sync"
)

// txLoop implements §4.9's TX loop: lease the highest-priority eligible
// entry, gate it on CSMA, and hand it to C1/C2 for transmission.
func (e *Engine) txLoop(ctx context.Context) {
	ticker := time.NewTicker(txPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.txTick(time.Now())
		}
	}
}

func (e *Engine) txTick(now time.Time) {
	entry, err := e.txq.Lease(now)
	if err != nil {
		e.metrics.Inc(metrics.StoreError)
		return
	}
	if entry == nil {
		return
	}

	if !e.txq.CSMACheck(now) {
		e.timing.OnDefer()
		if err := e.txq.Defer(entry, now); err != nil {
			e.log.Warn().Err(err).Str("tx_id", entry.ID).Msg("engine: defer failed")
		}
		return
	}

	ui := ax25.UIFrame{Dest: BroadcastCallsign, Source: e.self, Payload: entry.FrameBytes}
	raw, err := ax25.EncodeUI(ui)
	if err != nil {
		e.log.Warn().Err(err).Str("tx_id", entry.ID).Msg("engine: encode UI failed")
		return
	}

	if err := e.tnc.Send(0, raw); err != nil {
		if err := e.txq.NackTransmitFailure(entry, now); err != nil {
			e.log.Warn().Err(err).Str("tx_id", entry.ID).Msg("engine: nack failed")
		}
		return
	}

	if err := e.txq.Ack(entry.ID); err != nil {
		e.log.Warn().Err(err).Str("tx_id", entry.ID).Msg("engine: ack failed")
	}
	if entry.Purpose == store.PurposeMsg {
		if f, err := rfmp.Decode(entry.FrameBytes); err == nil {
			if m, ok := f.(rfmp.Msg); ok {
				_ = e.store.MarkTransmitted(m.ID.String(), now)
			}
		}
	}
}

// enqueueMsg encodes m, fragmenting if it exceeds the configured MTU,
// and enqueues the result(s) at the given priority with the §4.8
// adaptive transmit delay applied at enqueue time.
func (e *Engine) enqueueMsg(m rfmp.Msg, priority uint8) {
	m.Priority = priority
	encoded, err := rfmp.EncodeMsg(m)
	if err != nil {
		e.log.Warn().Err(err).Str("id", m.ID.String()).Msg("engine: encode MSG failed")
		return
	}

	frags, err := frag.Fragment(m.ID, encoded, e.mtu)
	if err != nil {
		e.log.Warn().Err(err).Str("id", m.ID.String()).Msg("engine: fragment MSG failed")
		return
	}
	if frags == nil {
		e.enqueueFrame(encoded, priority, store.PurposeMsg)
		return
	}
	for _, f := range frags {
		fb, err := rfmp.EncodeFrag(f)
		if err != nil {
			continue
		}
		e.enqueueFrame(fb, priority, store.PurposeFrag)
	}
}

// enqueuePushMsg looks up a locally-held message by id and enqueues it
// for a peer believed to be missing it (§4.7 push candidates).
func (e *Engine) enqueuePushMsg(id rfmp.ID, priority uint8) {
	row, err := e.store.GetMessage(id.String())
	if err != nil {
		return
	}
	e.enqueueMsg(rowToMsg(row), priority)
}

func (e *Engine) enqueueFrame(frameBytes []byte, priority uint8, purpose store.TxPurpose) {
	if full, err := e.backpressured(); err != nil || full {
		if full {
			e.metrics.Inc(metrics.BackpressureDropped)
		}
		return
	}
	delay := e.timing.Delay(priority)
	if _, err := e.store.EnqueueTxAt(frameBytes, priority, purpose, time.Now().Add(delay)); err != nil {
		e.metrics.Inc(metrics.StoreError)
	}
}

// backpressured reports whether the queue is at or above its high
// water mark (§7's BackpressureDropped error kind).
func (e *Engine) backpressured() (bool, error) {
	n, err := e.store.CountTxQueue()
	if err != nil {
		return false, err
	}
	return n >= QueueHighWater, nil
}

// QueueHighWater bounds the TX queue depth per §7's default.
const QueueHighWater = 1000

// drainReqBatches turns the scheduler's debounced REQ batches into
// enqueued REQ frames.
func (e *Engine) drainReqBatches(now time.Time) {
	for _, batch := range e.scheduler.OnTick(now) {
		req := rfmp.Req{IDs: batch.IDs}
		encoded, err := rfmp.EncodeReq(req)
		if err != nil {
			continue
		}
		e.enqueueFrame(encoded, 1, store.PurposeReq)
	}
}

func (e *Engine) rangeLister(fromTS, toTS uint32) ([]rfsync.LocalMessage, error) {
	rows, err := e.store.ListMessageIDsInRange(fromTS, toTS)
	if err != nil {
		return nil, err
	}
	out := make([]rfsync.LocalMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, rfsync.LocalMessage{ID: mustParseID(r.ID), Priority: r.Priority})
	}
	return out, nil
}
