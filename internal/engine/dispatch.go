package engine

import (
	"errors"
	"time"

	"github.com/n0call/rfmp/internal/ax25"
	"github.com/n0call/rfmp/internal/events"
	"github.com/n0call/rfmp/internal/frag"
	"github.com/n0call/rfmp/internal/kiss"
	"github.com/n0call/rfmp/internal/metrics"
	"github.com/n0call/rfmp/internal/rfmp"
	"github.com/n0call/rfmp/internal/store"
)

// onFrame is the C1→C9 entry point: one decoded KISS data frame off the
// wire. It drives C2 and C3 decoding, then dispatches by RFMP type
// (§4.9's RX loop).
func (e *Engine) onFrame(kf kiss.Frame) {
	now := time.Now()
	e.carrier.MarkDetected(now)

	ui, err := ax25.DecodeUI(kf.Payload)
	if err != nil {
		e.metrics.Inc(metrics.Ax25Malformed)
		return
	}
	if ui.Source.String() == e.self.String() {
		return // our own transmission, heard back on a shared channel
	}

	frame, err := rfmp.Decode(ui.Payload)
	if err != nil {
		e.classifyFramingError(err)
		return
	}

	peer := ui.Source.String()
	e.scheduler.NotePeerFrame(peer)

	switch v := frame.(type) {
	case rfmp.Msg:
		v.FromNode = peer
		if err := e.handleMsg(now, v); err != nil {
			e.log.Warn().Err(err).Str("id", v.ID.String()).Msg("engine: reject MSG")
		}
	case rfmp.Frag:
		e.handleFrag(now, peer, v)
	case rfmp.Sync:
		e.handleSync(now, peer, v)
	case rfmp.Req:
		e.handleReq(now, peer, v)
	}
}

func (e *Engine) classifyFramingError(err error) {
	switch {
	case errors.Is(err, rfmp.ErrBadMagic):
		e.metrics.Inc(metrics.RfmpBadMagic)
	case errors.Is(err, rfmp.ErrBadVersion):
		e.metrics.Inc(metrics.RfmpBadVersion)
	case errors.Is(err, rfmp.ErrTruncated):
		e.metrics.Inc(metrics.KissTruncated)
	default:
		e.metrics.Inc(metrics.RfmpBadMagic)
	}
}

// handleMsg implements the MSG branch of §4.9's dispatch table:
// fingerprint check, seen-cache, store insert, seen touch, bloom
// insert, node/channel upsert, and subscriber publish — in that order,
// with the whole sequence serialized so a concurrent duplicate can
// never slip between the seen-cache check and the store insert.
func (e *Engine) handleMsg(now time.Time, m rfmp.Msg) error {
	if err := m.Verify(); err != nil {
		e.metrics.Inc(metrics.IdMismatch)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := m.ID.String()
	if e.seenCache.Contains(id) {
		return nil
	}

	outcome, err := e.store.InsertMessage(m)
	if err != nil {
		e.metrics.Inc(metrics.StoreError)
		return err
	}

	e.seenCache.Touch(id, now)
	if err := e.store.SeenTouch(id, now); err != nil {
		e.metrics.Inc(metrics.StoreError)
	}
	e.windows.Insert(m.ID)
	e.scheduler.Unwatch(m.ID)

	if err := e.store.UpsertNode(m.FromNode, now); err == nil {
		e.bus.Publish(events.Event{Kind: events.NodeSeen, Payload: m.FromNode})
	}
	if m.Channel != "" {
		_ = e.store.UpsertChannel(m.Channel, now)
	}

	if outcome != store.Inserted {
		return nil
	}

	e.bus.Publish(events.Event{Kind: events.NewMessage, Payload: m})

	if m.ReplyTo != nil {
		if _, err := e.store.GetMessage(m.ReplyTo.String()); err != nil {
			e.scheduler.WatchReplyTo(*m.ReplyTo)
		}
	}
	return nil
}

// handleFrag implements the FRAG branch: persist for crash recovery,
// feed the reassembler, and re-enter dispatch as a MSG on completion.
func (e *Engine) handleFrag(now time.Time, fromNode string, f rfmp.Frag) {
	if err := e.store.InsertFragment(fromNode, f); err != nil {
		e.metrics.Inc(metrics.StoreError)
	}

	msg, complete, err := e.reassembler.Ingest(fromNode, f, now)
	if err != nil {
		if errors.Is(err, frag.ErrReassemblyIDMismatch) {
			e.metrics.Inc(metrics.ReassemblyIdMismatch)
		}
		_ = e.store.DeleteFragments(fromNode, f.ID.String())
		return
	}
	if !complete {
		return
	}

	_ = e.store.DeleteFragments(fromNode, f.ID.String())
	msg.FromNode = fromNode
	if err := e.handleMsg(now, *msg); err != nil {
		e.log.Warn().Err(err).Str("id", msg.ID.String()).Msg("engine: reject reassembled MSG")
	}
}

// handleSync implements the SYNC branch: run the anti-entropy scheduler
// over the ingested window summaries and enqueue any resulting push
// candidates immediately (pull candidates are drained by OnTick).
func (e *Engine) handleSync(now time.Time, peer string, sy rfmp.Sync) {
	push, err := e.scheduler.OnSync(peer, sy, e.windowSpan, e.rangeLister)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer).Msg("engine: SYNC ingest failed")
		return
	}
	for _, c := range push {
		e.enqueuePushMsg(c.ID, c.Priority)
	}
}

// handleReq implements the REQ branch: for every requested id present
// locally, re-encode (and re-fragment if needed) and enqueue at
// priority 2, per §4.9.
func (e *Engine) handleReq(now time.Time, peer string, r rfmp.Req) {
	for _, id := range r.IDs {
		row, err := e.store.GetMessage(id.String())
		if err != nil {
			continue
		}
		m := rowToMsg(row)
		e.enqueueMsg(m, 2)
	}
}

func rowToMsg(row *store.Message) rfmp.Msg {
	m := rfmp.Msg{
		ID:        mustParseID(row.ID),
		FromNode:  row.FromNode,
		Author:    row.Author,
		Timestamp: row.Timestamp,
		Channel:   row.Channel,
		Priority:  row.Priority,
		Body:      row.Body,
	}
	if row.ReplyTo != "" {
		rid := mustParseID(row.ReplyTo)
		m.ReplyTo = &rid
	}
	return m
}

func mustParseID(s string) rfmp.ID {
	id, err := rfmp.ParseID(s)
	if err != nil {
		return rfmp.ID{}
	}
	return id
}
