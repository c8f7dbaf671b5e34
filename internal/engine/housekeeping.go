package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/n0call/rfmp/internal/rfmp"
	"github.com/n0call/rfmp/internal/store"
)

// housekeepingLoop implements §4.9's housekeeping loop: Bloom window
// rotation, fragment-buffer TTL sweeps, REQ token-bucket draining, and
// periodic SYNC emission.
func (e *Engine) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.housekeepingTick(time.Now())
		}
	}
}

func (e *Engine) housekeepingTick(now time.Time) {
	nowUnix := uint32(now.Unix())

	if e.windows.ShouldRotate(nowUnix) {
		if err := e.windows.Rotate(nowUnix); err != nil {
			e.log.Warn().Err(err).Msg("engine: bloom rotation failed")
		}
	}
	e.persistWindows()

	for _, dropped := range e.reassembler.Sweep(now) {
		e.scheduler.WatchReplyTo(dropped.MsgID)
	}

	e.timing.Decay()
	e.drainReqBatches(now)
	e.maybeSendSync(now)
}

func (e *Engine) persistWindows() {
	for _, w := range e.windows.Snapshot() {
		if err := e.store.SaveBloomWindow(store.BloomWindowRow{
			WindowIndex: w.Index, OpenedAt: w.OpenedAt, Salt: w.Salt,
			K: w.K, MLog2: w.MLog2, Bits: w.Bits, Count: w.Count,
		}); err != nil {
			e.log.Warn().Err(err).Msg("engine: persist bloom window failed")
		}
	}
}

// maybeSendSync broadcasts the node's own window summaries once per
// sync_interval_s, jittered ±20% so peers don't converge on lockstep
// transmission.
func (e *Engine) maybeSendSync(now time.Time) {
	e.mu.Lock()
	due := now.Sub(e.lastSyncSentAt) >= e.jitteredSyncInterval()
	if due {
		e.lastSyncSentAt = now
	}
	e.mu.Unlock()
	if !due {
		return
	}

	var summaries []rfmp.WindowSummary
	for _, w := range e.windows.Windows() {
		summaries = append(summaries, w.ToWireSummary())
	}
	encoded, err := rfmp.EncodeSync(rfmp.Sync{Windows: summaries})
	if err != nil {
		e.log.Warn().Err(err).Msg("engine: encode SYNC failed")
		return
	}
	e.enqueueFrame(encoded, 1, store.PurposeSync)
}

func (e *Engine) jitteredSyncInterval() time.Duration {
	base := time.Duration(e.cfg.GetSyncIntervalS()) * time.Second
	jitter := 0.8 + rand.Float64()*0.4 // ±20%
	return time.Duration(float64(base) * jitter)
}
