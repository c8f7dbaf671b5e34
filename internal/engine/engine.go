// Package engine wires together the wire-protocol, storage, and
// anti-entropy packages into the running node (§4.9). It owns the RX,
// TX, and housekeeping loops and is the single place composite
// ingest/dispatch sequences run, mirroring the teacher's Gateway
// struct in cmd/ysf2dmr/main.go: one long-lived object holding every
// collaborator, started by a Run method that fans out goroutines and
// shuts them down on context cancellation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0call/rfmp/internal/ax25"
	"github.com/n0call/rfmp/internal/config"
	"github.com/n0call/rfmp/internal/events"
	"github.com/n0call/rfmp/internal/frag"
	"github.com/n0call/rfmp/internal/metrics"
	"github.com/n0call/rfmp/internal/seen"
	"github.com/n0call/rfmp/internal/store"
	rfsync "github.com/n0call/rfmp/internal/sync"
	"github.com/n0call/rfmp/internal/tnc"
	"github.com/n0call/rfmp/internal/txqueue"
)

// BroadcastCallsign is the AX.25 destination address RFMP frames carry.
// The protocol has no addressed unicast at the link layer: every frame
// is heard by every station in range, so a conventional CQ-style
// broadcast address stands in for a real destination (an Open Question
// the spec leaves to the implementation).
var BroadcastCallsign = ax25.Callsign{Base: "RFMP"}

// Shutdown drain/abort bounds (§5).
const (
	DrainTimeout = 5 * time.Second
	AbortTimeout = 10 * time.Second
)

// housekeepingInterval drives bloom rotation checks, fragment-buffer
// sweeps, and REQ-token ticks.
const housekeepingInterval = 2 * time.Second

// txPollInterval is how often the TX loop checks for a leasable entry
// when the queue was empty on its last pass.
const txPollInterval = 50 * time.Millisecond

// Engine is the C9 orchestrator: RX, TX, and housekeeping loops plus
// the engine state §5 says must live behind a single mutex for
// composite operations (the ingest pipeline and SYNC emission).
type Engine struct {
	cfg   *config.Config
	store *store.Store
	tnc   *tnc.Client

	self ax25.Callsign
	mtu  int

	seenCache   *seen.Cache
	windows     *rfsync.RotatingWindows
	scheduler   *rfsync.Scheduler
	limiter     *rfsync.RateLimiter
	reassembler *frag.Reassembler
	txq         *txqueue.Queue
	carrier     *txqueue.CarrierTracker
	timing      *rfsync.AdaptiveTiming

	metrics *metrics.Counters
	bus     *events.Bus
	log     zerolog.Logger

	mu             sync.Mutex
	windowSpan     uint32
	lastSyncSentAt time.Time
}

// New constructs an Engine from its configuration and storage handle.
// tncClient may be an offline-mode client; the engine does not care.
func New(cfg *config.Config, st *store.Store, tncClient *tnc.Client, log zerolog.Logger) (*Engine, error) {
	self := ax25.Callsign{Base: cfg.GetCallsign(), SSID: cfg.GetSSID()}

	windows, err := loadOrOpenWindows(st, cfg)
	if err != nil {
		return nil, err
	}

	seenCache := seen.New(seen.DefaultCapacity, seen.DefaultTTL)
	if rows, err := st.ListSeen(); err == nil {
		m := make(map[string]time.Time, len(rows))
		for _, r := range rows {
			m[r.MsgID] = r.LastSeenAt
		}
		seenCache.Rehydrate(m)
	}

	limiter := rfsync.NewRateLimiter()

	e := &Engine{
		cfg:         cfg,
		store:       st,
		tnc:         tncClient,
		self:        self,
		mtu:         int(cfg.GetMTU()),
		seenCache:   seenCache,
		windows:     windows,
		scheduler:   rfsync.NewScheduler(windows, limiter),
		limiter:     limiter,
		reassembler: frag.NewReassembler(frag.DefaultTimeout, frag.DefaultMaxBuffers),
		carrier:     &txqueue.CarrierTracker{},
		timing:      rfsync.NewAdaptiveTiming(time.Now().UnixNano()),
		metrics:     metrics.New(),
		bus:         events.NewBus(),
		log:         log,
		windowSpan:  cfg.GetBloomWindowS(),
	}
	e.txq = txqueue.New(st, e.carrier, e.metrics, e.bus, log, time.Now().UnixNano())
	return e, nil
}

func loadOrOpenWindows(st *store.Store, cfg *config.Config) (*rfsync.RotatingWindows, error) {
	rows, err := st.LoadBloomWindows()
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		persisted := make([]rfsync.PersistedWindow, 0, len(rows))
		for _, r := range rows {
			persisted = append(persisted, rfsync.PersistedWindow{
				Index: r.WindowIndex, OpenedAt: r.OpenedAt, Salt: r.Salt,
				K: r.K, MLog2: r.MLog2, Bits: r.Bits, Count: r.Count,
			})
		}
		return rfsync.LoadRotatingWindows(persisted, cfg.GetBloomWindowS())
	}
	return rfsync.NewRotatingWindows(uint32(time.Now().Unix()), cfg.GetBloomWindowS(), cfg.GetBloomK(), cfg.GetBloomMLog2())
}

// Run starts the RX, TX, and housekeeping loops and blocks until ctx is
// cancelled, then waits for the loops to drain: past DrainTimeout it logs
// a warning, and past AbortTimeout it counts ShutdownTimeout and returns
// without waiting further, per §5's shutdown discipline.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := e.tnc.Run(ctx, e.onFrame); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("engine: tnc loop exited")
		}
	}()
	go func() {
		defer wg.Done()
		e.txLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.housekeepingLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return ctx.Err()
	case <-time.After(DrainTimeout):
		e.log.Warn().Msg("engine: loops still draining past the 5s window")
	}

	select {
	case <-done:
		return ctx.Err()
	case <-time.After(AbortTimeout - DrainTimeout):
		e.metrics.Inc(metrics.ShutdownTimeout)
		e.log.Warn().Msg("engine: hard abort, loops did not drain in time")
		return ctx.Err()
	}
}

// Metrics exposes the engine's error/event counters.
func (e *Engine) Metrics() *metrics.Counters { return e.metrics }

// Events exposes the subscription bus backing §6.3's subscribe() API.
func (e *Engine) Events() *events.Bus { return e.bus }
