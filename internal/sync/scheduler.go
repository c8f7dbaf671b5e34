package sync

import (
	"sync"
	"time"

	"github.com/n0call/rfmp/internal/rfmp"
)

// MaxReqIDs is the per-REQ id cap from §4.7.
const MaxReqIDs = 32

// LocalMessage is the minimal shape Scheduler needs from the store to
// run the SYNC-ingest scan, decoupling this package from internal/store.
type LocalMessage struct {
	ID       rfmp.ID
	Priority uint8
}

// RangeLister returns the locally-held messages with timestamp in
// [fromTS, toTS), used to scan a matching local window during ingest.
type RangeLister func(fromTS, toTS uint32) ([]LocalMessage, error)

// PushCandidate is a MSG the scheduler believes a peer is missing,
// ready for C8 enqueue at the mapped priority (§4.7: own priority + 1).
type PushCandidate struct {
	Peer     string
	ID       rfmp.ID
	Priority uint8
}

// Scheduler drives push/pull candidate generation from ingested SYNC
// frames and turns pull candidates into debounced, round-robin REQ
// batches, per §4.7.
type Scheduler struct {
	windows *RotatingWindows
	limiter *RateLimiter

	mu       sync.Mutex
	watch    map[rfmp.ID]struct{}   // ids we're missing, referenced via ReplyTo
	pending  map[string][]rfmp.ID   // peer -> queued pull candidates awaiting REQ
	peers    []string               // round-robin order of peers with pending work
}

// NewScheduler constructs a Scheduler over the engine's rotating
// windows and a fresh rate limiter.
func NewScheduler(windows *RotatingWindows, limiter *RateLimiter) *Scheduler {
	return &Scheduler{
		windows: windows,
		limiter: limiter,
		watch:   make(map[rfmp.ID]struct{}),
		pending: make(map[string][]rfmp.ID),
	}
}

// WatchReplyTo records id as one the local store lacks but was
// referenced by an ingested message's reply_to field, making it a
// pull-candidate watch target for future SYNC ingests.
func (s *Scheduler) WatchReplyTo(id rfmp.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watch[id] = struct{}{}
}

// Unwatch drops id from the watchlist, called once the message is
// obtained (by REQ reply or otherwise).
func (s *Scheduler) Unwatch(id rfmp.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watch, id)
}

// OnSync ingests a peer's SYNC frame per §4.7 steps 1-3: for each
// remote window with a matching local window, push candidates are
// local messages in that window's span the remote bits don't show;
// pull candidates are watched ids the remote bits DO show. Push
// candidates are returned for immediate C8 enqueue; pull candidates
// are queued internally for OnTick's debounced REQ emission.
func (s *Scheduler) OnSync(peer string, sy rfmp.Sync, windowSpan uint32, list RangeLister) ([]PushCandidate, error) {
	var push []PushCandidate
	var pull []rfmp.ID

	for _, rw := range sy.Windows {
		local := s.windows.FindByOpenedAt(rw.OpenedAt)
		if local == nil {
			continue // disjoint horizon, skip per step 1
		}

		msgs, err := list(rw.OpenedAt, rw.OpenedAt+windowSpan)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !TestBits(rw.Salt, rw.K, rw.MLog2, rw.Bits, m.ID) {
				push = append(push, PushCandidate{Peer: peer, ID: m.ID, Priority: m.Priority + 1})
			}
		}

		s.mu.Lock()
		for id := range s.watch {
			if TestBits(rw.Salt, rw.K, rw.MLog2, rw.Bits, id) {
				pull = append(pull, id)
			}
		}
		s.mu.Unlock()
	}

	if len(pull) > 0 {
		s.enqueuePull(peer, pull)
	}
	return push, nil
}

func (s *Scheduler) enqueuePull(peer string, ids []rfmp.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.pending[peer]
	seen := make(map[rfmp.ID]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		existing = append(existing, id)
		seen[id] = struct{}{}
	}
	if _, known := s.pending[peer]; !known {
		s.peers = append(s.peers, peer)
	}
	s.pending[peer] = existing
}

// ReqBatch is one debounced REQ ready for C8 enqueue.
type ReqBatch struct {
	Peer string
	IDs  []rfmp.ID
}

// OnTick drains pending pull candidates into REQ batches, round-robin
// across peers, respecting the global token bucket and each peer's
// exponential backoff window (§4.7 REQ scheduling). Peers skipped by
// backoff keep their candidates queued for a later tick.
func (s *Scheduler) OnTick(now time.Time) []ReqBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []ReqBatch
	if len(s.peers) == 0 {
		return batches
	}

	order := append([]string(nil), s.peers...)
	var remaining []string
	for _, peer := range order {
		ids := s.pending[peer]
		if len(ids) == 0 {
			delete(s.pending, peer)
			continue
		}
		if !s.limiter.AllowPeer(peer, now) {
			remaining = append(remaining, peer)
			continue
		}
		if !s.limiter.TakeGlobal(now) {
			s.limiter.RecordDeferred(peer, now)
			remaining = append(remaining, peer)
			continue
		}

		n := len(ids)
		if n > MaxReqIDs {
			n = MaxReqIDs
		}
		batches = append(batches, ReqBatch{Peer: peer, IDs: append([]rfmp.ID(nil), ids[:n]...)})

		rest := ids[n:]
		if len(rest) > 0 {
			s.pending[peer] = rest
			remaining = append(remaining, peer)
		} else {
			delete(s.pending, peer)
		}
	}
	s.peers = remaining
	return batches
}

// PendingCount reports how many peers currently have queued pull
// candidates awaiting REQ emission, for metrics/tests.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// NotePeerFrame resets peer's REQ backoff, per §4.7's "reset on any
// received frame from that peer".
func (s *Scheduler) NotePeerFrame(peer string) {
	s.limiter.ResetPeer(peer)
}
