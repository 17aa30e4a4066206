package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/calder-eth/calder/consensus"
	"github.com/calder-eth/calder/core/types"
	"github.com/calder-eth/calder/log"
	"github.com/calder-eth/calder/p2p"
)

// Downloader drives header-and-body download sessions against a peer
// pool. One session runs at a time; Start returns the session handle the
// import collaborator consumes segments from.
type Downloader struct {
	cfg     Config
	pool    *p2p.Pool
	lg      *log.Logger
	running atomic.Bool
}

// NewDownloader creates a downloader over the given peer pool. A nil
// config uses defaults; a nil logger uses the package default.
func NewDownloader(cfg *Config, pool *p2p.Pool, lg *log.Logger) *Downloader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if lg == nil {
		lg = log.Default()
	}
	return &Downloader{
		cfg:  cfg.sanitize(),
		pool: pool,
		lg:   lg.Module("sync"),
	}
}

// Start begins downloading the inclusive block range [from, to] and
// returns a cancellable session emitting validated segments in strictly
// increasing, gapless order. localHead, when non-nil, is the header the
// first fetched block must extend; a linkage break there surfaces as
// ErrStaleBoundary so the caller can flag a possible reorg at the range
// boundary.
func (d *Downloader) Start(ctx context.Context, from, to uint64, localHead *types.Header) (*Session, error) {
	if from > to {
		return nil, ErrInvalidRange
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyActive
	}
	if d.pool.Len() == 0 {
		d.running.Store(false)
		return nil, ErrNoPeers
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:        d.cfg,
		pool:       d.pool,
		lg:         d.lg,
		ctx:        sctx,
		cancel:     cancel,
		out:        make(chan *ValidatedSegment, 1),
		results:    make(chan *batchResult, d.cfg.MaxInFlight),
		sem:        semaphore.NewWeighted(int64(d.cfg.MaxInFlight)),
		done:       make(chan struct{}),
		startBlock: from,
		highest:    to,
		onDone:     func() { d.running.Store(false) },
	}
	s.current.Store(from)
	s.state.Store(StateIdle)

	go s.run(from, to, types.CopyHeader(localHead))
	return s, nil
}

// Session is one in-flight download of a block range. Segments are read
// from Segments(); after the channel closes, Err reports how the session
// ended (nil on Complete).
type Session struct {
	cfg  Config
	pool *p2p.Pool
	lg   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out     chan *ValidatedSegment
	results chan *batchResult
	sem     *semaphore.Weighted
	done    chan struct{}
	onDone  func()

	state    atomic.Uint32
	inflight atomic.Int32

	startBlock uint64
	highest    uint64
	current    atomic.Uint64
	pulledHdrs atomic.Uint64
	pulledBods atomic.Uint64

	statusMu gosync.Mutex
	pending  int
	window   Window
	err      error
}

// batch is one window-sized slice of the requested range. The reassembly
// loop owns it; a fetch task only reads it while the batch is in flight.
type batch struct {
	index    int
	from, to uint64
	retries  int
	excluded map[string]struct{} // peers already tried for this batch
}

func (b *batch) count() int { return int(b.to-b.from) + 1 }

// batchResult is the single message a fetch task posts back to the
// reassembly loop.
type batchResult struct {
	batch      *batch
	headers    []*types.Header
	bodies     []*types.Body
	headerPeer string
	bodyPeer   string
	err        error
}

// Segments returns the ordered stream of validated segments. The channel
// closes when the session completes, fails, or is cancelled.
func (s *Session) Segments() <-chan *ValidatedSegment { return s.out }

// Cancel aborts the session. In-flight requests are abandoned, no partial
// batch is emitted, and segments already emitted remain valid.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until the session has fully stopped and returns Err.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns the terminal session error: nil after Complete, ErrCancelled
// after Cancel, or a *RangeError naming the failing range.
func (s *Session) Err() error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.err
}

// Status reports the batch window the session is working.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return Status{
		Pending:  s.pending,
		InFlight: int(s.inflight.Load()),
		Window:   s.window,
	}
}

// Progress reports how far the session has advanced through its range.
func (s *Session) Progress() Progress {
	return Progress{
		StartingBlock: s.startBlock,
		CurrentBlock:  s.current.Load(),
		HighestBlock:  s.highest,
		PulledHeaders: s.pulledHdrs.Load(),
		PulledBodies:  s.pulledBods.Load(),
		Stage:         StageName(s.state.Load()),
	}
}

// run executes the session and tears it down. The terminal error is
// recorded before the output channel closes.
func (s *Session) run(from, to uint64, localHead *types.Header) {
	err := s.loop(from, to, localHead)
	switch {
	case err == nil:
		s.state.Store(StateComplete)
	case errors.Is(err, ErrCancelled):
		s.state.Store(StateIdle)
	default:
		s.state.Store(StateError)
	}

	s.statusMu.Lock()
	s.err = err
	s.statusMu.Unlock()

	s.cancel()
	close(s.out)
	// Release the downloader slot before done is observable so a caller
	// returning from Wait can start the next session immediately.
	if s.onDone != nil {
		s.onDone()
	}
	close(s.done)
}

// loop is the reassembly point: the only goroutine allowed to mutate
// window state. Fetch tasks report through s.results; the loop validates,
// parks out-of-order completions, emits in-order segments, and re-issues
// failed batches.
func (s *Session) loop(from, to uint64, localHead *types.Header) error {
	batches := partition(from, to, s.cfg.BatchSize)
	ready := make([]*batch, len(batches))
	copy(ready, batches)
	parked := make(map[int]*batchResult, s.cfg.MaxInFlight)

	nextEmit := 0
	lastHeader := localHead
	issuedTo := from

	s.statusMu.Lock()
	s.pending = len(batches)
	s.window = Window{From: from, To: from}
	s.statusMu.Unlock()

	// issue starts fetch tasks for ready batches within the in-flight
	// budget.
	issue := func() {
		for len(ready) > 0 && s.sem.TryAcquire(1) {
			b := ready[0]
			ready = ready[1:]
			s.inflight.Add(1)
			if b.to > issuedTo {
				issuedTo = b.to
			}
			s.statusMu.Lock()
			s.window = Window{From: batches[nextEmit].from, To: issuedTo}
			s.statusMu.Unlock()
			go s.fetch(b)
		}
	}

	// requeue schedules a failed batch for another attempt, or returns
	// the terminal error once the retry budget is spent.
	requeue := func(b *batch, cause error) error {
		if b.retries >= s.cfg.MaxRetries {
			return &RangeError{From: b.from, To: b.to,
				Err: fmt.Errorf("%w: last error: %w", ErrMaxRetries, cause)}
		}
		b.retries++
		s.lg.Warn("retrying batch", "from", b.from, "to", b.to,
			"attempt", b.retries, "err", cause)
		ready = append(ready, b)
		return nil
	}

	issue()
	for nextEmit < len(batches) {
		// Emit every parked batch that is next in line.
		for {
			res, ok := parked[nextEmit]
			if !ok {
				break
			}
			delete(parked, nextEmit)

			// Cross-batch boundary: the batch's first header must
			// extend the last emitted one.
			if lastHeader != nil {
				if err := consensus.ValidateHeader(res.headers[0], lastHeader); err != nil {
					if nextEmit == 0 {
						return &RangeError{From: res.batch.from, To: res.batch.to,
							Err: fmt.Errorf("%w: %w", ErrStaleBoundary, err)}
					}
					s.punish(res.headerPeer, p2p.FaultBadHeader, res.batch)
					if ferr := requeue(res.batch, err); ferr != nil {
						return ferr
					}
					break
				}
			}

			s.state.Store(StateEmitting)
			seg := &ValidatedSegment{Headers: res.headers, Bodies: res.bodies}
			select {
			case s.out <- seg:
			case <-s.ctx.Done():
				return ErrCancelled
			}
			lastHeader = types.CopyHeader(res.headers[len(res.headers)-1])
			s.current.Store(seg.Last())
			s.pulledHdrs.Add(uint64(seg.Len()))
			s.pulledBods.Add(uint64(seg.Len()))
			nextEmit++
			s.pool.Tick()

			s.statusMu.Lock()
			s.pending = len(batches) - nextEmit
			if nextEmit < len(batches) {
				s.window = Window{From: batches[nextEmit].from, To: issuedTo}
			} else {
				s.window = Window{}
			}
			s.statusMu.Unlock()
			s.lg.Debug("segment emitted", "from", seg.First(), "to", seg.Last())
		}
		if nextEmit >= len(batches) {
			break
		}
		issue()

		select {
		case <-s.ctx.Done():
			return ErrCancelled
		case res := <-s.results:
			b := res.batch
			if res.err != nil {
				if errors.Is(res.err, p2p.ErrNoPeers) || errors.Is(res.err, p2p.ErrNoEligible) {
					return &RangeError{From: b.from, To: b.to,
						Err: fmt.Errorf("%w: %w", ErrNoPeers, res.err)}
				}
				if errors.Is(res.err, ErrCancelled) || errors.Is(res.err, context.Canceled) {
					return ErrCancelled
				}
				if isConsensusErr(res.err) {
					// Bad header chain from this peer.
					s.punish(res.headerPeer, p2p.FaultBadHeader, b)
				} else {
					// Transport or protocol failure: the client already
					// penalized the peer, just avoid it for this batch.
					if res.headerPeer != "" {
						b.excluded[res.headerPeer] = struct{}{}
					}
					if res.bodyPeer != "" {
						b.excluded[res.bodyPeer] = struct{}{}
					}
				}
				if ferr := requeue(b, res.err); ferr != nil {
					return ferr
				}
				break
			}

			// Both halves of the batch are here: check every pair's
			// commitments before parking. A single failure discards
			// the whole batch.
			s.state.Store(StateValidating)
			if err := verifyBodies(res); err != nil {
				s.punish(res.bodyPeer, p2p.FaultBadBody, b)
				if ferr := requeue(b, err); ferr != nil {
					return ferr
				}
				break
			}
			parked[b.index] = res
		}
	}
	return nil
}

// punish applies a consensus-grade penalty: score delta, cooldown
// exclusion for the configured number of batches, and a per-batch
// exclusion so the retry lands on a different peer.
func (s *Session) punish(peerID string, fault p2p.Fault, b *batch) {
	if peerID == "" {
		return
	}
	s.pool.Penalize(peerID, fault)
	s.pool.Exclude(peerID, s.cfg.BadPeerCooldown)
	b.excluded[peerID] = struct{}{}
	s.lg.Warn("peer penalized", "peer", peerID, "fault", fault.String(),
		"from", b.from, "to", b.to)
}

// fetch downloads one batch end to end and posts a single result message.
func (s *Session) fetch(b *batch) {
	defer s.inflight.Add(-1)
	defer s.sem.Release(1)

	res := s.fetchBatch(b)
	select {
	case s.results <- res:
	case <-s.ctx.Done():
	}
}

// fetchBatch selects peers and performs the header and body requests for
// one batch, including the single automatic timeout retry against an
// alternate peer.
func (s *Session) fetchBatch(b *batch) *batchResult {
	res := &batchResult{batch: b}

	hp, err := s.selectPeer(p2p.CapHeaders, b.excluded, "")
	if err != nil {
		res.err = err
		return res
	}
	s.state.Store(StateRequestingHeaders)

	headers, hid, err := s.requestHeaders(hp, b)
	res.headerPeer = hid
	if err != nil {
		res.err = err
		return res
	}

	// The batch must be complete and anchored at the requested number.
	if len(headers) != b.count() || headers[0].NumberU64() != b.from {
		s.pool.Penalize(hid, p2p.FaultInvalidResponse)
		res.err = fmt.Errorf("%w: got %d headers at %d, want %d at %d",
			p2p.ErrInvalidResponse, len(headers), headers[0].NumberU64(), b.count(), b.from)
		return res
	}
	// Chained-hash validation within the batch; the cross-batch boundary
	// is checked by the reassembly loop at emission time.
	if idx, err := consensus.ValidateHeaderChain(headers, nil); err != nil {
		res.err = fmt.Errorf("header %d of batch [%d,%d]: %w", idx, b.from, b.to, err)
		return res
	}
	res.headers = headers

	hashes := make([]types.Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash()
	}
	bp, err := s.selectPeer(p2p.CapBodies, b.excluded, "")
	if err != nil {
		res.err = err
		return res
	}
	s.state.Store(StateRequestingBodies)

	bodies, bid, err := s.requestBodies(bp, hashes, b)
	res.bodyPeer = bid
	if err != nil {
		res.err = err
		return res
	}
	res.bodies = bodies
	return res
}

// requestHeaders performs one header request with a per-request deadline.
// A timeout triggers exactly one automatic retry against an alternate peer
// before the failure counts toward the batch retry budget.
func (s *Session) requestHeaders(p *p2p.Peer, b *batch) ([]*types.Header, string, error) {
	req := p2p.HeaderRequest{Origin: b.from, Amount: b.count()}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	headers, err := p.RequestHeaders(ctx, req)
	cancel()
	if err == nil || !errors.Is(err, p2p.ErrTimeout) {
		return headers, p.ID(), err
	}

	alt, aerr := s.selectPeer(p2p.CapHeaders, b.excluded, p.ID())
	if aerr != nil {
		return nil, p.ID(), err
	}
	s.lg.Debug("header request timed out, retrying", "peer", p.ID(), "alt", alt.ID(),
		"from", b.from, "to", b.to)
	ctx, cancel = context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	headers, err = alt.RequestHeaders(ctx, req)
	cancel()
	return headers, alt.ID(), err
}

// requestBodies mirrors requestHeaders for the body half of a batch.
func (s *Session) requestBodies(p *p2p.Peer, hashes []types.Hash, b *batch) ([]*types.Body, string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	bodies, err := p.RequestBodies(ctx, hashes)
	cancel()
	if err == nil || !errors.Is(err, p2p.ErrTimeout) {
		return bodies, p.ID(), err
	}

	alt, aerr := s.selectPeer(p2p.CapBodies, b.excluded, p.ID())
	if aerr != nil {
		return nil, p.ID(), err
	}
	s.lg.Debug("body request timed out, retrying", "peer", p.ID(), "alt", alt.ID(),
		"from", b.from, "to", b.to)
	ctx, cancel = context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	bodies, err = alt.RequestBodies(ctx, hashes)
	cancel()
	return bodies, alt.ID(), err
}

// selectPeer picks an eligible peer, preferring one outside the batch's
// exclusion set but falling back to any eligible peer when the batch has
// burned through all alternatives. Cooldown and ban exclusions are never
// bypassed.
func (s *Session) selectPeer(need p2p.Cap, excluded map[string]struct{}, also string) (*p2p.Peer, error) {
	exclude := excluded
	if also != "" {
		exclude = make(map[string]struct{}, len(excluded)+1)
		for id := range excluded {
			exclude[id] = struct{}{}
		}
		exclude[also] = struct{}{}
	}
	p, err := s.pool.Select(need, exclude)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, p2p.ErrNoEligible) && len(exclude) > 0 {
		return s.pool.Select(need, nil)
	}
	return nil, err
}

// verifyBodies checks each pair's commitment roots so a failure is
// attributable to a specific (header, body) pair.
func verifyBodies(res *batchResult) error {
	for i := range res.headers {
		if err := consensus.ValidateBody(res.headers[i], res.bodies[i]); err != nil {
			return err
		}
	}
	return nil
}

// isConsensusErr reports whether err is one of the consensus validation
// kinds.
func isConsensusErr(err error) bool {
	return errors.Is(err, consensus.ErrInvalidParent) ||
		errors.Is(err, consensus.ErrInvalidTimestamp) ||
		errors.Is(err, consensus.ErrInvalidDifficulty) ||
		errors.Is(err, consensus.ErrBodyCommitmentMismatch)
}

// partition slices the inclusive range [from, to] into consecutive batches
// of at most size blocks. In-flight batch ranges never overlap.
func partition(from, to uint64, size int) []*batch {
	var batches []*batch
	step := uint64(size)
	for start := from; start <= to; {
		end := start + step - 1
		if end > to || end < start {
			end = to
		}
		batches = append(batches, &batch{
			index:    len(batches),
			from:     start,
			to:       end,
			excluded: make(map[string]struct{}),
		})
		if end == to {
			break
		}
		start = end + 1
	}
	return batches
}
