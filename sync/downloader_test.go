package sync

import (
	"context"
	"errors"
	"math/big"
	gosync "sync"
	"testing"
	"time"

	"github.com/calder-eth/calder/core/types"
	"github.com/calder-eth/calder/p2p"
)

// testChain is a deterministic fixture chain: headers indexed by block
// number with bodies whose commitment roots match.
type testChain struct {
	headers []*types.Header
	bodies  map[types.Hash]*types.Body
}

// makeTestChain builds blocks 0..n. Every other block carries one
// transaction so body validation exercises non-empty commitments.
func makeTestChain(n uint64) *testChain {
	c := &testChain{bodies: make(map[types.Hash]*types.Body)}
	base := uint64(time.Now().Add(-48 * time.Hour).Unix())

	var parent *types.Header
	for i := uint64(0); i <= n; i++ {
		body := &types.Body{}
		if i%2 == 1 {
			body.Transactions = []*types.Transaction{{
				Nonce:    i,
				GasPrice: big.NewInt(1),
				Gas:      21000,
				Value:    big.NewInt(0),
			}}
		}
		h := &types.Header{
			Number:     new(big.Int).SetUint64(i),
			Difficulty: big.NewInt(1000000),
			Time:       base + i,
			TxHash:     types.CalcTxRoot(body.Transactions),
			UncleHash:  types.EmptyRootHash,
		}
		if parent != nil {
			h.ParentHash = parent.Hash()
		}
		c.headers = append(c.headers, h)
		c.bodies[h.Hash()] = body
		parent = h
	}
	return c
}

func (c *testChain) head(n uint64) *types.Header { return c.headers[n] }

// chainBackend serves a testChain honestly and counts requests.
type chainBackend struct {
	chain *testChain

	mu          gosync.Mutex
	headerCalls int
	bodyCalls   int
}

func (b *chainBackend) RequestHeaders(_ context.Context, req p2p.HeaderRequest) ([]*types.Header, error) {
	b.mu.Lock()
	b.headerCalls++
	b.mu.Unlock()

	headers := make([]*types.Header, 0, req.Amount)
	for i := 0; i < req.Amount; i++ {
		n := req.Origin + uint64(i)
		if n >= uint64(len(b.chain.headers)) {
			break
		}
		headers = append(headers, b.chain.headers[n])
	}
	return headers, nil
}

func (b *chainBackend) RequestBodies(_ context.Context, hashes []types.Hash) ([]*types.Body, error) {
	b.mu.Lock()
	b.bodyCalls++
	b.mu.Unlock()

	bodies := make([]*types.Body, len(hashes))
	for i, h := range hashes {
		if body, ok := b.chain.bodies[h]; ok {
			bodies[i] = body
		} else {
			bodies[i] = &types.Body{}
		}
	}
	return bodies, nil
}

// nopBackend satisfies p2p.Backend for tests that never issue requests.
type nopBackend struct{}

func (nopBackend) RequestHeaders(context.Context, p2p.HeaderRequest) ([]*types.Header, error) {
	return nil, errors.New("nop backend")
}

func (nopBackend) RequestBodies(context.Context, []types.Hash) ([]*types.Body, error) {
	return nil, errors.New("nop backend")
}

// preferPolicy deterministically picks a named peer whenever eligible,
// falling back to score order.
type preferPolicy struct{ id string }

func (p preferPolicy) Pick(candidates []*p2p.Peer) *p2p.Peer {
	for _, c := range candidates {
		if c.ID() == p.id {
			return c
		}
	}
	return p2p.BestScorePolicy{}.Pick(candidates)
}

func newTestPool(t *testing.T, policy p2p.SelectionPolicy, peers ...*p2p.Peer) *p2p.Pool {
	t.Helper()
	pool := p2p.NewPool(policy, nil, nil)
	for _, p := range peers {
		if err := pool.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ID(), err)
		}
	}
	return pool
}

// collect drains the session's segment stream.
func collect(s *Session) []*ValidatedSegment {
	var segs []*ValidatedSegment
	for seg := range s.Segments() {
		segs = append(segs, seg)
	}
	return segs
}

func checkOrdered(t *testing.T, segs []*ValidatedSegment, from, to uint64) {
	t.Helper()
	next := from
	for _, seg := range segs {
		if seg.First() != next {
			t.Fatalf("segment starts at %d, want %d", seg.First(), next)
		}
		if seg.Len() != len(seg.Bodies) {
			t.Fatalf("segment %s: %d headers but %d bodies", seg, seg.Len(), len(seg.Bodies))
		}
		for i := 1; i < seg.Len(); i++ {
			if seg.Headers[i].ParentHash != seg.Headers[i-1].Hash() {
				t.Fatalf("segment %s: broken link at offset %d", seg, i)
			}
		}
		next = seg.Last() + 1
	}
	if next != to+1 {
		t.Fatalf("segments end at %d, want %d", next-1, to)
	}
}

func TestDownloaderStartValidation(t *testing.T) {
	chain := makeTestChain(10)
	backend := &chainBackend{chain: chain}
	pool := newTestPool(t, nil, p2p.NewPeer("a", p2p.CapHeaders|p2p.CapBodies, backend))

	// One block per batch so the first session cannot finish before its
	// segments are consumed.
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	dl := NewDownloader(cfg, pool, nil)

	if _, err := dl.Start(context.Background(), 10, 5, nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("inverted range: want ErrInvalidRange, got %v", err)
	}

	empty := NewDownloader(nil, p2p.NewPool(nil, nil, nil), nil)
	if _, err := empty.Start(context.Background(), 1, 5, nil); !errors.Is(err, ErrNoPeers) {
		t.Errorf("empty pool: want ErrNoPeers, got %v", err)
	}

	s, err := dl.Start(context.Background(), 1, 5, chain.head(0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := dl.Start(context.Background(), 6, 10, nil); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second start: want ErrAlreadyActive, got %v", err)
	}

	collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// The slot frees up once the session ends.
	s2, err := dl.Start(context.Background(), 6, 10, chain.head(5))
	if err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
	collect(s2)
	if err := s2.Wait(); err != nil {
		t.Fatalf("second session: %v", err)
	}
}

func TestSessionHappyPath(t *testing.T) {
	chain := makeTestChain(105)
	backend := &chainBackend{chain: chain}
	pool := newTestPool(t, nil, p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, backend))

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	dl := NewDownloader(cfg, pool, nil)

	s, err := dl.Start(context.Background(), 100, 105, chain.head(99))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	segs := collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("segments: want 3, got %d", len(segs))
	}
	checkOrdered(t, segs, 100, 105)

	if got := s.Progress(); got.CurrentBlock != 105 || got.Stage != "complete" {
		t.Errorf("progress: want block 105 stage complete, got block %d stage %q",
			got.CurrentBlock, got.Stage)
	}
	if got := s.Progress().PulledHeaders; got != 6 {
		t.Errorf("pulled headers: want 6, got %d", got)
	}
}

func TestSessionSingleBatchRange(t *testing.T) {
	chain := makeTestChain(10)
	backend := &chainBackend{chain: chain}
	pool := newTestPool(t, nil, p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, backend))
	dl := NewDownloader(nil, pool, nil)

	s, err := dl.Start(context.Background(), 5, 5, chain.head(4))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	segs := collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(segs) != 1 || segs[0].Len() != 1 || segs[0].First() != 5 {
		t.Fatalf("want one single-block segment at 5, got %v", segs)
	}
}

// badBodyBackend serves correct headers but strips transactions from
// every body, breaking the commitment.
type badBodyBackend struct {
	chainBackend
}

func (b *badBodyBackend) RequestBodies(_ context.Context, hashes []types.Hash) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(hashes))
	for i := range bodies {
		bodies[i] = &types.Body{}
	}
	return bodies, nil
}

func TestSessionBadBodyPeerPenalized(t *testing.T) {
	chain := makeTestChain(105)
	honest := p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, &chainBackend{chain: chain})
	evil := p2p.NewPeer("evil", p2p.CapBodies, &badBodyBackend{chainBackend{chain: chain}})

	pool := newTestPool(t, preferPolicy{id: "evil"}, honest, evil)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	dl := NewDownloader(cfg, pool, nil)

	s, err := dl.Start(context.Background(), 100, 103, chain.head(99))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	segs := collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("bad body peer should not surface an error: %v", err)
	}
	checkOrdered(t, segs, 100, 103)

	if evil.Score() >= 100 {
		t.Errorf("bad body peer should be penalized, score still %d", evil.Score())
	}
	if honest.Score() != 100 {
		t.Errorf("honest peer score changed: %d", honest.Score())
	}
}

// malformedBackend answers every header request with headers from the
// wrong origin.
type malformedBackend struct {
	chain *testChain

	mu    gosync.Mutex
	calls int
}

func (b *malformedBackend) RequestHeaders(_ context.Context, req p2p.HeaderRequest) ([]*types.Header, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	headers := make([]*types.Header, req.Amount)
	for i := range headers {
		headers[i] = b.chain.headers[req.Origin+uint64(i)+1]
	}
	return headers, nil
}

func (b *malformedBackend) RequestBodies(context.Context, []types.Hash) ([]*types.Body, error) {
	return nil, errors.New("unreachable")
}

func TestSessionMaxRetries(t *testing.T) {
	chain := makeTestChain(10)
	backend := &malformedBackend{chain: chain}
	pool := newTestPool(t, nil, p2p.NewPeer("liar", p2p.CapHeaders|p2p.CapBodies, backend))

	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	dl := NewDownloader(cfg, pool, nil)

	s, err := dl.Start(context.Background(), 1, 4, chain.head(0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	collect(s)
	err = s.Wait()
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("want ErrMaxRetries, got %v", err)
	}

	var rerr *RangeError
	if !errors.As(err, &rerr) {
		t.Fatalf("terminal error should be a *RangeError, got %T", err)
	}
	if rerr.From != 1 || rerr.To != 4 {
		t.Errorf("failing range: want [1,4], got [%d,%d]", rerr.From, rerr.To)
	}

	// Initial attempt plus exactly one retry.
	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	if calls != 2 {
		t.Errorf("header attempts: want 2, got %d", calls)
	}
}

// timeoutBackend fails every request with a timeout.
type timeoutBackend struct {
	mu    gosync.Mutex
	calls int
}

func (b *timeoutBackend) RequestHeaders(context.Context, p2p.HeaderRequest) ([]*types.Header, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return nil, p2p.ErrTimeout
}

func (b *timeoutBackend) RequestBodies(context.Context, []types.Hash) ([]*types.Body, error) {
	return nil, p2p.ErrTimeout
}

func TestSessionTimeoutRetriesAlternatePeer(t *testing.T) {
	chain := makeTestChain(10)
	slow := p2p.NewPeer("slow", p2p.CapHeaders|p2p.CapBodies, &timeoutBackend{})
	honest := p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, &chainBackend{chain: chain})

	pool := newTestPool(t, preferPolicy{id: "slow"}, slow, honest)
	dl := NewDownloader(nil, pool, nil)

	s, err := dl.Start(context.Background(), 1, 4, chain.head(0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	segs := collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("alternate peer should absorb the timeout: %v", err)
	}
	checkOrdered(t, segs, 1, 4)

	if slow.Score() >= 100 {
		t.Errorf("timed-out peer should be penalized, score still %d", slow.Score())
	}
}

func TestSessionStaleBoundary(t *testing.T) {
	chain := makeTestChain(105)
	backend := &chainBackend{chain: chain}
	pool := newTestPool(t, nil, p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, backend))
	dl := NewDownloader(nil, pool, nil)

	// A local head whose hash nothing on the remote chain extends.
	stale := types.CopyHeader(chain.head(99))
	stale.Extra = []byte("diverged")

	s, err := dl.Start(context.Background(), 100, 105, stale)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	collect(s)
	if err := s.Wait(); !errors.Is(err, ErrStaleBoundary) {
		t.Fatalf("want ErrStaleBoundary, got %v", err)
	}
}

// gatedBackend delays requests at one origin until another origin has
// been served, forcing out-of-order batch completion.
type gatedBackend struct {
	chainBackend
	holdOrigin    uint64
	releaseOrigin uint64
	release       chan struct{}
}

func (b *gatedBackend) RequestHeaders(ctx context.Context, req p2p.HeaderRequest) ([]*types.Header, error) {
	if req.Origin == b.holdOrigin {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	headers, err := b.chainBackend.RequestHeaders(ctx, req)
	if req.Origin == b.releaseOrigin {
		close(b.release)
	}
	return headers, err
}

func TestSessionEmitsInOrderUnderReordering(t *testing.T) {
	chain := makeTestChain(110)
	backend := &gatedBackend{
		chainBackend:  chainBackend{chain: chain},
		holdOrigin:    100,
		releaseOrigin: 104,
		release:       make(chan struct{}),
	}
	pool := newTestPool(t, nil, p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, backend))

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	dl := NewDownloader(cfg, pool, nil)

	s, err := dl.Start(context.Background(), 100, 105, chain.head(99))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	segs := collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	checkOrdered(t, segs, 100, 105)
}

// blockingBackend parks every request until its context is cancelled.
type blockingBackend struct{}

func (blockingBackend) RequestHeaders(ctx context.Context, _ p2p.HeaderRequest) ([]*types.Header, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingBackend) RequestBodies(ctx context.Context, _ []types.Hash) ([]*types.Body, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionCancel(t *testing.T) {
	pool := newTestPool(t, nil, p2p.NewPeer("stuck", p2p.CapHeaders|p2p.CapBodies, blockingBackend{}))
	dl := NewDownloader(nil, pool, nil)

	s, err := dl.Start(context.Background(), 1, 100, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Cancel()

	segs := collect(s)
	if len(segs) != 0 {
		t.Errorf("no segments should be emitted, got %d", len(segs))
	}
	if err := s.Wait(); !errors.Is(err, ErrCancelled) {
		t.Errorf("want ErrCancelled, got %v", err)
	}
}

func TestSessionBadPeerCooldown(t *testing.T) {
	chain := makeTestChain(110)
	honest := p2p.NewPeer("honest", p2p.CapHeaders|p2p.CapBodies, &chainBackend{chain: chain})
	evil := p2p.NewPeer("evil", p2p.CapBodies, &badBodyBackend{chainBackend{chain: chain}})

	pool := newTestPool(t, preferPolicy{id: "evil"}, honest, evil)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BadPeerCooldown = 100 // outlasts the session
	dl := NewDownloader(cfg, pool, nil)

	s, err := dl.Start(context.Background(), 100, 105, chain.head(99))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	collect(s)
	if err := s.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !pool.Excluded("evil") {
		t.Error("faulting peer should still be cooling down after the session")
	}
}

func TestRangeError(t *testing.T) {
	inner := errors.New("boom")
	err := &RangeError{From: 10, To: 20, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("RangeError should unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("RangeError should render a message")
	}
}

func TestConfigSanitize(t *testing.T) {
	cfg := Config{}.sanitize()
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("batch size: want %d, got %d", DefaultBatchSize, cfg.BatchSize)
	}
	if cfg.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("timeout: want %v, got %v", DefaultRequestTimeout, cfg.RequestTimeout)
	}

	cfg = Config{BatchSize: 7, MaxInFlight: 2, MaxRetries: 0, RequestTimeout: time.Second, BadPeerCooldown: 1}.sanitize()
	if cfg.BatchSize != 7 || cfg.MaxInFlight != 2 || cfg.RequestTimeout != time.Second {
		t.Errorf("explicit values should survive sanitize: %+v", cfg)
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		from, to uint64
		size     int
		want     int
	}{
		{100, 105, 2, 3},
		{100, 105, 4, 2},
		{100, 100, 10, 1},
		{0, 9, 3, 4},
	}
	for _, tt := range tests {
		batches := partition(tt.from, tt.to, tt.size)
		if len(batches) != tt.want {
			t.Errorf("partition(%d,%d,%d): want %d batches, got %d",
				tt.from, tt.to, tt.size, tt.want, len(batches))
			continue
		}
		next := tt.from
		for _, b := range batches {
			if b.from != next {
				t.Errorf("batch starts at %d, want %d", b.from, next)
			}
			if b.count() > tt.size {
				t.Errorf("batch [%d,%d] exceeds size %d", b.from, b.to, tt.size)
			}
			next = b.to + 1
		}
		if next != tt.to+1 {
			t.Errorf("batches end at %d, want %d", next-1, tt.to)
		}
	}
}
