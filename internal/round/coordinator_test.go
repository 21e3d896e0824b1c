package round

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/xenohash/internal/difficulty"
	"github.com/bardlex/xenohash/internal/digest"
	"github.com/bardlex/xenohash/internal/energy"
	xerrors "github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
)

// fakeLedger keeps the first block per round and credits each round once,
// like the postgres ledger.
type fakeLedger struct {
	mu        sync.Mutex
	blocks    []*Block
	credits   map[string]decimal.Decimal
	credited  map[int64]bool
	appendErr error
	creditErr error
	last      *LastRound
	loadErr   error

	// failAfterCommit makes the next append store its row and still fail
	failAfterCommit bool

	// hold blocks appends until it is closed
	hold chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{credits: map[string]decimal.Decimal{}, credited: map[int64]bool{}}
}

func (l *fakeLedger) AppendBlock(ctx context.Context, b *Block) error {
	if l.hold != nil {
		select {
		case <-l.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	if l.stored(b.RoundNumber) == nil {
		l.blocks = append(l.blocks, b)
	}
	if l.failAfterCommit {
		l.failAfterCommit = false
		return errors.New("connection reset after commit")
	}
	return nil
}

func (l *fakeLedger) stored(roundNumber int64) *Block {
	for _, b := range l.blocks {
		if b.RoundNumber == roundNumber {
			return b
		}
	}
	return nil
}

func (l *fakeLedger) CreditBalance(_ context.Context, roundNumber int64, id string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.creditErr != nil {
		return l.creditErr
	}
	if !l.credited[roundNumber] {
		l.credited[roundNumber] = true
		l.credits[id] = l.credits[id].Add(amount)
	}
	return nil
}

func (l *fakeLedger) LoadLastRound(context.Context) (*LastRound, error) {
	return l.last, l.loadErr
}

func (l *fakeLedger) setErrs(appendErr, creditErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr, l.creditErr = appendErr, creditErr
}

type fakeGate struct {
	mu       sync.Mutex
	depleted map[string]bool
	err      error
}

func (g *fakeGate) Debit(_ context.Context, id, mode string) (energy.Debit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return energy.Debit{}, g.err
	}
	if g.depleted[id] {
		return energy.Debit{OK: false, Cost: 1}, nil
	}
	return energy.Debit{OK: true, Cost: 1, Account: energy.Account{Current: 100, Max: 100}}, nil
}

type fakeDirectory struct{}

func (fakeDirectory) Count() int { return 3 }
func (fakeDirectory) DisplayName(id string) string { return "name-" + id }

type fakePublisher struct {
	mu     sync.Mutex
	blocks []*Block
}

func (p *fakePublisher) RoundFinalized(_ context.Context, b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = append(p.blocks, b)
}

// testConfig uses a low difficulty so roughly one digest in six qualifies.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Controller = difficulty.Controller{Target: 7500 * time.Millisecond, Factor: 0.1, Min: 0.001, Max: 100}
	cfg.InitialDifficulty = 0.01
	cfg.LedgerTimeout = time.Second
	return cfg
}

type harness struct {
	c      *Coordinator
	ledger *fakeLedger
	gate   *fakeGate
	pub    *fakePublisher
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger: newFakeLedger(),
		gate:   &fakeGate{depleted: map[string]bool{}},
		pub:    &fakePublisher{},
		now:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	h.c = NewCoordinator(testConfig(), h.ledger, h.gate, fakeDirectory{}, h.pub, log.Nop())
	h.c.Now = func() time.Time { return h.now }
	h.c.startedAt = h.now
	return h
}

type share struct {
	nonce string
	d     digest.Digest
}

// qualifying returns n qualifying shares for the open round sorted by value.
func (h *harness) qualifying(t *testing.T, n int) []share {
	t.Helper()
	st := h.c.Status()
	var out []share
	for i := 0; len(out) < n; i++ {
		require.Less(t, i, 100000, "could not find enough qualifying nonces")
		nonce := strconv.Itoa(i)
		d := digest.Compute(st.RoundNumber, nonce)
		if digest.Qualifies(d.Value, st.Target) {
			out = append(out, share{nonce: nonce, d: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].d.Value.Cmp(out[j].d.Value) < 0 })
	return out
}

func (h *harness) failing(t *testing.T) string {
	t.Helper()
	st := h.c.Status()
	for i := 0; ; i++ {
		nonce := fmt.Sprintf("x%d", i)
		if !digest.Qualifies(digest.Compute(st.RoundNumber, nonce).Value, st.Target) {
			return nonce
		}
	}
}

func TestSubmitShare_Outcomes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	good := h.qualifying(t, 1)[0]

	res, err := h.c.SubmitShare(ctx, "a", "Basic", 1, good.nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.True(t, res.IsLeader)
	assert.Equal(t, good.d.Hex, res.Digest)

	res, err = h.c.SubmitShare(ctx, "a", "Basic", 1, h.failing(t))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)

	res, err = h.c.SubmitShare(ctx, "a", "Basic", 2, good.nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status)

	res, err = h.c.SubmitShare(ctx, "a", "Basic", 1, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, "nonce is required", res.Reason)

	h.gate.depleted["b"] = true
	res, err = h.c.SubmitShare(ctx, "b", "Basic", 1, good.nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusDepleted, res.Status)
	assert.Equal(t, "a", h.c.best.clientID, "depleted shares never reach the best share")
}

func TestSubmitShare_GateError(t *testing.T) {
	h := newHarness(t)
	h.gate.err = xerrors.New(xerrors.ErrorTypeCollaborator, "load_energy", "store down")

	_, err := h.c.SubmitShare(context.Background(), "a", "Basic", 1, "1")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeServerError, xerrors.CodeOf(err))
}

// Shares worth 50, 30 and 30: the second takes the lead, the tie keeps it.
func TestSubmitShare_StrictTieBreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shares := h.qualifying(t, 2)
	low, high := shares[0], shares[1]

	res, err := h.c.SubmitShare(ctx, "a", "Basic", 1, high.nonce)
	require.NoError(t, err)
	assert.True(t, res.IsLeader)

	res, err = h.c.SubmitShare(ctx, "b", "Basic", 1, low.nonce)
	require.NoError(t, err)
	assert.True(t, res.IsLeader)

	res, err = h.c.SubmitShare(ctx, "c", "Basic", 1, low.nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.False(t, res.IsLeader, "equal digest must not displace the first")

	assert.Equal(t, "b", h.c.best.clientID)
	assert.Equal(t, low.d.Hex, h.c.best.hex)
}

func TestSubmitShare_ConcurrentKeepsMinimum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shares := h.qualifying(t, 40)

	var wg sync.WaitGroup
	for i, s := range shares {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.SubmitShare(ctx, fmt.Sprintf("c%d", i), "Basic", 1, s.nonce)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NotNil(t, h.c.best)
	assert.Equal(t, shares[0].d.Hex, h.c.best.hex)
	assert.Equal(t, "c0", h.c.best.clientID)
}

func TestTryFinalize_NoShare(t *testing.T) {
	h := newHarness(t)

	b, err := h.c.TryFinalize(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Empty(t, h.ledger.blocks)
	assert.Equal(t, int64(1), h.c.Status().RoundNumber)
}

func TestTryFinalize_CommitsRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.qualifying(t, 1)[0]

	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, s.nonce)
	require.NoError(t, err)

	h.now = h.now.Add(3750 * time.Millisecond)
	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, int64(1), b.RoundNumber)
	assert.Equal(t, "a", b.WinnerID)
	assert.Equal(t, "name-a", b.WinnerName)
	assert.Equal(t, s.d.Hex, b.Digest)
	assert.Equal(t, s.nonce, b.Nonce)
	assert.True(t, decimal.NewFromInt(1500).Equal(b.Reward))
	assert.Equal(t, 3750*time.Millisecond, b.Duration)
	assert.InDelta(t, 0.011, b.NextDifficulty, 1e-12)
	assert.Equal(t, 3, b.MinersOnline)
	assert.Equal(t, chainhash.Hash{}.String(), b.PreviousHash)
	assert.NotEqual(t, b.PreviousHash, b.Hash)
	assert.Equal(t, b.Hash, b.hash.String())

	st := h.c.Status()
	assert.Equal(t, int64(2), st.RoundNumber)
	assert.InDelta(t, 0.011, st.Difficulty, 1e-12)
	assert.False(t, st.HasLeader)
	assert.Equal(t, h.now, st.StartedAt)
	assert.Equal(t, b.Hash, st.PreviousHash)
	assert.True(t, decimal.RequireFromString("1499.999").Equal(st.NextReward))

	assert.Len(t, h.ledger.blocks, 1)
	assert.True(t, decimal.NewFromInt(1500).Equal(h.ledger.credits["a"]))
	assert.Len(t, h.pub.blocks, 1)

	// a second call does nothing
	b, err = h.c.TryFinalize(ctx)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Len(t, h.ledger.blocks, 1)
}

func TestTryFinalize_ConcurrentCallsTransitionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, h.qualifying(t, 1)[0].nonce)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		finalized int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := h.c.TryFinalize(ctx)
			assert.NoError(t, err)
			if b != nil {
				mu.Lock()
				finalized++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, finalized)
	assert.Len(t, h.ledger.blocks, 1)
	assert.Equal(t, int64(2), h.c.Status().RoundNumber)
}

func TestTryFinalize_AppendFailureKeepsRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.qualifying(t, 1)[0]
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, s.nonce)
	require.NoError(t, err)

	before := h.c.Status()
	h.ledger.setErrs(errors.New("connection refused"), nil)

	b, err := h.c.TryFinalize(ctx)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, xerrors.IsType(err, xerrors.ErrorTypeCollaborator))

	after := h.c.Status()
	assert.Equal(t, before.RoundNumber, after.RoundNumber)
	assert.Equal(t, before.Difficulty, after.Difficulty)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.True(t, after.HasLeader)
	require.NotNil(t, h.c.pending)
	assert.Equal(t, "a", h.c.pending.WinnerID)
	assert.Empty(t, h.pub.blocks)

	res, err := h.c.SubmitShare(ctx, "b", "Basic", 1, h.qualifying(t, 2)[1].nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status, "a closing round takes no more shares")

	h.ledger.setErrs(nil, nil)
	b, err = h.c.TryFinalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, s.d.Hex, b.Digest)
	assert.Len(t, h.ledger.blocks, 1)
}

func TestTryFinalize_CreditFailureRetriesOnlyCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, h.qualifying(t, 1)[0].nonce)
	require.NoError(t, err)

	h.ledger.setErrs(nil, errors.New("i/o timeout"))
	_, err = h.c.TryFinalize(ctx)
	require.Error(t, err)
	require.NotNil(t, h.c.pending)
	assert.Len(t, h.ledger.blocks, 1)
	assert.Equal(t, int64(1), h.c.Status().RoundNumber)

	h.ledger.setErrs(nil, nil)
	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Len(t, h.ledger.blocks, 1, "block must not be appended twice")
	assert.True(t, decimal.NewFromInt(1500).Equal(h.ledger.credits["a"]), "winner credited exactly once")
	assert.Equal(t, int64(2), h.c.Status().RoundNumber)
}

// A share for round 1 arriving after round 1 closed is stale.
func TestSubmitShare_StaleAfterAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shares := h.qualifying(t, 2)

	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, shares[0].nonce)
	require.NoError(t, err)
	_, err = h.c.TryFinalize(ctx)
	require.NoError(t, err)

	res, err := h.c.SubmitShare(ctx, "b", "Basic", 1, shares[1].nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status)
	assert.Nil(t, h.c.best)
}

func TestReward(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		round int64
		want  string
	}{
		{1, "1500"},
		{2, "1499.999"},
		{1000, "1499.001"},
		{1500001, "0"},
		{3000000, "0"},
	}
	for _, tt := range tests {
		assert.True(t, decimal.RequireFromString(tt.want).Equal(cfg.Reward(tt.round)),
			"Reward(%d) = %s, want %s", tt.round, cfg.Reward(tt.round), tt.want)
	}
}

func TestTryFinalize_ZeroRewardSkipsCredit(t *testing.T) {
	h := newHarness(t)
	h.c.roundNumber = 2000000
	ctx := context.Background()
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 2000000, h.qualifying(t, 1)[0].nonce)
	require.NoError(t, err)

	h.ledger.setErrs(nil, errors.New("must not be called"))
	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	assert.True(t, b.Reward.IsZero())
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	prev := chainhash.DoubleHashH([]byte("round 41"))
	h.ledger.last = &LastRound{RoundNumber: 41, NextDifficulty: 0.5, Hash: prev.String()}

	require.NoError(t, h.c.Restore(context.Background()))

	st := h.c.Status()
	assert.Equal(t, int64(42), st.RoundNumber)
	assert.Equal(t, 0.5, st.Difficulty)
	assert.Equal(t, prev.String(), st.PreviousHash)
}

func TestRestore_ClampsStoredDifficulty(t *testing.T) {
	h := newHarness(t)
	h.ledger.last = &LastRound{RoundNumber: 1, NextDifficulty: 1e9, Hash: chainhash.Hash{}.String()}

	require.NoError(t, h.c.Restore(context.Background()))
	assert.Equal(t, 100.0, h.c.Status().Difficulty)
}

func TestRestore_Empty(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.Restore(context.Background()))
	assert.Equal(t, int64(1), h.c.Status().RoundNumber)
	assert.Equal(t, 0.01, h.c.Status().Difficulty)
}

func TestRestore_LedgerError(t *testing.T) {
	h := newHarness(t)
	h.ledger.loadErr = errors.New("connection refused")

	err := h.c.Restore(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.IsType(err, xerrors.ErrorTypeCollaborator))
}

func TestBlockHash_ChainsRounds(t *testing.T) {
	sum := digest.Compute(1, "n").Sum
	a := blockHash(chainhash.Hash{}, 1, sum)
	b := blockHash(a, 2, sum)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, blockHash(chainhash.Hash{}, 1, sum))
	assert.NotEqual(t, a, blockHash(chainhash.Hash{}, 2, sum))
}

// The ledger stores the block but the call still fails. The retry must
// resend the same block so the stored row, the credit and the hash chain
// all name the same winner.
func TestTryFinalize_CommitThenErrorKeepsWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shares := h.qualifying(t, 2)
	best, worse := shares[0], shares[1]

	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, worse.nonce)
	require.NoError(t, err)

	h.ledger.failAfterCommit = true
	_, err = h.c.TryFinalize(ctx)
	require.Error(t, err)
	require.Len(t, h.ledger.blocks, 1)
	stored := h.ledger.blocks[0]
	assert.Equal(t, "a", stored.WinnerID)

	res, err := h.c.SubmitShare(ctx, "b", "Basic", 1, best.nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status)

	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, "a", b.WinnerID)
	assert.Equal(t, stored.Hash, b.Hash)
	assert.Len(t, h.ledger.blocks, 1)
	assert.True(t, decimal.NewFromInt(1500).Equal(h.ledger.credits["a"]))
	assert.NotContains(t, h.ledger.credits, "b")
	assert.Equal(t, stored.Hash, h.c.Status().PreviousHash)
}

func TestTryFinalize_RetriedCreditIsCountedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, h.qualifying(t, 1)[0].nonce)
	require.NoError(t, err)

	// credit committed by the ledger, then resent as if the reply was lost
	require.NoError(t, h.ledger.CreditBalance(ctx, 1, "a", decimal.NewFromInt(1500)))
	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, decimal.NewFromInt(1500).Equal(h.ledger.credits["a"]))
}

func TestTryFinalize_LedgerCallsRunOutsideLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	shares := h.qualifying(t, 2)
	_, err := h.c.SubmitShare(ctx, "a", "Basic", 1, shares[0].nonce)
	require.NoError(t, err)

	h.ledger.hold = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.c.TryFinalize(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		return h.c.finalizing
	}, time.Second, time.Millisecond)

	res, err := h.c.SubmitShare(ctx, "b", "Basic", 1, shares[1].nonce)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status)
	assert.Equal(t, int64(1), h.c.Status().RoundNumber)

	b, err := h.c.TryFinalize(ctx)
	require.NoError(t, err)
	assert.Nil(t, b, "a second caller must not start another finalize")

	close(h.ledger.hold)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), h.c.Status().RoundNumber)
}
