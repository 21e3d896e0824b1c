package round

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/difficulty"
	"github.com/bardlex/xenohash/internal/digest"
	"github.com/bardlex/xenohash/internal/metrics"
	"github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
)

// Config configures a Coordinator.
type Config struct {
	Controller        difficulty.Controller
	InitialDifficulty float64
	BaseReward        decimal.Decimal
	DecreaseRate      decimal.Decimal
	LedgerTimeout     time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Controller:        difficulty.DefaultController(),
		InitialDifficulty: 0.1,
		BaseReward:        decimal.NewFromInt(1500),
		DecreaseRate:      decimal.RequireFromString("0.001"),
		LedgerTimeout:     5 * time.Second,
	}
}

// Reward returns max(0, base - rate*(round-1)).
func (c Config) Reward(roundNumber int64) decimal.Decimal {
	r := c.BaseReward.Sub(c.DecreaseRate.Mul(decimal.NewFromInt(roundNumber - 1)))
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Coordinator holds the single open round. All transitions happen under mu;
// digests are computed outside it.
type Coordinator struct {
	cfg       Config
	ledger    Ledger
	gate      EnergyGate
	directory Directory
	publisher Publisher
	logger    *log.Logger

	mu           sync.Mutex
	roundNumber  int64
	difficulty   float64
	target       *big.Int
	startedAt    time.Time
	best         *bestShare
	previousHash chainhash.Hash
	lastBlock    *Block

	// pending is the closing round's block. Once set the round accepts no
	// more shares and every retry re-sends this exact record.
	pending  *Block
	appended bool

	// finalizing is set while ledger calls run outside mu
	finalizing bool

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewCoordinator creates a coordinator at round 1. Call Restore before
// serving clients to resume from the ledger.
func NewCoordinator(cfg Config, ledger Ledger, gate EnergyGate, directory Directory, publisher Publisher, logger *log.Logger) *Coordinator {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = DefaultConfig().LedgerTimeout
	}

	c := &Coordinator{
		cfg:         cfg,
		ledger:      ledger,
		gate:        gate,
		directory:   directory,
		publisher:   publisher,
		logger:      logger.WithComponent("round"),
		roundNumber: 1,
		Now:         time.Now,
	}
	c.setDifficulty(cfg.InitialDifficulty)
	c.startedAt = c.Now()
	return c
}

// Restore resumes from the last finalized round in the ledger. A ledger
// error is returned as is; the caller must not serve with undefined state.
func (c *Coordinator) Restore(ctx context.Context) error {
	last, err := c.ledger.LoadLastRound(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCollaborator, "restore_round", "failed to load last round")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last == nil {
		c.logger.Info("no finalized rounds, starting fresh", "round", c.roundNumber, "difficulty", c.difficulty)
		return nil
	}

	prev, err := chainhash.NewHashFromStr(last.Hash)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "restore_round", "stored block hash is malformed").
			WithContext("round", last.RoundNumber)
	}

	c.roundNumber = last.RoundNumber + 1
	c.setDifficulty(last.NextDifficulty)
	c.previousHash = *prev
	c.startedAt = c.Now()
	c.best = nil
	c.pending = nil
	c.appended = false

	c.logger.WithRound(c.roundNumber, c.difficulty).Info("round state restored", "previous_hash", last.Hash)
	return nil
}

// SubmitShare admits one share from clientID. Rejections are reported in
// the Result; the error is reserved for collaborator failures.
func (c *Coordinator) SubmitShare(ctx context.Context, clientID, mode string, roundNumber int64, nonce string) (Result, error) {
	res, err := c.submit(ctx, clientID, mode, roundNumber, nonce)
	if err == nil {
		metrics.SharesTotal.WithLabelValues(string(res.Status)).Inc()
	}
	return res, err
}

func (c *Coordinator) submit(ctx context.Context, clientID, mode string, roundNumber int64, nonce string) (Result, error) {
	debit, err := c.gate.Debit(ctx, clientID, mode)
	if err != nil {
		return Result{}, err
	}
	res := Result{Energy: debit.Account}
	if !debit.OK {
		res.Status = StatusDepleted
		res.Reason = "out of energy"
		return res, nil
	}

	if err := digest.Validate(roundNumber, nonce); err != nil {
		res.Status = StatusInvalid
		res.Reason = errors.GetMessage(err)
		return res, nil
	}

	c.mu.Lock()
	open, target, closing := c.roundNumber, c.target, c.pending != nil
	c.mu.Unlock()

	if roundNumber != open {
		res.Status = StatusStale
		res.Reason = "round is not open"
		return res, nil
	}
	if closing {
		res.Status = StatusStale
		res.Reason = "round is closing"
		return res, nil
	}

	d := digest.Compute(roundNumber, nonce)
	res.Digest = d.Hex
	if !digest.Qualifies(d.Value, target) {
		res.Status = StatusRejected
		res.Reason = "difficulty not met"
		return res, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// the round may have closed while hashing
	if roundNumber != c.roundNumber || c.pending != nil {
		res.Status = StatusStale
		res.Reason = "round closed"
		return res, nil
	}

	if c.best == nil || d.Value.Cmp(c.best.value) < 0 {
		c.best = &bestShare{
			value:    d.Value,
			sum:      d.Sum,
			hex:      d.Hex,
			nonce:    nonce,
			clientID: clientID,
		}
	}

	res.Status = StatusAccepted
	res.IsLeader = c.best.clientID == clientID
	return res, nil
}

// TryFinalize closes the open round if it has a best share. It returns nil
// without error when there is nothing to finalize or another call is already
// finalizing. The block is fixed before the first ledger call; on any ledger
// failure the round stays closing with the same block and the next call
// retries it. Ledger calls run without holding the round lock.
func (c *Coordinator) TryFinalize(ctx context.Context) (*Block, error) {
	c.mu.Lock()
	if c.finalizing || (c.best == nil && c.pending == nil) {
		c.mu.Unlock()
		return nil, nil
	}
	if c.pending == nil {
		c.pending = c.buildBlockLocked()
		c.appended = false
	}
	block, appended := c.pending, c.appended
	c.finalizing = true
	c.mu.Unlock()

	appended, err := c.persist(ctx, block, appended)

	c.mu.Lock()
	c.finalizing = false
	c.appended = appended
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.commitLocked(block)
	publisher := c.publisher
	c.mu.Unlock()

	metrics.RoundsFinalized.Inc()
	metrics.RoundDuration.Observe(block.Duration.Seconds())
	metrics.RoundNumber.Set(float64(block.RoundNumber + 1))
	metrics.Difficulty.Set(block.NextDifficulty)

	c.logger.LogRoundFinalized(block.RoundNumber, block.WinnerID, block.Digest, block.Reward.String(),
		block.Difficulty, block.NextDifficulty, block.Duration)

	if publisher != nil {
		publisher.RoundFinalized(ctx, block)
	}
	return block, nil
}

// persist writes block and credits its winner. Both ledger calls are
// idempotent per round, so an error after a commit is safe to retry.
func (c *Coordinator) persist(ctx context.Context, block *Block, appended bool) (bool, error) {
	start := time.Now()
	defer func() { metrics.FinalizeLatency.Observe(time.Since(start).Seconds()) }()

	if !appended {
		if err := c.callLedger(ctx, func(ctx context.Context) error {
			return c.ledger.AppendBlock(ctx, block)
		}); err != nil {
			metrics.FinalizeFailures.WithLabelValues("append").Inc()
			return false, errors.Wrap(err, errors.ErrorTypeCollaborator, "append_block", "failed to persist round").
				WithContext("round", block.RoundNumber)
		}
	}

	if block.Reward.IsPositive() {
		if err := c.callLedger(ctx, func(ctx context.Context) error {
			return c.ledger.CreditBalance(ctx, block.RoundNumber, block.WinnerID, block.Reward)
		}); err != nil {
			metrics.FinalizeFailures.WithLabelValues("credit").Inc()
			return true, errors.Wrap(err, errors.ErrorTypeCollaborator, "credit_balance", "failed to credit winner").
				WithContext("round", block.RoundNumber).
				WithContext("winner_id", block.WinnerID)
		}
	}
	return true, nil
}

func (c *Coordinator) commitLocked(block *Block) {
	c.previousHash = block.hash
	c.roundNumber = block.RoundNumber + 1
	c.setDifficulty(block.NextDifficulty)
	c.startedAt = c.Now()
	c.best = nil
	c.pending = nil
	c.appended = false
	c.lastBlock = block
}

func (c *Coordinator) buildBlockLocked() *Block {
	now := c.Now()
	duration := now.Sub(c.startedAt)
	best := c.best

	var winnerName string
	minersOnline := 0
	if c.directory != nil {
		winnerName = c.directory.DisplayName(best.clientID)
		minersOnline = c.directory.Count()
	}

	hash := blockHash(c.previousHash, c.roundNumber, best.sum)
	return &Block{
		RoundNumber:    c.roundNumber,
		Digest:         best.hex,
		Nonce:          best.nonce,
		WinnerID:       best.clientID,
		WinnerName:     winnerName,
		Reward:         c.cfg.Reward(c.roundNumber),
		Difficulty:     c.difficulty,
		NextDifficulty: c.cfg.Controller.Adjust(c.difficulty, duration),
		Duration:       duration,
		MinersOnline:   minersOnline,
		PreviousHash:   c.previousHash.String(),
		Hash:           hash.String(),
		Timestamp:      now,
		hash:           hash,
	}
}

// blockHash links a round to its predecessor:
// dsha256(previous hash || round number (big endian) || winning digest).
func blockHash(prev chainhash.Hash, roundNumber int64, sum [32]byte) chainhash.Hash {
	buf := make([]byte, 0, chainhash.HashSize+8+len(sum))
	buf = append(buf, prev[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(roundNumber))
	buf = append(buf, sum[:]...)
	return chainhash.DoubleHashH(buf)
}

func (c *Coordinator) callLedger(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LedgerTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) setDifficulty(d float64) {
	c.difficulty = c.cfg.Controller.Clamp(d)
	c.target = digest.Target(c.difficulty)
	metrics.Difficulty.Set(c.difficulty)
	metrics.RoundNumber.Set(float64(c.roundNumber))
}

// Status returns a snapshot of the open round.
func (c *Coordinator) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	return Snapshot{
		RoundNumber:  c.roundNumber,
		Difficulty:   c.difficulty,
		Target:       new(big.Int).Set(c.target),
		TargetBits:   digest.CompactTarget(c.target),
		NextReward:   c.cfg.Reward(c.roundNumber),
		StartedAt:    c.startedAt,
		Age:          now.Sub(c.startedAt),
		HasLeader:    c.best != nil,
		PreviousHash: c.previousHash.String(),
		LastBlock:    c.lastBlock,
	}
}
