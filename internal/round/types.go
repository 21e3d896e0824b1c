// Package round owns the authoritative round state: it admits shares, keeps
// the best one, and closes the round by crediting its submitter.
package round

import (
	"context"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/energy"
)

// ShareStatus is the outcome of one share submission.
type ShareStatus string

// Share outcomes.
const (
	StatusAccepted ShareStatus = "accepted"
	StatusRejected ShareStatus = "rejected"
	StatusStale    ShareStatus = "stale"
	StatusDepleted ShareStatus = "depleted"
	StatusInvalid  ShareStatus = "invalid"
)

// Result is returned by SubmitShare.
type Result struct {
	Status   ShareStatus
	Reason   string
	IsLeader bool
	Digest   string
	Energy   energy.Account
}

// Block is the record of a finalized round. It is written once.
type Block struct {
	RoundNumber    int64           `json:"roundNumber"`
	Digest         string          `json:"digest"`
	Nonce          string          `json:"nonce"`
	WinnerID       string          `json:"winnerId"`
	WinnerName     string          `json:"winnerName"`
	Reward         decimal.Decimal `json:"reward"`
	Difficulty     float64         `json:"difficulty"`
	NextDifficulty float64         `json:"newDifficulty"`
	Duration       time.Duration   `json:"-"`
	MinersOnline   int             `json:"minersOnline"`
	PreviousHash   string          `json:"previousHash"`
	Hash           string          `json:"hash"`
	Timestamp      time.Time       `json:"timestamp"`

	hash chainhash.Hash
}

// LastRound is what the ledger remembers of the latest finalized round.
type LastRound struct {
	RoundNumber    int64
	NextDifficulty float64
	Hash           string
}

// Ledger persists finalized rounds and balances.
type Ledger interface {
	// AppendBlock must be idempotent per round number.
	AppendBlock(ctx context.Context, b *Block) error
	// CreditBalance credits the winner of roundNumber at most once, however
	// often it is called.
	CreditBalance(ctx context.Context, roundNumber int64, clientID string, amount decimal.Decimal) error
	// LoadLastRound returns nil when no round was ever finalized.
	LoadLastRound(ctx context.Context) (*LastRound, error)
}

// Publisher receives finalized rounds.
type Publisher interface {
	RoundFinalized(ctx context.Context, b *Block)
}

// EnergyGate charges shares.
type EnergyGate interface {
	Debit(ctx context.Context, clientID, mode string) (energy.Debit, error)
}

// Directory answers presence questions at finalize time.
type Directory interface {
	Count() int
	DisplayName(clientID string) string
}

// Snapshot is a read-only view of the open round.
type Snapshot struct {
	RoundNumber  int64
	Difficulty   float64
	Target       *big.Int
	TargetBits   uint32
	NextReward   decimal.Decimal
	StartedAt    time.Time
	Age          time.Duration
	HasLeader    bool
	PreviousHash string
	LastBlock    *Block
}

type bestShare struct {
	value    *big.Int
	sum      [32]byte
	hex      string
	nonce    string
	clientID string
}
