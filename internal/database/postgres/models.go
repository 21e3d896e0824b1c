package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a miner known to the ledger
type User struct {
	ID            string          `db:"id" json:"id"`
	Username      string          `db:"username" json:"username"`
	Balance       decimal.Decimal `db:"balance" json:"balance"`
	BlocksCreated int64           `db:"blocks_created" json:"blocksCreated"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	LastSeenAt    *time.Time      `db:"last_seen_at" json:"lastSeenAt,omitempty"`
}

// Stats aggregates the whole ledger
type Stats struct {
	TotalBlocks  int64           `json:"totalBlocksMined"`
	TotalUsers   int64           `json:"totalUsers"`
	TotalTokens  decimal.Decimal `json:"totalTokensIssued"`
	FirstBlockAt *time.Time      `json:"projectStartDate,omitempty"`
}
