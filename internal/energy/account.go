// Package energy implements the per-client energy budget that throttles
// share submission. Energy recharges lazily on access, there is no timer per
// account.
package energy

import (
	"strings"
	"time"
)

// DefaultMax is the capacity of a new account.
const DefaultMax = 5000

// Account is a client's energy budget.
type Account struct {
	Current       int64     `json:"current"`
	Max           int64     `json:"max"`
	BonusMax      int64     `json:"bonusMax"`
	LastRecharged time.Time `json:"lastRecharged"`
}

// NewAccount returns a full account.
func NewAccount(max int64, now time.Time) Account {
	return Account{Current: max, Max: max, LastRecharged: now}
}

// Cap is the most energy the account can hold.
func (a Account) Cap() int64 {
	return a.Max + a.BonusMax
}

// Recharge credits floor(elapsed seconds) * rate and caps the result. A clock
// that moved backwards credits nothing and keeps the old recharge mark.
func Recharge(a Account, now time.Time, rate int64) Account {
	if now.After(a.LastRecharged) {
		secs := int64(now.Sub(a.LastRecharged) / time.Second)
		a.Current += secs * rate
		a.LastRecharged = now
	}
	a.Current = max(min(a.Current, a.Cap()), 0)
	return a
}

// TryDebit recharges, then spends amount. The debit succeeds while the
// remaining energy stays above zero. On failure the balance is floored at 0.
func TryDebit(a Account, amount int64, now time.Time, rate int64) (bool, Account) {
	a = Recharge(a, now, rate)
	a.Current -= amount
	if a.Current > 0 {
		return true, a
	}
	a.Current = 0
	return false, a
}

// Mining modes understood by the cost table.
const (
	ModeBasic = "Basic"
	ModeTurbo = "Turbo"
	ModeSuper = "Super"
	ModeNitro = "Nitro"
)

// NormalizeMode maps a client supplied mode to its canonical name. Unknown
// modes become Basic.
func NormalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "turbo":
		return ModeTurbo
	case "super":
		return ModeSuper
	case "nitro":
		return ModeNitro
	default:
		return ModeBasic
	}
}

// Costs maps lower-case mode names to the energy charged per share.
type Costs map[string]int64

// DefaultCosts returns the stock cost table.
func DefaultCosts() Costs {
	return Costs{"basic": 1, "turbo": 2, "super": 3, "nitro": 5}
}

// Of returns the cost of one share in mode, falling back to basic.
func (c Costs) Of(mode string) int64 {
	if cost, ok := c[strings.ToLower(mode)]; ok && cost > 0 {
		return cost
	}
	if cost, ok := c["basic"]; ok && cost > 0 {
		return cost
	}
	return 1
}
