package energy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestNewAccount(t *testing.T) {
	a := NewAccount(DefaultMax, t0)

	assert.Equal(t, int64(5000), a.Current)
	assert.Equal(t, int64(5000), a.Max)
	assert.Zero(t, a.BonusMax)
	assert.Equal(t, t0, a.LastRecharged)
}

func TestRecharge(t *testing.T) {
	tests := []struct {
		name    string
		acct    Account
		elapsed time.Duration
		rate    int64
		want    int64
	}{
		{"whole seconds", Account{Current: 0, Max: 100}, 10 * time.Second, 1, 10},
		{"fraction floored", Account{Current: 0, Max: 100}, 2900 * time.Millisecond, 1, 2},
		{"rate applied", Account{Current: 5, Max: 100}, 3 * time.Second, 4, 17},
		{"capped at max", Account{Current: 95, Max: 100}, time.Minute, 1, 100},
		{"bonus raises cap", Account{Current: 95, Max: 100, BonusMax: 50}, time.Minute, 1, 150},
		{"over cap trimmed", Account{Current: 300, Max: 100}, 0, 1, 100},
		{"clock backwards", Account{Current: 7, Max: 100}, -time.Hour, 1, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.acct.LastRecharged = t0
			got := Recharge(tt.acct, t0.Add(tt.elapsed), tt.rate)

			assert.Equal(t, tt.want, got.Current)
			assert.GreaterOrEqual(t, got.Current, int64(0))
			assert.LessOrEqual(t, got.Current, got.Cap())
		})
	}
}

func TestRecharge_BackwardsKeepsMark(t *testing.T) {
	a := Account{Current: 0, Max: 100, LastRecharged: t0}

	a = Recharge(a, t0.Add(-time.Minute), 1)
	assert.Equal(t, t0, a.LastRecharged)

	a = Recharge(a, t0.Add(5*time.Second), 1)
	assert.Equal(t, int64(5), a.Current, "time spent behind the mark is never credited")
}

func TestTryDebit(t *testing.T) {
	// recharge 0 -> 10 over ten seconds, then spend 2
	a := Account{Current: 0, Max: 5000, LastRecharged: t0}
	ok, a := TryDebit(a, 2, t0.Add(10*time.Second), 1)

	assert.True(t, ok)
	assert.Equal(t, int64(8), a.Current)
}

func TestTryDebit_Depletion(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		amount  int64
		wantOK  bool
		want    int64
	}{
		{"leaves one", 3, 2, true, 1},
		{"hits zero", 2, 2, false, 0},
		{"goes negative", 1, 5, false, 0},
		{"already empty", 0, 1, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Account{Current: tt.current, Max: 100, LastRecharged: t0}
			ok, got := TryDebit(a, tt.amount, t0, 1)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got.Current)
		})
	}
}

func TestNormalizeMode(t *testing.T) {
	tests := map[string]string{
		"Basic":  ModeBasic,
		"turbo":  ModeTurbo,
		" SUPER": ModeSuper,
		"Nitro":  ModeNitro,
		"warp":   ModeBasic,
		"":       ModeBasic,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeMode(in), "NormalizeMode(%q)", in)
	}
}

func TestCosts_Of(t *testing.T) {
	c := DefaultCosts()

	assert.Equal(t, int64(1), c.Of(ModeBasic))
	assert.Equal(t, int64(2), c.Of(ModeTurbo))
	assert.Equal(t, int64(3), c.Of(ModeSuper))
	assert.Equal(t, int64(5), c.Of(ModeNitro))
	assert.Equal(t, int64(1), c.Of("unknown"))
	assert.Equal(t, int64(1), Costs{}.Of("turbo"))
}
