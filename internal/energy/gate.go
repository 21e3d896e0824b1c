package energy

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
)

// ErrAccountNotFound is returned by a Store that has no account for a client.
var ErrAccountNotFound = stderrors.New("energy account not found")

// Store persists energy accounts.
type Store interface {
	LoadAccount(ctx context.Context, clientID string) (Account, error)
	SaveAccount(ctx context.Context, clientID string, acct Account) error
}

// GateConfig configures a Gate.
type GateConfig struct {
	RechargeRate int64
	Max          int64
	Costs        Costs
	CacheSize    int
	// StoreTimeout bounds every Store call
	StoreTimeout time.Duration
}

// DefaultGateConfig returns the stock settings.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		RechargeRate: 1,
		Max:          DefaultMax,
		Costs:        DefaultCosts(),
		CacheSize:    10000,
		StoreTimeout: 5 * time.Second,
	}
}

// Debit is the outcome of one share charge.
type Debit struct {
	OK      bool
	Cost    int64
	Account Account
}

// entry is added to the cache before its account is loaded; mu is held by
// the loader until acct is set or err records the failed load.
type entry struct {
	mu       sync.Mutex
	acct     Account
	released bool
	err      error
}

// Gate charges energy for share submissions. Active accounts live in an LRU
// and are synchronized per account, never globally. Entries are written back
// to the Store on every debit, on Release and when evicted.
type Gate struct {
	cfg    GateConfig
	store  Store
	cache  *lru.Cache[string, *entry]
	logger *log.Logger

	// loadMu serializes every change of cache membership. Store I/O never
	// happens under it.
	loadMu sync.Mutex

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewGate creates a gate backed by store.
func NewGate(cfg GateConfig, store Store, logger *log.Logger) (*Gate, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultGateConfig().CacheSize
	}
	if cfg.Costs == nil {
		cfg.Costs = DefaultCosts()
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultGateConfig().StoreTimeout
	}

	g := &Gate{
		cfg:    cfg,
		store:  store,
		logger: logger.WithComponent("energy"),
		Now:    time.Now,
	}

	cache, err := lru.NewWithEvict(cfg.CacheSize, g.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_gate", "failed to create account cache")
	}
	g.cache = cache
	return g, nil
}

// Cost returns the energy charged per share in mode.
func (g *Gate) Cost(mode string) int64 {
	return g.cfg.Costs.Of(mode)
}

// Debit charges one share in mode to clientID.
func (g *Gate) Debit(ctx context.Context, clientID, mode string) (Debit, error) {
	cost := g.Cost(mode)

	var result Debit
	err := g.withEntry(ctx, clientID, func(e *entry) {
		ok, acct := TryDebit(e.acct, cost, g.Now(), g.cfg.RechargeRate)
		e.acct = acct
		result = Debit{OK: ok, Cost: cost, Account: acct}

		if err := g.save(ctx, clientID, acct); err != nil {
			// the cached entry stays authoritative, the next write-back retries
			g.logger.WithError(err).Warn("energy write-back failed", "client_id", clientID)
		}
	})
	return result, err
}

// Current returns the recharged account of clientID.
func (g *Gate) Current(ctx context.Context, clientID string) (Account, error) {
	var acct Account
	err := g.withEntry(ctx, clientID, func(e *entry) {
		e.acct = Recharge(e.acct, g.Now(), g.cfg.RechargeRate)
		acct = e.acct
	})
	return acct, err
}

// Release writes the account back and drops it from the cache. Called when
// the client's session ends.
func (g *Gate) Release(ctx context.Context, clientID string) error {
	e, ok := g.cache.Peek(clientID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	var err error
	if !e.released {
		e.released = true
		err = g.save(ctx, clientID, e.acct)
	}
	e.mu.Unlock()

	g.drop(clientID, e)

	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCollaborator, "release_energy", "failed to save account").
			WithContext("client_id", clientID)
	}
	return nil
}

// Cached returns the number of accounts held in memory.
func (g *Gate) Cached() int {
	return g.cache.Len()
}

// withEntry runs fn with the locked live entry of clientID, loading it from
// the store on a miss.
func (g *Gate) withEntry(ctx context.Context, clientID string, fn func(*entry)) error {
	for {
		e, err := g.entry(ctx, clientID)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if e.err != nil {
			e.mu.Unlock()
			return e.err
		}
		if e.released {
			// lost a race with Release or eviction; the store has the latest value
			e.mu.Unlock()
			g.drop(clientID, e)
			continue
		}
		fn(e)
		e.mu.Unlock()
		return nil
	}
}

func (g *Gate) entry(ctx context.Context, clientID string) (*entry, error) {
	if e, ok := g.cache.Get(clientID); ok {
		return e, nil
	}

	g.loadMu.Lock()
	if e, ok := g.cache.Get(clientID); ok {
		g.loadMu.Unlock()
		return e, nil
	}
	fresh := &entry{}
	fresh.mu.Lock()
	g.cache.Add(clientID, fresh)
	g.loadMu.Unlock()

	acct, err := g.load(ctx, clientID)
	if err != nil {
		fresh.err = err
		fresh.released = true
		fresh.mu.Unlock()
		g.drop(clientID, fresh)
		return nil, err
	}
	fresh.acct = acct
	fresh.mu.Unlock()
	return fresh, nil
}

func (g *Gate) load(ctx context.Context, clientID string) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	acct, err := g.store.LoadAccount(ctx, clientID)
	switch {
	case stderrors.Is(err, ErrAccountNotFound):
		return NewAccount(g.cfg.Max, g.Now()), nil
	case err != nil:
		return Account{}, errors.Wrap(err, errors.ErrorTypeCollaborator, "load_energy", "failed to load account").
			WithContext("client_id", clientID)
	}
	return acct, nil
}

func (g *Gate) save(ctx context.Context, clientID string, acct Account) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()
	return g.store.SaveAccount(ctx, clientID, acct)
}

// drop removes e from the cache unless it was already replaced.
func (g *Gate) drop(clientID string, e *entry) {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	if cur, ok := g.cache.Peek(clientID); ok && cur == e {
		g.cache.Remove(clientID)
	}
}

func (g *Gate) onEvict(clientID string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.released = true

	if err := g.save(context.Background(), clientID, e.acct); err != nil {
		g.logger.WithError(err).Error("failed to save evicted energy account", "client_id", clientID)
	}
}
