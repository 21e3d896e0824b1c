// Package database coordinates the Xenohash storage backends. PostgreSQL is
// the ledger of record; Redis and InfluxDB are optional and best effort.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/internal/database/influx"
	"github.com/bardlex/xenohash/internal/database/postgres"
	"github.com/bardlex/xenohash/internal/database/redis"
	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/metrics"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/circuit"
	"github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
	"github.com/bardlex/xenohash/pkg/retry"
)

type blockStore interface {
	AppendBlock(ctx context.Context, b *round.Block) error
	LoadLastRound(ctx context.Context) (*round.LastRound, error)
	GetBlock(ctx context.Context, roundNumber int64) (*round.Block, error)
	ListBlocks(ctx context.Context, limit, offset int) ([]*round.Block, int64, error)
	Stats(ctx context.Context) (*postgres.Stats, error)
}

type userStore interface {
	UpsertUser(ctx context.Context, id, username string) error
	CreditBalance(ctx context.Context, roundNumber int64, id string, amount decimal.Decimal) error
	GetUser(ctx context.Context, id string) (*postgres.User, error)
	Leaderboard(ctx context.Context, limit int) ([]*postgres.User, error)
}

type cache interface {
	GetEnergy(ctx context.Context, clientID string) (energy.Account, error)
	SetEnergy(ctx context.Context, clientID string, acct energy.Account, ttl time.Duration) error
	SetStatus(ctx context.Context, status any, ttl time.Duration) error
	SetMinersOnline(ctx context.Context, count int) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

type telemetry interface {
	WriteShareMetric(clientID, mode, status string, roundNumber int64)
	WriteRoundMetric(b *round.Block)
	WritePresenceMetric(count int, at time.Time)
	GetShareStats(ctx context.Context, duration time.Duration) (map[string]int64, error)
	Health(ctx context.Context) error
	Close()
}

// Config holds configuration for all database systems. A nil Redis or
// Influx config disables that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// EnergyCacheTTL bounds how long Redis keeps an energy account.
	EnergyCacheTTL time.Duration
	// CacheTimeout bounds each best-effort Redis call.
	CacheTimeout time.Duration
}

// Manager coordinates all storage. It implements round.Ledger and
// energy.Store.
type Manager struct {
	pgClient *postgres.Client

	blocks  blockStore
	users   userStore
	accts   energy.Store
	cache   cache
	metrics telemetry

	cfg    Config
	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewManager connects to every configured backend. PostgreSQL is required;
// an unreachable Redis or InfluxDB is logged and disabled.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	logger = logger.WithComponent("database")

	pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	var c cache
	if cfg.Redis != nil && cfg.Redis.URL != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, continuing without cache")
		} else {
			c = redisClient
		}
	}

	var t telemetry
	if cfg.Influx != nil && cfg.Influx.URL != "" {
		influxClient, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			logger.WithError(err).Warn("influxdb unavailable, continuing without telemetry")
		} else {
			t = influxClient
			go drainWriteErrors(influxClient.Errors(), logger)
		}
	}

	db := pgClient.DB()
	m := newManager(*cfg, logger,
		postgres.NewBlockRepository(db),
		postgres.NewUserRepository(db),
		postgres.NewEnergyRepository(db),
		c, t,
	)
	m.pgClient = pgClient
	return m, nil
}

func newManager(cfg Config, logger *log.Logger, blocks blockStore, users userStore, accts energy.Store, c cache, t telemetry) *Manager {
	if cfg.EnergyCacheTTL <= 0 {
		cfg.EnergyCacheTTL = time.Hour
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 250 * time.Millisecond
	}

	cbConfig := &circuit.Config{
		Name:            "postgres",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	metrics.BreakerState.WithLabelValues(cbConfig.Name).Set(float64(circuit.StateClosed))

	return &Manager{
		blocks:         blocks,
		users:          users,
		accts:          accts,
		cache:          c,
		metrics:        t,
		cfg:            cfg,
		logger:         logger,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.LedgerConfig(),
	}
}

func drainWriteErrors(errs <-chan error, logger *log.Logger) {
	for err := range errs {
		logger.WithError(err).Warn("influxdb write failed")
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var result *multierror.Error

	if m.pgClient != nil {
		if err := m.pgClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.metrics != nil {
		m.metrics.Close()
	}

	return result.ErrorOrNil()
}

// Health checks the ledger and reports the optional backends separately.
func (m *Manager) Health(ctx context.Context) (map[string]string, error) {
	report := map[string]string{}
	var err error

	if m.pgClient != nil {
		if pgErr := m.pgClient.Health(ctx); pgErr != nil {
			report["postgres"] = pgErr.Error()
			err = fmt.Errorf("PostgreSQL health check failed: %w", pgErr)
		} else {
			report["postgres"] = "ok"
		}
	}
	report["postgres_breaker"] = m.circuitBreaker.GetState().String()

	report["redis"] = "disabled"
	if m.cache != nil {
		report["redis"] = healthString(m.cache.Health(ctx))
	}
	report["influx"] = "disabled"
	if m.metrics != nil {
		report["influx"] = healthString(m.metrics.Health(ctx))
	}
	return report, err
}

func healthString(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// exec runs a critical ledger call behind the breaker with retries.
func (m *Manager) exec(ctx context.Context, op, message string, fn func(context.Context) error) error {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, op, message)
			}
			return nil
		})
	})
	return err
}

// AppendBlock implements round.Ledger
func (m *Manager) AppendBlock(ctx context.Context, b *round.Block) error {
	err := m.exec(ctx, "append_block", "failed to store block in PostgreSQL", func(ctx context.Context) error {
		return m.blocks.AppendBlock(ctx, b)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCollaborator, "append_block", "ledger unavailable").
			WithContext("round", b.RoundNumber)
	}
	return nil
}

// CreditBalance implements round.Ledger. Retries are safe, the ledger
// credits each round once.
func (m *Manager) CreditBalance(ctx context.Context, roundNumber int64, clientID string, amount decimal.Decimal) error {
	err := m.exec(ctx, "credit_balance", "failed to credit balance in PostgreSQL", func(ctx context.Context) error {
		return m.users.CreditBalance(ctx, roundNumber, clientID, amount)
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCollaborator, "credit_balance", "ledger unavailable").
			WithContext("round", roundNumber).
			WithContext("client_id", clientID).
			WithContext("amount", amount.String())
	}
	return nil
}

// LoadLastRound implements round.Ledger
func (m *Manager) LoadLastRound(ctx context.Context) (*round.LastRound, error) {
	var last *round.LastRound
	err := m.exec(ctx, "load_last_round", "failed to load last round from PostgreSQL", func(ctx context.Context) error {
		var err error
		last, err = m.blocks.LoadLastRound(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// LoadAccount implements energy.Store. Redis is consulted first; a missing
// account is not a ledger failure.
func (m *Manager) LoadAccount(ctx context.Context, clientID string) (energy.Account, error) {
	if m.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		acct, err := m.cache.GetEnergy(cctx, clientID)
		cancel()
		if err == nil {
			return acct, nil
		}
		if !stderrors.Is(err, redis.ErrCacheMiss) {
			m.logger.WithError(err).Debug("energy cache read failed", "client_id", clientID)
		}
	}

	var acct energy.Account
	found := true
	err := m.exec(ctx, "load_energy", "failed to load energy account from PostgreSQL", func(ctx context.Context) error {
		var err error
		acct, err = m.accts.LoadAccount(ctx, clientID)
		if stderrors.Is(err, energy.ErrAccountNotFound) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return energy.Account{}, err
	}
	if !found {
		return energy.Account{}, energy.ErrAccountNotFound
	}

	m.cacheEnergy(ctx, clientID, acct)
	return acct, nil
}

// SaveAccount implements energy.Store
func (m *Manager) SaveAccount(ctx context.Context, clientID string, acct energy.Account) error {
	err := m.exec(ctx, "save_energy", "failed to save energy account to PostgreSQL", func(ctx context.Context) error {
		return m.accts.SaveAccount(ctx, clientID, acct)
	})
	if err != nil {
		return err
	}
	m.cacheEnergy(ctx, clientID, acct)
	return nil
}

func (m *Manager) cacheEnergy(ctx context.Context, clientID string, acct energy.Account) {
	if m.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
	defer cancel()
	if err := m.cache.SetEnergy(cctx, clientID, acct, m.cfg.EnergyCacheTTL); err != nil {
		m.logger.WithError(err).Debug("energy cache write failed", "client_id", clientID)
	}
}

// UpsertUser records an authenticated login.
func (m *Manager) UpsertUser(ctx context.Context, id, username string) error {
	return m.exec(ctx, "upsert_user", "failed to upsert user in PostgreSQL", func(ctx context.Context) error {
		return m.users.UpsertUser(ctx, id, username)
	})
}

// GetUser returns one user or postgres.ErrNotFound.
func (m *Manager) GetUser(ctx context.Context, id string) (*postgres.User, error) {
	return m.users.GetUser(ctx, id)
}

// BlockPage is one page of the block feed.
type BlockPage struct {
	Blocks []*round.Block `json:"blocks"`
	Total  int64          `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
	Pages  int64          `json:"pages"`
}

// ListBlocks returns page (1-based) of the block feed, newest first.
func (m *Manager) ListBlocks(ctx context.Context, page, limit int) (*BlockPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	limit = min(limit, 100)

	blocks, total, err := m.blocks.ListBlocks(ctx, limit, (page-1)*limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "list_blocks", "failed to list blocks")
	}
	if blocks == nil {
		blocks = []*round.Block{}
	}
	return &BlockPage{
		Blocks: blocks,
		Total:  total,
		Page:   page,
		Limit:  limit,
		Pages:  (total + int64(limit) - 1) / int64(limit),
	}, nil
}

// GetBlock returns one block or postgres.ErrNotFound.
func (m *Manager) GetBlock(ctx context.Context, roundNumber int64) (*round.Block, error) {
	return m.blocks.GetBlock(ctx, roundNumber)
}

// Leaderboard returns the top users by balance.
func (m *Manager) Leaderboard(ctx context.Context, limit int) ([]*postgres.User, error) {
	if limit < 1 || limit > 100 {
		limit = 100
	}
	return m.users.Leaderboard(ctx, limit)
}

// Stats aggregates the ledger. Share counts from InfluxDB are attached when
// available.
func (m *Manager) Stats(ctx context.Context) (*postgres.Stats, map[string]int64, error) {
	stats, err := m.blocks.Stats(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeDatabase, "stats", "failed to aggregate stats")
	}

	var shares map[string]int64
	if m.metrics != nil {
		shares, err = m.metrics.GetShareStats(ctx, 24*time.Hour)
		if err != nil {
			m.logger.WithError(err).Debug("share stats unavailable")
			shares = nil
		}
	}
	return stats, shares, nil
}

// RecordShare writes a share outcome to the time-series and Redis counters.
// It never fails the caller.
func (m *Manager) RecordShare(ctx context.Context, clientID, mode, status string, roundNumber int64) {
	if m.metrics != nil {
		m.metrics.WriteShareMetric(clientID, mode, status, roundNumber)
	}
	if m.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CacheTimeout)
		defer cancel()
		if _, err := m.cache.IncrementCounter(cctx, redis.ShareCounterKey(roundNumber, status), 24*time.Hour); err != nil {
			m.logger.WithError(err).Debug("share counter update failed")
		}
	}
}

// Sinks returns the broadcast sinks backed by the enabled optional backends.
func (m *Manager) Sinks() []broadcast.Sink {
	var sinks []broadcast.Sink
	if m.cache != nil {
		sinks = append(sinks, &statusSink{cache: m.cache})
	}
	if m.metrics != nil {
		sinks = append(sinks, &telemetrySink{metrics: m.metrics})
	}
	return sinks
}
