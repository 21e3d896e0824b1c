package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/xenohash/internal/digest"
	"github.com/bardlex/xenohash/internal/protocol"
	"github.com/bardlex/xenohash/pkg/log"
)

// batchSize is how many nonces a worker tries before rereading the round.
const batchSize = 4096

var errDepleted = stderrors.New("out of energy")

// frame is the union of the server frames simminer reads.
type frame struct {
	Type          string               `json:"type"`
	Success       bool                 `json:"success"`
	Error         string               `json:"error"`
	User          *protocol.User       `json:"user"`
	Energy        *protocol.EnergyInfo `json:"energy"`
	Status        json.RawMessage      `json:"status"`
	Mining        bool                 `json:"mining"`
	Mode          string               `json:"mode"`
	Reason        string               `json:"reason"`
	IsLeader      bool                 `json:"isLeader"`
	RoundNumber   int64                `json:"roundNumber"`
	Difficulty    float64              `json:"difficulty"`
	NewDifficulty float64              `json:"newDifficulty"`
	WinnerName    string               `json:"winnerName"`
	Code          string               `json:"code"`
	Message       string               `json:"message"`
	Count         int                  `json:"count"`
}

type roundState struct {
	number int64
	target *big.Int
}

// Miner is one simulated client.
type Miner struct {
	cfg    *config
	logger *log.Logger
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	current   roundState
	bestRound int64
	best      *big.Int

	submitted atomic.Int64
	accepted  atomic.Int64
}

// NewMiner creates a miner for cfg.
func NewMiner(cfg *config, logger *log.Logger) *Miner {
	return &Miner{
		cfg:    cfg,
		logger: logger.WithComponent("miner"),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Submitted returns the number of shares sent.
func (m *Miner) Submitted() int64 { return m.submitted.Load() }

// Accepted returns the number of shares the server accepted.
func (m *Miner) Accepted() int64 { return m.accepted.Load() }

// Run connects, authenticates and mines until ctx is done or energy runs out.
func (m *Miner) Run(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.cfg.URL, err)
	}
	m.conn = conn
	defer func() { _ = conn.Close() }()

	if err := m.handshake(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx) })
	for i := 0; i < m.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return m.work(gctx, id) })
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = m.send(map[string]string{"type": protocol.TypeStopMining})
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		return conn.Close()
	})

	err = g.Wait()
	switch {
	case stderrors.Is(err, errDepleted):
		m.logger.Info("energy depleted, stopping")
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}

// handshake authenticates and starts mining.
func (m *Miner) handshake() error {
	if _, err := m.expect(protocol.TypeConnect); err != nil {
		return err
	}

	if err := m.send(map[string]string{"type": protocol.TypeAuth, "initData": m.cfg.InitData}); err != nil {
		return err
	}
	f, err := m.expect(protocol.TypeAuth)
	if err != nil {
		return err
	}
	if !f.Success {
		return fmt.Errorf("authentication failed: %s", f.Error)
	}
	var status frame
	if len(f.Status) > 0 {
		if err := json.Unmarshal(f.Status, &status); err != nil {
			return fmt.Errorf("invalid status: %w", err)
		}
	}
	m.setRound(status.RoundNumber, status.Difficulty)
	if f.User != nil {
		m.logger.Info("authenticated", "user", f.User.Username, "round", status.RoundNumber, "difficulty", status.Difficulty)
	}

	if err := m.send(map[string]string{"type": protocol.TypeStartMining, "mode": m.cfg.Mode}); err != nil {
		return err
	}
	f, err = m.expect(protocol.TypeMiningStatus)
	if err != nil {
		return err
	}
	if !f.Mining {
		return fmt.Errorf("mining refused: %s", f.Error)
	}
	m.logger.Info("mining started", "mode", f.Mode, "workers", m.cfg.Workers)
	return nil
}

// expect reads frames until one of frameType arrives.
func (m *Miner) expect(frameType string) (*frame, error) {
	if err := m.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	defer func() { _ = m.conn.SetReadDeadline(time.Time{}) }()

	for {
		var f frame
		if err := m.conn.ReadJSON(&f); err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", frameType, err)
		}
		if f.Type == frameType {
			return &f, nil
		}
		if f.Type == protocol.TypeError {
			return nil, fmt.Errorf("server error %s: %s", f.Code, f.Message)
		}
	}
}

func (m *Miner) send(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return m.conn.WriteJSON(v)
}

func (m *Miner) readLoop(ctx context.Context) error {
	for {
		var f frame
		if err := m.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		switch f.Type {
		case protocol.TypeRoundFinalized:
			m.logger.Info("round finalized", "round", f.RoundNumber, "winner", f.WinnerName, "new_difficulty", f.NewDifficulty)
			m.setRound(f.RoundNumber+1, f.NewDifficulty)
		case protocol.TypeStatus:
			m.setRound(f.RoundNumber, f.Difficulty)
		case protocol.TypeShareResult:
			var status string
			_ = json.Unmarshal(f.Status, &status)
			if status == "accepted" {
				m.accepted.Add(1)
			}
			m.logger.Debug("share result", "status", status, "reason", f.Reason, "leader", f.IsLeader)
			if status == "depleted" {
				return errDepleted
			}
		case protocol.TypeMiningStatus:
			if !f.Mining {
				return errDepleted
			}
		case protocol.TypeError:
			m.logger.Warn("server error", "code", f.Code, "message", f.Message)
		}
	}
}

func (m *Miner) setRound(number int64, difficulty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = roundState{number: number, target: digest.Target(difficulty)}
}

func (m *Miner) round() roundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// improves records value as this miner's best for the round if it is lower.
func (m *Miner) improves(roundNumber int64, value *big.Int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bestRound != roundNumber {
		m.bestRound, m.best = roundNumber, nil
	}
	if m.best != nil && value.Cmp(m.best) >= 0 {
		return false
	}
	m.best = value
	return true
}

// work hashes nonces id, id+workers, id+2*workers, ... and submits every
// share that beats the target and the miner's own best.
func (m *Miner) work(ctx context.Context, id int) error {
	next := uint64(id)
	stride := uint64(m.cfg.Workers)

	for ctx.Err() == nil {
		st := m.round()
		found := searchBatch(st.number, st.target, next, stride, batchSize)
		next += stride * batchSize

		for _, s := range found {
			if !m.improves(st.number, s.value) {
				continue
			}
			msg := map[string]any{"type": protocol.TypeShare, "roundNumber": st.number, "nonce": s.nonce}
			if err := m.send(msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to submit share: %w", err)
			}
			m.submitted.Add(1)
		}
	}
	return nil
}

type candidate struct {
	nonce string
	value *big.Int
}

// searchBatch tries count nonces starting at start and returns those whose
// digest beats target, in order.
func searchBatch(roundNumber int64, target *big.Int, start, stride uint64, count int) []candidate {
	if target == nil || target.Sign() == 0 {
		return nil
	}
	var found []candidate
	n := start
	for i := 0; i < count; i++ {
		nonce := strconv.FormatUint(n, 10)
		if d := digest.Compute(roundNumber, nonce); digest.Qualifies(d.Value, target) {
			found = append(found, candidate{nonce: nonce, value: d.Value})
		}
		n += stride
	}
	return found
}
