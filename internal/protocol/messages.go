// Package protocol implements the JSON-over-WebSocket client protocol.
// Every frame is a JSON object with a "type" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/errors"
)

// Client to server message types.
const (
	TypeAuth        = "auth"
	TypeStartMining = "startMining"
	TypeStopMining  = "stopMining"
	TypeShare       = "share"
	TypeStatus      = "status"
)

// Server to client message types. TypeAuth and TypeStatus are used in both
// directions.
const (
	TypeConnect        = "connect"
	TypeMiningStatus   = "miningStatus"
	TypeShareResult    = "shareResult"
	TypeRoundFinalized = "roundFinalized"
	TypePresence       = "presence"
	TypeEnergy         = "energy"
	TypeError          = "error"
)

// Error codes carried by error frames. The codes shared with pkg/errors are
// re-exported so handlers only need this package.
const (
	CodeInvalid         = errors.CodeInvalid
	CodeStale           = errors.CodeStale
	CodeDepleted        = errors.CodeDepleted
	CodeUnauthenticated = errors.CodeUnauthenticated
	CodeServerError     = errors.CodeServerError
	CodeRejected        = "rejected"
	CodeNotMining       = "not_mining"
	CodeRateLimited     = "rate_limited"
	CodeUnknownType     = "unknown_type"
)

// Message is a decoded client frame. Payload holds the raw frame so the
// handler can decode the type-specific fields.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// ParseMessage decodes the envelope of a client frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	msg.Payload = data
	return &msg, nil
}

// Decode unmarshals the frame into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Validation("decode_message", "malformed "+m.Type+" message")
	}
	return nil
}

// AuthRequest carries the Telegram WebApp initData string.
type AuthRequest struct {
	InitData string `json:"initData"`
}

// StartMiningRequest selects a mining mode.
type StartMiningRequest struct {
	Mode string `json:"mode"`
}

// ShareRequest is one share submission. Older clients send blockNumber
// instead of roundNumber.
type ShareRequest struct {
	RoundNumber int64 `json:"roundNumber"`
	BlockNumber int64 `json:"blockNumber,omitempty"`
	Nonce       Nonce `json:"nonce"`
}

// Round returns the round the share was mined for.
func (r *ShareRequest) Round() int64 {
	if r.RoundNumber == 0 {
		return r.BlockNumber
	}
	return r.RoundNumber
}

// Nonce accepts either a JSON string or a JSON number. Numbers keep their
// literal text so the digest input matches what the client hashed.
type Nonce string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Nonce) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("invalid nonce string: %w", err)
		}
		*n = Nonce(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("nonce must be a string or a number")
	}
	*n = Nonce(num.String())
	return nil
}

// ConnectMessage greets a new connection.
type ConnectMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// User is the authenticated identity echoed to the client.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// EnergyInfo is an energy account snapshot.
type EnergyInfo struct {
	Current  int64 `json:"current"`
	Max      int64 `json:"max"`
	BonusMax int64 `json:"bonusMax"`
}

// StatusInfo describes the open round.
type StatusInfo struct {
	RoundNumber  int64   `json:"roundNumber"`
	Difficulty   float64 `json:"difficulty"`
	Target       string  `json:"target"`
	TargetBits   string  `json:"targetBits"`
	MinersOnline int     `json:"minersOnline"`
	NextReward   string  `json:"nextReward"`
	PreviousHash string  `json:"previousHash"`
	RoundAge     int64   `json:"roundAgeMs"`
	TotalBlocks  int64   `json:"totalBlocks,omitempty"`
}

// AuthResult answers an auth request.
type AuthResult struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	User    *User       `json:"user,omitempty"`
	Energy  *EnergyInfo `json:"energy,omitempty"`
	Status  *StatusInfo `json:"status,omitempty"`
}

// MiningStatus reports whether the session is mining.
type MiningStatus struct {
	Type   string `json:"type"`
	Mining bool   `json:"mining"`
	Mode   string `json:"mode,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ShareResult answers a share submission.
type ShareResult struct {
	Type     string      `json:"type"`
	Status   string      `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	IsLeader bool        `json:"isLeader"`
	Digest   string      `json:"digest,omitempty"`
	Energy   *EnergyInfo `json:"energy,omitempty"`
}

// StatusMessage answers a status request.
type StatusMessage struct {
	Type string `json:"type"`
	StatusInfo
}

// RoundFinalized announces a closed round.
type RoundFinalized struct {
	Type          string    `json:"type"`
	RoundNumber   int64     `json:"roundNumber"`
	WinnerID      string    `json:"winnerId"`
	WinnerName    string    `json:"winnerName"`
	Reward        string    `json:"reward"`
	NewDifficulty float64   `json:"newDifficulty"`
	Digest        string    `json:"digest"`
	Hash          string    `json:"hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// Presence announces the number of miners online.
type Presence struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// EnergyMessage pushes an energy snapshot.
type EnergyMessage struct {
	Type string `json:"type"`
	EnergyInfo
}

// ErrorMessage reports a failed request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewConnect creates a connect greeting.
func NewConnect(sessionID string) *ConnectMessage {
	return &ConnectMessage{Type: TypeConnect, Message: "Connected to mining server", SessionID: sessionID}
}

// NewEnergyInfo converts an account.
func NewEnergyInfo(a energy.Account) *EnergyInfo {
	return &EnergyInfo{Current: a.Current, Max: a.Max, BonusMax: a.BonusMax}
}

// NewStatusInfo converts a round snapshot.
func NewStatusInfo(s round.Snapshot, minersOnline int, totalBlocks int64) *StatusInfo {
	info := &StatusInfo{
		RoundNumber:  s.RoundNumber,
		Difficulty:   s.Difficulty,
		TargetBits:   fmt.Sprintf("%08x", s.TargetBits),
		MinersOnline: minersOnline,
		NextReward:   s.NextReward.String(),
		PreviousHash: s.PreviousHash,
		RoundAge:     s.Age.Milliseconds(),
		TotalBlocks:  totalBlocks,
	}
	if s.Target != nil {
		info.Target = fmt.Sprintf("%064x", s.Target)
	}
	return info
}

// NewAuthSuccess creates a successful auth result.
func NewAuthSuccess(user User, acct energy.Account, status *StatusInfo) *AuthResult {
	return &AuthResult{
		Type:    TypeAuth,
		Success: true,
		User:    &user,
		Energy:  NewEnergyInfo(acct),
		Status:  status,
	}
}

// NewAuthFailure creates a failed auth result.
func NewAuthFailure(reason string) *AuthResult {
	return &AuthResult{Type: TypeAuth, Success: false, Error: reason}
}

// NewMiningStatus creates a miningStatus push.
func NewMiningStatus(mining bool, mode string) *MiningStatus {
	return &MiningStatus{Type: TypeMiningStatus, Mining: mining, Mode: mode}
}

// NewMiningRefused creates a miningStatus that refuses to start.
func NewMiningRefused(reason string) *MiningStatus {
	return &MiningStatus{Type: TypeMiningStatus, Mining: false, Error: reason}
}

// NewShareResult converts a coordinator result.
func NewShareResult(res round.Result) *ShareResult {
	return &ShareResult{
		Type:     TypeShareResult,
		Status:   string(res.Status),
		Reason:   res.Reason,
		IsLeader: res.IsLeader,
		Digest:   res.Digest,
		Energy:   NewEnergyInfo(res.Energy),
	}
}

// NewStatus creates a status reply.
func NewStatus(info *StatusInfo) *StatusMessage {
	return &StatusMessage{Type: TypeStatus, StatusInfo: *info}
}

// NewRoundFinalized converts a finalized block.
func NewRoundFinalized(b *round.Block) *RoundFinalized {
	return &RoundFinalized{
		Type:          TypeRoundFinalized,
		RoundNumber:   b.RoundNumber,
		WinnerID:      b.WinnerID,
		WinnerName:    b.WinnerName,
		Reward:        b.Reward.String(),
		NewDifficulty: b.NextDifficulty,
		Digest:        b.Digest,
		Hash:          b.Hash,
		Timestamp:     b.Timestamp,
	}
}

// NewPresence creates a presence push.
func NewPresence(count int) *Presence {
	return &Presence{Type: TypePresence, Count: count}
}

// NewEnergy creates an energy push.
func NewEnergy(a energy.Account) *EnergyMessage {
	return &EnergyMessage{Type: TypeEnergy, EnergyInfo: *NewEnergyInfo(a)}
}

// NewError creates an error frame.
func NewError(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewErrorFrom creates an error frame from err using its wire code.
func NewErrorFrom(err error) *ErrorMessage {
	return NewError(errors.CodeOf(err), errors.GetMessage(err))
}

// Marshal encodes a server frame.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}
