package protocol

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/errors"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{name: "auth", data: `{"type":"auth","initData":"query_id=1"}`, wantType: TypeAuth},
		{name: "status", data: `{"type":"status"}`, wantType: TypeStatus},
		{name: "missing type", data: `{"nonce":"1"}`, wantErr: true},
		{name: "invalid json", data: `{invalid json}`, wantErr: true},
		{name: "array", data: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
		})
	}
}

func TestShareRequest_Nonce(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantRound int64
		wantNonce string
		wantErr   bool
	}{
		{name: "string nonce", data: `{"type":"share","roundNumber":3,"nonce":"abc"}`, wantRound: 3, wantNonce: "abc"},
		{name: "numeric nonce", data: `{"type":"share","roundNumber":3,"nonce":123456}`, wantRound: 3, wantNonce: "123456"},
		{name: "large numeric nonce", data: `{"type":"share","roundNumber":3,"nonce":98765432109876543210}`, wantRound: 3, wantNonce: "98765432109876543210"},
		{name: "legacy block number", data: `{"type":"share","blockNumber":7,"nonce":"x"}`, wantRound: 7, wantNonce: "x"},
		{name: "round number wins", data: `{"type":"share","roundNumber":2,"blockNumber":7,"nonce":"x"}`, wantRound: 2, wantNonce: "x"},
		{name: "null nonce", data: `{"type":"share","roundNumber":1,"nonce":null}`, wantRound: 1, wantNonce: ""},
		{name: "object nonce", data: `{"type":"share","roundNumber":1,"nonce":{}}`, wantErr: true},
		{name: "bool nonce", data: `{"type":"share","roundNumber":1,"nonce":true}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			var req ShareRequest
			err = msg.Decode(&req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeValidation) {
					t.Errorf("Decode() error type = %v, want validation", err)
				}
				return
			}
			if req.Round() != tt.wantRound {
				t.Errorf("Round() = %d, want %d", req.Round(), tt.wantRound)
			}
			if string(req.Nonce) != tt.wantNonce {
				t.Errorf("Nonce = %q, want %q", req.Nonce, tt.wantNonce)
			}
		})
	}
}

func TestNewShareResult(t *testing.T) {
	res := round.Result{
		Status:   round.StatusAccepted,
		IsLeader: true,
		Digest:   "00ff",
		Energy:   energy.Account{Current: 8, Max: 10},
	}

	data, err := Marshal(NewShareResult(res))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != TypeShareResult || got["status"] != "accepted" || got["isLeader"] != true {
		t.Errorf("unexpected frame %s", data)
	}
	if _, ok := got["reason"]; ok {
		t.Errorf("empty reason should be omitted: %s", data)
	}
	e := got["energy"].(map[string]any)
	if e["current"] != float64(8) || e["max"] != float64(10) {
		t.Errorf("energy = %v", e)
	}
}

func TestNewStatusInfo(t *testing.T) {
	snap := round.Snapshot{
		RoundNumber:  4,
		Difficulty:   0.5,
		Target:       new(big.Int).Lsh(big.NewInt(1), 128),
		TargetBits:   0x11010000,
		NextReward:   decimal.RequireFromString("1499.997"),
		PreviousHash: strings.Repeat("0", 64),
		Age:          1500 * time.Millisecond,
	}

	info := NewStatusInfo(snap, 3, 1000000)
	if info.Target != strings.Repeat("0", 31)+"1"+strings.Repeat("0", 32) {
		t.Errorf("Target = %s", info.Target)
	}
	if info.TargetBits != "11010000" {
		t.Errorf("TargetBits = %s", info.TargetBits)
	}
	if info.NextReward != "1499.997" || info.MinersOnline != 3 || info.RoundAge != 1500 {
		t.Errorf("unexpected info %+v", info)
	}

	data, err := Marshal(NewStatus(info))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"status"`) || !strings.Contains(string(data), `"roundNumber":4`) {
		t.Errorf("status frame not flattened: %s", data)
	}
}

func TestNewRoundFinalized(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := &round.Block{
		RoundNumber:    9,
		WinnerID:       "42",
		WinnerName:     "alice",
		Reward:         decimal.RequireFromString("1499.992"),
		NextDifficulty: 0.11,
		Digest:         "0abc",
		Hash:           "ffee",
		Timestamp:      ts,
	}

	got := NewRoundFinalized(b)
	if got.Type != TypeRoundFinalized || got.Reward != "1499.992" || got.NewDifficulty != 0.11 || !got.Timestamp.Equal(ts) {
		t.Errorf("unexpected frame %+v", got)
	}
}

func TestNewErrorFrom(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
	}{
		{errors.Validation("validate_share", "nonce is empty"), CodeInvalid},
		{errors.New(errors.ErrorTypeUnauthenticated, "verify", "bad hash"), CodeUnauthenticated},
		{errors.New(errors.ErrorTypeCollaborator, "load_energy", "store down"), CodeServerError},
	}

	for _, tt := range tests {
		got := NewErrorFrom(tt.err)
		if got.Code != tt.wantCode {
			t.Errorf("NewErrorFrom(%v).Code = %s, want %s", tt.err, got.Code, tt.wantCode)
		}
		if got.Type != TypeError || got.Message == "" {
			t.Errorf("unexpected frame %+v", got)
		}
	}
}
