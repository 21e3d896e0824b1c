// Package identity verifies client credentials. The only credential kind is
// a Telegram WebApp initData string.
package identity

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/bardlex/xenohash/internal/presence"
	"github.com/bardlex/xenohash/pkg/errors"
	"github.com/bardlex/xenohash/pkg/log"
)

// Verifier turns a credential into an identity. Bad credentials yield an
// unauthenticated error; anything else is a backend failure.
type Verifier interface {
	Verify(ctx context.Context, credential string) (presence.Identity, error)
}

// Default development identity.
const (
	DevUserID   = "123456789"
	DevUsername = "test_user"
)

// TelegramConfig configures a TelegramVerifier.
type TelegramConfig struct {
	BotToken string
	// MaxAge rejects initData whose auth_date is older. Zero disables the check.
	MaxAge time.Duration
	// Bypass skips signature checks. Only honored in development.
	Bypass bool
}

// TelegramVerifier checks the initData HMAC described by Telegram:
// secret = HMAC_SHA256(key "WebAppData", bot token) and
// hash = hex(HMAC_SHA256(secret, data-check-string)).
type TelegramVerifier struct {
	cfg    TelegramConfig
	logger *log.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewTelegramVerifier creates a verifier.
func NewTelegramVerifier(cfg TelegramConfig, logger *log.Logger) *TelegramVerifier {
	v := &TelegramVerifier{
		cfg:    cfg,
		logger: logger.WithComponent("identity"),
		Now:    time.Now,
	}
	if cfg.Bypass {
		v.logger.Warn("telegram authentication bypass enabled")
	}
	return v
}

type telegramUser struct {
	ID        json.Number `json:"id"`
	Username  string      `json:"username"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
}

func (u telegramUser) identity() presence.Identity {
	name := u.Username
	if name == "" {
		name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	if name == "" {
		name = "user" + u.ID.String()
	}
	return presence.Identity{ExternalID: u.ID.String(), DisplayName: name}
}

// Verify implements Verifier.
func (v *TelegramVerifier) Verify(_ context.Context, initData string) (presence.Identity, error) {
	if v.cfg.Bypass {
		return v.bypass(initData), nil
	}

	if v.cfg.BotToken == "" {
		return presence.Identity{}, errors.New(errors.ErrorTypeCollaborator, "verify_identity", "bot token not configured")
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return presence.Identity{}, unauthenticated("malformed init data")
	}

	hash := values.Get("hash")
	if hash == "" {
		return presence.Identity{}, unauthenticated("hash not found")
	}
	expected := Sign(v.cfg.BotToken, values)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
		return presence.Identity{}, unauthenticated("invalid hash")
	}

	if v.cfg.MaxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return presence.Identity{}, unauthenticated("auth_date missing")
		}
		if v.Now().Sub(time.Unix(authDate, 0)) > v.cfg.MaxAge {
			return presence.Identity{}, unauthenticated("init data expired")
		}
	}

	user, err := parseUser(values.Get("user"))
	if err != nil {
		return presence.Identity{}, unauthenticated("user data not found")
	}
	return user.identity(), nil
}

func (v *TelegramVerifier) bypass(initData string) presence.Identity {
	if values, err := url.ParseQuery(initData); err == nil {
		if user, err := parseUser(values.Get("user")); err == nil {
			return user.identity()
		}
	}
	v.logger.Debug("using default development identity")
	return presence.Identity{ExternalID: DevUserID, DisplayName: DevUsername}
}

func parseUser(raw string) (telegramUser, error) {
	var u telegramUser
	if raw == "" {
		return u, errors.Validation("parse_user", "user is empty")
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return u, err
	}
	if u.ID == "" {
		return u, errors.Validation("parse_user", "user has no id")
	}
	return u, nil
}

// Sign computes the hex hash Telegram would attach to values. The hash key
// itself is ignored.
func Sign(botToken string, values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func unauthenticated(msg string) error {
	return errors.New(errors.ErrorTypeUnauthenticated, "verify_identity", msg)
}
