// Package auth verifies bot pushes: a strictly increasing nonce plus an
// HMAC-SHA256 signature keyed by the bot's api secret.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Failure reasons. The error text is what gets reported back to the bot.
var (
	ErrInvalidNonceFormat = errors.New("n parameter needs to be a positive integer")
	ErrNonceReplay        = errors.New("n parameter needs to be a positive integer and greater than the previous nonce")
	ErrHashMismatch       = errors.New("supplied hash does not match calculated hash")
)

// ReasonAuthenticated is the reason string of a successful check.
const ReasonAuthenticated = "authenticated"

// NonceStore persists nonce advances. AdvanceNonce must only move the stored
// value forward and report whether it did.
type NonceStore interface {
	AdvanceNonce(ctx context.Context, botID, nonce int64) (bool, error)
}

// Credentials is the part of a bot the gate needs.
type Credentials struct {
	BotID     int64
	APISecret string
	LastNonce int64
}

// Result is the outcome of one authentication attempt.
type Result struct {
	OK     bool
	Reason string
	// Err is one of the sentinel errors above, or a storage error.
	Err error
}

// Gate serialises nonce check-and-advance per bot.
type Gate struct {
	store NonceStore
	locks sync.Map // bot id -> *sync.Mutex
}

// NewGate creates a Gate over store.
func NewGate(store NonceStore) *Gate {
	return &Gate{store: store}
}

func (g *Gate) lock(botID int64) *sync.Mutex {
	m, _ := g.locks.LoadOrStore(botID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Authenticate checks a push. The nonce is consumed before the signature is
// compared, so a request with a bad hash still burns its nonce.
func (g *Gate) Authenticate(ctx context.Context, cred Credentials, suppliedHash, name, exchange, rawNonce string) Result {
	mu := g.lock(cred.BotID)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := ParseNonce(rawNonce, cred.LastNonce)
	if err != nil {
		return failed(err)
	}

	advanced, err := g.store.AdvanceNonce(ctx, cred.BotID, nonce)
	if err != nil {
		return Result{Reason: "internal error", Err: fmt.Errorf("persist nonce: %w", err)}
	}
	if !advanced {
		// another process moved the nonce past ours
		return failed(ErrNonceReplay)
	}

	if err := CheckHash(cred.APISecret, suppliedHash, name, exchange, nonce); err != nil {
		return failed(err)
	}
	return Result{OK: true, Reason: ReasonAuthenticated}
}

func failed(err error) Result {
	return Result{Reason: err.Error(), Err: err}
}

// ParseNonce validates the raw nonce against the last accepted one.
func ParseNonce(raw string, lastNonce int64) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, ErrInvalidNonceFormat
	}
	if n <= lastNonce {
		return 0, ErrNonceReplay
	}
	return n, nil
}

// CheckHash compares the supplied hex digest with Sign in constant time. The
// digest must match exactly, lowercase hex as Sign renders it.
func CheckHash(secret, supplied, name, exchange string, nonce int64) error {
	want := Sign(secret, name, exchange, nonce)
	if !hmac.Equal([]byte(want), []byte(supplied)) {
		return ErrHashMismatch
	}
	return nil
}

// Sign computes hex(HMAC-SHA256(secret, lower(name)+lower(exchange)+nonce)).
// The key is the 16 raw bytes of the secret UUID; secrets that are not UUIDs
// are used as-is.
func Sign(secret, name, exchange string, nonce int64) string {
	mac := hmac.New(sha256.New, secretKey(secret))
	mac.Write([]byte(strings.ToLower(name) + strings.ToLower(exchange) + strconv.FormatInt(nonce, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func secretKey(secret string) []byte {
	if id, err := uuid.Parse(secret); err == nil {
		return id[:]
	}
	return []byte(secret)
}

// NewSecret returns a fresh random api secret.
func NewSecret() string {
	return uuid.NewString()
}
