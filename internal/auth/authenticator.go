package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HanTheDev/plugin-pay-gateway/internal/ethsig"
)

const (
	HeaderAddress   = "X-User-Address"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

var (
	ErrMissingHeaders   = errors.New("missing authentication headers")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrExpired          = errors.New("request expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDuplicateRequest = errors.New("duplicate request")
)

// Credentials are the caller-supplied authentication headers.
type Credentials struct {
	Address   string
	Signature string
	Timestamp string
}

func CredentialsFromHeaders(h http.Header) Credentials {
	return Credentials{
		Address:   strings.TrimSpace(h.Get(HeaderAddress)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
	}
}

type Authenticator struct {
	protocol string
	window   time.Duration
	nonces   NonceStore
	now      func() time.Time
}

// DefaultWindow is used when NewAuthenticator is given a non-positive window.
const DefaultWindow = 5 * time.Minute

func NewAuthenticator(protocol string, window time.Duration, nonces NonceStore) *Authenticator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Authenticator{
		protocol: protocol,
		window:   window,
		nonces:   nonces,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Message builds the text the caller signs. The body is bound by its SHA-256
// digest, never included raw.
func Message(protocol, address, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s\nAddress: %s\nTimestamp: %s\nBody: %s",
		protocol, address, timestamp, hex.EncodeToString(sum[:]))
}

// Authenticate returns the caller address on success. Replay state is only
// touched once the signature has been verified.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials, body []byte) (string, error) {
	if creds.Address == "" || creds.Signature == "" || creds.Timestamp == "" {
		return "", ErrMissingHeaders
	}

	ts, err := strconv.ParseInt(creds.Timestamp, 10, 64)
	if err != nil {
		return "", ErrInvalidTimestamp
	}

	skew := a.now().UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > a.window.Milliseconds() {
		return "", ErrExpired
	}

	sig, err := ethsig.DecodeSignature(creds.Signature)
	if err != nil {
		return "", ErrInvalidSignature
	}
	msg := Message(a.protocol, creds.Address, creds.Timestamp, body)
	recovered, err := ethsig.RecoverPersonal([]byte(msg), sig)
	if err != nil || !ethsig.SameAddress(recovered.Hex(), creds.Address) {
		return "", ErrInvalidSignature
	}

	key := strings.ToLower(creds.Address) + "-" + strconv.FormatInt(ts, 10)
	// A timestamp stays acceptable until ts+window, which is up to two windows
	// after first sight for a future-dated request.
	fresh, err := a.nonces.Reserve(ctx, key, 2*a.window)
	if err != nil {
		return "", fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return "", ErrDuplicateRequest
	}

	return creds.Address, nil
}
