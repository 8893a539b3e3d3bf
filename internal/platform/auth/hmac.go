package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quicrefill/api/internal/platform/config"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/requestctx"
)

const maxSignedBodyBytes = 1 << 20

// NonceStore tracks webhook nonces for replay prevention.
type NonceStore interface {
	// UseNonce stores the nonce for ttl and reports false when it was already seen.
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore keeps nonces as expiring Redis keys.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore returns a nonce store using SETNX with expiry.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "hmac:nonce:"}
}

// UseNonce implements NonceStore.
func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	stored, err := s.client.SetNX(ctx, s.prefix+scope+":"+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: nonce store: %w", err)
	}
	return stored, nil
}

// HMACValidator verifies signed callbacks from payment partners. The signature covers
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)) with the partner's shared secret.
type HMACValidator struct {
	secrets map[string]string
	nonces  NonceStore
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// NewHMACValidator builds a validator from the configured partner secrets.
func NewHMACValidator(cfg config.HMACConfig, nonces NonceStore) *HMACValidator {
	return &HMACValidator{
		secrets:         cfg.Secrets,
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: cfg.SignatureHeader,
		timestampHeader: cfg.TimestampHeader,
		nonceHeader:     cfg.NonceHeader,
		clockSkew:       cfg.ClockSkew,
		nonceTTL:        cfg.NonceTTL,
	}
}

// HMACPartnerFromContext returns the partner name whose secret verified the request.
func HMACPartnerFromContext(ctx context.Context) (string, bool) {
	partner, ok := ctx.Value(hmacPartnerKey{}).(string)
	return partner, ok && partner != ""
}

type hmacPartnerKey struct{}

// RequireHMAC enforces a valid signature made with the named partner's secret.
func (v *HMACValidator) RequireHMAC(partner string) func(http.Handler) http.Handler {
	partner = strings.ToLower(strings.TrimSpace(partner))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reject := func(status int, reason, message string) {
				requestctx.Logger(ctx).Warn("hmac verification failed", zap.String("partner", partner), zap.String("reason", reason))
				code := "UNAUTHORIZED"
				if status == http.StatusServiceUnavailable {
					code = "INTERNAL_ERROR"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
			}

			secret := v.secrets[partner]
			if secret == "" {
				reject(http.StatusServiceUnavailable, "secret_not_configured", "signature verification unavailable")
				return
			}

			signature, err := decodeSignature(strings.TrimSpace(r.Header.Get(v.signatureHeader)))
			if err != nil {
				reject(http.StatusUnauthorized, "signature_invalid", "signature missing or malformed")
				return
			}
			rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			timestamp, err := parseSignatureTimestamp(rawTimestamp)
			if err != nil {
				reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or invalid")
				return
			}
			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if nonce == "" {
				reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				reject(http.StatusBadRequest, "body_unreadable", "unable to read body")
				return
			}
			expected := computeHMAC([]byte(secret), canonicalString(r.Method, r.URL.EscapedPath(), body, rawTimestamp, nonce))
			if !hmac.Equal(signature, expected) {
				reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			if v.nonces == nil {
				reject(http.StatusServiceUnavailable, "nonce_store_unavailable", "signature verification unavailable")
				return
			}
			stored, err := v.nonces.UseNonce(ctx, partner, nonce, v.nonceTTL+v.clockSkew)
			if err != nil {
				reject(http.StatusServiceUnavailable, "nonce_store_error", "signature verification unavailable")
				return
			}
			if !stored {
				reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, hmacPartnerKey{}, partner)))
		})
	}
}

// Sign returns the hex signature a partner sends for a request stamped with unix seconds.
func Sign(secret, method, path string, body []byte, timestamp time.Time, nonce string) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return hex.EncodeToString(computeHMAC([]byte(secret), canonicalString(method, path, body, ts, nonce)))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func canonicalString(method, path string, body []byte, timestamp, nonce string) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
