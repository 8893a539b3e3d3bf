package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

type clockFunc func() time.Time

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	methods    map[string]struct{}
	clock      clockFunc
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed idempotency records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts the HTTP methods guarded by the middleware.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method == "" {
				continue
			}
			cfg.methods[method] = struct{}{}
		}
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the stored response for a repeated Idempotency-Key from the same caller.
// Order creation is the main consumer: a retried checkout must not place a second order.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)
			if _, ok := cfg.methods[r.Method]; !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				respondError(ctx, w, http.StatusBadRequest, "MISSING_FIELDS", "missing "+cfg.headerName+" header")
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				respondError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", "unable to read request body")
				return
			}

			identity := extractRequester(ctx)
			fingerprint := requestFingerprint(r, body, identity)
			scopedKey := scopedKey(key, identity)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(ctx, scopedKey, fingerprint, now, cfg.ttl)
			if err != nil {
				handleStoreError(ctx, w, logger, err)
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(ctx, w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "another request is processing this idempotency key")
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			response := recorder.Response()

			if response.Status >= http.StatusInternalServerError {
				// Server failures are not replayed; the client may retry with the same key.
				if err := store.Release(ctx, scopedKey, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
				}
			} else if err := store.SaveResponse(ctx, scopedKey, fingerprint, response, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency save failed", zap.String("key", key), zap.String("identity", identity), zap.Error(err))
				if releaseErr := store.Release(ctx, scopedKey, fingerprint); releaseErr != nil {
					logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(releaseErr))
				}
			}

			if err := recorder.Commit(); err != nil {
				logger.Warn("idempotency response flush failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint binds a key to the caller, the target and the exact payload.
func requestFingerprint(r *http.Request, body []byte, identity string) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), identity} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func extractRequester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

// scopedKey namespaces keys per caller so two customers can pick the same key.
func scopedKey(key, identity string) string {
	if identity = strings.TrimSpace(identity); identity == "" {
		identity = "anonymous"
	}
	return identity + ":" + strings.TrimSpace(key)
}

func handleStoreError(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		respondError(ctx, w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", "idempotency key already used for a different request")
		return
	}
	logger.Error("idempotency store error", zap.Error(err))
	respondError(ctx, w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "unable to process idempotency key")
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	copyHeader(w.Header(), record.ResponseHeaders)
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// copyHeader replaces dst with a deep copy of src.
func copyHeader(dst http.Header, src map[string][]string) {
	for key := range dst {
		delete(dst, key)
	}
	for key, values := range src {
		dst[key] = append([]string(nil), values...)
	}
}

// responseRecorder buffers the handler output so it can be stored before the client sees it.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if status > 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) { return r.body.Write(data) }

func (r *responseRecorder) Response() Response {
	headers := make(http.Header, len(r.header))
	copyHeader(headers, r.header)
	return Response{Status: r.status, Headers: headers, Body: bytes.Clone(r.body.Bytes())}
}

func (r *responseRecorder) Commit() error {
	copyHeader(r.parent.Header(), r.header)
	r.parent.WriteHeader(r.status)
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
