package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quicrefill/api/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// memoryStore mirrors RedisStore semantics without a server.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]Record{}}
}

func (s *memoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, _ time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
	record := Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	s.records[key] = record
	return Reservation{State: ReservationStateNew, Record: record}, nil
}

func (s *memoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = Record{
		Key:             key,
		Fingerprint:     fingerprint,
		Status:          StatusCompleted,
		ResponseStatus:  resp.Status,
		ResponseHeaders: sanitizeHeaders(resp.Headers),
		ResponseBody:    resp.Body,
		UpdatedAt:       now,
	}
	return nil
}

func (s *memoryStore) Release(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func orderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	ctx := auth.WithIdentity(req.Context(), &auth.Identity{UID: "customer-1", Role: auth.RoleCustomer})
	return req.WithContext(ctx)
}

func TestMiddlewareMissingHeader(t *testing.T) {
	handler := Middleware(newMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when header is missing")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, orderRequest("", `{"serviceId":"svc-1"}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "MISSING_FIELDS")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(newMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"order-1"}}`))
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, orderRequest("checkout-1", `{"serviceId":"svc-1"}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, orderRequest("checkout-1", `{"serviceId":"svc-1"}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated || rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected replayed response, got %d %s", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestMiddlewareConflictingFingerprint(t *testing.T) {
	handler := Middleware(newMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), orderRequest("checkout-1", `{"serviceId":"svc-1"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, orderRequest("checkout-1", `{"serviceId":"svc-2"}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "IDEMPOTENCY_KEY_CONFLICT")
}

func TestMiddlewarePendingReservation(t *testing.T) {
	store := newMemoryStore()
	req := orderRequest("checkout-1", `{"serviceId":"svc-1"}`)
	fingerprint := requestFingerprint(req, []byte(`{"serviceId":"svc-1"}`), "customer-1")
	if _, err := store.Reserve(context.Background(), scopedKey("checkout-1", "customer-1"), fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while another request holds the key")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "IDEMPOTENCY_IN_PROGRESS")
}

func TestMiddlewareServerErrorReleasesKey(t *testing.T) {
	var calls int
	handler := Middleware(newMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, orderRequest("checkout-1", `{}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, orderRequest("checkout-1", `{}`))

	if rr1.Code != http.StatusBadGateway || rr2.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after server error, got %d %d calls=%d", rr1.Code, rr2.Code, calls)
	}
}

type failingStore struct{ memoryStore }

func (s *failingStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{}, errors.New("redis unavailable")
}

func TestMiddlewareStoreFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	Middleware(&failingStore{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run when the store is down")
	})).ServeHTTP(rr, orderRequest("checkout-1", `{}`))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMiddlewareSkipsSafeMethods(t *testing.T) {
	called := false
	rr := httptest.NewRecorder()
	Middleware(newMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if !called {
		t.Fatal("expected GET to bypass idempotency")
	}
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Success || body.Error != expected {
		t.Fatalf("expected error code %s, got %+v", expected, body)
	}
}
