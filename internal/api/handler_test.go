package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
	"github.com/livinlefevreloca/deferral/internal/store/memory"
)

// Test Fixtures and Helpers

var testNow = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

// testClock starts at testNow and only moves when a test advances it.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureSink struct {
	mu   sync.Mutex
	sent []emitter.DeliveryContext
}

func (s *captureSink) Send(_ context.Context, _ any, dc emitter.DeliveryContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, dc)
	return nil
}

type testServer struct {
	router http.Handler
	store  *memory.Store
	sink   *captureSink
	clock  *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	registry := operation.NewRegistry()
	operation.RegisterRaw(registry, "wallet.debit")
	sink := &captureSink{}
	clock := &testClock{now: testNow}
	em := emitter.New(store, registry, sink, clock, logger)

	h := NewHandler(em, map[string]HealthFunc{
		"store": func(context.Context) error { return nil },
	}, logger)
	return &testServer{router: NewRouter(h, 1<<10), store: store, sink: sink, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func scheduleBody(id string, due time.Time) string {
	return `{"id":"` + id + `","type":"wallet.debit","payload":{"amount":1},"due_at":"` + due.Format(time.RFC3339Nano) + `"}`
}

// Schedule Tests

func TestSchedule_Created(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-1", testNow.Add(time.Hour)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	resp := decodeBody[scheduleResponse](t, rec)
	if resp.ID != "op-1" {
		t.Errorf("id = %q, want op-1", resp.ID)
	}
	if resp.Wake == nil || resp.Wake.Next == nil || resp.Wake.Next.ID != "op-1" {
		t.Errorf("wake = %+v, want next op-1", resp.Wake)
	}
	if s.store.Len() != 1 {
		t.Errorf("store holds %d operations, want 1", s.store.Len())
	}
}

func TestSchedule_GeneratesID(t *testing.T) {
	s := newTestServer(t)

	body := `{"type":"wallet.debit","payload":{},"due_at":"2030-01-01T13:00:00Z"}`
	rec := s.do(t, http.MethodPost, "/v1/operations", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[scheduleResponse](t, rec); resp.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestSchedule_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest, emitter.CodeInvalidRequest},
		{"missing type", `{"payload":{},"due_at":"2030-01-01T13:00:00Z"}`, http.StatusBadRequest, emitter.CodeInvalidRequest},
		{"due in the past", scheduleBody("op-2", testNow.Add(-time.Second)), http.StatusBadRequest, emitter.CodeInvalidDueTime},
		{"due now", scheduleBody("op-2", testNow), http.StatusBadRequest, emitter.CodeInvalidDueTime},
		{"unknown type", `{"type":"mail.send","payload":{},"due_at":"2030-01-01T13:00:00Z"}`, http.StatusBadRequest, emitter.CodeUnknownType},
		{"duplicate", scheduleBody("op-1", testNow.Add(2*time.Hour)), http.StatusConflict, emitter.CodeDuplicate},
		{"body too large", `{"type":"wallet.debit","payload":"` + strings.Repeat("x", 2048) + `"}`, http.StatusRequestEntityTooLarge, emitter.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			if rec := s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-1", testNow.Add(time.Hour))); rec.Code != http.StatusCreated {
				t.Fatalf("seed status = %d", rec.Code)
			}

			rec := s.do(t, http.MethodPost, "/v1/operations", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if resp := decodeBody[errorResponse](t, rec); resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

// fakeService drives error paths the real emitter cannot reach cheaply.
type fakeService struct {
	scheduleErr error
	emitErr     error
	nextErr     error
}

func (f *fakeService) ScheduleRequest(context.Context, emitter.ScheduleRequest) (operation.ID, operation.WakeEvent, error) {
	return "op-9", operation.WakeEvent{}, f.scheduleErr
}

func (f *fakeService) Emit(context.Context, operation.ID) (operation.WakeEvent, error) {
	return operation.WakeEvent{}, f.emitErr
}

func (f *fakeService) Next(context.Context) (*operation.NextOperation, error) {
	return nil, f.nextErr
}

func newFakeRouter(svc Service) http.Handler {
	return NewRouter(NewHandler(svc, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), 1<<20)
}

func TestSchedule_StoreUnavailable(t *testing.T) {
	router := newFakeRouter(&fakeService{scheduleErr: operation.Unavailable(errors.New("database is locked"))})

	req := httptest.NewRequest(http.MethodPost, "/v1/operations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSchedule_StoredWithoutWake(t *testing.T) {
	err := fmt.Errorf("%w: %w", operation.ErrEmitFailed, operation.Unavailable(errors.New("timeout")))
	router := newFakeRouter(&fakeService{scheduleErr: err})

	req := httptest.NewRequest(http.MethodPost, "/v1/operations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"wake":null`)) {
		t.Errorf("body = %s, want null wake", rec.Body)
	}
}

// Next and Emit Tests

func TestNext(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/operations/next", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"next":null`)) {
		t.Fatalf("empty store: status = %d, body = %s", rec.Code, rec.Body)
	}

	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-late", testNow.Add(2*time.Hour)))
	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-early", testNow.Add(time.Hour)))

	rec = s.do(t, http.MethodGet, "/v1/operations/next", "")
	resp := decodeBody[nextResponse](t, rec)
	if resp.Next == nil || resp.Next.ID != "op-early" {
		t.Errorf("next = %+v, want op-early", resp.Next)
	}
}

func TestEmit_DispatchesOnce(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-1", testNow.Add(time.Hour)))
	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-2", testNow.Add(2*time.Hour)))
	s.clock.Advance(time.Hour)

	rec := s.do(t, http.MethodPost, "/v1/operations/op-1/emit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[emitResponse](t, rec)
	if resp.Wake.ClosedID != "op-1" || resp.Wake.Next == nil || resp.Wake.Next.ID != "op-2" {
		t.Errorf("wake = %+v", resp.Wake)
	}

	// A second fire is a no-op that still reports the target.
	rec = s.do(t, http.MethodPost, "/v1/operations/op-1/emit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second emit status = %d", rec.Code)
	}
	if resp := decodeBody[emitResponse](t, rec); resp.Wake.ClosedID != "" {
		t.Errorf("second emit closed %q, want nothing", resp.Wake.ClosedID)
	}
	if len(s.sink.sent) != 1 {
		t.Errorf("sink received %d commands, want 1", len(s.sink.sent))
	}
}

func TestEmit_BeforeDueIsRefused(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-1", testNow.Add(time.Hour)))

	rec := s.do(t, http.MethodPost, "/v1/operations/op-1/emit", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[errorResponse](t, rec); resp.Code != CodeNotDue {
		t.Errorf("code = %q, want %q", resp.Code, CodeNotDue)
	}
	if len(s.sink.sent) != 0 {
		t.Fatalf("sink received %d commands before the due instant", len(s.sink.sent))
	}

	rec = s.do(t, http.MethodGet, "/v1/operations/next", "")
	if resp := decodeBody[nextResponse](t, rec); resp.Next == nil || resp.Next.ID != "op-1" {
		t.Errorf("next = %+v, want op-1 still pending", resp.Next)
	}
}

func TestEmit_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid id", "/v1/operations/op%20x/emit", nil, http.StatusBadRequest, emitter.CodeInvalidRequest},
		{"store down", "/v1/operations/op-1/emit", operation.Unavailable(errors.New("eof")), http.StatusServiceUnavailable, emitter.CodeUnavailable},
		{"delivery", "/v1/operations/op-1/emit", fmt.Errorf("%w: %w", operation.ErrEmitFailed, operation.ErrDeliveryFailed), http.StatusBadGateway, CodeDeliveryFailed},
		{"corrupt", "/v1/operations/op-1/emit", operation.Corrupt("op-1", errors.New("bad")), http.StatusInternalServerError, CodeCorrupt},
		{"not due", "/v1/operations/op-1/emit", fmt.Errorf("%w: op-1", operation.ErrNotDue), http.StatusConflict, CodeNotDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newFakeRouter(&fakeService{emitErr: tt.err})
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if resp := decodeBody[errorResponse](t, rec); resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

// Health and Metrics Tests

func TestHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name       string
		checks     map[string]HealthFunc
		wantStatus int
	}{
		{"no checks", nil, http.StatusOK},
		{"all ok", map[string]HealthFunc{"nats": func(context.Context) error { return nil }}, http.StatusOK},
		{"one down", map[string]HealthFunc{
			"store": func(context.Context) error { return nil },
			"nats":  func(context.Context) error { return errors.New("disconnected") },
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(NewHandler(&fakeService{}, tt.checks, logger), 1<<20)
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/operations", scheduleBody("op-1", testNow.Add(time.Hour)))

	rec := s.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "deferral_operations_scheduled_total") {
		t.Error("metrics output missing deferral_operations_scheduled_total")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	c := DefaultConfig()
	c.Port = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	c.Enabled = false
	if err := c.Validate(); err != nil {
		t.Errorf("disabled config should not be validated, got %v", err)
	}

	if got := DefaultConfig().Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr() = %s", got)
	}
}
