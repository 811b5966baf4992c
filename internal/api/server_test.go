package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"autopit/internal/bus"
	"autopit/internal/config"
	"autopit/internal/models"
	"autopit/internal/store"
	"autopit/internal/telemetry"
)

type rejectingBus struct{}

func (rejectingBus) Publish(context.Context, models.ServiceRequest) error {
	return errors.Join(bus.ErrRejected, errors.New("broker unreachable"))
}
func (rejectingBus) Consume(context.Context) (<-chan models.ServiceRequest, error) {
	return nil, bus.ErrClosed
}
func (rejectingBus) Close() error { return nil }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

type fixture struct {
	store  store.Store
	bus    *bus.MemoryBus
	server *httptest.Server
}

func newFixture(t *testing.T, b bus.Bus, limiter Limiter) fixture {
	t.Helper()
	st, err := store.Open(context.Background(), config.Config{
		StoreBackend: config.StoreSQLite,
		SQLitePath:   filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mem, _ := b.(*bus.MemoryBus)
	if b == nil {
		mem = bus.NewMemoryBus(16, nil)
		b = mem
	}
	t.Cleanup(func() { _ = b.Close() })

	srv := httptest.NewServer(New(config.Config{BusBackend: config.BusMemory}, st, b, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return fixture{store: st, bus: mem, server: srv}
}

func (f fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil, nil)
	if resp := f.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitQueuesAndPublishes(t *testing.T) {
	f := newFixture(t, nil, nil)
	published := telemetry.PublishedCounter.WithLabelValues(config.BusMemory)
	before := testutil.ToFloat64(published)
	resp := f.do(t, http.MethodPost, "/api/service", map[string]any{
		"vin": " 1HGCM82633A004352 ", "concern": "check engine light", "priority": 4,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	accepted := decode[acceptedResponse](t, resp)
	if accepted.Status != "Queued" || accepted.RequestID == uuid.Nil {
		t.Fatalf("unexpected body %+v", accepted)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/service/"+accepted.RequestID.String() {
		t.Fatalf("unexpected Location %q", loc)
	}

	stored, err := f.store.GetServiceRequest(context.Background(), accepted.RequestID)
	if err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
	if stored.Status != models.StatusQueued || stored.VIN != "1HGCM82633A004352" {
		t.Fatalf("unexpected stored request %+v", stored)
	}
	if f.bus.Depth() != 1 {
		t.Fatalf("expected one published request, depth=%d", f.bus.Depth())
	}
	if delta := testutil.ToFloat64(published) - before; delta != 1 {
		t.Fatalf("expected the publish counted once, got %v", delta)
	}
}

func TestSubmitValidationNeverReachesBus(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, body := range []map[string]any{
		{"vin": "", "concern": "noise", "priority": 3},
		{"vin": "1HGCM82633A004352", "concern": "  ", "priority": 3},
		{"vin": "1HGCM82633A004352", "concern": "noise", "priority": 0},
		{"vin": "1HGCM82633A004352", "concern": "noise", "priority": 6},
	} {
		if resp := f.do(t, http.MethodPost, "/api/service", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, resp.StatusCode)
		}
	}
	if f.bus.Depth() != 0 {
		t.Fatalf("invalid requests must not be published")
	}
	queued, _ := f.store.ListQueuedRequests(context.Background())
	if len(queued) != 0 {
		t.Fatalf("invalid requests must not be persisted, got %d", len(queued))
	}
}

func TestSubmitRejectedPublishIsRetryable(t *testing.T) {
	f := newFixture(t, rejectingBus{}, nil)
	resp := f.do(t, http.MethodPost, "/api/service", map[string]any{
		"vin": "1HGCM82633A004352", "concern": "noise", "priority": 2,
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on a rejected publish")
	}
	queued, _ := f.store.ListQueuedRequests(context.Background())
	if len(queued) != 1 {
		t.Fatalf("rejected request must stay recorded as Queued, got %d", len(queued))
	}
}

func TestGetServiceReportsOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if resp := f.do(t, http.MethodGet, "/api/service/not-a-uuid", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/service/"+uuid.NewString(), nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", resp.StatusCode)
	}

	req := models.NewServiceRequest("1HGCM82633A004352", "noise", 3, time.Now())
	_ = f.store.UpsertServiceRequest(ctx, req)
	view := decode[serviceView](t, f.do(t, http.MethodGet, "/api/service/"+req.ID.String(), nil))
	if view.Status != "Queued" || view.Order != nil {
		t.Fatalf("expected queued view without order, got %+v", view)
	}

	order := models.ServiceOrder{RequestID: req.ID, Technician: "Alex M", Findings: "ok", EstimatedCost: 99, CompletedUTC: time.Now().UTC()}
	_ = f.store.SaveOrder(ctx, order)
	view = decode[serviceView](t, f.do(t, http.MethodGet, "/api/service/"+req.ID.String(), nil))
	if view.Status != "Complete" || view.Order == nil || view.Order.Technician != "Alex M" {
		t.Fatalf("expected complete view with order, got %+v", view)
	}
}

func TestInQueueOrdering(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	low := models.NewServiceRequest("1HGCM82633A004351", "a", 2, base)
	highOld := models.NewServiceRequest("1HGCM82633A004352", "b", 5, base.Add(time.Minute))
	highNew := models.NewServiceRequest("1HGCM82633A004353", "c", 5, base.Add(2*time.Minute))
	done := models.NewServiceRequest("1HGCM82633A004354", "d", 5, base)
	done.Status = models.StatusComplete
	for _, r := range []models.ServiceRequest{low, highNew, done, highOld} {
		if err := f.store.UpsertServiceRequest(ctx, r); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	got := decode[[]models.ServiceRequest](t, f.do(t, http.MethodGet, "/api/service/inqueue", nil))
	want := []uuid.UUID{highOld.ID, highNew.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d queued, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %s got %s", i, want[i], got[i].ID)
		}
	}
}

func TestCarsRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp := f.do(t, http.MethodPost, "/api/cars", map[string]any{
		"vin": "1HGCM82633A004352", "make": "Honda", "model": "Accord", "year": 2019,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	car := decode[models.Car](t, f.do(t, http.MethodGet, "/api/cars/1HGCM82633A004352", nil))
	if car.Make != "Honda" || car.Year != 2019 {
		t.Fatalf("unexpected car %+v", car)
	}

	if resp := f.do(t, http.MethodPost, "/api/cars", map[string]any{"vin": "short", "make": "Honda", "model": "Accord", "year": 2019}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for short VIN, got %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/cars/UNKNOWNVIN000", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestResubmit(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	failed := models.NewServiceRequest("1HGCM82633A004352", "noise", 3, time.Now())
	failed.Status = models.StatusFailed
	failed.FailureReason = "scanner offline"
	complete := models.NewServiceRequest("1HGCM82633A004353", "noise", 3, time.Now())
	complete.Status = models.StatusComplete
	for _, r := range []models.ServiceRequest{failed, complete} {
		_ = f.store.UpsertServiceRequest(ctx, r)
	}

	resp := f.do(t, http.MethodPost, "/api/service/"+failed.ID.String()+"/resubmit", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	got, _ := f.store.GetServiceRequest(ctx, failed.ID)
	if got.Status != models.StatusQueued || got.FailureReason != "" {
		t.Fatalf("expected request back in Queued without reason, got %+v", got)
	}
	stream, _ := f.bus.Consume(ctx)
	if republished := <-stream; republished.ID != failed.ID {
		t.Fatalf("expected the same id republished, got %s", republished.ID)
	}

	resp = f.do(t, http.MethodPost, "/api/service/"+complete.ID.String()+"/resubmit", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a complete request, got %d", resp.StatusCode)
	}
}

func TestRateLimitRejects(t *testing.T) {
	f := newFixture(t, nil, denyAll{})
	resp := f.do(t, http.MethodPost, "/api/service", map[string]any{
		"vin": "1HGCM82633A004352", "concern": "noise", "priority": 2,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if f.bus.Depth() != 0 {
		t.Fatalf("rate limited request must not be published")
	}
	// Health and metrics are outside the limited group.
	if resp := f.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz to bypass the limiter, got %d", resp.StatusCode)
	}
}

func TestDeadLettersNeedBrokerBus(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp := f.do(t, http.MethodGet, "/api/bus/deadletters", nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 for the memory bus, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "memory") {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestDeadLettersFromStreamBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	sb, err := bus.NewStreamBus(context.Background(), redis.NewClient(&redis.Options{Addr: mr.Addr()}), bus.StreamConfig{
		Stream:     "api.service",
		Group:      "api.workers",
		Consumer:   "api-test",
		DeadLetter: "api.service.dead",
	}, nil)
	if err != nil {
		t.Fatalf("stream bus: %v", err)
	}
	f := newFixture(t, sb, nil)

	resp := f.do(t, http.MethodGet, "/api/bus/deadletters", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string][]bus.DeadLetter](t, resp)
	if items, ok := body["items"]; !ok || len(items) != 0 {
		t.Fatalf("expected an empty dead-letter list, got %v", body)
	}
}
