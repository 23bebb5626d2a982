// API Integration Tests
//
// These tests verify the complete HTTP request/response cycle through all layers:
// Handler → Coordinator/Executor → Repository → Database
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"tradecore/internal/api/handlers"
	"tradecore/internal/models"
)

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	return resp
}

func testAPISignal(ts time.Time) *models.Signal {
	return &models.Signal{
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		StrategyID: "momentum",
		Exchange:   "stub",
		EntryPrice: 50000,
		StopLoss:   models.PriceHint{Percent: 3},
		TakeProfit: models.PriceHint{Percent: 5},
		Confidence: 0.8,
		Timestamp:  ts,
	}
}

// ============================================================
// Signal API Integration Tests
// ============================================================

func TestSignalAPI_SubmitAndExecute_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp := postJSON(t, ts.Server.URL+"/api/v1/signals", testAPISignal(time.Now()))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	var submitResp handlers.SubmitSignalResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if submitResp.Status != "accepted" {
		t.Errorf("expected status accepted, got %q", submitResp.Status)
	}

	// Конвейер асинхронный: ждём пока ордер и позиция окажутся в БД
	if !waitUntil(5*time.Second, func() bool {
		n, err := ts.Repos.Order.CountByStatus(models.OrderStatusFilled)
		return err == nil && n == 1
	}) {
		t.Fatal("filled order did not appear in the database")
	}

	positions, err := ts.Repos.Position.GetOpen()
	if err != nil {
		t.Fatalf("GetOpen failed: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || positions[0].Side != models.SideLong {
		t.Errorf("unexpected position: %+v", positions[0])
	}

	if ts.Gateway.placedCount() != 1 {
		t.Errorf("expected 1 order on the exchange, got %d", ts.Gateway.placedCount())
	}
}

func TestSignalAPI_DuplicateExecutedOnce_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	// Одинаковый timestamp даёт одинаковый отпечаток
	signalAt := time.Now().Truncate(time.Minute)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.Server.URL+"/api/v1/signals", testAPISignal(signalAt))
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d: expected status 202, got %d", i+1, resp.StatusCode)
		}
	}

	if !waitUntil(5*time.Second, func() bool {
		n, err := ts.Repos.Order.CountByStatus(models.OrderStatusFilled)
		return err == nil && n >= 1
	}) {
		t.Fatal("filled order did not appear in the database")
	}

	// Даём конвейеру шанс ошибиться с дублем
	time.Sleep(200 * time.Millisecond)

	if got := ts.Gateway.placedCount(); got != 1 {
		t.Errorf("duplicate signal reached the exchange: %d orders placed", got)
	}
}

func TestSignalAPI_ValidationErrors_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	tests := []struct {
		name   string
		mutate func(*models.Signal)
	}{
		{"empty symbol", func(s *models.Signal) { s.Symbol = "" }},
		{"bad side", func(s *models.Signal) { s.Side = "SIDEWAYS" }},
		{"zero entry price", func(s *models.Signal) { s.EntryPrice = 0 }},
		{"confidence out of range", func(s *models.Signal) { s.Confidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testAPISignal(time.Now())
			tt.mutate(s)

			resp := postJSON(t, ts.Server.URL+"/api/v1/signals", s)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", resp.StatusCode)
			}
		})
	}

	if ts.Gateway.placedCount() != 0 {
		t.Errorf("invalid signals reached the exchange: %d orders", ts.Gateway.placedCount())
	}
}

// ============================================================
// Position API Integration Tests
// ============================================================

func TestPositionAPI_ListAndClose_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp := postJSON(t, ts.Server.URL+"/api/v1/signals", testAPISignal(time.Now()))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	if !waitUntil(5*time.Second, func() bool {
		positions, err := ts.Repos.Position.GetOpen()
		return err == nil && len(positions) == 1
	}) {
		t.Fatal("open position did not appear in the database")
	}

	listResp, err := http.Get(ts.Server.URL + "/api/v1/positions")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer listResp.Body.Close()

	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", listResp.StatusCode)
	}

	var list handlers.GetPositionsResponse
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode positions: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("expected 1 position, got %d", list.Total)
	}

	closeResp := postJSON(t, fmt.Sprintf("%s/api/v1/positions/%d/close", ts.Server.URL, list.Positions[0].ID), nil)
	defer closeResp.Body.Close()

	if closeResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 on close, got %d", closeResp.StatusCode)
	}

	remaining, err := ts.Repos.Position.GetOpen()
	if err != nil {
		t.Fatalf("GetOpen failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected 0 open positions after close, got %d", len(remaining))
	}
}

func TestPositionAPI_NotFound_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp, err := http.Get(ts.Server.URL + "/api/v1/positions/99999")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

// ============================================================
// Events API Integration Tests
// ============================================================

func TestEventsAPI_LifecycleEventsRecorded_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp := postJSON(t, ts.Server.URL+"/api/v1/signals", testAPISignal(time.Now()))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	if !waitUntil(5*time.Second, func() bool {
		events, err := ts.Repos.Event.GetRecent(10)
		return err == nil && len(events) > 0
	}) {
		t.Fatal("lifecycle events did not appear in the database")
	}

	eventsResp, err := http.Get(ts.Server.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer eventsResp.Body.Close()

	if eventsResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", eventsResp.StatusCode)
	}

	var events handlers.GetEventsResponse
	if err := json.NewDecoder(eventsResp.Body).Decode(&events); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	if events.Total == 0 {
		t.Error("expected at least one lifecycle event")
	}
}

// ============================================================
// Status and Health Integration Tests
// ============================================================

func TestStatusAPI_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp, err := http.Get(ts.Server.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var status handlers.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}

	if len(status.Balances) != 1 {
		t.Fatalf("expected 1 balance entry, got %d", len(status.Balances))
	}
	if status.Balances[0].Exchange != "stub" || status.Balances[0].Total != "10000" {
		t.Errorf("unexpected balance entry: %+v", status.Balances[0])
	}
	if status.Draining {
		t.Error("fresh stack should not be draining")
	}
}

func TestHealthAPI_Integration(t *testing.T) {
	ts := SetupTestStack(t)
	if ts == nil {
		t.Skip("Skipping: test stack not available")
	}
	defer ts.Cleanup()

	resp, err := http.Get(ts.Server.URL + "/health")
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var health handlers.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status ok, got %q", health.Status)
	}
}
