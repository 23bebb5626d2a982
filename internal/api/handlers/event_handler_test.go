package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradecore/internal/repository"
)

func testEventHandler(t *testing.T) (*EventHandler, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewEventHandler(repository.NewEventRepository(db)), mock
}

func eventTestRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "timestamp", "type", "severity", "position_id", "message", "meta"})
}

func TestGetEventsRecent(t *testing.T) {
	h, mock := testEventHandler(t)

	rows := eventTestRows().
		AddRow(int64(1), time.Now(), "FILLED", "info", int64(7), "order filled", nil).
		AddRow(int64(2), time.Now(), "PROTECTED", "info", int64(7), "protection set", nil)
	mock.ExpectQuery("SELECT (.+) FROM events").
		WithArgs(100).
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	rec := httptest.NewRecorder()

	h.GetEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp GetEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("total = %d, ожидалось 2", resp.Total)
	}
}

func TestGetEventsTypeFilterUppercased(t *testing.T) {
	h, mock := testEventHandler(t)

	// типы из query нормализуются в верхний регистр
	mock.ExpectQuery("SELECT (.+) FROM events").
		WithArgs("{SL,ERROR}", 50).
		WillReturnRows(eventTestRows())

	req := httptest.NewRequest("GET", "/api/v1/events?types=sl,error&limit=50", nil)
	rec := httptest.NewRecorder()

	h.GetEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("фильтр типов не дошёл до запроса: %v", err)
	}
}

func TestGetEventsLimitCapped(t *testing.T) {
	h, mock := testEventHandler(t)

	// запрос на 9999 записей урезается до потолка 500
	mock.ExpectQuery("SELECT (.+) FROM events").
		WithArgs(500).
		WillReturnRows(eventTestRows())

	req := httptest.NewRequest("GET", "/api/v1/events?limit=9999", nil)
	rec := httptest.NewRecorder()

	h.GetEvents(rec, req)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("лимит не урезан: %v", err)
	}
}

func TestPruneEventsDefaultCutoff(t *testing.T) {
	h, mock := testEventHandler(t)

	mock.ExpectExec("DELETE FROM events WHERE timestamp <").
		WillReturnResult(sqlmock.NewResult(0, 42))

	req := httptest.NewRequest("DELETE", "/api/v1/events", nil)
	rec := httptest.NewRecorder()

	h.PruneEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp PruneEventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Deleted != 42 {
		t.Errorf("deleted = %d, ожидалось 42", resp.Deleted)
	}
}

func TestPruneEventsInvalidParam(t *testing.T) {
	h, _ := testEventHandler(t)

	req := httptest.NewRequest("DELETE", "/api/v1/events?older_than_hours=-5", nil)
	rec := httptest.NewRecorder()

	h.PruneEvents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, ожидалось 400", rec.Code)
	}
}
