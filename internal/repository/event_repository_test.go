package repository

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradecore/internal/models"
)

// ============================================================
// EventRepository Tests
// ============================================================

func TestEventRepositoryAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	positionID := int64(7)
	mock.ExpectQuery(`INSERT INTO events`).
		WithArgs(sqlmock.AnyArg(), models.NotificationTypeProtected, models.SeverityInfo,
			&positionID, "SL/TP installed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	repo := NewEventRepository(db)
	n := &models.Notification{
		Type:       models.NotificationTypeProtected,
		Severity:   models.SeverityInfo,
		PositionID: &positionID,
		Message:    "SL/TP installed",
		Meta:       map[string]interface{}{"stop_loss": 48500.0},
	}

	if err := repo.Append(n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.ID != 1 {
		t.Errorf("expected ID=1, got %d", n.ID)
	}
	if n.Timestamp.IsZero() {
		t.Error("Append must set timestamp when empty")
	}
}

func TestEventRepositoryGetByPositionID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	positionID := int64(7)
	mock.ExpectQuery(`SELECT (.+) FROM events WHERE position_id`).
		WithArgs(positionID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp", "type", "severity", "position_id", "message", "meta"}).
			AddRow(1, now, models.NotificationTypeFilled, models.SeverityInfo, &positionID, "entry filled", []byte(`{"qty":0.02}`)).
			AddRow(2, now, models.NotificationTypeProtected, models.SeverityInfo, &positionID, "SL/TP installed", nil))

	repo := NewEventRepository(db)
	events, err := repo.GetByPositionID(positionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Meta["qty"] != 0.02 {
		t.Errorf("meta not decoded: %+v", events[0].Meta)
	}
}

func TestEventRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`DELETE FROM events`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 10))

	repo := NewEventRepository(db)
	deleted, err := repo.DeleteOlderThan(time.Now().Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 10 {
		t.Errorf("expected 10 deleted, got %d", deleted)
	}
}
