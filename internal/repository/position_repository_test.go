package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tradecore/internal/models"
)

// ============================================================
// PositionRepository Tests
// ============================================================

func positionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "exchange", "symbol", "side", "strategy_id", "entry_price", "quantity",
		"initial_quantity", "leverage", "stop_loss", "take_profit", "protected",
		"highest_favorable_pct", "taken_levels", "breakeven_armed", "trailing_armed",
		"protection_update_count", "created_at", "updated_at", "closed_at",
	})
}

func TestPositionRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO positions`).
		WithArgs("bybit", "BTCUSDT", "LONG", "momentum", 50000.0, 0.02, 0.02, 3,
			48500.0, 52500.0, false, float64(0), int64(0), false, false, 0,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	repo := NewPositionRepository(db)
	p := &models.Position{
		Exchange:        "bybit",
		Symbol:          "BTCUSDT",
		Side:            "LONG",
		StrategyID:      "momentum",
		EntryPrice:      50000.0,
		Quantity:        0.02,
		InitialQuantity: 0.02,
		Leverage:        3,
		StopLoss:        48500.0,
		TakeProfit:      52500.0,
	}

	if err := repo.Create(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != 5 {
		t.Errorf("expected ID=5, got %d", p.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPositionRepositoryGetOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM positions WHERE closed_at IS NULL`).
		WillReturnRows(positionRows().
			AddRow(1, "bybit", "BTCUSDT", "LONG", "momentum", 50000.0, 0.02, 0.02, 3,
				48500.0, 52500.0, true, 1.5, int64(0), false, false, 2, now, now, nil).
			AddRow(2, "bybit", "ETHUSDT", "SHORT", "meanrev", 3000.0, 1.0, 1.0, 2,
				3090.0, 2850.0, true, 0.0, int64(1), false, false, 1, now, now, nil))

	repo := NewPositionRepository(db)
	positions, err := repo.GetOpen()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[1].TakenLevels != 1 {
		t.Errorf("TakenLevels = %d, expected 1", positions[1].TakenLevels)
	}
}

func TestPositionRepositoryUpdateProtection(t *testing.T) {
	tests := []struct {
		name        string
		rows        int64
		expectError error
	}{
		{"success", 1, nil},
		{"position missing", 0, ErrPositionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			mock.ExpectExec(`UPDATE positions`).
				WithArgs(49500.0, 52500.0, true, 2.1, int64(1), true, true, 3, sqlmock.AnyArg(), int64(1)).
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			repo := NewPositionRepository(db)
			p := &models.Position{
				ID:                    1,
				StopLoss:              49500.0,
				TakeProfit:            52500.0,
				Protected:             true,
				HighestFavorablePct:   2.1,
				TakenLevels:           1,
				BreakevenArmed:        true,
				TrailingArmed:         true,
				ProtectionUpdateCount: 3,
			}

			err = repo.UpdateProtection(p)
			if !errors.Is(err, tt.expectError) {
				t.Errorf("expected %v, got %v", tt.expectError, err)
			}
		})
	}
}

func TestPositionRepositoryClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	closedAt := time.Now()
	mock.ExpectExec(`UPDATE positions SET quantity = 0, closed_at`).
		WithArgs(closedAt, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPositionRepository(db)
	if err := repo.Close(1, closedAt); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Повторное закрытие не находит открытую строку
	mock.ExpectExec(`UPDATE positions SET quantity = 0, closed_at`).
		WithArgs(closedAt, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Close(1, closedAt); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound on double close, got %v", err)
	}
}

func TestPositionRepositoryCountOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM positions WHERE closed_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	repo := NewPositionRepository(db)
	count, err := repo.CountOpen()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}
