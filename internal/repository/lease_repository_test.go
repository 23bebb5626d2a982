package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// ============================================================
// LeaseRepository Tests
// ============================================================

func TestLeaseRepositoryAcquire(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "free role acquired",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO worker_leases`).
					WithArgs("trading-coordinator", "host-1", "{}", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			expectError: nil,
		},
		{
			name: "role held by live holder",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO worker_leases`).
					WithArgs("trading-coordinator", "host-1", "{}", sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectError: ErrLeaseHeld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewLeaseRepository(db)
			err = repo.Acquire("trading-coordinator", "host-1", "{}", 60*time.Second)

			if !errors.Is(err, tt.expectError) {
				t.Errorf("expected %v, got %v", tt.expectError, err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestLeaseRepositoryHeartbeat(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "heartbeat refreshed",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE worker_leases`).
					WithArgs(sqlmock.AnyArg(), "{}", "trading-coordinator", "host-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			expectError: nil,
		},
		{
			name: "lease lost to another holder",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE worker_leases`).
					WithArgs(sqlmock.AnyArg(), "{}", "trading-coordinator", "host-1").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectError: ErrLeaseLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewLeaseRepository(db)
			err = repo.Heartbeat("trading-coordinator", "host-1", "{}")

			if !errors.Is(err, tt.expectError) {
				t.Errorf("expected %v, got %v", tt.expectError, err)
			}
		})
	}
}

func TestLeaseRepositoryRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE worker_leases`).
		WithArgs("trading-coordinator", "host-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewLeaseRepository(db)
	if err := repo.Release("trading-coordinator", "host-1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLeaseRepositoryExpireStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE worker_leases`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewLeaseRepository(db)
	expired, err := repo.ExpireStale(60 * time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 2 {
		t.Errorf("expected 2 expired leases, got %d", expired)
	}
}

func TestLeaseRepositoryGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM worker_leases`).
		WithArgs("trading-coordinator").
		WillReturnRows(sqlmock.NewRows([]string{"role", "holder_id", "status", "metadata", "acquired_at", "last_heartbeat"}).
			AddRow("trading-coordinator", "host-1", "HELD", "{}", now, now))

	repo := NewLeaseRepository(db)
	lease, err := repo.Get("trading-coordinator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.HolderID != "host-1" || lease.Status != "HELD" {
		t.Errorf("unexpected lease: %+v", lease)
	}
}

func TestLeaseRepositoryGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM worker_leases`).
		WithArgs("unknown-role").
		WillReturnRows(sqlmock.NewRows([]string{"role", "holder_id", "status", "metadata", "acquired_at", "last_heartbeat"}))

	repo := NewLeaseRepository(db)
	lease, err := repo.Get("unknown-role")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease != nil {
		t.Error("expected nil lease for missing role")
	}
}
