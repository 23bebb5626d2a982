package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория лизов
var (
	// ErrLeaseHeld - роль уже занята живым держателем
	ErrLeaseHeld = errors.New("lease already held")

	// ErrLeaseLost - лиз истёк или перехвачен другим держателем
	ErrLeaseLost = errors.New("lease lost")
)

// LeaseRepository - строго-консистентный сервис аренды ролей.
// Одна строка на роль; захват и продление идут через условные
// UPDATE/INSERT, так что даже два процесса на одной БД не могут
// держать роль одновременно.
type LeaseRepository struct {
	db *sql.DB
}

// NewLeaseRepository создает новый экземпляр репозитория
func NewLeaseRepository(db *sql.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Acquire пытается занять роль. Успех только если строки нет
// или предыдущий лиз истёк (heartbeat старше timeout).
func (r *LeaseRepository) Acquire(role, holderID, metadata string, timeout time.Duration) error {
	now := time.Now()
	expiredBefore := now.Add(-timeout)

	query := `
		INSERT INTO worker_leases (role, holder_id, status, metadata, acquired_at, last_heartbeat)
		VALUES ($1, $2, 'HELD', $3, $4, $4)
		ON CONFLICT (role) DO UPDATE
		SET holder_id = $2, status = 'HELD', metadata = $3, acquired_at = $4, last_heartbeat = $4
		WHERE worker_leases.status <> 'HELD' OR worker_leases.last_heartbeat < $5`

	result, err := r.db.Exec(query, role, holderID, metadata, now, expiredBefore)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrLeaseHeld
	}

	return nil
}

// Heartbeat продлевает лиз. Обновление проходит только если роль
// всё ещё за holderID - иначе лиз был потерян.
func (r *LeaseRepository) Heartbeat(role, holderID, metadata string) error {
	query := `
		UPDATE worker_leases
		SET last_heartbeat = $1, metadata = $2
		WHERE role = $3 AND holder_id = $4 AND status = 'HELD'`

	result, err := r.db.Exec(query, time.Now(), metadata, role, holderID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrLeaseLost
	}

	return nil
}

// Release освобождает роль. Только текущий держатель может отпустить лиз.
func (r *LeaseRepository) Release(role, holderID string) error {
	query := `
		UPDATE worker_leases
		SET status = 'RELEASED'
		WHERE role = $1 AND holder_id = $2 AND status = 'HELD'`

	result, err := r.db.Exec(query, role, holderID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrLeaseLost
	}

	return nil
}

// ExpireStale помечает истёкшими лизы без heartbeat дольше timeout.
// Возвращает число освобождённых ролей.
func (r *LeaseRepository) ExpireStale(timeout time.Duration) (int64, error) {
	query := `
		UPDATE worker_leases
		SET status = 'EXPIRED'
		WHERE status = 'HELD' AND last_heartbeat < $1`

	result, err := r.db.Exec(query, time.Now().Add(-timeout))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// Get возвращает текущее состояние роли
func (r *LeaseRepository) Get(role string) (*models.WorkerLease, error) {
	query := `
		SELECT role, holder_id, status, metadata, acquired_at, last_heartbeat
		FROM worker_leases
		WHERE role = $1`

	lease := &models.WorkerLease{}
	err := r.db.QueryRow(query, role).Scan(
		&lease.Role,
		&lease.HolderID,
		&lease.Status,
		&lease.Metadata,
		&lease.AcquiredAt,
		&lease.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return lease, nil
}

// GetHeld возвращает все активные лизы
func (r *LeaseRepository) GetHeld() ([]*models.WorkerLease, error) {
	query := `
		SELECT role, holder_id, status, metadata, acquired_at, last_heartbeat
		FROM worker_leases
		WHERE status = 'HELD'
		ORDER BY role`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*models.WorkerLease
	for rows.Next() {
		lease := &models.WorkerLease{}
		err := rows.Scan(
			&lease.Role,
			&lease.HolderID,
			&lease.Status,
			&lease.Metadata,
			&lease.AcquiredAt,
			&lease.LastHeartbeat,
		)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return leases, nil
}
