package models

import "time"

// WorkerLease - именованный слот одиночной роли (single-writer).
//
// Одна строка на роль, CAS-семантика в репозитории гарантирует что
// держатель в каждый момент не более одного. Лиза истекает если
// heartbeat не обновлялся дольше heartbeat_timeout, после чего
// слот может занять другой кандидат.
type WorkerLease struct {
	Role          string    `json:"role" db:"role"`
	HolderID      string    `json:"holder_id" db:"holder_id"`
	Status        string    `json:"status" db:"status"`
	Metadata      string    `json:"metadata,omitempty" db:"metadata"` // произвольный JSON
	AcquiredAt    time.Time `json:"acquired_at" db:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`
}

// Известные роли
const (
	RoleTradingCoordinator = "trading-coordinator"
	RoleProtectionRunner   = "protection-runner"
	RoleBalanceReconciler  = "balance-reconciler"
)

// IsExpired возвращает true если heartbeat старше timeout
func (l *WorkerLease) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastHeartbeat) > timeout
}
