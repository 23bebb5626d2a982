package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория сигналов
var (
	ErrSignalNotFound = errors.New("signal not found")
)

// SignalRepository - журнал принятых сигналов.
// Отпечаток уникален: повторная вставка того же отпечатка
// не создаёт вторую строку (insert-if-absent).
type SignalRepository struct {
	db *sql.DB
}

// NewSignalRepository создает новый экземпляр репозитория
func NewSignalRepository(db *sql.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// Record сохраняет принятый сигнал. Возвращает false если отпечаток
// уже записан - страховка от дублей поверх in-memory дедупликатора
// на случай рестарта процесса.
func (r *SignalRepository) Record(s *models.Signal, fingerprint uint64) (bool, error) {
	query := `
		INSERT INTO signals (fingerprint, symbol, side, strategy_id, exchange, entry_price, confidence, risk_profile, signal_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (fingerprint) DO NOTHING
		RETURNING id`

	err := r.db.QueryRow(
		query,
		int64(fingerprint),
		s.Symbol,
		s.Side,
		s.StrategyID,
		s.Exchange,
		s.EntryPrice,
		s.Confidence,
		s.RiskProfile,
		s.Timestamp,
		time.Now(),
	).Scan(&s.ID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// ON CONFLICT DO NOTHING не вернул строку - дубликат
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// SeenSince возвращает отпечатки сигналов, записанные после cutoff.
// Используется при старте для прогрева in-memory дедупликатора.
func (r *SignalRepository) SeenSince(cutoff time.Time) (map[uint64]time.Time, error) {
	query := `SELECT fingerprint, created_at FROM signals WHERE created_at >= $1`

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[uint64]time.Time)
	for rows.Next() {
		var fp int64
		var at time.Time
		if err := rows.Scan(&fp, &at); err != nil {
			return nil, err
		}
		seen[uint64(fp)] = at
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return seen, nil
}

// GetRecent возвращает последние N сигналов
func (r *SignalRepository) GetRecent(limit int) ([]*models.Signal, error) {
	query := `
		SELECT id, symbol, side, strategy_id, exchange, entry_price, confidence, risk_profile, signal_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s := &models.Signal{}
		err := rows.Scan(
			&s.ID,
			&s.Symbol,
			&s.Side,
			&s.StrategyID,
			&s.Exchange,
			&s.EntryPrice,
			&s.Confidence,
			&s.RiskProfile,
			&s.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return signals, nil
}

// DeleteOlderThan удаляет сигналы старше указанной даты
func (r *SignalRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM signals WHERE created_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
