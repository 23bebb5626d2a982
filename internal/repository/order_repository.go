package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

const orderColumns = `id, exchange, symbol, side, type, quantity, filled_qty, avg_fill_price, status, position_id, reservation_id, idempotency_key, exchange_order_id, error_message, created_at, updated_at, filled_at`

// OrderRepository - работа с таблицей orders
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	order := &models.Order{}
	err := row.Scan(
		&order.ID,
		&order.Exchange,
		&order.Symbol,
		&order.Side,
		&order.Type,
		&order.Quantity,
		&order.FilledQty,
		&order.AvgFillPrice,
		&order.Status,
		&order.PositionID,
		&order.ReservationID,
		&order.IdempotencyKey,
		&order.ExchangeOrderID,
		&order.ErrorMessage,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.FilledAt,
	)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Create создает запись об ордере
func (r *OrderRepository) Create(order *models.Order) error {
	query := `
		INSERT INTO orders (exchange, symbol, side, type, quantity, filled_qty, avg_fill_price, status, position_id, reservation_id, idempotency_key, exchange_order_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now

	return r.db.QueryRow(
		query,
		order.Exchange,
		order.Symbol,
		order.Side,
		order.Type,
		order.Quantity,
		order.FilledQty,
		order.AvgFillPrice,
		order.Status,
		order.PositionID,
		order.ReservationID,
		order.IdempotencyKey,
		order.ExchangeOrderID,
		order.ErrorMessage,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// GetByIdempotencyKey возвращает ордер по клиентскому ключу.
// Ключ уникален: повторная отправка того же сигнала находит
// уже созданный ордер вместо создания дубликата.
func (r *OrderRepository) GetByIdempotencyKey(key string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`

	order, err := scanOrder(r.db.QueryRow(query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// GetByPositionID возвращает все ордера позиции
func (r *OrderRepository) GetByPositionID(positionID int64) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE position_id = $1 ORDER BY created_at DESC`
	return r.queryOrders(query, positionID)
}

// GetByStatus возвращает ордера с определенным статусом
func (r *OrderRepository) GetByStatus(status string) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 ORDER BY created_at DESC`
	return r.queryOrders(query, status)
}

// GetActive возвращает неторминальные ордера (для сверки при старте)
func (r *OrderRepository) GetActive() ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN ($1, $2, $3) ORDER BY created_at`
	return r.queryOrders(query, models.OrderStatusPending, models.OrderStatusOpen, models.OrderStatusPartiallyFilled)
}

// GetRecent возвращает последние N ордеров
func (r *OrderRepository) GetRecent(limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return r.queryOrders(query, limit)
}

func (r *OrderRepository) queryOrders(query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

// UpdateStatus обновляет статус и исполнение ордера
func (r *OrderRepository) UpdateStatus(id int64, status string, filledQty, avgFillPrice float64, filledAt *time.Time) error {
	query := `
		UPDATE orders
		SET status = $1, filled_qty = $2, avg_fill_price = $3, filled_at = $4, updated_at = $5
		WHERE id = $6`

	result, err := r.db.Exec(query, status, filledQty, avgFillPrice, filledAt, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// AttachPosition связывает ордер с открытой позицией
func (r *OrderRepository) AttachPosition(id, positionID int64) error {
	query := `UPDATE orders SET position_id = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.Exec(query, positionID, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// SetError помечает ордер отклонённым с сообщением об ошибке
func (r *OrderRepository) SetError(id int64, errorMessage string) error {
	query := `
		UPDATE orders
		SET error_message = $1, status = $2, updated_at = $3
		WHERE id = $4`

	result, err := r.db.Exec(query, errorMessage, models.OrderStatusRejected, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// DeleteOlderThan удаляет терминальные ордера старше указанной даты
func (r *OrderRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM orders WHERE created_at < $1 AND status IN ($2, $3, $4)`

	result, err := r.db.Exec(query, timestamp, models.OrderStatusFilled, models.OrderStatusCancelled, models.OrderStatusRejected)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// CountByStatus возвращает количество ордеров с определенным статусом
func (r *OrderRepository) CountByStatus(status string) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE status = $1`

	var count int
	err := r.db.QueryRow(query, status).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
