package repository

import (
	"database/sql"
	"errors"
	"time"

	"tradecore/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

const positionColumns = `id, exchange, symbol, side, strategy_id, entry_price, quantity, initial_quantity, leverage, stop_loss, take_profit, protected, highest_favorable_pct, taken_levels, breakeven_armed, trailing_armed, protection_update_count, created_at, updated_at, closed_at`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*models.Position, error) {
	p := &models.Position{}
	err := row.Scan(
		&p.ID,
		&p.Exchange,
		&p.Symbol,
		&p.Side,
		&p.StrategyID,
		&p.EntryPrice,
		&p.Quantity,
		&p.InitialQuantity,
		&p.Leverage,
		&p.StopLoss,
		&p.TakeProfit,
		&p.Protected,
		&p.HighestFavorablePct,
		&p.TakenLevels,
		&p.BreakevenArmed,
		&p.TrailingArmed,
		&p.ProtectionUpdateCount,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create создает запись о позиции
func (r *PositionRepository) Create(p *models.Position) error {
	query := `
		INSERT INTO positions (exchange, symbol, side, strategy_id, entry_price, quantity, initial_quantity, leverage, stop_loss, take_profit, protected, highest_favorable_pct, taken_levels, breakeven_armed, trailing_armed, protection_update_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	return r.db.QueryRow(
		query,
		p.Exchange,
		p.Symbol,
		p.Side,
		p.StrategyID,
		p.EntryPrice,
		p.Quantity,
		p.InitialQuantity,
		p.Leverage,
		p.StopLoss,
		p.TakeProfit,
		p.Protected,
		p.HighestFavorablePct,
		p.TakenLevels,
		p.BreakevenArmed,
		p.TrailingArmed,
		p.ProtectionUpdateCount,
		p.CreatedAt,
		p.UpdatedAt,
	).Scan(&p.ID)
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(id int64) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := scanPosition(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetOpen возвращает все открытые позиции
func (r *PositionRepository) GetOpen() ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE closed_at IS NULL ORDER BY created_at`
	return r.queryPositions(query)
}

// GetOpenBySymbol возвращает открытые позиции по символу
func (r *PositionRepository) GetOpenBySymbol(exchange, symbol string) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE closed_at IS NULL AND exchange = $1 AND symbol = $2`
	return r.queryPositions(query, exchange, symbol)
}

// GetUnprotected возвращает открытые позиции без установленной защиты
func (r *PositionRepository) GetUnprotected() ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE closed_at IS NULL AND protected = false`
	return r.queryPositions(query)
}

func (r *PositionRepository) queryPositions(query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// UpdateProtection сохраняет новые уровни защиты и состояние движка.
// protection_update_count монотонно растёт, откат запрещён на уровне SQL.
func (r *PositionRepository) UpdateProtection(p *models.Position) error {
	query := `
		UPDATE positions
		SET stop_loss = $1, take_profit = $2, protected = $3, highest_favorable_pct = $4,
		    taken_levels = $5, breakeven_armed = $6, trailing_armed = $7,
		    protection_update_count = GREATEST(protection_update_count, $8), updated_at = $9
		WHERE id = $10`

	result, err := r.db.Exec(
		query,
		p.StopLoss,
		p.TakeProfit,
		p.Protected,
		p.HighestFavorablePct,
		p.TakenLevels,
		p.BreakevenArmed,
		p.TrailingArmed,
		p.ProtectionUpdateCount,
		time.Now(),
		p.ID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// UpdateQuantity обновляет текущий размер после частичного закрытия
func (r *PositionRepository) UpdateQuantity(id int64, quantity float64) error {
	query := `UPDATE positions SET quantity = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.Exec(query, quantity, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// Close помечает позицию закрытой
func (r *PositionRepository) Close(id int64, closedAt time.Time) error {
	query := `UPDATE positions SET quantity = 0, closed_at = $1, updated_at = $2 WHERE id = $3 AND closed_at IS NULL`

	result, err := r.db.Exec(query, closedAt, time.Now(), id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// CountOpen возвращает количество открытых позиций
func (r *PositionRepository) CountOpen() (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE closed_at IS NULL`

	var count int
	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// CountOpenBySide возвращает количество открытых позиций по направлению
func (r *PositionRepository) CountOpenBySide(side string) (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE closed_at IS NULL AND side = $1`

	var count int
	err := r.db.QueryRow(query, side).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
