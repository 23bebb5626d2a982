package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"tradecore/internal/models"
)

// EventRepository - append-only журнал событий жизненного цикла.
// События не обновляются и не откатываются: журнал это след того,
// что система реально сделала, а не её текущее мнение.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository создает новый экземпляр репозитория
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append записывает событие
func (r *EventRepository) Append(n *models.Notification) error {
	query := `
		INSERT INTO events (timestamp, type, severity, position_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var meta []byte
	if n.Meta != nil {
		var err error
		meta, err = json.Marshal(n.Meta)
		if err != nil {
			return err
		}
	}

	return r.db.QueryRow(
		query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.PositionID,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetRecent возвращает последние N событий
func (r *EventRepository) GetRecent(limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, position_id, message, meta
		FROM events
		ORDER BY timestamp DESC
		LIMIT $1`

	return r.queryEvents(query, limit)
}

// GetByPositionID возвращает события позиции в хронологическом порядке
func (r *EventRepository) GetByPositionID(positionID int64) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, position_id, message, meta
		FROM events
		WHERE position_id = $1
		ORDER BY timestamp`

	return r.queryEvents(query, positionID)
}

// GetByTypes возвращает последние события заданных типов
func (r *EventRepository) GetByTypes(types []string, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, timestamp, type, severity, position_id, message, meta
		FROM events
		WHERE type = ANY($1)
		ORDER BY timestamp DESC
		LIMIT $2`

	return r.queryEvents(query, typesToParam(types), limit)
}

// typesToParam упаковывает список типов в postgres-массив
func typesToParam(types []string) interface{} {
	out := "{"
	for i, t := range types {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out + "}"
}

func (r *EventRepository) queryEvents(query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var meta []byte
		err := rows.Scan(
			&n.ID,
			&n.Timestamp,
			&n.Type,
			&n.Severity,
			&n.PositionID,
			&n.Message,
			&meta,
		)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		events = append(events, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// DeleteOlderThan удаляет события старше указанной даты
func (r *EventRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM events WHERE timestamp < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
