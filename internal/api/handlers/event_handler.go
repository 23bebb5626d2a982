package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/models"
	"tradecore/internal/repository"
)

// EventHandler отвечает за журнал событий жизненного цикла
//
// Endpoints:
// - GET /api/v1/events - получение журнала событий
// - GET /api/v1/events?types=sl,error&limit=50 - с фильтрацией
// - DELETE /api/v1/events?older_than_hours=168 - очистка старых записей
//
// Журнал append-only: каждое событие конвейера (приём сигнала,
// исполнение, защита, частичные закрытия, ошибки) пишется сюда
// и дублируется в WebSocket поток.
type EventHandler struct {
	events *repository.EventRepository
}

// NewEventHandler создает новый EventHandler с внедрением зависимости
func NewEventHandler(events *repository.EventRepository) *EventHandler {
	return &EventHandler{events: events}
}

// GetEventsResponse представляет ответ списка событий
type GetEventsResponse struct {
	Events []*models.Notification `json:"events"`
	Total  int                    `json:"total"`
}

// GetEvents возвращает список событий с фильтрацией
//
// GET /api/v1/events
//
// Query параметры:
// - types (string): фильтр по типам через запятую
//   (accepted,rejected,filled,protected,unprotected,partial_tp,
//   trailing,breakeven,profit_lock,sl,close,error,mode_drift)
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK: массив событий, новые первыми
// - 500 Internal Server Error: ошибка базы
func (h *EventHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				types = append(types, strings.ToUpper(trimmed))
			}
		}
	}

	var (
		events []*models.Notification
		err    error
	)
	if len(types) > 0 {
		events, err = h.events.GetByTypes(types, limit)
	} else {
		events, err = h.events.GetRecent(limit)
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get events: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetEventsResponse{
		Events: events,
		Total:  len(events),
	})
}

// PruneEventsResponse представляет ответ очистки журнала
type PruneEventsResponse struct {
	Deleted int64 `json:"deleted"`
}

// PruneEvents удаляет события старше заданного возраста
//
// DELETE /api/v1/events?older_than_hours=168
//
// По умолчанию удаляются записи старше 7 суток. Действие необратимо.
//
// HTTP коды:
// - 200 OK: возвращает количество удалённых записей
// - 400 Bad Request: невалидный параметр
// - 500 Internal Server Error: ошибка базы
func (h *EventHandler) PruneEvents(w http.ResponseWriter, r *http.Request) {
	hours := 168
	if raw := r.URL.Query().Get("older_than_hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid older_than_hours: "+raw)
			return
		}
		hours = parsed
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	deleted, err := h.events.DeleteOlderThan(cutoff)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to prune events: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, PruneEventsResponse{Deleted: deleted})
}
