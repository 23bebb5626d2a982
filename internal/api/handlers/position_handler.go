package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"tradecore/internal/models"
	"tradecore/internal/repository"

	"github.com/gorilla/mux"
)

// PositionCloser принудительно закрывает позицию на бирже
type PositionCloser interface {
	ForceClose(ctx context.Context, position *models.Position) error
}

// PositionHandler отвечает за чтение и принудительное закрытие позиций
//
// Endpoints:
// - GET /api/v1/positions            - открытые позиции
// - GET /api/v1/positions/{id}        - конкретная позиция
// - GET /api/v1/positions/{id}/events - журнал событий позиции
// - POST /api/v1/positions/{id}/close - принудительное закрытие
type PositionHandler struct {
	positions *repository.PositionRepository
	events    *repository.EventRepository
	closer    PositionCloser
}

// NewPositionHandler создает новый PositionHandler с внедрением зависимостей
func NewPositionHandler(positions *repository.PositionRepository, events *repository.EventRepository, closer PositionCloser) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		events:    events,
		closer:    closer,
	}
}

// GetPositionsResponse представляет список открытых позиций
type GetPositionsResponse struct {
	Positions []*models.Position `json:"positions"`
	Total     int                `json:"total"`
}

// GetPositions возвращает все открытые позиции
//
// GET /api/v1/positions
//
// HTTP коды:
// - 200 OK: массив позиций (пустой если открытых нет)
// - 500 Internal Server Error: ошибка базы
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetOpen()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get positions: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetPositionsResponse{
		Positions: positions,
		Total:     len(positions),
	})
}

// GetPosition возвращает позицию по ID
//
// GET /api/v1/positions/{id}
//
// HTTP коды:
// - 200 OK: позиция найдена
// - 400 Bad Request: невалидный ID
// - 404 Not Found: позиция не существует
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.positionID(w, r)
	if !ok {
		return
	}

	position, err := h.positions.GetByID(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Position not found")
		return
	}

	respondWithJSON(w, http.StatusOK, position)
}

// GetPositionEvents возвращает журнал событий позиции
//
// GET /api/v1/positions/{id}/events
//
// События частичных закрытий, трейлинга, breakeven и защитных
// закрытий в хронологическом порядке.
func (h *PositionHandler) GetPositionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.positionID(w, r)
	if !ok {
		return
	}

	events, err := h.events.GetByPositionID(id)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get events: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetEventsResponse{
		Events: events,
		Total:  len(events),
	})
}

// ClosePositionResponse представляет ответ принудительного закрытия
type ClosePositionResponse struct {
	Message string `json:"message"`
}

// ClosePosition принудительно закрывает позицию по рынку
//
// POST /api/v1/positions/{id}/close
//
// Размещает reduce-only маркет-ордер на весь текущий объём и
// помечает позицию закрытой. Необратимо.
//
// HTTP коды:
// - 200 OK: позиция закрыта
// - 400 Bad Request: невалидный ID
// - 404 Not Found: позиция не существует или уже закрыта
// - 502 Bad Gateway: биржа отклонила закрытие
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.positionID(w, r)
	if !ok {
		return
	}

	position, err := h.positions.GetByID(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Position not found")
		return
	}
	if !position.IsOpen() {
		respondWithError(w, http.StatusNotFound, "Position already closed")
		return
	}

	if err := h.closer.ForceClose(r.Context(), position); err != nil {
		respondWithError(w, http.StatusBadGateway, "Failed to close position: "+err.Error())
		return
	}

	if err := h.positions.Close(position.ID, time.Now()); err != nil {
		respondWithError(w, http.StatusInternalServerError, "Closed on exchange but failed to persist: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, ClosePositionResponse{Message: "Position closed"})
}

// positionID извлекает и валидирует {id} из пути
func (h *PositionHandler) positionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid position id: "+raw)
		return 0, false
	}
	return id, true
}
