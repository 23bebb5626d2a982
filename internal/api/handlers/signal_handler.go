package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"tradecore/internal/coordinator"
	"tradecore/internal/models"
)

// SignalSubmitter принимает торговый сигнал в конвейер
type SignalSubmitter interface {
	Submit(ctx context.Context, s *models.Signal) error
}

// SignalHandler принимает входящие торговые сигналы
//
// Endpoints:
// - POST /api/v1/signals - подать сигнал в конвейер исполнения
//
// Обработка асинхронная: 202 Accepted означает что сигнал принят
// в очередь, а не что ордер размещён. Итог исполнения доступен
// через журнал событий (/api/v1/events) и WebSocket поток.
type SignalHandler struct {
	submitter SignalSubmitter
}

// NewSignalHandler создает новый SignalHandler
func NewSignalHandler(submitter SignalSubmitter) *SignalHandler {
	return &SignalHandler{submitter: submitter}
}

// SubmitSignalResponse представляет ответ приёма сигнала
type SubmitSignalResponse struct {
	Status string `json:"status"`
}

// SubmitSignal принимает сигнал и ставит его в конвейер
//
// POST /api/v1/signals
//
// Тело запроса - JSON сигнала (symbol, side, strategy_id, exchange,
// entry_price, stop_loss, take_profit, confidence, timestamp).
//
// HTTP коды:
// - 202 Accepted: сигнал принят в обработку
// - 400 Bad Request: невалидный JSON или сигнал
// - 429 Too Many Requests: конвейер заполнен (backpressure)
// - 503 Service Unavailable: координатор останавливается
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var signal models.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := signal.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid signal: "+err.Error())
		return
	}

	err := h.submitter.Submit(r.Context(), &signal)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, SubmitSignalResponse{Status: "accepted"})
	case errors.Is(err, coordinator.ErrBackpressure):
		respondWithError(w, http.StatusTooManyRequests, "Pipeline at capacity, retry later")
	case errors.Is(err, coordinator.ErrShuttingDown):
		respondWithError(w, http.StatusServiceUnavailable, "Coordinator is shutting down")
	default:
		respondWithError(w, http.StatusInternalServerError, "Failed to submit signal: "+err.Error())
	}
}
