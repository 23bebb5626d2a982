package handlers

import (
	"net/http"
	"strings"

	"tradecore/internal/models"
	"tradecore/internal/repository"
)

// OrderHandler отвечает за чтение журнала ордеров
//
// Endpoints:
// - GET /api/v1/orders - последние ордера
// - GET /api/v1/orders?status=FILLED&limit=50 - с фильтрацией по статусу
// - GET /api/v1/orders/active - неисполненные ордера
type OrderHandler struct {
	orders *repository.OrderRepository
}

// NewOrderHandler создает новый OrderHandler с внедрением зависимости
func NewOrderHandler(orders *repository.OrderRepository) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// GetOrdersResponse представляет ответ списка ордеров
type GetOrdersResponse struct {
	Orders []*models.Order `json:"orders"`
	Total  int             `json:"total"`
}

// GetOrders возвращает последние ордера
//
// GET /api/v1/orders
//
// Query параметры:
// - status (string): PENDING, OPEN, PARTIALLY_FILLED, FILLED, CANCELLED, REJECTED
// - limit (int): количество записей (по умолчанию 100, максимум 500)
//
// HTTP коды:
// - 200 OK: массив ордеров, новые первыми
// - 500 Internal Server Error: ошибка базы
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []*models.Order
		err    error
	)
	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		orders, err = h.orders.GetByStatus(status)
	} else {
		orders, err = h.orders.GetRecent(parseLimit(r, 100, 500))
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get orders: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetOrdersResponse{
		Orders: orders,
		Total:  len(orders),
	})
}

// GetActiveOrders возвращает ордера в нетерминальных статусах
//
// GET /api/v1/orders/active
func (h *OrderHandler) GetActiveOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.GetActive()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get active orders: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetOrdersResponse{
		Orders: orders,
		Total:  len(orders),
	})
}
