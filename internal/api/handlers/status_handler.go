package handlers

import (
	"net/http"
	"time"

	"tradecore/internal/balance"
	"tradecore/internal/coordinator"
	"tradecore/internal/dedup"
	"tradecore/internal/models"
	"tradecore/internal/ratelimit"
	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

// StatsProvider отдаёт моментальное состояние координатора
type StatsProvider interface {
	Stats() coordinator.Stats
}

// StatusHandler отвечает за health-check и операционный статус
//
// Endpoints:
// - GET /health - агрегированное состояние компонентов
// - GET /api/v1/status - позиции, резервации, лимиты, дедупликация
type StatusHandler struct {
	stats     StatsProvider
	ledger    *balance.Ledger
	limiter   *ratelimit.Limiter
	positions *repository.PositionRepository
	leases    *repository.LeaseRepository
	exchanges []string
	currency  string
	startedAt time.Time
}

// NewStatusHandler создает новый StatusHandler с внедрением зависимостей
func NewStatusHandler(
	stats StatsProvider,
	ledger *balance.Ledger,
	limiter *ratelimit.Limiter,
	positions *repository.PositionRepository,
	leases *repository.LeaseRepository,
	exchanges []string,
	currency string,
) *StatusHandler {
	return &StatusHandler{
		stats:     stats,
		ledger:    ledger,
		limiter:   limiter,
		positions: positions,
		leases:    leases,
		exchanges: exchanges,
		currency:  currency,
		startedAt: time.Now(),
	}
}

// LeaseStatus представляет состояние лиза роли
type LeaseStatus struct {
	Role         string  `json:"role"`
	HolderID     string  `json:"holder_id"`
	HeartbeatAge float64 `json:"heartbeat_age_seconds"`
}

// HealthResponse представляет ответ health-check
type HealthResponse struct {
	Status    string        `json:"status"` // ok | degraded
	LeaseHeld bool          `json:"lease_held"`
	Draining  bool          `json:"draining"`
	Leases    []LeaseStatus `json:"leases,omitempty"`
}

// GetHealth возвращает агрегированное состояние компонентов
//
// GET /health
//
// HTTP коды:
// - 200 OK: процесс работает и держит лиз
// - 503 Service Unavailable: лиз потерян или идёт остановка
func (h *StatusHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	st := h.stats.Stats()

	resp := HealthResponse{
		Status:    "ok",
		LeaseHeld: st.LeaseHeld,
		Draining:  st.Draining,
	}

	if held, err := h.leases.GetHeld(); err == nil {
		now := time.Now()
		for _, lease := range held {
			resp.Leases = append(resp.Leases, LeaseStatus{
				Role:         lease.Role,
				HolderID:     lease.HolderID,
				HeartbeatAge: now.Sub(lease.LastHeartbeat).Seconds(),
			})
		}
	}

	code := http.StatusOK
	if !st.LeaseHeld || st.Draining {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondWithJSON(w, code, resp)
}

// BalanceStatus представляет баланс одной биржи
type BalanceStatus struct {
	Exchange  string `json:"exchange"`
	Currency  string `json:"currency"`
	Total     string `json:"total"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
}

// StatusResponse представляет операционный статус
type StatusResponse struct {
	HolderID      string             `json:"holder_id"`
	InFlight      int                `json:"in_flight"`
	MaxInFlight   int                `json:"max_in_flight"`
	Draining      bool               `json:"draining"`
	OpenPositions []*models.Position `json:"open_positions"`
	Balances      []BalanceStatus    `json:"balances"`
	BucketUsage   map[string]float64 `json:"bucket_usage"`
	Dedup         dedup.Stats        `json:"dedup"`
	Uptime        string             `json:"uptime"`
}

// GetStatus возвращает операционный статус координатора
//
// GET /api/v1/status
//
// Открытые позиции, балансы с учётом резерваций, загрузка окон
// rate-limit по (биржа, класс) и статистика дедупликации.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.stats.Stats()

	positions, err := h.positions.GetOpen()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get positions: "+err.Error())
		return
	}

	balances := make([]BalanceStatus, 0, len(h.exchanges))
	for _, name := range h.exchanges {
		snap, err := h.ledger.Snapshot(name, h.currency)
		if err != nil {
			continue // биржа ещё не отчиталась балансом
		}
		balances = append(balances, BalanceStatus{
			Exchange:  snap.Exchange,
			Currency:  snap.Currency,
			Total:     snap.Total.String(),
			Available: snap.Available.String(),
			Reserved:  snap.Reserved.String(),
		})
	}

	respondWithJSON(w, http.StatusOK, StatusResponse{
		HolderID:      st.HolderID,
		InFlight:      st.InFlight,
		MaxInFlight:   st.MaxInFlight,
		Draining:      st.Draining,
		OpenPositions: positions,
		Balances:      balances,
		BucketUsage:   h.limiter.UsageSnapshot(),
		Dedup:         st.Dedup,
		Uptime:        utils.FormatDuration(time.Since(h.startedAt)),
	})
}
