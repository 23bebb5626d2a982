package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/exchange"
	"tradecore/internal/models"
	"tradecore/internal/ratelimit"
)

// ============================================================
// Восстановление после перезапуска
// ============================================================
//
// Процесс мог умереть между размещением ордера и записью позиции,
// между записью и установкой защиты, или биржа могла закрыть позицию
// пока процесс лежал. Сверка при старте приводит репозиторий и биржи
// к общему знаменателю:
//   - позиция на бирже без строки в БД → orphan, критическое событие
//   - строка в БД без позиции на бирже → закрыта биржей, закрываем строку
//   - совпадающие → под наблюдение монитора, незащищённые доберёт
//     retry-цикл движка

// ReconcileResult - итог стартовой сверки
type ReconcileResult struct {
	VenuePositions  int `json:"venue_positions"`
	TrackedRestored int `json:"tracked_restored"`
	StaleClosed     int `json:"stale_closed"`
	Orphaned        int `json:"orphaned"`
	Unprotected     int `json:"unprotected"`
}

// Reconcile сверяет открытые позиции репозитория с биржами
func (c *Coordinator) Reconcile(ctx context.Context) error {
	result := &ReconcileResult{}

	venue := c.fetchVenuePositions(ctx)
	result.VenuePositions = len(venue)

	tracked, err := c.positions.GetOpen()
	if err != nil {
		return fmt.Errorf("failed to load tracked positions: %w", err)
	}

	type posKey struct {
		exchange string
		symbol   string
		side     string
	}

	venueIndex := make(map[posKey]*exchange.PositionInfo, len(venue))
	for ex, infos := range venue {
		for _, info := range infos {
			venueIndex[posKey{ex, info.Symbol, info.Side}] = info
		}
	}

	matched := make(map[posKey]bool)
	for _, p := range tracked {
		key := posKey{p.Exchange, p.Symbol, p.Side}
		info, onVenue := venueIndex[key]

		if !onVenue {
			// позиции на бирже нет: сработал SL/TP или ручное закрытие
			// пока процесс лежал
			if err := c.positions.Close(p.ID, time.Now().UTC()); err != nil {
				c.logger.Error("failed to close stale position",
					zap.Int64("position_id", p.ID),
					zap.Error(err))
				continue
			}
			result.StaleClosed++
			c.emit(p, models.NotificationTypeClose, models.SeverityWarn,
				fmt.Sprintf("%s closed on venue while offline", p.Symbol), nil)
			continue
		}
		matched[key] = true

		// биржа - источник истины по размеру
		if info.Size > 0 && info.Size != p.Quantity {
			c.logger.Warn("position size drift, adopting venue size",
				zap.Int64("position_id", p.ID),
				zap.Float64("tracked", p.Quantity),
				zap.Float64("venue", info.Size))
			p.Quantity = info.Size
			if err := c.positions.UpdateQuantity(p.ID, info.Size); err != nil {
				c.logger.Error("failed to adopt venue size", zap.Error(err))
			}
		}

		if err := c.monitor.Watch(p, nil); err != nil {
			c.logger.Warn("failed to restore watch",
				zap.Int64("position_id", p.ID),
				zap.Error(err))
		}
		result.TrackedRestored++

		if !p.Protected {
			result.Unprotected++
			c.emit(p, models.NotificationTypeUnprotected, models.SeverityCritical,
				fmt.Sprintf("%s restored without protection", p.Symbol), nil)
		}
	}

	// позиции на бирже, которых нет в репозитории
	for key, info := range venueIndex {
		if matched[key] {
			continue
		}
		result.Orphaned++
		c.logger.Error("orphaned position on venue",
			zap.String("exchange", key.exchange),
			zap.String("symbol", key.symbol),
			zap.String("side", key.side),
			zap.Float64("size", info.Size))
		c.emit(nil, models.NotificationTypeModeDrift, models.SeverityCritical,
			fmt.Sprintf("orphaned %s %s on %s: size %.8f, not tracked",
				key.side, key.symbol, key.exchange, info.Size),
			map[string]interface{}{
				"exchange": key.exchange,
				"symbol":   key.symbol,
				"side":     key.side,
				"size":     info.Size,
			})
	}

	c.logger.Info("startup reconciliation complete",
		zap.Int("venue_positions", result.VenuePositions),
		zap.Int("restored", result.TrackedRestored),
		zap.Int("stale_closed", result.StaleClosed),
		zap.Int("orphaned", result.Orphaned),
		zap.Int("unprotected", result.Unprotected))
	return nil
}

// fetchVenuePositions опрашивает все биржи параллельно.
// Недоступная биржа не валит сверку: её позиции сверятся
// следующим периодическим проходом.
func (c *Coordinator) fetchVenuePositions(ctx context.Context) map[string][]*exchange.PositionInfo {
	out := make(map[string][]*exchange.PositionInfo)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, gw := range c.gateways {
		wg.Add(1)
		go func(name string, gw exchange.Gateway) {
			defer wg.Done()

			for {
				delay := c.limiter.Acquire(name, ratelimit.ClassPosition, 1)
				if delay == 0 {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			infos, err := gw.FetchPositions(ctx)
			if err != nil {
				c.logger.Warn("failed to fetch venue positions",
					zap.String("exchange", name),
					zap.Error(err))
				return
			}

			mu.Lock()
			out[name] = infos
			mu.Unlock()
		}(name, gw)
	}

	wg.Wait()
	return out
}
