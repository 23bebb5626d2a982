package balance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/exchange"
	"tradecore/internal/ratelimit"
	"tradecore/pkg/utils"
)

// Reconciler периодически сверяет леджер с балансами бирж.
// Холды при этом не трогаются: они локальная правда о намерениях.
type Reconciler struct {
	ledger   *Ledger
	gateways map[string]exchange.Gateway
	limiter  *ratelimit.Limiter
	interval time.Duration
	logger   *utils.Logger
}

func NewReconciler(ledger *Ledger, gateways map[string]exchange.Gateway, limiter *ratelimit.Limiter, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		ledger:   ledger,
		gateways: gateways,
		limiter:  limiter,
		interval: interval,
		logger:   utils.L().WithComponent("balance-reconciler"),
	}
}

// Run крутит цикл сверки до отмены контекста.
// Первая сверка выполняется сразу, чтобы леджер был готов к торговле.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcileAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileAll(ctx)
			r.ledger.PurgeFinished(24 * time.Hour)
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context) {
	for name, gw := range r.gateways {
		if err := r.reconcileOne(ctx, name, gw); err != nil {
			r.logger.Warn("balance reconciliation failed",
				zap.String("exchange", name),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, name string, gw exchange.Gateway) error {
	// Сверка не срочная: при заполненном окне ждём свой слот
	if r.limiter != nil {
		for {
			delay := r.limiter.Acquire(name, ratelimit.ClassAccount, 1)
			if delay == 0 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	info, err := gw.FetchBalance(ctx)
	if err != nil {
		return err
	}

	total := decimal.NewFromFloat(info.Total)
	available := decimal.NewFromFloat(info.Available)
	locked := total.Sub(available)
	if locked.IsNegative() {
		locked = decimal.Zero
	}

	r.ledger.Update(name, info.Asset, total, available, locked)

	r.logger.Debug("balance reconciled",
		zap.String("exchange", name),
		zap.String("currency", info.Asset),
		zap.String("total", total.String()),
		zap.String("available", available.String()))
	return nil
}
