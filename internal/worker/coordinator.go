// Package worker реализует координацию одиночных ролей (single-writer).
//
// Каждый компонент, который не должен работать в двух экземплярах
// (торговый координатор, движок защиты, сверка балансов), занимает
// именованный лиз при старте и продлевает его heartbeat-ом. Это
// единственный механизм, не дающий двум процессам слать ордера
// параллельно.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/repository"
	"tradecore/pkg/utils"
)

var (
	// ErrRoleTaken - роль занята живым держателем, старт невозможен
	ErrRoleTaken = errors.New("role already taken")

	// ErrLeaseExpired - лиз потерян (heartbeat не успел), держатель
	// обязан остановить работу роли
	ErrLeaseExpired = errors.New("lease expired")
)

// Config - тайминги координатора
type Config struct {
	TTL               time.Duration // лиз истекает без heartbeat за это время
	HeartbeatInterval time.Duration // период продления
	SweepInterval     time.Duration // период чистки чужих истёкших лизов
}

func DefaultConfig() Config {
	return Config{
		TTL:               60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		SweepInterval:     30 * time.Second,
	}
}

// Coordinator управляет лизами процесса
type Coordinator struct {
	repo     *repository.LeaseRepository
	cfg      Config
	holderID string
	logger   *utils.Logger

	mu    sync.Mutex
	roles map[string]context.CancelFunc // активные heartbeat-циклы
}

func NewCoordinator(repo *repository.LeaseRepository, cfg Config) *Coordinator {
	hostname, _ := os.Hostname()
	holderID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}

	return &Coordinator{
		repo:     repo,
		cfg:      cfg,
		holderID: holderID,
		logger:   utils.L().WithComponent("worker"),
		roles:    make(map[string]context.CancelFunc),
	}
}

// HolderID возвращает идентификатор этого процесса
func (c *Coordinator) HolderID() string {
	return c.holderID
}

// Register занимает роль и запускает фоновое продление лиза.
// onLost вызывается один раз если лиз потерян - держатель обязан
// немедленно остановить работу роли.
func (c *Coordinator) Register(ctx context.Context, role, metadata string, onLost func()) error {
	err := c.repo.Acquire(role, c.holderID, metadata, c.cfg.TTL)
	if err != nil {
		if errors.Is(err, repository.ErrLeaseHeld) {
			return fmt.Errorf("%w: %s", ErrRoleTaken, role)
		}
		return err
	}

	hbCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.roles[role] = cancel
	c.mu.Unlock()

	c.logger.Info("role acquired",
		zap.String("role", role),
		zap.String("holder", c.holderID))

	go c.heartbeatLoop(hbCtx, role, metadata, onLost)

	return nil
}

// heartbeatLoop продлевает лиз до отмены контекста или потери роли
func (c *Coordinator) heartbeatLoop(ctx context.Context, role, metadata string, onLost func()) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.repo.Heartbeat(role, c.holderID, metadata)
			if err == nil {
				continue
			}

			if errors.Is(err, repository.ErrLeaseLost) {
				c.logger.Error("lease lost, stopping role",
					zap.String("role", role),
					zap.String("holder", c.holderID))
				c.forget(role)
				if onLost != nil {
					onLost()
				}
				return
			}

			// Сбой БД: лиз ещё может быть жив, продолжаем попытки
			// пока не выйдем за TTL
			c.logger.Warn("heartbeat failed",
				zap.String("role", role),
				zap.Error(err))
		}
	}
}

// Release отпускает роль и останавливает её heartbeat
func (c *Coordinator) Release(role string) error {
	c.forget(role)

	err := c.repo.Release(role, c.holderID)
	if err != nil && !errors.Is(err, repository.ErrLeaseLost) {
		return err
	}

	c.logger.Info("role released", zap.String("role", role))
	return nil
}

// ReleaseAll отпускает все роли процесса (выключение)
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	roles := make([]string, 0, len(c.roles))
	for role := range c.roles {
		roles = append(roles, role)
	}
	c.mu.Unlock()

	for _, role := range roles {
		if err := c.Release(role); err != nil {
			c.logger.Warn("failed to release role",
				zap.String("role", role),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) forget(role string) {
	c.mu.Lock()
	if cancel, ok := c.roles[role]; ok {
		cancel()
		delete(c.roles, role)
	}
	c.mu.Unlock()
}

// RunSweeper периодически переводит чужие протухшие лизы в EXPIRED,
// освобождая роли упавших процессов
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := c.repo.ExpireStale(c.cfg.TTL)
			if err != nil {
				c.logger.Warn("lease sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				c.logger.Info("expired stale leases", zap.Int64("count", expired))
			}
		}
	}
}
