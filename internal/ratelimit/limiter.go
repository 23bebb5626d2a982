// Package ratelimit реализует взвешенный sliding-window контроль
// частоты запросов к биржам.
//
// Каждой паре (биржа, класс эндпоинта) соответствует своё окно,
// дополнительно глобальное окно биржи ограничивает суммарный трафик.
// Лимитер не блокирует: Acquire возвращает задержку, ожидание -
// обязанность вызывающего.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/pkg/utils"
)

// Классы эндпоинтов
const (
	ClassMarketData = "market_data"
	ClassOrder      = "order"
	ClassPosition   = "position"
	ClassAccount    = "account"

	globalClass = "_global"
)

// Config - параметры лимитера
type Config struct {
	// Window - длительность скользящего окна
	Window time.Duration

	// SafetyMargin - доля номинального лимита, доступная для использования.
	// Запас поглощает расхождение часов с биржей.
	SafetyMargin float64

	// ClassLimits - номинальный взвешенный лимит на класс за окно
	ClassLimits map[string]float64

	// GlobalLimit - номинальный лимит на весь трафик биржи за окно
	GlobalLimit float64
}

// DefaultConfig возвращает лимиты с запасом под Bybit/Binance futures
func DefaultConfig() Config {
	return Config{
		Window:       5 * time.Second,
		SafetyMargin: 0.9,
		ClassLimits: map[string]float64{
			ClassMarketData: 120,
			ClassOrder:      100,
			ClassPosition:   100,
			ClassAccount:    50,
		},
		GlobalLimit: 300,
	}
}

type entry struct {
	at     time.Time
	weight float64
}

type bucket struct {
	entries []entry
	limit   float64 // эффективный лимит (с учётом SafetyMargin)
	touched time.Time
}

// evict удаляет записи, вышедшие за окно
func (b *bucket) evict(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.entries) && !b.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}

func (b *bucket) sum() float64 {
	total := 0.0
	for _, e := range b.entries {
		total += e.weight
	}
	return total
}

// delayUntil возвращает время до момента, когда weight поместится в окно.
// Записи упорядочены по времени, освобождение идёт с самой старой.
func (b *bucket) delayUntil(now time.Time, window time.Duration, weight float64) time.Duration {
	total := b.sum()
	for _, e := range b.entries {
		if total+weight <= b.limit {
			break
		}
		total -= e.weight
		if total+weight <= b.limit {
			return e.at.Add(window).Sub(now)
		}
	}
	if total+weight <= b.limit {
		return 0
	}
	// Вес больше лимита - не поместится никогда, ждём полное окно
	return window
}

// Limiter - потокобезопасный лимитер для всех бирж процесса
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]map[string]*bucket // exchange -> class -> bucket
	logger  *utils.Logger

	// now подменяется в тестах
	now func() time.Time

	acquireCount int
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = 0.9
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]map[string]*bucket),
		logger:  utils.L().WithComponent("ratelimit"),
		now:     time.Now,
	}
}

func (l *Limiter) bucketFor(exchange, class string) *bucket {
	classes, ok := l.buckets[exchange]
	if !ok {
		classes = make(map[string]*bucket)
		l.buckets[exchange] = classes
	}
	b, ok := classes[class]
	if !ok {
		nominal := l.cfg.GlobalLimit
		if class != globalClass {
			if v, ok := l.cfg.ClassLimits[class]; ok {
				nominal = v
			} else {
				nominal = l.cfg.GlobalLimit
			}
		}
		b = &bucket{limit: nominal * l.cfg.SafetyMargin}
		classes[class] = b
	}
	return b
}

// Acquire запрашивает допуск веса weight для (exchange, class).
// Возвращает 0 при допуске (вес учтён в обоих окнах) либо задержку,
// через которую запрос стоит повторить (вес не учтён).
// weight=0 - проба: проверяет доступность, ничего не потребляя.
func (l *Limiter) Acquire(exchange, class string, weight float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	cb := l.bucketFor(exchange, class)
	gb := l.bucketFor(exchange, globalClass)
	cb.evict(now, l.cfg.Window)
	gb.evict(now, l.cfg.Window)
	cb.touched = now
	gb.touched = now

	classDelay := cb.delayUntil(now, l.cfg.Window, weight)
	globalDelay := gb.delayUntil(now, l.cfg.Window, weight)

	if classDelay > 0 || globalDelay > 0 {
		delay := classDelay
		if globalDelay > delay {
			delay = globalDelay
		}
		l.logger.Debug("rate limit hit",
			zap.String("exchange", exchange),
			zap.String("class", class),
			zap.Float64("weight", weight),
			zap.Duration("delay", delay))
		return delay
	}

	if weight > 0 {
		cb.entries = append(cb.entries, entry{at: now, weight: weight})
		gb.entries = append(gb.entries, entry{at: now, weight: weight})
	}

	l.acquireCount++
	if l.acquireCount%256 == 0 {
		l.cleanupLocked(now)
	}

	return 0
}

// Usage возвращает занятую долю окна класса, [0..1]
func (l *Limiter) Usage(exchange, class string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	classes, ok := l.buckets[exchange]
	if !ok {
		return 0
	}
	b, ok := classes[class]
	if !ok {
		return 0
	}
	b.evict(l.now(), l.cfg.Window)
	if b.limit <= 0 {
		return 0
	}
	return b.sum() / b.limit
}

// UsageSnapshot - занятость всех активных окон, ключ "exchange/class"
func (l *Limiter) UsageSnapshot() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[string]float64)
	for exchange, classes := range l.buckets {
		for class, b := range classes {
			b.evict(now, l.cfg.Window)
			if b.limit > 0 {
				out[exchange+"/"+class] = b.sum() / b.limit
			}
		}
	}
	return out
}

// cleanupLocked убирает давно не использовавшиеся пустые окна
func (l *Limiter) cleanupLocked(now time.Time) {
	stale := now.Add(-10 * l.cfg.Window)
	for exchange, classes := range l.buckets {
		for class, b := range classes {
			if len(b.entries) == 0 && b.touched.Before(stale) {
				delete(classes, class)
			}
		}
		if len(classes) == 0 {
			delete(l.buckets, exchange)
		}
	}
}
