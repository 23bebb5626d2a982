// Package dedup отсекает повторные торговые сигналы.
//
// Отпечаток сигнала - FNV-1a от (symbol, side, strategy, минута).
// Усечение метки времени до минуты склеивает ретрансляции одного
// сигнала с немного разным временем отправки.
package dedup

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// Deduplicator хранит недавние отпечатки и отклоняет повторы
// внутри окна. Чистка ленивая: устаревшие отпечатки выбрасываются
// при очередном Admit.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[uint64]time.Time
	logger *utils.Logger

	// now подменяется в тестах
	now func() time.Time

	totalChecks uint64
	duplicates  uint64
}

// Stats - счётчики для наблюдаемости
type Stats struct {
	TotalChecks uint64 `json:"total_checks"`
	Duplicates  uint64 `json:"duplicates"`
	Tracked     int    `json:"tracked"`
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[uint64]time.Time),
		logger: utils.L().WithComponent("dedup"),
		now:    time.Now,
	}
}

// Fingerprint считает отпечаток сигнала.
// Поля разделяются нулевым байтом, чтобы ("AB","C") и ("A","BC")
// не давали один отпечаток.
func Fingerprint(s *models.Signal) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.Symbol))
	h.Write([]byte{0})
	h.Write([]byte(s.Side))
	h.Write([]byte{0})
	h.Write([]byte(s.StrategyID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(s.Timestamp.Truncate(time.Minute).Unix(), 10)))
	return h.Sum64()
}

// Admit решает судьбу сигнала: true - принят, false - дубликат
func (d *Deduplicator) Admit(s *models.Signal) bool {
	fp := Fingerprint(s)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.totalChecks++
	d.purgeLocked(now)

	if _, ok := d.seen[fp]; ok {
		d.duplicates++
		d.logger.Debug("duplicate signal rejected",
			zap.String("symbol", s.Symbol),
			zap.String("side", s.Side),
			zap.String("strategy", s.StrategyID),
			zap.Uint64("fingerprint", fp))
		return false
	}

	d.seen[fp] = now
	return true
}

func (d *Deduplicator) purgeLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	for fp, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, fp)
		}
	}
}

// Seed загружает отпечатки из персистентного журнала сигналов:
// окно дедупликации переживает перезапуск процесса
func (d *Deduplicator) Seed(entries map[uint64]time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for fp, at := range entries {
		if at.After(cutoff) {
			d.seen[fp] = at
		}
	}
}

// Stats возвращает срез счётчиков
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalChecks: d.totalChecks,
		Duplicates:  d.duplicates,
		Tracked:     len(d.seen),
	}
}
