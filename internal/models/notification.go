package models

import "time"

// Notification представляет уведомление о событии жизненного цикла
type Notification struct {
	ID         int64                  `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`
	Severity   string                 `json:"severity" db:"severity"` // info, warn, error, critical
	PositionID *int64                 `json:"position_id,omitempty" db:"position_id"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeAccepted    = "ACCEPTED"    // сигнал прошёл dedup + risk
	NotificationTypeRejected    = "REJECTED"    // сигнал отклонён
	NotificationTypeFilled      = "FILLED"      // вход исполнен
	NotificationTypeProtected   = "PROTECTED"   // SL/TP установлены
	NotificationTypeUnprotected = "UNPROTECTED" // позиция без защиты (критично!)
	NotificationTypePartialTP   = "PARTIAL_TP"  // взята ступень лестницы
	NotificationTypeTrailing    = "TRAILING"    // перенос трейлинг-стопа
	NotificationTypeBreakeven   = "BREAKEVEN"   // перенос в безубыток
	NotificationTypeProfitLock  = "PROFIT_LOCK" // фиксация профита
	NotificationTypeSL          = "SL"          // срабатывание Stop Loss
	NotificationTypeClose       = "CLOSE"       // закрытие позиции
	NotificationTypeError       = "ERROR"       // ошибка API/ордера
	NotificationTypeModeDrift   = "MODE_DRIFT"  // расхождение hedge/one-way режимов
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)
