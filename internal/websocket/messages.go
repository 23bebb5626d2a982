package websocket

import (
	"time"

	"tradecore/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeEvent - событие жизненного цикла позиции или сигнала
	// Отправляется при ACCEPTED, FILLED, PARTIAL_TP, SL, ERROR и т.д.
	MessageTypeEvent MessageType = "event"

	// MessageTypeBalanceUpdate - обновление баланса биржи
	// Отправляется после каждой сверки балансов
	MessageTypeBalanceUpdate MessageType = "balanceUpdate"

	// MessageTypeStatusUpdate - снимок состояния координатора
	MessageTypeStatusUpdate MessageType = "statusUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - сообщение о событии жизненного цикла
//
// Несёт то же событие что пишется в журнал events: тип, важность,
// привязка к позиции и метаданные (цены, объёмы, уровни защиты).
type EventMessage struct {
	BaseMessage
	Data *EventData `json:"data"`
}

// EventData - данные события
type EventData struct {
	// ID события в БД (0 если запись ещё не зафиксирована)
	ID int64 `json:"id"`

	// Тип события (ACCEPTED, REJECTED, FILLED, PARTIAL_TP, SL, ...)
	Type string `json:"type"`

	// Уровень важности (info, warn, error, critical)
	Severity string `json:"severity"`

	// ID связанной позиции (если применимо)
	PositionID *int64 `json:"position_id,omitempty"`

	// Текст сообщения
	Message string `json:"message"`

	// Дополнительные метаданные (биржа, символ, цены)
	Meta map[string]interface{} `json:"meta,omitempty"`

	// Время события
	Timestamp time.Time `json:"timestamp"`
}

// BalanceUpdateMessage - сообщение об обновлении баланса биржи
type BalanceUpdateMessage struct {
	BaseMessage
	Exchange  string `json:"exchange"`
	Currency  string `json:"currency"`
	Total     string `json:"total"`
	Available string `json:"available"`
}

// StatusUpdateMessage - сообщение со снимком координатора
type StatusUpdateMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

// NewEventMessage создает сообщение события жизненного цикла
func NewEventMessage(n *models.Notification) *EventMessage {
	return &EventMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeEvent,
			Timestamp: time.Now(),
		},
		Data: &EventData{
			ID:         n.ID,
			Type:       n.Type,
			Severity:   n.Severity,
			PositionID: n.PositionID,
			Message:    n.Message,
			Meta:       n.Meta,
			Timestamp:  n.Timestamp,
		},
	}
}

// NewBalanceUpdateMessage создает сообщение обновления баланса
func NewBalanceUpdateMessage(snapshot *models.BalanceSnapshot) *BalanceUpdateMessage {
	return &BalanceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeBalanceUpdate,
			Timestamp: time.Now(),
		},
		Exchange:  snapshot.Exchange,
		Currency:  snapshot.Currency,
		Total:     snapshot.Total.String(),
		Available: snapshot.Available.String(),
	}
}

// NewStatusUpdateMessage создает сообщение со снимком координатора
func NewStatusUpdateMessage(status interface{}) *StatusUpdateMessage {
	return &StatusUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatusUpdate,
			Timestamp: time.Now(),
		},
		Data: status,
	}
}
