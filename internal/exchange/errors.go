package exchange

import (
	"errors"
	"fmt"
)

// errors.go - классификация ошибок бирж
//
// Назначение:
// Каждая ошибка биржи приводится к типу *ExchangeError с категорией Kind.
// Категория определяет, можно ли повторять операцию (Retryable)
// и как executor/движок защиты должны на неё реагировать.

// ErrorKind - категория ошибки биржи
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidParams
	KindInsufficientFunds
	KindMinNotional
	KindPositionModeMismatch
	KindThrottled
	KindAuthFailed
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidParams:
		return "INVALID_PARAMS"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindMinNotional:
		return "MIN_NOTIONAL"
	case KindPositionModeMismatch:
		return "POSITION_MODE_MISMATCH"
	case KindThrottled:
		return "THROTTLED"
	case KindAuthFailed:
		return "AUTH_FAILED"
	case KindNetwork:
		return "NETWORK"
	default:
		return "UNKNOWN"
	}
}

// ExchangeError представляет классифицированную ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string // код биржи как есть
	Message  string
	Kind     ErrorKind
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Exchange, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Exchange, e.Kind, e.Message)
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable сообщает pkg/retry можно ли повторить операцию.
// Повторяемы только троттлинг и сетевые сбои; определённые отказы
// биржи (невалидные параметры, нехватка средств) повторять нельзя.
func (e *ExchangeError) Retryable() bool {
	switch e.Kind {
	case KindThrottled, KindNetwork:
		return true
	default:
		return false
	}
}

// NewError создаёт классифицированную ошибку биржи
func NewError(exchange, code, message string, kind ErrorKind) *ExchangeError {
	return &ExchangeError{
		Exchange: exchange,
		Code:     code,
		Message:  message,
		Kind:     kind,
	}
}

// NetworkError оборачивает транспортную ошибку (таймаут, обрыв соединения)
func NetworkError(exchange string, err error) *ExchangeError {
	return &ExchangeError{
		Exchange: exchange,
		Message:  err.Error(),
		Kind:     KindNetwork,
		Original: err,
	}
}

// KindOf извлекает категорию из произвольной ошибки.
// Неклассифицированные ошибки считаются KindUnknown.
func KindOf(err error) ErrorKind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// IsKind проверяет категорию ошибки
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
