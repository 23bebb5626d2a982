package utils

// validator.go - валидация входных данных
//
// Назначение:
// Проверка корректности данных на внешних границах системы
// (HTTP API, конфигурация, сигналы).
//
// Функции:
// - ValidateSymbol / NormalizeSymbol: торговый символ (BTCUSDT)
// - ValidateExchange / NormalizeExchange: имя биржи
// - ValidateLeverage, ValidateFraction, ValidatePositive
// - ValidateAPIKey / ValidateAPISecret
// - ValidationErrors: аккумулятор ошибок по полям
//
// Возвращает error с описанием проблемы или nil.

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Базовые ошибки валидации
var (
	ErrInvalidSymbol   = errors.New("invalid symbol format")
	ErrInvalidExchange = errors.New("unsupported exchange")
)

// SupportedExchanges - биржи, для которых есть шлюзы
var SupportedExchanges = []string{"bybit", "binance"}

var symbolRe = regexp.MustCompile(`^[A-Z0-9]{2,30}$`)
var apiKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NormalizeSymbol приводит символ к каноническому виду:
// верхний регистр, без разделителей (BTC-usdt -> BTCUSDT).
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// ValidateSymbol проверяет формат торгового символа после нормализации.
//
// Символ: 2-30 символов, заглавные латинские буквы и цифры.
func ValidateSymbol(symbol string) error {
	s := NormalizeSymbol(symbol)
	if s == "" {
		return fmt.Errorf("symbol is empty")
	}
	if !symbolRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// NormalizeExchange приводит имя биржи к нижнему регистру без пробелов
func NormalizeExchange(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// ValidateExchange проверяет что биржа поддерживается
func ValidateExchange(exchange string) error {
	name := NormalizeExchange(exchange)
	if name == "" {
		return fmt.Errorf("exchange is empty")
	}
	for _, e := range SupportedExchanges {
		if e == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidExchange, exchange)
}

// IsValidExchange - булева обёртка над ValidateExchange
func IsValidExchange(exchange string) bool {
	return ValidateExchange(exchange) == nil
}

// GetSupportedExchanges возвращает копию списка поддерживаемых бирж
func GetSupportedExchanges() []string {
	result := make([]string, len(SupportedExchanges))
	copy(result, SupportedExchanges)
	return result
}

// ValidatePositive проверяет что значение строго положительное.
func ValidatePositive(name string, value float64) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, value)
	}
	return nil
}

// ValidateLeverage проверяет плечо (1..125).
func ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage must be in range [1, 125], got %d", leverage)
	}
	return nil
}

// ValidateFraction проверяет долю в диапазоне (0, 1].
func ValidateFraction(name string, value float64) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in range (0, 1], got %v", name, value)
	}
	return nil
}

// ValidatePercentage проверяет процент в диапазоне [0, 100].
func ValidatePercentage(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("percentage must be in range [0, 100], got %v", pct)
	}
	return nil
}

// ValidateAPIKey выполняет базовую проверку API ключа.
//
// Ключи бирж: >= 16 символов, только буквы, цифры, дефис и подчёркивание.
func ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("api key is empty")
	}
	if len(key) < 16 {
		return fmt.Errorf("api key too short")
	}
	if !apiKeyRe.MatchString(key) {
		return fmt.Errorf("api key contains invalid characters")
	}
	return nil
}

// ValidateAPISecret проверяет секрет API.
// Секреты могут содержать спецсимволы, проверяем только длину.
func ValidateAPISecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("api secret is empty")
	}
	if len(secret) < 16 {
		return fmt.Errorf("api secret too short")
	}
	return nil
}

// ============================================================
// Аккумулятор ошибок валидации
// ============================================================

// ValidationError - одна ошибка валидации с указанием поля
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors - набор ошибок валидации
type ValidationErrors []ValidationError

// Add добавляет ошибку по полю
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку по полю, игнорируя nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	v.Add(field, err.Error())
}

// HasErrors возвращает true если есть хотя бы одна ошибка
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Error реализует интерфейс error
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}
