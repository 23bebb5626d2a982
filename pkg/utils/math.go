package utils

import (
	"math"
)

// math.go - математические утилиты для торговых операций
//
// Назначение:
// Вспомогательные математические функции для расчёта объёмов, цен и PNL.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToLotSize / RoundToTickSize: округление до шага биржи
// - AdjustForMinNotional: подгонка объёма под минимальный нотионал
// - PercentChange / ApplyPercent: процентные расчёты
// - CalculatePNL: прибыль/убыток по позиции

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для округления объёма ордера до минимального шага биржи.
// Округление вниз гарантирует, что мы не превысим доступные средства.
//
// Параметры:
//   - value: исходное значение (объём в монетах актива)
//   - lotSize: минимальный шаг изменения объёма на бирже
//
// Возвращает:
//   - Округлённое значение, кратное lotSize
//   - Если lotSize <= 0, возвращает исходное значение
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	// Округление вниз - безопаснее для торговли,
	// не превысим доступные средства
	q := value / lotSize
	// Частное после float-деления может лечь на пол-ulp ниже точного
	// кратного (1.23456789/1e-8 = 123456788.999...), тогда Floor
	// срезал бы целый шаг. Добавка компенсирует погрешность деления.
	return math.Floor(q+lotEpsilon(q)) * lotSize
}

// lotEpsilon - допуск на погрешность float-деления при округлении
// к шагу лота. Относительная часть нужна для больших частных,
// где ulp превышает любую абсолютную константу.
func lotEpsilon(q float64) float64 {
	return 1e-9 + 1e-12*math.Abs(q)
}

// RoundToLotSizeUp округляет значение ВВЕРХ до ближайшего кратного lotSize.
//
// Используется когда нужно гарантировать минимальный объём
// (например, при подгонке под minQty или minNotional).
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	q := value / lotSize
	return math.Ceil(q-lotEpsilon(q)) * lotSize
}

// RoundToTickSize округляет цену к ближайшему кратному tickSize.
//
// Используется для цен стопов и тейков перед отправкой на биржу:
// биржа отклоняет цены, не кратные шагу цены инструмента.
func RoundToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// AdjustForMinNotional подгоняет объём под минимальный нотионал биржи.
//
// Если value × price < minNotional, объём увеличивается до минимального
// кратного lotSize объёма, нотионал которого превышает minNotional
// с запасом margin (в долях, 0.1 = 10%).
//
// Параметры:
//   - quantity: исходный объём в монетах актива
//   - price: референсная цена
//   - minNotional: минимальный нотионал биржи в валюте котировки
//   - lotSize: минимальный шаг объёма
//   - margin: запас сверх минимума в долях
//
// Возвращает:
//   - Скорректированный объём (>= исходного)
//   - adjusted=true если объём был увеличен
func AdjustForMinNotional(quantity, price, minNotional, lotSize, margin float64) (float64, bool) {
	if price <= 0 || minNotional <= 0 {
		return quantity, false
	}
	if quantity*price >= minNotional {
		return quantity, false
	}

	target := minNotional * (1 + margin) / price
	adjusted := RoundToLotSizeUp(target, lotSize)

	// После округления вверх нотионал может всё ещё не дотянуть
	// при очень крупном lotSize - добавляем шаги пока не превысим
	if lotSize > 0 {
		for adjusted*price < minNotional*(1+margin) {
			adjusted += lotSize
		}
	}
	return adjusted, true
}

// PercentChange возвращает изменение цены в процентах относительно базы.
//
// Формула:
//
//	Изменение (%) = ((current - base) / base) × 100
//
// Возвращает 0 если base <= 0.
func PercentChange(base, current float64) float64 {
	if base <= 0 {
		return 0
	}
	return (current - base) / base * 100
}

// ApplyPercent смещает цену на pct процентов в заданном направлении.
//
// Параметры:
//   - price: базовая цена
//   - pct: величина смещения в процентах (положительная)
//   - up: true = вверх, false = вниз
//
// Примеры:
//   - ApplyPercent(50000, 3, false) = 48500
//   - ApplyPercent(50000, 5, true) = 52500
func ApplyPercent(price, pct float64, up bool) float64 {
	if up {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}

// CalculatePNL расчитывает прибыль/убыток по позиции.
//
// Формулы:
//   - LONG PNL = (P_close - P_open) × qty
//   - SHORT PNL = (P_open - P_close) × qty
//
// Параметры:
//   - side: "LONG" или "SHORT" (регистр не важен)
//   - entryPrice: цена входа
//   - currentPrice: текущая/выходная цена
//   - quantity: объём позиции
//
// Возвращает:
//   - PNL в валюте котировки (обычно USDT)
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "LONG", "long":
		// Лонг: прибыль если цена выросла
		return (currentPrice - entryPrice) * quantity
	case "SHORT", "short":
		// Шорт: прибыль если цена упала
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
