package utils

import (
	"math"
	"testing"
)

// floatEquals сравнивает float64 с допуском
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================
// Тесты RoundToLotSize
// ============================================================

func TestRoundToLotSize(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		// Базовые кейсы
		{"exact match", 0.123, 0.001, 0.123},
		{"round down", 0.123456, 0.001, 0.123},
		{"round down 2", 1.999, 0.01, 1.99},
		{"whole numbers", 100.5, 1.0, 100.0},

		// Граничные случаи
		{"zero value", 0, 0.001, 0},
		{"zero lotSize", 0.123, 0, 0.123},
		{"negative lotSize", 0.123, -0.001, 0.123},
		{"very small lotSize", 1.23456789, 0.00000001, 1.23456789},
		{"exact multiple cents", 12345.67, 0.01, 12345.67},

		// Большие числа
		{"large number", 12345.6789, 0.01, 12345.67},
		{"very large", 1000000.999, 1.0, 1000000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSize(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSize(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToLotSizeUp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		{"exact match", 0.123, 0.001, 0.123},
		{"round up", 0.1231, 0.001, 0.124},
		{"round up 2", 1.991, 0.01, 2.0},
		{"zero lotSize", 0.123, 0, 0.123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSizeUp(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSizeUp(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToTickSize(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		tickSize float64
		expected float64
	}{
		{"exact match", 48500.0, 0.5, 48500.0},
		{"round to nearest up", 48500.3, 0.5, 48500.5},
		{"round to nearest down", 48500.2, 0.5, 48500.0},
		{"zero tickSize", 48500.3, 0, 48500.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTickSize(tt.price, tt.tickSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToTickSize(%v, %v) = %v, want %v",
					tt.price, tt.tickSize, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты AdjustForMinNotional
// ============================================================

func TestAdjustForMinNotional(t *testing.T) {
	tests := []struct {
		name         string
		quantity     float64
		price        float64
		minNotional  float64
		lotSize      float64
		margin       float64
		wantAdjusted bool
	}{
		// 0.0001 BTC по 50000 = 5 USDT < 5.5 минимума
		{"below minimum", 0.0001, 50000, 5.5, 0.0001, 0.1, true},
		// 0.001 BTC по 50000 = 50 USDT > 5.5
		{"above minimum", 0.001, 50000, 5.5, 0.0001, 0.1, false},
		// Ровно на минимуме - корректировка не нужна
		{"exactly at minimum", 0.00011, 50000, 5.5, 0.00001, 0.1, false},
		{"zero price passthrough", 0.001, 0, 5.5, 0.0001, 0.1, false},
		{"zero minNotional passthrough", 0.0001, 50000, 0, 0.0001, 0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, adjusted := AdjustForMinNotional(tt.quantity, tt.price, tt.minNotional, tt.lotSize, tt.margin)
			if adjusted != tt.wantAdjusted {
				t.Fatalf("adjusted = %v, want %v", adjusted, tt.wantAdjusted)
			}
			if !adjusted {
				if result != tt.quantity {
					t.Errorf("quantity changed without adjustment: %v -> %v", tt.quantity, result)
				}
				return
			}
			// Скорректированный объём должен покрыть минимум с запасом
			if result*tt.price < tt.minNotional*(1+tt.margin)-1e-9 {
				t.Errorf("adjusted notional %.4f below required %.4f",
					result*tt.price, tt.minNotional*(1+tt.margin))
			}
			if result < tt.quantity {
				t.Error("adjusted quantity must not shrink")
			}
		})
	}
}

// ============================================================
// Тесты процентных расчётов
// ============================================================

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name     string
		base     float64
		current  float64
		expected float64
	}{
		{"up 2 percent", 50000, 51000, 2.0},
		{"down 2 percent", 50000, 49000, -2.0},
		{"flat", 50000, 50000, 0},
		{"zero base", 0, 49000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PercentChange(tt.base, tt.current)
			if !floatEquals(result, tt.expected) {
				t.Errorf("PercentChange(%v, %v) = %v, want %v",
					tt.base, tt.current, result, tt.expected)
			}
		})
	}
}

func TestApplyPercent(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		pct      float64
		up       bool
		expected float64
	}{
		{"down 3 percent", 50000, 3, false, 48500},
		{"up 5 percent", 50000, 5, true, 52500},
		{"zero pct", 50000, 0, true, 50000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ApplyPercent(tt.price, tt.pct, tt.up)
			if !floatEquals(result, tt.expected) {
				t.Errorf("ApplyPercent(%v, %v, %v) = %v, want %v",
					tt.price, tt.pct, tt.up, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты CalculatePNL
// ============================================================

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		current  float64
		quantity float64
		expected float64
	}{
		{"long profit", "LONG", 50000, 51000, 0.5, 500},
		{"long loss", "LONG", 50000, 49000, 0.5, -500},
		{"short profit", "SHORT", 50000, 49000, 0.5, 500},
		{"short loss", "SHORT", 50000, 51000, 0.5, -500},
		{"lowercase side", "long", 50000, 51000, 1, 1000},
		{"unknown side", "BOTH", 50000, 51000, 1, 0},
		{"zero quantity", "LONG", 50000, 51000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculatePNL(tt.side, tt.entry, tt.current, tt.quantity)
			if !floatEquals(result, tt.expected) {
				t.Errorf("CalculatePNL(%s, %v, %v, %v) = %v, want %v",
					tt.side, tt.entry, tt.current, tt.quantity, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты Clamp
// ============================================================

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		min      float64
		max      float64
		expected float64
	}{
		{"within range", 1.0, 0.5, 1.5, 1.0},
		{"below min", 0.3, 0.5, 1.5, 0.5},
		{"above max", 2.0, 0.5, 1.5, 1.5},
		{"at min", 0.5, 0.5, 1.5, 0.5},
		{"at max", 1.5, 0.5, 1.5, 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Clamp(tt.value, tt.min, tt.max)
			if !floatEquals(result, tt.expected) {
				t.Errorf("Clamp(%v, %v, %v) = %v, want %v",
					tt.value, tt.min, tt.max, result, tt.expected)
			}
		})
	}
}
