// Package risk решает, можно ли превратить сигнал в сделку
// и какого она должна быть размера.
//
// Пайплайн: профиль риска → категория актива → базовый размер от
// стоп-дистанции → ML-модуляция → портфельные лимиты → инварианты защиты.
// Модуляция только масштабирует размер внутри конверта [0.5, 1.5] и
// никогда не отменяет отказ.
package risk

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// Причины отказа
const (
	ReasonBelowConfidence     = "BELOW_CONFIDENCE"
	ReasonRiskProfileExceeded = "RISK_PROFILE_EXCEEDED"
	ReasonPortfolioFull       = "PORTFOLIO_FULL"
	ReasonCategoryDisallowed  = "CATEGORY_DISALLOWED"
	ReasonInvalidProtection   = "INVALID_PROTECTION"
	ReasonDailyLossLimit      = "DAILY_LOSS_LIMIT"
)

// RejectionError - типизированный отказ с машинной причиной
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("signal rejected [%s]: %s", e.Reason, e.Message)
}

func reject(reason, format string, args ...interface{}) error {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsRejection возвращает причину отказа, если ошибка - отказ риск-движка
func IsRejection(err error) (string, bool) {
	if re, ok := err.(*RejectionError); ok {
		return re.Reason, true
	}
	return "", false
}

// Профили риска
const (
	ProfileStandard         = "standard"
	ProfileConservative     = "conservative"
	ProfileVeryConservative = "very_conservative"
)

// profileMultipliers - множитель размера на профиль, ∈ (0,1]
var profileMultipliers = map[string]float64{
	ProfileStandard:         1.0,
	ProfileConservative:     0.5,
	ProfileVeryConservative: 0.25,
}

// Категории активов
const (
	CategoryStableMajors = "stable_majors"
	CategoryLargeCaps    = "large_caps"
	CategoryMidCaps      = "mid_caps"
	CategoryMemeCoins    = "meme_coins"
)

// assetCategory - параметры категории
type assetCategory struct {
	multiplier  float64
	maxLeverage int
}

var categories = map[string]assetCategory{
	CategoryStableMajors: {multiplier: 1.0, maxLeverage: 10},
	CategoryLargeCaps:    {multiplier: 0.8, maxLeverage: 5},
	CategoryMidCaps:      {multiplier: 0.6, maxLeverage: 3},
	CategoryMemeCoins:    {multiplier: 0.3, maxLeverage: 2},
}

var stableMajors = map[string]bool{
	"BTCUSDT": true, "ETHUSDT": true,
}

var largeCaps = map[string]bool{
	"BNBUSDT": true, "SOLUSDT": true, "XRPUSDT": true, "ADAUSDT": true,
	"AVAXUSDT": true, "LINKUSDT": true, "DOTUSDT": true, "LTCUSDT": true,
}

var memePrefixes = []string{"DOGE", "SHIB", "PEPE", "FLOKI", "BONK", "WIF", "MEME"}

// ClassifySymbol относит символ к категории
func ClassifySymbol(symbol string) string {
	if stableMajors[symbol] {
		return CategoryStableMajors
	}
	if largeCaps[symbol] {
		return CategoryLargeCaps
	}
	for _, p := range memePrefixes {
		if strings.HasPrefix(symbol, p) {
			return CategoryMemeCoins
		}
	}
	return CategoryMidCaps
}

// Config - лимиты риск-движка
type Config struct {
	MinConfidence          float64 // сигналы слабее отклоняются
	MaxPositionPct         float64 // риск на сделку, % от базового баланса
	MaxTotalExposure       float64 // суммарный риск открытых позиций, %
	DailyLossLimitPct      float64 // дневной лимит реализованного убытка, %
	MaxPositions           int     // 0 = без ограничения
	MaxPositionsPerSide    int     // hedge mode, 0 = без ограничения
	DefaultLeverage        int
	MLModulationMin        float64 // нижняя граница ML-конверта
	MLModulationMax        float64 // верхняя граница
	DisallowedCategories   []string
	DefaultRiskProfile     string
}

func DefaultRiskConfig() Config {
	return Config{
		MinConfidence:      0.55,
		MaxPositionPct:     5,
		MaxTotalExposure:   50,
		DailyLossLimitPct:  10,
		DefaultLeverage:    3,
		MLModulationMin:    0.5,
		MLModulationMax:    1.5,
		DefaultRiskProfile: ProfileStandard,
	}
}

// PortfolioState - срез портфеля на момент оценки.
// Заполняется вызывающим из репозитория и леджера.
type PortfolioState struct {
	Balance           float64        // базовый баланс для расчёта риска
	OpenPositions     int            // открытых позиций сейчас
	OpenBySide        map[string]int // LONG/SHORT → count
	AggregateRisk     float64        // суммарный риск открытых позиций, абсолют
	DailyRealizedLoss float64        // реализованный убыток за день, абсолют (положительный)
}

// Intent - принятый и просчитанный торговый план
type Intent struct {
	Signal     *models.Signal
	Exchange   string
	Symbol     string
	Side       string // LONG, SHORT
	Quantity   float64
	Leverage   int
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	RiskAmount float64 // абсолютный риск сделки (до стопа)
	Category   string
	Profile    string
	MLFactor   float64
}

// Evaluator превращает сигналы в размеренные планы
type Evaluator struct {
	cfg    Config
	logger *utils.Logger
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.MLModulationMin <= 0 {
		cfg.MLModulationMin = 0.5
	}
	if cfg.MLModulationMax <= cfg.MLModulationMin {
		cfg.MLModulationMax = 1.5
	}
	if cfg.DefaultRiskProfile == "" {
		cfg.DefaultRiskProfile = ProfileStandard
	}
	return &Evaluator{
		cfg:    cfg,
		logger: utils.L().WithComponent("risk"),
	}
}

// Evaluate проверяет сигнал против портфеля и возвращает план сделки
// либо типизированный отказ
func (e *Evaluator) Evaluate(s *models.Signal, portfolio *PortfolioState) (*Intent, error) {
	if err := s.Validate(); err != nil {
		return nil, reject(ReasonInvalidProtection, "%v", err)
	}

	// 1. Порог уверенности
	if s.Confidence < e.cfg.MinConfidence {
		return nil, reject(ReasonBelowConfidence,
			"confidence %.3f below minimum %.3f", s.Confidence, e.cfg.MinConfidence)
	}

	// 2. Профиль риска
	profile := s.RiskProfile
	if profile == "" {
		profile = e.cfg.DefaultRiskProfile
	}
	profileMult, ok := profileMultipliers[profile]
	if !ok {
		return nil, reject(ReasonRiskProfileExceeded, "unknown risk profile %q", profile)
	}

	// 3. Категория актива
	category := ClassifySymbol(s.Symbol)
	for _, disallowed := range e.cfg.DisallowedCategories {
		if category == disallowed {
			return nil, reject(ReasonCategoryDisallowed,
				"category %s is disallowed for %s", category, s.Symbol)
		}
	}
	cat := categories[category]

	leverage := s.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}
	if leverage > cat.maxLeverage {
		leverage = cat.maxLeverage
	}

	// 4. Разрешаем защиту в абсолютные цены и проверяем инварианты
	stopLoss := s.StopLoss.ResolvePrice(s.Side, s.EntryPrice, true)
	takeProfit := s.TakeProfit.ResolvePrice(s.Side, s.EntryPrice, false)

	switch s.Side {
	case models.SideLong:
		if !(stopLoss < s.EntryPrice && s.EntryPrice < takeProfit) {
			return nil, reject(ReasonInvalidProtection,
				"LONG requires SL %.8f < entry %.8f < TP %.8f", stopLoss, s.EntryPrice, takeProfit)
		}
	case models.SideShort:
		if !(takeProfit < s.EntryPrice && s.EntryPrice < stopLoss) {
			return nil, reject(ReasonInvalidProtection,
				"SHORT requires TP %.8f < entry %.8f < SL %.8f", takeProfit, s.EntryPrice, stopLoss)
		}
	}

	// 5. Базовый размер от стоп-дистанции
	stopDistance := utils.Abs(s.EntryPrice - stopLoss)
	if stopDistance <= 0 {
		return nil, reject(ReasonInvalidProtection, "zero stop distance")
	}

	riskAmount := portfolio.Balance * e.cfg.MaxPositionPct / 100.0 * profileMult * cat.multiplier
	if riskAmount <= 0 {
		return nil, reject(ReasonRiskProfileExceeded,
			"risk amount is zero (balance %.2f)", portfolio.Balance)
	}
	quantity := riskAmount / stopDistance

	// 6. ML-модуляция: только масштаб, никогда не отменяет отказы
	mlFactor := e.modulationFactor(s)
	quantity *= mlFactor
	riskAmount *= mlFactor

	// 7. Портфельные лимиты
	if e.cfg.MaxPositions > 0 && portfolio.OpenPositions >= e.cfg.MaxPositions {
		return nil, reject(ReasonPortfolioFull,
			"open positions %d at limit %d", portfolio.OpenPositions, e.cfg.MaxPositions)
	}
	if e.cfg.MaxPositionsPerSide > 0 && portfolio.OpenBySide != nil {
		if portfolio.OpenBySide[s.Side] >= e.cfg.MaxPositionsPerSide {
			return nil, reject(ReasonPortfolioFull,
				"%s positions %d at per-side limit %d", s.Side, portfolio.OpenBySide[s.Side], e.cfg.MaxPositionsPerSide)
		}
	}

	maxTotalRisk := portfolio.Balance * e.cfg.MaxTotalExposure / 100.0
	if portfolio.AggregateRisk+riskAmount > maxTotalRisk {
		return nil, reject(ReasonRiskProfileExceeded,
			"aggregate risk %.2f + %.2f exceeds limit %.2f", portfolio.AggregateRisk, riskAmount, maxTotalRisk)
	}

	dailyLimit := portfolio.Balance * e.cfg.DailyLossLimitPct / 100.0
	if dailyLimit > 0 && portfolio.DailyRealizedLoss >= dailyLimit {
		return nil, reject(ReasonDailyLossLimit,
			"daily realised loss %.2f at limit %.2f", portfolio.DailyRealizedLoss, dailyLimit)
	}

	intent := &Intent{
		Signal:     s,
		Exchange:   s.Exchange,
		Symbol:     s.Symbol,
		Side:       s.Side,
		Quantity:   quantity,
		Leverage:   leverage,
		EntryPrice: s.EntryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		RiskAmount: riskAmount,
		Category:   category,
		Profile:    profile,
		MLFactor:   mlFactor,
	}

	e.logger.Info("signal sized",
		zap.String("symbol", s.Symbol),
		zap.String("side", s.Side),
		zap.String("profile", profile),
		zap.String("category", category),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
		zap.Float64("ml_factor", mlFactor))

	return intent, nil
}

// modulationFactor выводит множитель размера из ML-подсказок.
// Перевес вероятности профита над убытком сдвигает фактор от 1.0,
// без подсказок берётся сама confidence. Результат зажат в конверт.
func (e *Evaluator) modulationFactor(s *models.Signal) float64 {
	var factor float64
	if s.MLHints != nil {
		edge := s.MLHints.ProfitProbability - s.MLHints.LossProbability // [-1, 1]
		factor = 1.0 + edge/2.0
	} else {
		// confidence 0.5 → нейтрально, 1.0 → максимум конверта
		factor = 2.0 * s.Confidence
	}
	return utils.Clamp(factor, e.cfg.MLModulationMin, e.cfg.MLModulationMax)
}
