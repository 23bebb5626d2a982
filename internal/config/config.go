package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"tradecore/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Trading    TradingConfig
	Risk       RiskConfig
	Protection ProtectionConfig
	RateLimit  RateLimitConfig
	Lease      LeaseConfig
	Exchanges  ExchangesConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	DebugAPIPasswordHash string // bcrypt-хеш пароля для debug endpoints
	EncryptionKey        string // ключ AES-256 для шифрования API ключей бирж
}

// TradingConfig - настройки торгового конвейера
type TradingConfig struct {
	// Приём сигналов
	SignalBufferSize int           // ёмкость очереди входящих сигналов
	DedupWindow      time.Duration // окно дедупликации сигналов

	// WebSocket настройки (event-driven, без polling)
	WSReconnectDelay time.Duration // задержка перед переподключением WS
	WSPingInterval   time.Duration // интервал ping для поддержания соединения
	WSReadTimeout    time.Duration // таймаут чтения WS сообщений

	// Периодические задачи
	MonitorSweepInterval time.Duration // сверка позиций с биржей
	BalanceReconcileFreq time.Duration // сверка баланса с биржей

	// Retry логика для критических операций
	MaxRetries   int
	OrderTimeout time.Duration // таймаут ожидания подтверждения ордера

	// Лимиты
	MaxConcurrentPositions int // максимум одновременных позиций (0 = без лимита)
	HedgeMode              bool
}

// RiskConfig - настройки оценки риска
type RiskConfig struct {
	MinConfidence       float64 // минимальная уверенность сигнала для входа
	MaxPositionPct      float64 // максимум от баланса на одну позицию, %
	MaxTotalExposure    float64 // максимум суммарной экспозиции от баланса, %
	DailyLossLimitPct   float64 // дневной лимит убытка, % от баланса
	DefaultLeverage     int
	MLModulationMin     float64 // нижняя граница ML-модуляции размера
	MLModulationMax     float64 // верхняя граница ML-модуляции размера
	MinNotionalMargin   float64 // запас сверх минимального нотионала, доли
	MaxPositionsPerSide int     // лимит позиций на сторону в hedge-режиме (0 = без лимита)
	DefaultRiskProfile  string
}

// ProtectionConfig - настройки движка защиты позиций
type ProtectionConfig struct {
	InitialStopPct       float64       // стартовый стоп-лосс, % от входа
	InitialTakePct       float64       // стартовый тейк-профит, % от входа
	TrailingActivation   float64       // профит для активации трейлинга, %
	TrailingDistance     float64       // дистанция трейлинга, %
	BreakevenActivation  float64       // профит для переноса в безубыток, %
	BreakevenOffset      float64       // отступ от входа при переносе, %
	MaxProtectionUpdates int           // лимит модификаций стопа на позицию
	UnprotectedRetryFreq time.Duration // частота повторных попыток установки защиты
}

// RateLimitConfig - настройки лимитера запросов к биржам
type RateLimitConfig struct {
	SafetyMargin   float64       // доля лимита биржи, которую используем
	GlobalCapacity int           // общий лимит запросов в окно по всем категориям
	Window         time.Duration // размер скользящего окна
}

// LeaseConfig - настройки координации воркеров
type LeaseConfig struct {
	TTL               time.Duration // срок жизни аренды без heartbeat
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration // частота удаления протухших аренд
}

// ExchangeCredentials - ключи одной биржи
type ExchangeCredentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// ExchangesConfig - подключения к биржам
type ExchangesConfig struct {
	Primary string // имя основной биржи
	Bybit   ExchangeCredentials
	Binance ExchangeCredentials
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradecore"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			DebugAPIPasswordHash: getEnv("DEBUG_API_PASSWORD_HASH", ""),
			EncryptionKey:        getEnv("ENCRYPTION_KEY", ""),
		},
		Trading: TradingConfig{
			SignalBufferSize: getEnvAsInt("SIGNAL_BUFFER_SIZE", 256),
			DedupWindow:      getEnvAsDuration("DEDUP_WINDOW", 300*time.Second),

			// WebSocket - event-driven, без polling!
			WSReconnectDelay: getEnvAsDuration("WS_RECONNECT_DELAY", 1*time.Second),
			WSPingInterval:   getEnvAsDuration("WS_PING_INTERVAL", 15*time.Second),
			WSReadTimeout:    getEnvAsDuration("WS_READ_TIMEOUT", 30*time.Second),

			MonitorSweepInterval: getEnvAsDuration("MONITOR_SWEEP_INTERVAL", 30*time.Second),
			BalanceReconcileFreq: getEnvAsDuration("BALANCE_RECONCILE_FREQ", 1*time.Minute),

			MaxRetries:   getEnvAsInt("MAX_RETRIES", 4),
			OrderTimeout: getEnvAsDuration("ORDER_TIMEOUT", 5*time.Second),

			MaxConcurrentPositions: getEnvAsInt("MAX_CONCURRENT_POSITIONS", 0), // 0 = без лимита
			HedgeMode:              getEnvAsBool("HEDGE_MODE", false),
		},
		Risk: RiskConfig{
			MinConfidence:       getEnvAsFloat("RISK_MIN_CONFIDENCE", 0.55),
			MaxPositionPct:      getEnvAsFloat("RISK_MAX_POSITION_PCT", 5.0),
			MaxTotalExposure:    getEnvAsFloat("RISK_MAX_TOTAL_EXPOSURE_PCT", 50.0),
			DailyLossLimitPct:   getEnvAsFloat("RISK_DAILY_LOSS_LIMIT_PCT", 10.0),
			DefaultLeverage:     getEnvAsInt("RISK_DEFAULT_LEVERAGE", 3),
			MLModulationMin:     getEnvAsFloat("RISK_ML_MODULATION_MIN", 0.5),
			MLModulationMax:     getEnvAsFloat("RISK_ML_MODULATION_MAX", 1.5),
			MinNotionalMargin:   getEnvAsFloat("RISK_MIN_NOTIONAL_MARGIN", 0.1),
			MaxPositionsPerSide: getEnvAsInt("RISK_MAX_POSITIONS_PER_SIDE", 0), // 0 = без лимита
			DefaultRiskProfile:  getEnv("RISK_DEFAULT_PROFILE", "standard"),
		},
		Protection: ProtectionConfig{
			InitialStopPct:       getEnvAsFloat("PROTECTION_INITIAL_STOP_PCT", 3.0),
			InitialTakePct:       getEnvAsFloat("PROTECTION_INITIAL_TAKE_PCT", 5.0),
			TrailingActivation:   getEnvAsFloat("PROTECTION_TRAILING_ACTIVATION", 1.0),
			TrailingDistance:     getEnvAsFloat("PROTECTION_TRAILING_DISTANCE", 0.5),
			BreakevenActivation:  getEnvAsFloat("PROTECTION_BREAKEVEN_ACTIVATION", 0.8),
			BreakevenOffset:      getEnvAsFloat("PROTECTION_BREAKEVEN_OFFSET", 0.1),
			MaxProtectionUpdates: getEnvAsInt("PROTECTION_MAX_UPDATES", 50),
			UnprotectedRetryFreq: getEnvAsDuration("PROTECTION_UNPROTECTED_RETRY_FREQ", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			SafetyMargin:   getEnvAsFloat("RATELIMIT_SAFETY_MARGIN", 0.9),
			GlobalCapacity: getEnvAsInt("RATELIMIT_GLOBAL_CAPACITY", 300),
			Window:         getEnvAsDuration("RATELIMIT_WINDOW", 5*time.Second),
		},
		Lease: LeaseConfig{
			TTL:               getEnvAsDuration("LEASE_TTL", 60*time.Second),
			HeartbeatInterval: getEnvAsDuration("LEASE_HEARTBEAT_INTERVAL", 15*time.Second),
			SweepInterval:     getEnvAsDuration("LEASE_SWEEP_INTERVAL", 30*time.Second),
		},
		Exchanges: ExchangesConfig{
			Primary: getEnv("EXCHANGE_PRIMARY", "bybit"),
			Bybit: ExchangeCredentials{
				APIKey:    getEnv("BYBIT_API_KEY", ""),
				APISecret: getEnv("BYBIT_API_SECRET", ""),
				Testnet:   getEnvAsBool("BYBIT_TESTNET", false),
			},
			Binance: ExchangeCredentials{
				APIKey:    getEnv("BINANCE_API_KEY", ""),
				APISecret: getEnv("BINANCE_API_SECRET", ""),
				Testnet:   getEnvAsBool("BINANCE_TESTNET", false),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для шифрования API ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров.
// Ошибки накапливаются по всем полям, чтобы оператор исправил
// окружение за один заход, а не по одной переменной за рестарт.
func (c *Config) validateRanges() error {
	var errs utils.ValidationErrors

	// Порты
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.Add("SERVER_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errs.Add("DB_PORT", fmt.Sprintf("must be between 1 and 65535, got %d", c.Database.Port))
	}

	// Retry
	if c.Trading.MaxRetries < 0 || c.Trading.MaxRetries > 10 {
		errs.Add("MAX_RETRIES", fmt.Sprintf("must be in [0, 10], got %d", c.Trading.MaxRetries))
	}

	// Таймауты и размеры буферов
	if c.Trading.OrderTimeout <= 0 {
		errs.Add("ORDER_TIMEOUT", fmt.Sprintf("must be positive, got %v", c.Trading.OrderTimeout))
	}
	if c.Trading.WSReadTimeout <= 0 {
		errs.Add("WS_READ_TIMEOUT", fmt.Sprintf("must be positive, got %v", c.Trading.WSReadTimeout))
	}
	if c.Trading.SignalBufferSize < 1 {
		errs.Add("SIGNAL_BUFFER_SIZE", fmt.Sprintf("must be positive, got %d", c.Trading.SignalBufferSize))
	}
	if c.Trading.DedupWindow <= 0 {
		errs.Add("DEDUP_WINDOW", fmt.Sprintf("must be positive, got %v", c.Trading.DedupWindow))
	}
	if c.Trading.MaxConcurrentPositions < 0 {
		errs.Add("MAX_CONCURRENT_POSITIONS", fmt.Sprintf("cannot be negative, got %d", c.Trading.MaxConcurrentPositions))
	}

	// Риск-параметры
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		errs.Add("RISK_MIN_CONFIDENCE", fmt.Sprintf("must be in [0, 1], got %v", c.Risk.MinConfidence))
	}
	errs.AddError("RISK_MAX_POSITION_PCT", utils.ValidateFraction("position fraction", c.Risk.MaxPositionPct/100))
	if c.Risk.MaxPositionsPerSide < 0 {
		errs.Add("RISK_MAX_POSITIONS_PER_SIDE", fmt.Sprintf("cannot be negative, got %d", c.Risk.MaxPositionsPerSide))
	}
	if c.Risk.MLModulationMin <= 0 || c.Risk.MLModulationMin > c.Risk.MLModulationMax {
		errs.Add("RISK_ML_MODULATION", fmt.Sprintf("invalid bounds: [%v, %v]",
			c.Risk.MLModulationMin, c.Risk.MLModulationMax))
	}
	errs.AddError("RISK_DEFAULT_LEVERAGE", utils.ValidateLeverage(c.Risk.DefaultLeverage))

	// Защита
	errs.AddError("PROTECTION_INITIAL_STOP_PCT", utils.ValidatePositive("initial stop percent", c.Protection.InitialStopPct))
	errs.AddError("PROTECTION_TRAILING_ACTIVATION", utils.ValidatePercentage(c.Protection.TrailingActivation))
	errs.AddError("PROTECTION_BREAKEVEN_ACTIVATION", utils.ValidatePercentage(c.Protection.BreakevenActivation))
	if c.Protection.MaxProtectionUpdates < 1 {
		errs.Add("PROTECTION_MAX_UPDATES", fmt.Sprintf("must be positive, got %d", c.Protection.MaxProtectionUpdates))
	}

	// Лимитер
	errs.AddError("RATELIMIT_SAFETY_MARGIN", utils.ValidateFraction("safety margin", c.RateLimit.SafetyMargin))
	if c.RateLimit.GlobalCapacity < 1 {
		errs.Add("RATELIMIT_GLOBAL_CAPACITY", fmt.Sprintf("must be positive, got %d", c.RateLimit.GlobalCapacity))
	}

	// Аренды: heartbeat должен успевать до истечения TTL
	if c.Lease.TTL <= 0 {
		errs.Add("LEASE_TTL", fmt.Sprintf("must be positive, got %v", c.Lease.TTL))
	}
	if c.Lease.HeartbeatInterval <= 0 || c.Lease.HeartbeatInterval >= c.Lease.TTL {
		errs.Add("LEASE_HEARTBEAT_INTERVAL", fmt.Sprintf("must be positive and less than LEASE_TTL, got %v",
			c.Lease.HeartbeatInterval))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
