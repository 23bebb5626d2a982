package exchange

import (
	"fmt"
	"strings"

	"tradecore/pkg/utils"
)

// Credentials - ключи доступа и режимы для создания шлюза
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
	HedgeMode bool
}

// NewGateway создает шлюз биржи по имени.
// Список поддерживаемых бирж единый для всего процесса
// (см. utils.SupportedExchanges).
func NewGateway(name string, creds Credentials) (Gateway, error) {
	name = utils.NormalizeExchange(name)

	switch name {
	case "bybit":
		return NewBybit(creds.APIKey, creds.APISecret, creds.Testnet, creds.HedgeMode), nil
	case "binance":
		return NewBinance(creds.APIKey, creds.APISecret, creds.Testnet, creds.HedgeMode), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s (supported: %s)",
			name, strings.Join(utils.GetSupportedExchanges(), ", "))
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	return utils.IsValidExchange(name)
}
