package enum

// BrokerID identifies a connected broker.
type BrokerID uint8

const (
	_broker_beg BrokerID = iota
	BrokerBybit
	BrokerBinance
	BrokerOKX
	BrokerCoinbase
	BrokerKraken
	BrokerCryptoCom
	BrokerMock
	_broker_end
)

func (b BrokerID) IsAvailable() bool {
	return b > _broker_beg && b < _broker_end
}

func (b BrokerID) String() string {
	switch b {
	case BrokerBybit:
		return "bybit"
	case BrokerBinance:
		return "binance"
	case BrokerOKX:
		return "okx"
	case BrokerCoinbase:
		return "coinbase"
	case BrokerKraken:
		return "kraken"
	case BrokerCryptoCom:
		return "crypto.com"
	case BrokerMock:
		return "mock"
	default:
		return "unknown"
	}
}

func ParseBrokerID(s string) BrokerID {
	switch s {
	case "bybit":
		return BrokerBybit
	case "binance":
		return BrokerBinance
	case "okx":
		return BrokerOKX
	case "coinbase":
		return BrokerCoinbase
	case "kraken":
		return BrokerKraken
	case "crypto.com":
		return BrokerCryptoCom
	case "mock":
		return BrokerMock
	default:
		return _broker_beg
	}
}

// MaxLeverage returns the venue leverage cap, 0 for unconstrained.
func (b BrokerID) MaxLeverage() int {
	switch b {
	case BrokerKraken:
		return 5
	case BrokerCryptoCom:
		return 10
	case BrokerCoinbase:
		return 1
	default:
		return 0
	}
}
