package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"main/internal/adapter"
	"main/internal/adapter/enum"
	"main/internal/broker"
	"main/internal/idem"
	"main/internal/risk"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Brokers  []BrokerConfig     `json:"brokers"`
	Cache    CacheConfig        `json:"cache"`
	Risk     risk.Config        `json:"risk"`
	Database DatabaseConfig     `json:"database"`
	Features FeatureFlagsConfig `json:"features"`
}

// BrokerConfig describes one broker entry. Credentials are named by
// environment variable so the file itself never carries secrets.
type BrokerConfig struct {
	Name             string `json:"name"`
	Testnet          bool   `json:"testnet"`
	APIKeyEnv        string `json:"apiKeyEnv"`
	APISecretEnv     string `json:"apiSecretEnv"`
	SymbolIntervalMs int    `json:"symbolIntervalMs"`
	MaxInFlight      int64  `json:"maxInFlight"`
	Leverage         int    `json:"leverage"`
}

// CacheConfig tunes the submission cache, zero values defaulted.
type CacheConfig struct {
	TTLSeconds       int `json:"ttlSeconds"`
	RejectTTLSeconds int `json:"rejectTtlSeconds"`
	SweepSeconds     int `json:"sweepSeconds"`
}

// DatabaseConfig describes the order store connection.
type DatabaseConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	PasswordEnv string `json:"passwordEnv"`
	Database    string `json:"database"`
	SSLMode     string `json:"sslMode"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	PaperTrading *bool `json:"paperTrading"`
	Profiling    *bool `json:"profiling"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	PaperTrading bool
	Profiling    bool
}

// BrokerSpec is a resolved broker entry.
type BrokerSpec struct {
	ID        enum.BrokerID
	Testnet   bool
	Token     adapter.Token
	RateLimit broker.RateLimitConfig
	Leverage  int
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Brokers  []BrokerSpec
	Cache    idem.CacheConfig
	Risk     risk.Config
	Database conn.Option
	Features FeatureFlags
}

// Load reads a JSON config file and resolves credentials from the
// environment.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	brokers, err := resolveBrokers(cfg.Brokers)
	if err != nil {
		return Loaded{}, err
	}
	database, err := resolveDatabase(cfg.Database)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Brokers:  brokers,
		Cache:    resolveCache(cfg.Cache),
		Risk:     cfg.Risk,
		Database: database,
		Features: resolveFeatures(cfg.Features),
	}, nil
}

func resolveBrokers(entries []BrokerConfig) ([]BrokerSpec, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}

	specs := make([]BrokerSpec, 0, len(entries))
	seen := make(map[enum.BrokerID]struct{}, len(entries))
	for _, entry := range entries {
		id := enum.ParseBrokerID(entry.Name)
		if !id.IsAvailable() {
			return nil, fmt.Errorf("unknown broker: %s", entry.Name)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate broker: %s", entry.Name)
		}
		seen[id] = struct{}{}

		leverage := entry.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		if max := id.MaxLeverage(); max > 0 && leverage > max {
			return nil, fmt.Errorf("leverage %d exceeds %s cap of %d", leverage, id, max)
		}

		token, err := resolveToken(entry)
		if err != nil {
			return nil, err
		}

		specs = append(specs, BrokerSpec{
			ID:      id,
			Testnet: entry.Testnet,
			Token:   token,
			RateLimit: broker.RateLimitConfig{
				SymbolInterval: time.Duration(entry.SymbolIntervalMs) * time.Millisecond,
				MaxInFlight:    entry.MaxInFlight,
			},
			Leverage: leverage,
		})
	}
	return specs, nil
}

func resolveToken(entry BrokerConfig) (adapter.Token, error) {
	// the mock broker trades against nothing and needs no credentials
	if enum.ParseBrokerID(entry.Name) == enum.BrokerMock {
		return adapter.Token{}, nil
	}

	if entry.APIKeyEnv == "" || entry.APISecretEnv == "" {
		return adapter.Token{}, fmt.Errorf("broker %s: apiKeyEnv and apiSecretEnv are required", entry.Name)
	}
	key := os.Getenv(entry.APIKeyEnv)
	secret := os.Getenv(entry.APISecretEnv)
	if key == "" || secret == "" {
		return adapter.Token{}, fmt.Errorf("broker %s: %s or %s is not set", entry.Name, entry.APIKeyEnv, entry.APISecretEnv)
	}
	return adapter.Token{Key: key, Secret: secret}, nil
}

func resolveCache(cfg CacheConfig) idem.CacheConfig {
	return idem.CacheConfig{
		TTL:       time.Duration(cfg.TTLSeconds) * time.Second,
		RejectTTL: time.Duration(cfg.RejectTTLSeconds) * time.Second,
		Sweep:     time.Duration(cfg.SweepSeconds) * time.Second,
	}
}

func resolveDatabase(cfg DatabaseConfig) (conn.Option, error) {
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
		if password == "" {
			return conn.Option{}, fmt.Errorf("database: %s is not set", cfg.PasswordEnv)
		}
	}
	return conn.Option{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: password,
		Database: cfg.Database,
		SSLMode:  cfg.SSLMode,
	}, nil
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		PaperTrading: false,
		Profiling:    false,
	}
	if cfg.PaperTrading != nil {
		flags.PaperTrading = *cfg.PaperTrading
	}
	if cfg.Profiling != nil {
		flags.Profiling = *cfg.Profiling
	}
	return flags
}
