package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string

	RPCURL                string
	PluginRegistryAddress string
	UsageMeterAddress     string
	VerifierPrivateKey    string
	VerifierKeys          map[uint64]string
	SubmitterPrivateKey   string
	ConsumeGasLimit       uint64
	ConsumeConfirmTimeout time.Duration

	ComputeBaseURL         string
	DefaultPluginTimeout   time.Duration
	PluginTimeouts         map[string]time.Duration
	PluginKinds            map[uint64]string
	StrictPluginValidation bool

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	AuthProtocol string
	AuthWindow   time.Duration

	RateLimit  int
	RateWindow time.Duration

	ReconcileInterval time.Duration

	JWTSecret      string
	OperatorAPIKey string
}

const minJWTSecretLen = 32

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		RPCURL:                getEnv("RPC_URL", "http://localhost:8545"),
		PluginRegistryAddress: getEnv("PLUGIN_REGISTRY_ADDRESS", ""),
		UsageMeterAddress:     getEnv("USAGE_METER_ADDRESS", ""),
		VerifierPrivateKey:    getEnv("VERIFIER_PRIVATE_KEY", ""),
		SubmitterPrivateKey:   getEnv("SUBMITTER_PRIVATE_KEY", ""),

		ComputeBaseURL: getEnv("COMPUTE_BASE_URL", "http://localhost:9000/plugins"),

		S3Bucket:   getEnv("S3_BUCKET", ""),
		S3Region:   getEnv("S3_REGION", "us-east-1"),
		S3Endpoint: getEnv("S3_ENDPOINT", ""),

		AuthProtocol: getEnv("AUTH_PROTOCOL", "DuckGPT Auth"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		OperatorAPIKey: getEnv("OPERATOR_API_KEY", ""),
	}
	if cfg.SubmitterPrivateKey == "" {
		cfg.SubmitterPrivateKey = cfg.VerifierPrivateKey
	}

	var err error
	if cfg.ConsumeGasLimit, err = getUint("CONSUME_GAS_LIMIT", 300000); err != nil {
		return nil, err
	}
	if cfg.DefaultPluginTimeout, err = getDuration("DEFAULT_PLUGIN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AuthWindow, err = getDuration("AUTH_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateWindow, err = getDuration("RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConsumeConfirmTimeout, err = getDuration("CONSUME_CONFIRM_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	limit, err := getUint("RATE_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = int(limit)
	if cfg.StrictPluginValidation, err = strconv.ParseBool(getEnv("STRICT_PLUGIN_VALIDATION", "false")); err != nil {
		return nil, fmt.Errorf("STRICT_PLUGIN_VALIDATION: %w", err)
	}

	if cfg.VerifierKeys, err = parseIDMap(getEnv("VERIFIER_KEYS", "")); err != nil {
		return nil, fmt.Errorf("VERIFIER_KEYS: %w", err)
	}
	if cfg.PluginKinds, err = parseIDMap(getEnv("PLUGIN_KINDS", "1=summarizer,2=meme-generator,3=nft-appraiser")); err != nil {
		return nil, fmt.Errorf("PLUGIN_KINDS: %w", err)
	}
	if cfg.PluginTimeouts, err = parseTimeouts(getEnv("PLUGIN_TIMEOUTS", "summarizer=30s,meme-generator=60s,nft-appraiser=30s")); err != nil {
		return nil, fmt.Errorf("PLUGIN_TIMEOUTS: %w", err)
	}

	// the admin API is off unless both are set; a set key needs a real secret
	if cfg.OperatorAPIKey != "" && len(cfg.JWTSecret) < minJWTSecretLen {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d characters when OPERATOR_API_KEY is set", minJWTSecretLen)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("%s: must be at least 1ms, got %s", key, raw)
	}
	return d, nil
}

func getUint(key string, defaultVal uint64) (uint64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// parseIDMap parses "1=a,2=b" into a plugin id keyed map.
func parseIDMap(raw string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, pair := range splitPairs(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(k), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed plugin id %q", k)
		}
		out[id] = strings.TrimSpace(v)
	}
	return out, nil
}

func parseTimeouts(raw string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range splitPairs(raw) {
		name, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("plugin %s: timeout must be positive", name)
		}
		out[strings.TrimSpace(name)] = d
	}
	return out, nil
}

func splitPairs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
