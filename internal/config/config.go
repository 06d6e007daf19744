package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// RPCEndpoint is the base URL of the chain-data provider (DLMM indexer RPC).
	RPCEndpoint string
	// ExecutorEndpoint is the base URL of the transaction build/submit collaborator.
	ExecutorEndpoint string

	// MonitoredWallets is the list of wallet addresses whose positions the
	// engine evaluates each cycle.
	MonitoredWallets []string

	// TelegramBotToken and TelegramChatID configure the notification
	// collaborator. Both empty disables Telegram delivery (log-only alerts).
	TelegramBotToken string
	TelegramChatID   string

	// WebPort is the HTTP API listen port.
	WebPort string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// Endpoints and monitored wallets are required; notification settings are optional.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	RPCEndpoint, err = getEnv("RPC_ENDPOINT")
	if err != nil {
		return err
	}

	ExecutorEndpoint, err = getEnv("EXECUTOR_ENDPOINT")
	if err != nil {
		return err
	}

	wallets, err := getEnv("MONITORED_WALLETS")
	if err != nil {
		return err
	}
	MonitoredWallets = splitAndTrim(wallets)
	if len(MonitoredWallets) == 0 {
		return errors.New("MONITORED_WALLETS must contain at least one wallet address")
	}

	TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	WebPort = os.Getenv("WEB_PORT")
	if WebPort == "" {
		WebPort = "8080"
	}

	log.Info().
		Str("rpcEndpoint", RPCEndpoint).
		Str("executorEndpoint", ExecutorEndpoint).
		Int("monitoredWallets", len(MonitoredWallets)).
		Msg("Application configuration loaded")

	return nil
}

func getEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", errors.New("required environment variable not set: " + key)
	}
	return value, nil
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer environment variable, using default")
		return defaultValue
	}
	return parsed
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid float environment variable, using default")
		return defaultValue
	}
	return parsed
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
