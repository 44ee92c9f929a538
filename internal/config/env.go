package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the config file.
const (
	EnvTelegramToken = "POSTBOT_TELEGRAM_TOKEN"
	EnvBotToken      = "BOT_TOKEN"
	EnvStorageDSN    = "POSTBOT_STORAGE_DSN"
	EnvRedisPassword = "POSTBOT_REDIS_PASSWORD"
	EnvHTTPToken     = "POSTBOT_HTTP_TOKEN"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv fills secrets from the environment. Values already present in the
// file are replaced only when the variable is non-empty.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := firstEnv(getenv, EnvTelegramToken, EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := firstEnv(getenv, EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := firstEnv(getenv, EnvRedisPassword); v != "" && cfg.Lock != nil {
		cfg.Lock.Password = v
	}
	if v := firstEnv(getenv, EnvHTTPToken); v != "" && cfg.HTTP != nil {
		cfg.HTTP.Token = v
	}
}

func firstEnv(getenv func(string) string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
