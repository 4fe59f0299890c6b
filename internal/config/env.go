package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides lets ZAPD_* variables override file values. Malformed
// numeric or duration values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Network, "ZAPD_NETWORK")
	setString(&cfg.Merchant, "ZAPD_MERCHANT_ADDRESS")
	setString(&cfg.LogLevel, "ZAPD_LOG_LEVEL")

	setString(&cfg.Key.Mnemonic, "ZAPD_SIGNING_MNEMONIC")
	setString(&cfg.Key.Seed, "ZAPD_SIGNING_SEED")
	setString(&cfg.Key.File, "ZAPD_SIGNING_KEY_FILE")
	setString(&cfg.Key.Passphrase, "ZAPD_SIGNING_KEY_PASSPHRASE")

	setString(&cfg.Webhook.URL, "ZAPD_WEBHOOK_URL")
	setDuration(&cfg.Webhook.Timeout, "ZAPD_WEBHOOK_TIMEOUT")
	setInt(&cfg.Webhook.QueueSize, "ZAPD_WEBHOOK_QUEUE_SIZE")
	setFloat(&cfg.Webhook.RatePerSecond, "ZAPD_WEBHOOK_RATE")

	setString(&cfg.Feed.Transport, "ZAPD_FEED_TRANSPORT")
	setInt(&cfg.Feed.Port, "ZAPD_FEED_PORT")
	if nodes := envCSV("ZAPD_FEED_BOOTSTRAP_NODES"); nodes != nil {
		cfg.Feed.BootstrapNodes = nodes
	}
	setString(&cfg.Feed.ContentTopic, "ZAPD_FEED_CONTENT_TOPIC")
	setDuration(&cfg.Feed.BackfillWindow, "ZAPD_FEED_BACKFILL_WINDOW")

	setString(&cfg.RPC.Addr, "ZAPD_RPC_ADDR")
	setString(&cfg.RPC.Token, "ZAPD_RPC_TOKEN")
	setString(&cfg.RPC.TokenFile, "ZAPD_RPC_TOKEN_FILE")

	setString(&cfg.Alert.Channel, "ZAPD_ALERT_CHANNEL")
	setString(&cfg.Alert.URL, "ZAPD_ALERT_URL")
	setString(&cfg.Alert.Token, "ZAPD_ALERT_TOKEN")
	setString(&cfg.Alert.Exchange, "ZAPD_ALERT_EXCHANGE")

	setDuration(&cfg.Supervisor.PollInterval, "ZAPD_SUPERVISOR_POLL_INTERVAL")
	setDuration(&cfg.Supervisor.StopTimeout, "ZAPD_SUPERVISOR_STOP_TIMEOUT")
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := envString(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(envString(key)); err == nil {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v, err := strconv.ParseFloat(envString(key), 64); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, err := time.ParseDuration(envString(key)); err == nil && v > 0 {
		*dst = v
	}
}
