// Package config loads the daemon configuration from a YAML file and ZAPD_*
// environment overrides. Everything here is read once at startup and is
// immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zapd/go-daemon/internal/alert"
	"zapd/go-daemon/internal/chain"
	"zapd/go-daemon/internal/feed"
	"zapd/go-daemon/internal/keystore"
	"zapd/go-daemon/internal/rpc"
	"zapd/go-daemon/internal/supervisor"
	"zapd/go-daemon/internal/webhook"
)

const (
	DefaultRPCAddr = rpc.DefaultAddr

	AlertChannelLog  = "log"
	AlertChannelHTTP = "http"
	AlertChannelAMQP = "amqp"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var defaultCandidates = []string{
	"configs/zapd.yaml",
	"zapd.yaml",
}

type Config struct {
	Network    string            `yaml:"network"`
	Merchant   string            `yaml:"merchantAddress"`
	LogLevel   string            `yaml:"logLevel"`
	Key        KeyConfig         `yaml:"signingKey"`
	Webhook    webhook.Config    `yaml:"webhook"`
	Feed       feed.Config       `yaml:"feed"`
	RPC        rpc.Config        `yaml:"rpc"`
	Alert      AlertConfig       `yaml:"alert"`
	Supervisor supervisor.Config `yaml:"supervisor"`
}

type KeyConfig struct {
	Mnemonic   string `yaml:"mnemonic"`
	Seed       string `yaml:"seed"`
	File       string `yaml:"file"`
	Passphrase string `yaml:"passphrase"`
}

type AlertConfig struct {
	Channel  string        `yaml:"channel"`
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Exchange string        `yaml:"exchange"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Network:  string(chain.Mainnet),
		LogLevel: "info",
		Webhook:  webhook.DefaultConfig(),
		Feed:     feed.DefaultConfig(),
		RPC:      rpc.DefaultConfig(),
		Alert: AlertConfig{
			Channel:  AlertChannelLog,
			Exchange: alert.DefaultExchange,
			Timeout:  10 * time.Second,
		},
		Supervisor: supervisor.DefaultConfig(),
	}
}

// Load reads configPath, or the first default candidate that exists when
// configPath is empty, then applies environment overrides. A missing default
// file is not an error; a missing explicit path or unparsable YAML is.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := defaultCandidates
	if strings.TrimSpace(configPath) != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}

	ApplyEnvOverrides(&cfg)
	cfg.Feed = feed.NormalizeConfig(cfg.Feed)
	return cfg, nil
}

// Validate rejects configurations the daemon must not start with.
func (c Config) Validate() error {
	var problems []string
	network, err := chain.ParseNetwork(c.Network)
	if err != nil {
		problems = append(problems, err.Error())
	} else if strings.TrimSpace(c.Merchant) == "" {
		problems = append(problems, "merchant address is required")
	} else if _, err := chain.ParseAddress(network, c.Merchant); err != nil {
		problems = append(problems, fmt.Sprintf("merchant address: %v", err))
	}

	if strings.TrimSpace(c.Webhook.URL) == "" {
		problems = append(problems, "webhook url is required")
	}

	switch c.Key.sources() {
	case 0:
		problems = append(problems, "one signing key source is required (mnemonic, seed or file)")
	case 1:
		if strings.TrimSpace(c.Key.File) != "" && c.Key.Passphrase == "" {
			problems = append(problems, "signing key file requires a passphrase")
		}
	default:
		problems = append(problems, "signing key sources are mutually exclusive")
	}

	switch c.Feed.Transport {
	case feed.TransportMock, feed.TransportGoWaku:
	default:
		problems = append(problems, fmt.Sprintf("unknown feed transport %q", c.Feed.Transport))
	}

	switch c.Alert.Channel {
	case AlertChannelLog:
	case AlertChannelHTTP, AlertChannelAMQP:
		if strings.TrimSpace(c.Alert.URL) == "" {
			problems = append(problems, fmt.Sprintf("alert channel %s requires a url", c.Alert.Channel))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown alert channel %q", c.Alert.Channel))
	}

	if strings.TrimSpace(c.RPC.Addr) == "" {
		problems = append(problems, "rpc addr is required")
	} else if !isLoopbackAddr(c.RPC.Addr) && strings.TrimSpace(c.RPC.Token) == "" {
		problems = append(problems, "rpc token is required when listening on a non-loopback address")
	}

	if _, ok := parseLevel(c.LogLevel); !ok {
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ChainNetwork is only meaningful after Validate succeeded.
func (c Config) ChainNetwork() chain.Network {
	network, _ := chain.ParseNetwork(c.Network)
	return network
}

func (c Config) MerchantAddress() (chain.Address, error) {
	return chain.ParseAddress(c.ChainNetwork(), c.Merchant)
}

func (c Config) KeySource() keystore.Source {
	return keystore.Source{
		Mnemonic:   c.Key.Mnemonic,
		Seed:       c.Key.Seed,
		KeyFile:    c.Key.File,
		Passphrase: c.Key.Passphrase,
	}
}

func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func (k KeyConfig) sources() int {
	n := 0
	for _, v := range []string{k.Mnemonic, k.Seed, k.File} {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
