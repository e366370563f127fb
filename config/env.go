package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvLogLevel    = "TRANSMISSION_LOG_LEVEL"
	EnvDBPath      = "TRANSMISSION_DB_PATH"
	EnvBroker      = "TRANSMISSION_BROKER"
	EnvEquity      = "TRANSMISSION_EQUITY"
	EnvBaseRisk    = "TRANSMISSION_BASE_RISK"
	EnvMental      = "TRANSMISSION_MENTAL_STATE"
	EnvMetricsAddr = "TRANSMISSION_METRICS_ADDR"
	EnvNotifyAddr  = "TRANSMISSION_NOTIFY_ADDR"
)

// LoadDotEnv reads KEY=VALUE pairs from the given files (".env" when none
// are named). Variables already set in the environment win. A missing file
// is not an error.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// ApplyEnv overlays TRANSMISSION_* variables onto c and re-validates.
func (c *Config) ApplyEnv() error {
	c.Log.Level = getenvDefault(EnvLogLevel, c.Log.Level)
	if p := os.Getenv(EnvDBPath); p != "" {
		c.Journal.Path = p
		if c.Journal.Driver == "none" {
			c.Journal.Driver = "sqlite"
		}
	}
	c.Broker.Kind = strings.ToLower(getenvDefault(EnvBroker, c.Broker.Kind))
	c.Risk.StartingEquity = floatFromEnv(EnvEquity, c.Risk.StartingEquity)
	c.Risk.BaseRisk = floatFromEnv(EnvBaseRisk, c.Risk.BaseRisk)
	c.Account.MentalState = intFromEnv(EnvMental, c.Account.MentalState)
	c.Metrics.Addr = getenvDefault(EnvMetricsAddr, c.Metrics.Addr)
	c.Notify.WebsocketAddr = getenvDefault(EnvNotifyAddr, c.Notify.WebsocketAddr)
	return c.Validate()
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
