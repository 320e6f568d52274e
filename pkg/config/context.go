package config

import (
	"context"
	"sync"

	"github.com/crystal-sds/metrics-relay/pkg/logger"
)

// ContextKey is an alias used for storing values in context.
type ContextKey string

// ConfigCtxKey is the context key used to store the active *Config.
const ConfigCtxKey ContextKey = "config"

var (
	defaultConfig     *Config
	defaultConfigOnce sync.Once
)

// ContextWithConfig stores the configuration in the context.
func ContextWithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ConfigCtxKey, cfg)
}

// FromContext returns the active configuration for the provided context. If
// none is attached it falls back to a lazily-initialized default built from
// built-in defaults and environment overrides, mirroring the logger package
// behavior so components always have a usable configuration.
func FromContext(ctx context.Context) *Config {
	if ctx != nil {
		if cfg, ok := ctx.Value(ConfigCtxKey).(*Config); ok && cfg != nil {
			return cfg
		}
	}
	return getDefaultConfig(ctx)
}

func getDefaultConfig(ctx context.Context) *Config {
	defaultConfigOnce.Do(func() {
		cfg, err := Load(ctx)
		if err != nil {
			log := logger.FromContext(ctx)
			log.Warn("failed to load default configuration, using built-in defaults", "error", err)
			cfg = Default()
		}
		defaultConfig = cfg
	})
	return defaultConfig
}
