package config

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// loader assembles the configuration from built-in defaults and environment
// variables, with environment taking precedence.
type loader struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
}

func newLoader() *loader {
	return &loader{
		koanf:     koanf.New("."),
		validator: validator.New(),
	}
}

// Load builds a validated configuration. Defaults are loaded first, then
// environment variables mapped through the `env` struct tags.
func Load(_ context.Context) (*Config, error) {
	l := newLoader()
	if err := l.loadDefaults(); err != nil {
		return nil, err
	}
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	return l.unmarshalAndValidate()
}

func (l *loader) loadDefaults() error {
	// The structs provider converts the default config to a koanf map so the
	// defaults never drift from the Config shape.
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	return nil
}

func (l *loader) loadEnvironment() error {
	envToPath := generateEnvMappings()
	if err := l.koanf.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if configPath, exists := envToPath[key]; exists {
				return configPath, value
			}
			// Unmapped variables are dropped so unrelated host-process
			// environment does not bleed into the relay configuration.
			return "", nil
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

func (l *loader) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := l.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.validator.Struct(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// sensitiveStringDecodeHook converts plain strings to SensitiveString.
func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

// generateEnvMappings walks the Config struct tags and returns a map of
// environment variable name to dotted koanf path.
func generateEnvMappings() map[string]string {
	mappings := make(map[string]string)
	collectEnvMappings(reflect.TypeOf(Config{}), "", mappings)
	return mappings
}

func collectEnvMappings(t reflect.Type, prefix string, out map[string]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		koanfTag := field.Tag.Get("koanf")
		if koanfTag == "" {
			continue
		}
		path := koanfTag
		if prefix != "" {
			path = prefix + "." + koanfTag
		}
		if envVar := field.Tag.Get("env"); envVar != "" {
			out[envVar] = path
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			collectEnvMappings(field.Type, path, out)
		}
	}
}
