package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override configuration keys.
// A double underscore separates sections, e.g. TIMECAPSULE_STORE__ADDRESS.
const EnvPrefix = "TIMECAPSULE_"

// Load builds a configuration from defaults, the optional YAML file at path,
// the environment and finally overrides keyed by dotted path
// ("network.port"). Later sources win.
func Load(path string, overrides map[string]any) (*BrokerConfig, error) {
	return load(DefaultConfig(), path, overrides)
}

func load(base *BrokerConfig, path string, overrides map[string]any) (*BrokerConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for key, value := range overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", "."), value
}

// Watcher reloads a configuration file whenever it changes on disk
type Watcher struct {
	provider *file.File
}

// Watch invokes onChange with a freshly loaded configuration each time the
// file at path changes. Invalid reloads are reported through err and the
// previous configuration stays in effect at the caller.
func Watch(path string, overrides map[string]any, onChange func(cfg *BrokerConfig, err error)) (*Watcher, error) {
	provider := file.Provider(path)
	err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			onChange(nil, fmt.Errorf("configuration watch failed: %w", err))
			return
		}
		onChange(Load(path, overrides))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch configuration file: %w", err)
	}
	return &Watcher{provider: provider}, nil
}

// Stop ends the watch
func (w *Watcher) Stop() error {
	return w.provider.Unwatch()
}
