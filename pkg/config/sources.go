package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Source is one configuration layer. Lower priority loads first; later
// layers override earlier keys.
type Source interface {
	Name() string
	Priority() int
	Load(k *koanf.Koanf) error
}

// DefaultSources returns the standard chain: defaults, YAML file, env,
// flags. A missing config file is skipped silently unless the path was
// given explicitly.
func DefaultSources(configFilePath string, flags *pflag.FlagSet) []Source {
	sources := []Source{
		defaultsSource{},
		fileSource{path: configFilePath, explicit: configFilePath != ""},
		envSource{prefix: "VIDCONV_"},
	}
	if flags != nil {
		sources = append(sources, flagSource{flags: flags})
	}
	return sources
}

type defaultsSource struct{}

func (defaultsSource) Name() string  { return "defaults" }
func (defaultsSource) Priority() int { return 0 }
func (defaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

type fileSource struct {
	path     string
	explicit bool
}

func (s fileSource) Name() string  { return "file" }
func (s fileSource) Priority() int { return 10 }
func (s fileSource) Load(k *koanf.Koanf) error {
	path := s.path
	if path == "" {
		path = defaultConfigFilePath()
	}
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if s.explicit {
			return err
		}
		return nil
	}
	return k.Load(file.Provider(path), yaml.Parser())
}

func defaultConfigFilePath() string {
	home, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return home + "/vidconv/config.yaml"
}

type envSource struct {
	prefix string
}

func (s envSource) Name() string  { return "env" }
func (s envSource) Priority() int { return 20 }
func (s envSource) Load(k *koanf.Koanf) error {
	// VIDCONV_MONITOR_POLL_INTERVAL -> monitor.poll_interval. Only the
	// first underscore becomes a section separator; section names
	// themselves contain no underscores.
	return k.Load(env.Provider(s.prefix, ".", func(key string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(key, s.prefix))
		return strings.Replace(trimmed, "_", ".", 1)
	}), nil)
}

type flagSource struct {
	flags *pflag.FlagSet
}

func (s flagSource) Name() string  { return "flags" }
func (s flagSource) Priority() int { return 30 }
func (s flagSource) Load(k *koanf.Koanf) error {
	return k.Load(posflag.Provider(s.flags, ".", k), nil)
}
