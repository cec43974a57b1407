// Package config loads process configuration by layering defaults, an
// optional YAML file, and RIVALSCOPE_* environment variables.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DBPath is the SQLite database file.
	DBPath string `koanf:"db_path"`

	// LLMModel overrides the default Anthropic model.
	LLMModel string `koanf:"llm_model"`

	// ReportDir receives rendered report files.
	ReportDir string `koanf:"report_dir"`

	// ChromePath points at a Chrome/Chromium binary for PDF rendering.
	// Empty means chromedp's default lookup.
	ChromePath string `koanf:"chrome_path"`
}

func defaults() Config {
	return Config{
		Addr:      ":8080",
		DBPath:    "rivalscope.db",
		ReportDir: "reports",
	}
}

// Load builds a Config. Order of precedence (low -> high):
//  1. defaults
//  2. YAML file named by RIVALSCOPE_CONFIG, if set
//  3. environment variables (RIVALSCOPE_ADDR, RIVALSCOPE_DB_PATH, ...)
func Load() (Config, error) {
	cfg := defaults()

	k := koanf.New(".")
	if path := os.Getenv("RIVALSCOPE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider("RIVALSCOPE_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "rivalscope_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, err
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, err
	}

	if cfg.Addr == "" {
		return Config{}, errors.New("addr must not be empty")
	}
	if cfg.DBPath == "" {
		return Config{}, errors.New("db_path must not be empty")
	}
	return cfg, nil
}
