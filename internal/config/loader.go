package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":    {"gemini-live", "openai-realtime"},
	"summary": {"openai", "anthropic", "gemini", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Providers
	if cfg.Live.Name == "" {
		errs = append(errs, errors.New("live.name is required"))
	}
	validateProviderName("live", cfg.Live.Name)
	validateProviderName("summary", cfg.Summary.Name)

	if cfg.Live.Name != "" && cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty; the provider will rely on its environment variable")
	}
	if cfg.Summary.Name != "" && cfg.Summary.Model == "" {
		errs = append(errs, errors.New("summary.model is required when summary.name is set"))
	}

	// Storage
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; call history and preferences will not survive restarts")
	}

	// Tools
	if cfg.Tools.CallConnectDelay < 0 {
		errs = append(errs, fmt.Errorf("tools.call_connect_delay %v must not be negative", cfg.Tools.CallConnectDelay))
	}
	if cfg.Tools.DirectorySearchDelay < 0 {
		errs = append(errs, fmt.Errorf("tools.directory_search_delay %v must not be negative", cfg.Tools.DirectorySearchDelay))
	}

	namesSeen := make(map[string]int, len(cfg.Tools.Directory))
	for i, entry := range cfg.Tools.Directory {
		prefix := fmt.Sprintf("tools.directory[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[entry.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.directory[%d]", prefix, entry.Name, prev))
			}
			namesSeen[entry.Name] = i
		}
		if entry.Phone == "" {
			errs = append(errs, fmt.Errorf("%s.phone is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
