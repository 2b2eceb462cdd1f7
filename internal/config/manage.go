package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		v := s.extract(cfg)
		if list, ok := v.([]string); ok {
			v = strings.Join(list, ",")
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", v),
		})
	}
	return result
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	b, err := openFileBackend(FilePath())
	if err != nil {
		return err
	}
	return setKey(b, key, value)
}

// UnsetKey removes a key from the config file so its default applies again.
func UnsetKey(key string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	b, err := openFileBackend(FilePath())
	if err != nil {
		return err
	}
	return b.Delete(s.key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	typed, err := s.convert(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	probe := defaults()
	s.apply(&probe, typed)
	if err := probe.validate(); err != nil {
		return err
	}
	stored := typed
	switch s.typ {
	case kDuration, kBytes:
		// Kept as written so the file stays readable.
		stored = strings.TrimSpace(value)
	}
	return b.Set(s.key, stored)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
