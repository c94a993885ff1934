package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/insight_runtime/internal/engine/registry"
)

// PublicPrefix is tried after the plain key, for values shared with the
// client build.
const PublicPrefix = "PUBLIC_"

// MissingEnvError reports a required key that resolved to nothing.
type MissingEnvError struct {
	Key string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("missing required environment variable %s", e.Key)
}

// Overrides are in-process values consulted after the environment. They
// are registered under registry.EnvOverrides.
type Overrides struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewOverrides creates an empty override set.
func NewOverrides() *Overrides {
	return &Overrides{values: make(map[string]string)}
}

// Set stores value under key.
func (o *Overrides) Set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.values[key] = value
}

// Get returns the override for key.
func (o *Overrides) Get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[key]
	return v, ok
}

var overridesMu sync.Mutex

// RegisterOverride sets key to value in the override set of reg, creating
// the set on first use. A nil reg means registry.Default().
func RegisterOverride(reg *registry.Registry, key, value string) {
	if reg == nil {
		reg = registry.Default()
	}
	overridesMu.Lock()
	defer overridesMu.Unlock()
	o, ok := registry.ResolveSafeAs[*Overrides](reg, registry.EnvOverrides)
	if !ok {
		o = NewOverrides()
		reg.RegisterValue(registry.EnvOverrides, o)
	}
	o.Set(key, value)
}

// Source resolves configuration keys against the process environment and
// the overrides registered in a registry.
type Source struct {
	reg *registry.Registry
}

// NewSource creates a source over reg. A nil reg means registry.Default().
func NewSource(reg *registry.Registry) Source {
	if reg == nil {
		reg = registry.Default()
	}
	return Source{reg: reg}
}

// Lookup tries key as given, upper-cased, with PublicPrefix, and finally
// the registered overrides. Empty values count as unset.
func (s Source) Lookup(key string) (string, bool) {
	candidates := []string{key}
	if upper := strings.ToUpper(key); upper != key {
		candidates = append(candidates, upper)
	}
	candidates = append(candidates, PublicPrefix+strings.ToUpper(key))

	for _, k := range candidates {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v, true
		}
	}
	if o, ok := registry.ResolveSafeAs[*Overrides](s.reg, registry.EnvOverrides); ok {
		if v, ok := o.Get(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Get returns the value of key, or "".
func (s Source) Get(key string) string {
	v, _ := s.Lookup(key)
	return v
}

// GetOr returns the value of key, or def when unset.
func (s Source) GetOr(key, def string) string {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

// Required returns the value of key or a *MissingEnvError.
func (s Source) Required(key string) (string, error) {
	if v, ok := s.Lookup(key); ok {
		return v, nil
	}
	return "", &MissingEnvError{Key: key}
}

// Bool reports whether key is set to a true value.
func (s Source) Bool(key string) bool {
	return ParseBool(s.Get(key))
}

// GetFromEnv looks key up in the default source.
func GetFromEnv(key string) string {
	return NewSource(nil).Get(key)
}

// GetFromEnvOr looks key up in the default source, returning def when unset.
func GetFromEnvOr(key, def string) string {
	return NewSource(nil).GetOr(key, def)
}

// GetRequiredFromEnv looks key up in the default source and fails when it
// is unset.
func GetRequiredFromEnv(key string) (string, error) {
	return NewSource(nil).Required(key)
}

// ParseBool accepts "true", "yes" and "1" in any case.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are skipped; with no
// paths, ".env" is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env (%s): %w", p, err)
		}
	}
	return nil
}
