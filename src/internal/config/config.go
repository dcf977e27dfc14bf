// Package config persists user preferences as YAML under the XDG config home.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/mukes555/PortKilla/src/internal/rules"
)

const (
	appDir = "portkilla"

	EnvConfigPath      = "PORTKILLA_CONFIG"
	EnvRefreshInterval = "PORTKILLA_REFRESH_INTERVAL"

	DefaultRefreshSeconds = 2.0
	DefaultHistoryLimit   = 50
)

// Preferences is the persisted preference document.
type Preferences struct {
	// RefreshIntervalSeconds is the scan period. 0 disables periodic refresh.
	RefreshIntervalSeconds float64  `yaml:"refresh_interval_seconds" json:"refresh_interval_seconds"`
	ShowNotifications      bool     `yaml:"show_notifications" json:"show_notifications"`
	Protected              []string `yaml:"protected" json:"protected"`
	WatchedPorts           []int    `yaml:"watched_ports" json:"watched_ports"`
	HistoryLimit           int      `yaml:"history_limit" json:"history_limit"`
}

// Defaults returns the preferences used on first run.
func Defaults() Preferences {
	return Preferences{
		RefreshIntervalSeconds: DefaultRefreshSeconds,
		ShowNotifications:      true,
		Protected:              rules.Defaults(),
		WatchedPorts:           []int{},
		HistoryLimit:           DefaultHistoryLimit,
	}
}

// Path returns the config file location, honouring PORTKILLA_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, appDir, "config.yaml")
}

// DataPath returns a file path under the XDG data home for this app.
func DataPath(name string) string {
	return filepath.Join(xdg.DataHome, appDir, name)
}

// Store is a concurrency-safe preference store backed by one YAML file.
type Store struct {
	mu    sync.RWMutex
	path  string
	prefs Preferences
	// envRefresh overrides the persisted interval for this process only.
	envRefresh *float64
}

// Load reads path, seeding it with defaults when it does not exist yet.
func Load(path string) (*Store, error) {
	s := &Store{path: path, prefs: Defaults()}

	// #nosec G304 -- path is the app's own config file
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// absent keys keep their defaults; an absent protected list is seeded below
		loaded := Defaults()
		loaded.Protected = nil
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if loaded.Protected == nil {
			loaded.Protected = rules.Defaults()
		}
		s.prefs = normalize(loaded)
	}

	if raw := os.Getenv(EnvRefreshInterval); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid %s %q", EnvRefreshInterval, raw)
		}
		s.envRefresh = &v
	}
	return s, nil
}

func normalize(p Preferences) Preferences {
	if p.RefreshIntervalSeconds < 0 {
		p.RefreshIntervalSeconds = DefaultRefreshSeconds
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = DefaultHistoryLimit
	}
	if p.WatchedPorts == nil {
		p.WatchedPorts = []int{}
	}
	return p
}

// Path returns the file backing this store.
func (s *Store) Path() string { return s.path }

// Preferences returns a copy of the current preferences.
func (s *Store) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.prefs
	p.Protected = slices.Clone(p.Protected)
	p.WatchedPorts = slices.Clone(p.WatchedPorts)
	return p
}

// RefreshInterval is the effective scan period; 0 means manual refresh only.
func (s *Store) RefreshInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secs := s.prefs.RefreshIntervalSeconds
	if s.envRefresh != nil {
		secs = *s.envRefresh
	}
	return time.Duration(secs * float64(time.Second))
}

func (s *Store) ShowNotifications() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.ShowNotifications
}

func (s *Store) ProtectedRules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.prefs.Protected)
}

func (s *Store) WatchedPorts() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.prefs.WatchedPorts)
}

func (s *Store) HistoryLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.HistoryLimit
}

// SetProtectedRules replaces and persists the protected rule list.
func (s *Store) SetProtectedRules(list []string) error {
	return s.Update(func(p *Preferences) {
		p.Protected = append([]string{}, list...)
	})
}

// SetWatchedPorts replaces and persists the watchlist.
func (s *Store) SetWatchedPorts(ports []int) error {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %d", p)
		}
	}
	return s.Update(func(pr *Preferences) {
		pr.WatchedPorts = slices.Compact(slices.Sorted(slices.Values(ports)))
	})
}

// Update applies fn and persists the result.
func (s *Store) Update(fn func(*Preferences)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.prefs
	next := s.prefs
	next.Protected = slices.Clone(prev.Protected)
	next.WatchedPorts = slices.Clone(prev.WatchedPorts)
	fn(&next)
	s.prefs = normalize(next)
	if err := s.save(); err != nil {
		s.prefs = prev
		return err
	}
	return nil
}

// Set assigns one preference from its string form, as typed on the command line.
func (s *Store) Set(key, raw string) error {
	switch key {
	case "refresh_interval_seconds":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("refresh_interval_seconds must be a non-negative number, got %q", raw)
		}
		return s.Update(func(p *Preferences) { p.RefreshIntervalSeconds = v })
	case "show_notifications":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("show_notifications must be true or false, got %q", raw)
		}
		return s.Update(func(p *Preferences) { p.ShowNotifications = v })
	case "history_limit":
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("history_limit must be a positive integer, got %q", raw)
		}
		return s.Update(func(p *Preferences) { p.HistoryLimit = v })
	case "protected":
		return s.SetProtectedRules(splitList(raw))
	case "watched_ports":
		var ports []int
		for _, f := range splitList(raw) {
			v, err := strconv.Atoi(f)
			if err != nil {
				return fmt.Errorf("watched_ports must be a comma-separated port list, got %q", raw)
			}
			ports = append(ports, v)
		}
		return s.SetWatchedPorts(ports)
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Reset restores and persists the defaults.
func (s *Store) Reset() error {
	return s.Update(func(p *Preferences) { *p = Defaults() })
}

// save writes atomically; callers hold the write lock.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s.prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
