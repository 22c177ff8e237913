package strategy

import (
	"sync"

	"go.uber.org/atomic"
)

// Settings owns the live strategy config. Readers take whole snapshots;
// writers go through Update, which validates before swapping.
type Settings struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex
}

// NewSettings validates cfg and wraps it.
func NewSettings(cfg Config) (*Settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Settings{}
	s.current.Store(&cfg)
	return s, nil
}

// Snapshot returns a copy of the current config.
func (s *Settings) Snapshot() Config {
	return *s.current.Load()
}

// Update applies fn to a copy of the current config and swaps it in if the
// result is valid. On error the current config is left unchanged.
func (s *Settings) Update(fn func(cfg *Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	fn(&next)
	if err := next.Validate(); err != nil {
		return *s.current.Load(), err
	}
	s.current.Store(&next)
	return next, nil
}

// SetActive flips the active flag.
func (s *Settings) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	next.Active = active
	s.current.Store(&next)
}
