package config

import (
	"reflect"
	"sync"

	"github.com/coachpo/marketrelay/internal/app/rules"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return Default()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetRules replaces the source rules section. Unchanged rules skip persistence.
func (s *AppConfigStore) SetRules(set rules.Set) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	updated.Rules = set.Clone()
	if err := updated.normalise(); err != nil {
		return err
	}
	if reflect.DeepEqual(s.cfg.Rules, updated.Rules) {
		return nil
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}
	s.cfg = updated
	return nil
}

// Clone returns a deep copy of the configuration.
func (c AppConfig) Clone() AppConfig {
	out := c
	out.Router.CircuitBreakers = copyMap(c.Router.CircuitBreakers)
	out.Channels.Tick.Universe = append([]string(nil), c.Channels.Tick.Universe...)
	out.Channels.Aggregate.Universe = append([]string(nil), c.Channels.Aggregate.Universe...)
	out.Channels.Valuation.Universe = append([]string(nil), c.Channels.Valuation.Universe...)
	out.Detectors.Trend.Windows = append([]int(nil), c.Detectors.Trend.Windows...)
	if c.Rules != nil {
		out.Rules = c.Rules.Clone()
	}
	out.Coordination.Overrides = copyMap(c.Coordination.Overrides)
	out.Distributor.Frequencies = append([]string(nil), c.Distributor.Frequencies...)
	out.Feed.Synthetic.Symbols = append([]string(nil), c.Feed.Synthetic.Symbols...)
	out.Distributor.Capacities = copyMap(c.Distributor.Capacities)
	out.Distributor.Cadences = copyMap(c.Distributor.Cadences)
	return out
}
