package config

import (
	"errors"
	"testing"

	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

func TestAppConfigStoreSetRulesPersistsChanges(t *testing.T) {
	var persisted []AppConfig
	store, err := NewAppConfigStore(Default(), func(cfg AppConfig) error {
		persisted = append(persisted, cfg)
		return nil
	})
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}

	updated := rules.DefaultSet()
	updated[schema.SourceAggregate]["minPercentChange"] = 2.5
	if err := store.SetRules(updated); err != nil {
		t.Fatalf("SetRules returned error: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected a single persisted snapshot, got %d", len(persisted))
	}
	if got := persisted[0].Rules[schema.SourceAggregate]["minPercentChange"]; got != 2.5 {
		t.Fatalf("persisted threshold mismatch, got %v", got)
	}

	// Re-applying the same rules should not trigger persistence again.
	if err := store.SetRules(updated); err != nil {
		t.Fatalf("SetRules returned error: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected persistence to be skipped for unchanged rules, got %d updates", len(persisted))
	}
	if store.Snapshot().Rules[schema.SourceAggregate]["minPercentChange"] != 2.5 {
		t.Fatalf("snapshot does not reflect update")
	}
}

func TestAppConfigStoreRejectsInvalidRules(t *testing.T) {
	store, err := NewAppConfigStore(Default(), nil)
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	bad := rules.Set{schema.SourceValuation: {"confidence": 0.5}}
	if err := store.SetRules(bad); err == nil {
		t.Fatalf("expected invalid threshold name to be rejected")
	}
	if _, ok := store.Snapshot().Rules[schema.SourceAggregate]; !ok {
		t.Fatalf("previous rules must survive a rejected update")
	}
}

func TestAppConfigStorePersistFailureKeepsState(t *testing.T) {
	store, err := NewAppConfigStore(Default(), func(AppConfig) error { return errors.New("disk full") })
	if err != nil {
		t.Fatalf("NewAppConfigStore failed: %v", err)
	}
	if err := store.SetRules(rules.Set{}); err == nil {
		t.Fatalf("expected persistence failure to surface")
	}
	if len(store.Snapshot().Rules) == 0 {
		t.Fatalf("rules changed despite persistence failure")
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Rules[schema.SourceAggregate]["minPercentChange"] = 9
	clone.Distributor.Frequencies[0] = "changed"
	if cfg.Rules[schema.SourceAggregate]["minPercentChange"] == 9 {
		t.Fatalf("clone shares rules")
	}
	if cfg.Distributor.Frequencies[0] == "changed" {
		t.Fatalf("clone shares frequencies")
	}
}
