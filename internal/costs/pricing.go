package costs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"manifold/internal/sessions"
)

// defaultPricing seeds the table with the provider/model combinations this
// module's provider adapters support. Prices are dollars per million
// tokens; a deployment overrides these via the YAML overlay rather than
// editing code, since provider price lists change independently of
// releases.
var defaultPricing = map[string]sessions.PricingSnapshot{
	"anthropic/claude-opus-4":   {InputPricePerMtok: 15, OutputPricePerMtok: 75, CacheReadPricePerMtok: 1.5, CacheWritePricePerMtok: 18.75, Currency: "USD"},
	"anthropic/claude-sonnet-4": {InputPricePerMtok: 3, OutputPricePerMtok: 15, CacheReadPricePerMtok: 0.3, CacheWritePricePerMtok: 3.75, Currency: "USD"},
	"anthropic/claude-haiku-4":  {InputPricePerMtok: 0.8, OutputPricePerMtok: 4, CacheReadPricePerMtok: 0.08, CacheWritePricePerMtok: 1, Currency: "USD"},
	"openai/gpt-4o":             {InputPricePerMtok: 2.5, OutputPricePerMtok: 10, CacheReadPricePerMtok: 1.25, Currency: "USD"},
	"openai/gpt-4o-mini":        {InputPricePerMtok: 0.15, OutputPricePerMtok: 0.6, CacheReadPricePerMtok: 0.075, Currency: "USD"},
	"google/gemini-2.5-pro":     {InputPricePerMtok: 1.25, OutputPricePerMtok: 10, Currency: "USD"},
	"google/gemini-2.5-flash":   {InputPricePerMtok: 0.3, OutputPricePerMtok: 2.5, Currency: "USD"},
	"bedrock/anthropic.claude-sonnet-4": {InputPricePerMtok: 3, OutputPricePerMtok: 15, CacheReadPricePerMtok: 0.3, CacheWritePricePerMtok: 3.75, Currency: "USD"},
}

// overlayEntry is the YAML shape of one pricing.yaml row.
type overlayEntry struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	InputPerMtok    float64 `yaml:"input_per_mtok"`
	OutputPerMtok   float64 `yaml:"output_per_mtok"`
	CacheReadMtok   float64 `yaml:"cache_read_per_mtok"`
	CacheWriteMtok  float64 `yaml:"cache_write_per_mtok"`
	Currency        string  `yaml:"currency"`
}

// PricingService resolves a frozen PricingSnapshot for a provider/model
// pair, optionally overlaid from a YAML file (spec §3 "DOMAIN STACK":
// gopkg.in/yaml.v3 pricing-table overlay). It implements
// streaming.PricingLookup.
type PricingService struct {
	mu    sync.RWMutex
	table map[string]sessions.PricingSnapshot
}

// NewPricingService builds a PricingService seeded with defaultPricing and,
// if overlayPath is non-empty and readable, overlaid with its contents.
// A missing or malformed overlay file is not fatal — it is logged by the
// caller and the built-in table is used as-is.
func NewPricingService(overlayPath string) (*PricingService, error) {
	table := make(map[string]sessions.PricingSnapshot, len(defaultPricing))
	for k, v := range defaultPricing {
		table[k] = v
	}
	svc := &PricingService{table: table}
	if overlayPath == "" {
		return svc, nil
	}
	if err := svc.loadOverlay(overlayPath); err != nil {
		return svc, fmt.Errorf("costs: load pricing overlay: %w", err)
	}
	return svc, nil
}

func (s *PricingService) loadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []overlayEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse overlay: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, e := range entries {
		s.table[key(e.Provider, e.Model)] = sessions.PricingSnapshot{
			InputPricePerMtok:      e.InputPerMtok,
			OutputPricePerMtok:     e.OutputPerMtok,
			CacheReadPricePerMtok:  e.CacheReadMtok,
			CacheWritePricePerMtok: e.CacheWriteMtok,
			Currency:               firstNonEmpty(e.Currency, "USD"),
			SnapshotAt:             now,
		}
	}
	return nil
}

// Lookup implements streaming.PricingLookup.
func (s *PricingService) Lookup(_ context.Context, provider, modelID string) (sessions.PricingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.table[key(provider, modelID)]
	if !ok {
		return sessions.PricingSnapshot{}, fmt.Errorf("costs: no pricing entry for %s/%s", provider, modelID)
	}
	p.SnapshotAt = time.Now().UTC()
	return p, nil
}

func key(provider, model string) string {
	return provider + "/" + model
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
