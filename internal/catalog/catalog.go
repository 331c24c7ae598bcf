// Package catalog prices generation requests and names the seed workers
// for each service type.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/validation"
)

var (
	ErrUnknownService = errors.New("catalog: unknown service type")
	ErrUnknownModel   = errors.New("catalog: unknown model")
)

//go:embed default.yaml
var defaultYAML []byte

// Model overrides the service price for one model.
type Model struct {
	Cost     *int64 `yaml:"cost"`
	PaidOnly *bool  `yaml:"paid_only"`
	MinTier  string `yaml:"min_tier"`
}

// Service is a billable service type.
type Service struct {
	Type     string           `yaml:"type"`
	Cost     int64            `yaml:"cost"`
	PaidOnly bool             `yaml:"paid_only"`
	MinTier  string           `yaml:"min_tier"`
	Models   map[string]Model `yaml:"models"`
}

// Catalog is the parsed configuration.
type Catalog struct {
	Services []Service           `yaml:"services"`
	Tiers    map[string]int64    `yaml:"tiers"`
	Workers  map[string][]string `yaml:"workers"`

	byType map[string]*Service
}

// Price is what one request costs and who may make it.
type Price struct {
	ServiceType string `json:"serviceType"`
	Model       string `json:"model,omitempty"`
	Cost        int64  `json:"cost"`
	PaidOnly    bool   `json:"paidOnly"`
	MinTier     string `json:"minTier,omitempty"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in catalog is invalid: %v", err))
	}
	return c
}

// Load reads a YAML catalog. ${VAR} references are expanded from the
// environment before parsing.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return &c, nil
}

func (c *Catalog) index() {
	c.byType = make(map[string]*Service, len(c.Services))
	for i := range c.Services {
		c.byType[c.Services[i].Type] = &c.Services[i]
	}
}

// Validate checks service types, costs, tiers and worker addresses.
func (c *Catalog) Validate() error {
	if len(c.Services) == 0 {
		return errors.New("catalog: at least one service is required")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if !validation.IsValidServiceType(s.Type) {
			return fmt.Errorf("catalog: services[%d]: invalid type %q", i, s.Type)
		}
		if seen[s.Type] {
			return fmt.Errorf("catalog: duplicate service type %q", s.Type)
		}
		seen[s.Type] = true

		if s.Cost < 0 {
			return fmt.Errorf("catalog: services[%d] (%s): cost must not be negative", i, s.Type)
		}
		if s.MinTier != "" && ledger.TierRank(s.MinTier) < 0 {
			return fmt.Errorf("catalog: services[%d] (%s): unknown min_tier %q", i, s.Type, s.MinTier)
		}
		for name, m := range s.Models {
			if m.Cost != nil && *m.Cost < 0 {
				return fmt.Errorf("catalog: services[%d] (%s): model %q: cost must not be negative", i, s.Type, name)
			}
			if m.MinTier != "" && ledger.TierRank(m.MinTier) < 0 {
				return fmt.Errorf("catalog: services[%d] (%s): model %q: unknown min_tier %q", i, s.Type, name, m.MinTier)
			}
		}
	}

	for tier, amount := range c.Tiers {
		if ledger.TierRank(tier) < 0 {
			return fmt.Errorf("catalog: tiers: unknown tier %q", tier)
		}
		if amount < 0 {
			return fmt.Errorf("catalog: tiers: %s: entitlement must not be negative", tier)
		}
	}

	for st, addrs := range c.Workers {
		if !seen[st] {
			return fmt.Errorf("catalog: workers: unknown service type %q", st)
		}
		for _, addr := range addrs {
			if !validation.IsValidWorkerURL(addr) {
				return fmt.Errorf("catalog: workers: %s: invalid address %q", st, addr)
			}
		}
	}
	return nil
}

// Price returns the price of serviceType, with model overrides applied
// when model is non-empty. Model names are case-insensitive.
func (c *Catalog) Price(serviceType, model string) (Price, error) {
	s, ok := c.byType[serviceType]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrUnknownService, serviceType)
	}

	p := Price{ServiceType: s.Type, Cost: s.Cost, PaidOnly: s.PaidOnly, MinTier: s.MinTier}
	if model == "" {
		return p, nil
	}

	m, name, ok := s.model(model)
	if !ok {
		return Price{}, fmt.Errorf("%w: %s/%s", ErrUnknownModel, serviceType, model)
	}
	p.Model = name
	if m.Cost != nil {
		p.Cost = *m.Cost
	}
	if m.PaidOnly != nil {
		p.PaidOnly = *m.PaidOnly
	}
	if m.MinTier != "" {
		p.MinTier = m.MinTier
	}
	return p, nil
}

func (s *Service) model(name string) (Model, string, bool) {
	if m, ok := s.Models[name]; ok {
		return m, name, true
	}
	for k, m := range s.Models {
		if strings.EqualFold(k, name) {
			return m, k, true
		}
	}
	return Model{}, "", false
}

// Allows reports whether an account tier satisfies the price's minimum tier.
func (p Price) Allows(tier string) bool {
	if p.MinTier == "" {
		return true
	}
	return ledger.TierRank(tier) >= ledger.TierRank(p.MinTier)
}

// ServiceTypes returns the configured service types, sorted.
func (c *Catalog) ServiceTypes() []string {
	return slices.Sorted(maps.Keys(c.byType))
}

// Entitlements returns per-tier grants with catalog overrides applied to
// the ledger defaults.
func (c *Catalog) Entitlements() map[string]int64 {
	out := maps.Clone(ledger.DefaultEntitlements)
	maps.Copy(out, c.Tiers)
	return out
}

// SeedWorkers returns the configured worker addresses per service type.
func (c *Catalog) SeedWorkers() map[string][]string {
	out := make(map[string][]string, len(c.Workers))
	for st, addrs := range c.Workers {
		out[st] = slices.Clone(addrs)
	}
	return out
}

// Prices lists every service price followed by its model overrides,
// ordered by service type then model name.
func (c *Catalog) Prices() []Price {
	var out []Price
	for _, st := range c.ServiceTypes() {
		base, _ := c.Price(st, "")
		out = append(out, base)
		for _, name := range slices.Sorted(maps.Keys(c.byType[st].Models)) {
			p, _ := c.Price(st, name)
			out = append(out, p)
		}
	}
	return out
}
