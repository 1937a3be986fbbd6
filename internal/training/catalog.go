package training

import (
	"amrcore/internal/ml"
	"amrcore/pkg/domain"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelConfig holds the fitting settings of one answer drug.
type ModelConfig struct {
	Params          ml.Params `yaml:"params"`
	Oversampler     string    `yaml:"oversampler"`
	OversamplerSeed int64     `yaml:"oversampler_seed"`
}

// DefaultModelConfig is used for drugs the catalog does not name.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{Params: ml.DefaultParams(), Oversampler: ml.KindSMOTE}
}

// Validate checks the params and the oversampler name.
func (c ModelConfig) Validate() error {
	if err := c.Params.Validate(); err != nil {
		return err
	}
	if _, err := ml.NewOversampler(c.Oversampler, c.OversamplerSeed); err != nil {
		return err
	}
	return nil
}

// Catalog resolves per-drug model settings. Drug entries overlay the
// catalog defaults key by key.
type Catalog struct {
	defaults ModelConfig
	drugs    map[domain.InstrumentClass]map[string]yaml.Node
}

type catalogFile struct {
	Defaults yaml.Node                       `yaml:"defaults"`
	Drugs    map[string]map[string]yaml.Node `yaml:"drugs"`
}

// DefaultCatalog applies DefaultModelConfig to every drug.
func DefaultCatalog() *Catalog {
	return &Catalog{defaults: DefaultModelConfig(), drugs: map[domain.InstrumentClass]map[string]yaml.Node{}}
}

// LoadCatalog reads the YAML catalog at path. An empty path yields the
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := DefaultCatalog()
	if !file.Defaults.IsZero() {
		if err := file.Defaults.Decode(&c.defaults); err != nil {
			return nil, fmt.Errorf("catalog defaults: %w", err)
		}
	}
	if err := c.defaults.Validate(); err != nil {
		return nil, fmt.Errorf("catalog defaults: %w", err)
	}
	for rawClass, entries := range file.Drugs {
		class, ok := domain.ParseInstrumentClass(rawClass)
		if !ok {
			return nil, fmt.Errorf("catalog: unknown instrument class %q", rawClass)
		}
		if c.drugs[class] == nil {
			c.drugs[class] = make(map[string]yaml.Node, len(entries))
		}
		for drug, node := range entries {
			name := strings.ToLower(strings.TrimSpace(drug))
			c.drugs[class][name] = node
			cfg, err := c.Config(class, name)
			if err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("catalog %s/%s: %w", class, name, err)
			}
		}
	}
	return c, nil
}

// Defaults returns the catalog-wide settings.
func (c *Catalog) Defaults() ModelConfig { return c.defaults }

// Drugs lists the drugs with explicit entries for class.
func (c *Catalog) Drugs(class domain.InstrumentClass) []string {
	out := make([]string, 0, len(c.drugs[class]))
	for drug := range c.drugs[class] {
		out = append(out, drug)
	}
	sort.Strings(out)
	return out
}

// Config returns the settings for drug, falling back to the defaults.
func (c *Catalog) Config(class domain.InstrumentClass, drug string) (ModelConfig, error) {
	cfg := c.defaults
	node, ok := c.drugs[class][drug]
	if !ok {
		return cfg, nil
	}
	if err := node.Decode(&cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("catalog %s/%s: %w", class, drug, err)
	}
	return cfg, nil
}
