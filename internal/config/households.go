package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taxsolver/taxsolver/pkg/core"
)

// HouseholdConfig is the YAML form of a household record.
type HouseholdConfig struct {
	ID         string             `yaml:"id"`
	Weight     *float64           `yaml:"weight,omitempty"`
	Mirror     string             `yaml:"mirror,omitempty"`
	Attributes map[string]float64 `yaml:"attributes"`
}

// HouseholdFile is a list of household records.
type HouseholdFile struct {
	Households []HouseholdConfig `yaml:"households"`
}

// ParseHouseholds decodes household records. Validation is left to
// core.NewStore.
func ParseHouseholds(data []byte) ([]core.Record, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f HouseholdFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding households: %w", err)
	}
	records := make([]core.Record, len(f.Households))
	for i, h := range f.Households {
		records[i] = core.Record{ID: h.ID, Attributes: h.Attributes, Weight: h.Weight, MirrorID: h.Mirror}
	}
	return records, nil
}

// LoadHouseholds reads and parses the household file at path.
func LoadHouseholds(path string) ([]core.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading households: %w", err)
	}
	return ParseHouseholds(data)
}
