package prices

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Table maps asset short names to their listing price in XCP.
type Table map[string]float64

// priceFile is the on-disk YAML layout:
//
//	prices:
//	  PEPECASH: 12.5
//	  RAREPEPE: 100
type priceFile struct {
	Prices map[string]float64 `yaml:"prices"`
}

// Load reads the price table from path. Assets with a non-positive
// price are dropped; maintenance never lists for free.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table %s: %w", path, err)
	}

	var pf priceFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse price table %s: %w", path, err)
	}

	table := make(Table, len(pf.Prices))
	for asset, price := range pf.Prices {
		if price > 0 {
			table[asset] = price
		}
	}
	return table, nil
}
