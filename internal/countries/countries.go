// Package countries holds the catalog of countries and economy regions the
// calculation backend accepts.
package countries

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Country is one catalog entry.
type Country struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	DefaultRegion string   `yaml:"default_region"`
	Regions       []string `yaml:"regions"`
}

// Catalog is an immutable lookup of countries by id.
type Catalog struct {
	byID map[string]Country
}

type catalogFile struct {
	Countries []Country `yaml:"countries"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("countries: built-in catalog: %v", err))
	}
	return c
}

// Load reads a catalog from path. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read country catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("country catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog and checks it for duplicate or empty ids and
// for default regions missing from the region list.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(f.Countries) == 0 {
		return nil, fmt.Errorf("no countries defined")
	}

	byID := make(map[string]Country, len(f.Countries))
	for i, c := range f.Countries {
		c.ID = strings.ToLower(strings.TrimSpace(c.ID))
		if c.ID == "" {
			return nil, fmt.Errorf("countries[%d]: empty id", i)
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("countries[%d]: duplicate id %q", i, c.ID)
		}
		if c.DefaultRegion == "" {
			c.DefaultRegion = c.ID
		}
		if !contains(c.Regions, c.DefaultRegion) {
			c.Regions = append([]string{c.DefaultRegion}, c.Regions...)
		}
		byID[c.ID] = c
	}
	return &Catalog{byID: byID}, nil
}

// Lookup returns the country with the given id.
func (c *Catalog) Lookup(id string) (Country, bool) {
	country, ok := c.byID[strings.ToLower(id)]
	return country, ok
}

// IDs returns all country ids in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveRegion returns the region to use for an economy calculation.
// An empty region resolves to the country default.
func (c *Catalog) ResolveRegion(countryID, region string) (string, error) {
	country, ok := c.Lookup(countryID)
	if !ok {
		return "", fmt.Errorf("unknown country %q", countryID)
	}
	if region == "" {
		return country.DefaultRegion, nil
	}
	if !contains(country.Regions, region) {
		return "", fmt.Errorf("unknown region %q for country %q", region, countryID)
	}
	return region, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
