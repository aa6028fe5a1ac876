// Package targets loads the YAML catalog of resources to scrape.
package targets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

// ErrEmptyCatalog is returned when a catalog lists no targets.
var ErrEmptyCatalog = errors.New("catalog has no targets")

// Catalog is the on-disk layout:
//
//	targets:
//	  - name: milk
//	    url: https://shop.example/milk
//	    selectors:
//	      title: h1
//	      price: {css: .price, transform: float}
type Catalog struct {
	Targets []scrape.Resource `yaml:"targets"`
}

// Load reads the catalog at path.
func Load(path string) ([]scrape.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	resources, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return resources, nil
}

// Parse decodes a catalog. Unknown keys are rejected.
func Parse(r io.Reader) ([]scrape.Resource, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var catalog Catalog
	if err := dec.Decode(&catalog); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	if len(catalog.Targets) == 0 {
		return nil, ErrEmptyCatalog
	}
	return catalog.Targets, nil
}
