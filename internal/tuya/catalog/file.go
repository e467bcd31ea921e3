package catalog

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// catalogFile is the TOML layout of a catalog override file:
//
//	[[product]]
//	category = "szjqr"
//	product_id = "abcd1234"
//	name = "Fingerbot"
//
//	  [product.fingerbot]
//	  switch = 2
//
//	  [[product.datapoint]]
//	  name = "battery"
//	  id = 12
//	  type = "value"
//	  read_only = true
type catalogFile struct {
	Products []Product `toml:"product"`
}

// LoadFile reads products from a TOML catalog file. Unknown keys are
// rejected so typos do not silently drop schema fields.
//
// Returns:
//   - []Product: Products in file order
//   - error: File, parse or ErrInvalidCatalog validation error
func LoadFile(path string) ([]Product, error) {
	var raw catalogFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}

	var errs []string
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		errs = append(errs, "unknown keys: "+strings.Join(keys, ", "))
	}
	for _, p := range raw.Products {
		errs = append(errs, p.validate()...)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidCatalog, path, strings.Join(errs, "; "))
	}
	return raw.Products, nil
}

// LoadFiles merges each file over c in order.
func (c *Catalog) LoadFiles(paths ...string) error {
	for _, path := range paths {
		products, err := LoadFile(path)
		if err != nil {
			return err
		}
		c.Merge(products)
	}
	return nil
}
