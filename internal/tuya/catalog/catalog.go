package catalog

import (
	"fmt"
	"sort"
	"sync"
)

type category struct {
	products map[string]Product
	fallback *Product
}

// Catalog is a product database. Safe for concurrent use.
type Catalog struct {
	mu         sync.RWMutex
	categories map[string]*category
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{categories: make(map[string]*category)}
}

// Builtin returns a catalog holding the builtin product database.
func Builtin() *Catalog {
	c := New()
	c.Merge(builtinProducts())
	return c
}

// Merge adds products, replacing any with the same category and product
// id. A product with an empty ProductID becomes the category fallback.
func (c *Catalog) Merge(products []Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range products {
		if p.Manufacturer == "" {
			p.Manufacturer = DefaultManufacturer
		}
		cat, ok := c.categories[p.Category]
		if !ok {
			cat = &category{products: make(map[string]Product)}
			c.categories[p.Category] = cat
		}
		if p.ProductID == "" {
			fallback := p
			cat.fallback = &fallback
			continue
		}
		cat.products[p.ProductID] = p
	}
}

// Lookup finds a product by exact category and product id, falling back to
// the category-level entry.
//
// Returns:
//   - Product: The matching product
//   - error: ErrUnknownProduct if neither exists
func (c *Catalog) Lookup(categoryName, productID string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cat, ok := c.categories[categoryName]
	if !ok {
		return Product{}, fmt.Errorf("%w: category %q", ErrUnknownProduct, categoryName)
	}
	if p, ok := cat.products[productID]; ok {
		return p, nil
	}
	if cat.fallback != nil {
		return *cat.fallback, nil
	}
	return Product{}, fmt.Errorf("%w: %s/%s", ErrUnknownProduct, categoryName, productID)
}

// Products returns every product ordered by category then product id.
func (c *Catalog) Products() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Product
	for _, cat := range c.categories {
		if cat.fallback != nil {
			out = append(out, *cat.fallback)
		}
		for _, p := range cat.products {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}
