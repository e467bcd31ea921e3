package catalog

import "errors"

// Domain errors for the catalog package.
var (
	// ErrUnknownProduct is returned when neither the product nor its
	// category is in the catalog.
	ErrUnknownProduct = errors.New("catalog: unknown product")

	// ErrUnknownDatapoint is returned when a schema has no field of the
	// requested name.
	ErrUnknownDatapoint = errors.New("catalog: unknown datapoint")

	// ErrInvalidCatalog is returned when a catalog file fails validation.
	ErrInvalidCatalog = errors.New("catalog: invalid catalog file")
)
