// Package catalog is the product database for Tuya BLE devices.
//
// Products are keyed by category and product id, with an optional
// category-level fallback. Each product carries a datapoint schema that
// maps semantic names ("switch", "hold_time") to datapoint ids and types.
// The builtin database can be extended or overridden with TOML files.
package catalog
