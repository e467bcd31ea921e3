// Package device is the inventory of configured BLE devices.
//
// The inventory records which devices exist and how they bind to the
// product catalog: id, name, address, category, product id and protocol
// version, plus when each was last connected. It never stores datapoint
// values; live state belongs to the protocol session.
//
// # Architecture
//
//	Registry (registry.go)      cache, seeding from config, thread safety
//	    │
//	    ▼
//	Repository (repository.go)  SQLite queries over the devices table
//
// The registry is seeded from tuya.devices in config.yaml at startup.
// Seeding inserts new devices, updates changed ones and deletes devices
// no longer listed in the file.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if _, err := registry.Seed(ctx, seeds); err != nil {
//	    return err
//	}
package device
