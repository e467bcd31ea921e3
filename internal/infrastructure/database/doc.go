// Package database is the SQLite store behind the device inventory.
//
// Open returns a single-connection handle with WAL and foreign keys
// enabled; the file is created mode 0600 because rows carry device local
// keys. Schema changes live in package migrations as
// YYYYMMDD_HHMMSS_name.up.sql files with optional .down.sql partners,
// applied by DB.Migrate at startup and inspected or reverted with the
// -migrate-status and -migrate-down flags of cmd/tuyable.
package database
