// Package storage is the persistence layer behind the generator, the
// aggregator, and the HTTP surface.
//
// Drivers:
//   - "memory": process-local maps (tests, demos)
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared database (github.com/lib/pq)
//
// Both SQL drivers share one implementation over database/sql; only the
// placeholder style and connection setup differ.
package storage
