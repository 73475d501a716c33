// Package stores provides the SQLite-backed introspection cache.
// Values are CBOR-encoded and keyed by string; entries expire by age on read
// and can be purged. The schema is managed with embedded migrations.
package stores
