package stores

import (
	"context"
	"time"
)

// Entry describes one cached value without its payload.
type Entry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int        `json:"entries"`
	Bytes   int64      `json:"bytes"`
	Oldest  *time.Time `json:"oldest,omitempty"`
	Newest  *time.Time `json:"newest,omitempty"`
}

// Store is a keyed cache of CBOR-encoded values with age-based expiry.
type Store interface {
	// Init opens the database.
	Init(ctx context.Context) error

	// Close releases the database.
	Close() error

	// Migrate applies schema migrations.
	Migrate(ctx context.Context) error

	// Put encodes value and stores it under key, replacing any previous value.
	Put(ctx context.Context, key string, value any) error

	// Get decodes the value under key into out. It reports false when the key
	// is absent or older than maxAge; a zero maxAge accepts any age.
	Get(ctx context.Context, key string, maxAge time.Duration, out any) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every entry, newest first.
	List(ctx context.Context) ([]Entry, error)

	// Stats summarizes the cache.
	Stats(ctx context.Context) (*Stats, error)

	// Purge removes entries older than maxAge, or every entry when maxAge is
	// zero, and returns how many were removed.
	Purge(ctx context.Context, maxAge time.Duration) (int64, error)

	// HealthCheck verifies the database connection.
	HealthCheck(ctx context.Context) error
}
