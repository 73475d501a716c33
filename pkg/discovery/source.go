package discovery

import "context"

// Source is the IPC layer the discoverer reads descriptors and property
// values from.
type Source interface {
	// Describe introspects one service interface.
	Describe(ctx context.Context, t Target) (*ServiceDescriptor, error)

	// Properties reads every readable property of the interface.
	Properties(ctx context.Context, t Target) (map[string]any, error)

	// SetProperty writes one property, converting value to the property's
	// signature.
	SetProperty(ctx context.Context, t Target, prop PropertyDescriptor, value any) error

	// ListServices returns the well-known bus names starting with prefix.
	ListServices(ctx context.Context, prefix string) ([]string, error)
}
