// Package discovery turns live D-Bus services into plugins.
//
// A Discoverer introspects each target service, builds a ServiceDescriptor
// (properties with their type signature and access), and registers a
// DynamicPlugin for it. The plugin's Query reads every property with GetAll,
// Diff compares requested property values, and Apply calls Set for each
// writable property that differs. No service-specific code is involved.
//
// Discovery is batch-tolerant: a service that cannot be reached or whose
// plugin name is already taken is reported in Report.Skipped while the
// remaining services are still registered.
//
// Descriptors can be cached between runs through the Cache interface, which
// the SQLite store in pkg/stores implements.
package discovery
