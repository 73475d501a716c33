// Package tools exposes plugins and native operations as callable tools.
//
// The Bridge turns every registered plugin into three tools named
// plugin_<name>_query, plugin_<name>_diff and plugin_<name>_apply. Diff and
// apply take a desired_state argument; query takes none. Native tools such as
// list_plugins and discover_services are registered on the Dispatcher.
//
// Every call passes through a policy.Gate. Reads are security level low,
// applies are high, and applies on discovered IPC services are critical.
// High and critical calls are written to the audit log.
package tools
