// Package catalogue merges native tools, plugin-derived tools, workflow
// templates and plugin metadata into the one catalogue external callers read
// to discover what the host can do.
//
// Sections are gathered concurrently. A section that fails leaves the rest of
// the catalogue intact and marks it degraded. Built catalogues are cached for
// a short TTL and invalidated when plugins or templates change.
package catalogue
