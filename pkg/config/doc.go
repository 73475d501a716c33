// Package config loads hostkeeper configuration and evaluates the CUE and
// Starlark sources used by workflow templates.
//
// # Configuration files
//
// Load picks a decoder from the file extension: .yaml/.yml (gopkg.in/yaml.v3),
// .toml (BurntSushi/toml) or .json/.jsonc (JSON with comments and trailing
// commas, stripped by tidwall/jsonc). Values are decoded over Default() and
// checked with go-playground/validator. ${VAR} references are expanded from
// the environment first.
//
//	plugins:
//	  call_timeout: 15s
//	  managed_units: [nginx.service]
//	policy:
//	  clearance: high
//
// # CUE templates
//
// CUEParser unifies a CUE source with a registered schema definition and
// decodes the concrete result. The built-in "workflow" schema is #Workflow.
// Errors carry file, line and column.
//
// # Starlark transforms
//
// StarlarkEvaluator runs a script that defines transform(desired, context)
// and returns the new desired state as a dict. The run context is frozen.
// Scripts run with a timeout and have struct and json available; print is
// discarded.
package config
