// Package workflow composes plugins into directed graphs and executes them.
//
// A Definition lists nodes, each wrapping one plugin by name. A node's desired
// state is built from template defaults, bindings that copy values published
// by upstream nodes, and per-run caller inputs, and may be reshaped by a
// Starlark transform. Nodes then diff, pass the policy gate and apply through
// registry handles, and publish their outputs to the run context under
// "<node>.<port>".
//
// Node states follow engine.NodeState. A node missing input waits; the run is
// reported in_progress and can be resumed with more input. A failed node, or
// one needing a human decision, stops only its own dependents.
//
// Templates are data: the built-in set is embedded, and a template directory
// of YAML, JSON or CUE files can add to or replace it, with optional hot
// reload.
package workflow
