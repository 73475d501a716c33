// Package engine provides the core types of the hostkeeper reconciliation engine.
//
// # Overview
//
// Every manageable subsystem on the host (links, service units, containers,
// mesh VPN membership, routing policy, and any IPC service discovered at
// runtime) is wrapped as a Plugin with three operations:
//
//  1. Query - read the live state as a Document
//  2. Diff  - compare the live state against a desired Document
//  3. Apply - perform the minimal changes to converge
//
// # Documents and Diffs
//
// Document is an opaque keyed map. ComputeDiff compares two documents and
// reports added, changed and removed field paths. The desired document defines
// the scope of the comparison, a null desired value requests removal, and
// nested documents are compared field by field:
//
//	current := engine.Document{"mtu": 1500}
//	desired := engine.Document{"mtu": 9000}
//	d := engine.ComputeDiff(current, desired)
//	// {"changed":{"mtu":{"old":1500,"new":9000}}}
//
// # Apply Results
//
// ApplyResult is tagged success, partial_success or failure. FieldOutcome
// helps plugins fold per-field outcomes into the right tag.
//
// # Errors
//
// EngineError carries a retry class and a machine-readable code. KindOf maps
// any error to the lower-case kind reported in tool and workflow responses.
//
// # Graphs
//
// DAGBuilder validates workflow node dependencies, detects cycles and computes
// execution levels. NodeState and RunStatus model the workflow state machine.
package engine
