// Package policy gates plugin operations with Open Policy Agent (OPA) Rego
// policies.
//
// The tool bridge and the workflow engine build an Input for every apply (and,
// for tools, every call) and ask a Gate for a Decision. A policy package
// contributes through two rule sets:
//
//	deny contains violation if { ... }
//	intervene contains reason if { ... }
//
// Deny members are objects with message, severity and resource keys. A
// violation of severity error or critical blocks the operation, lower
// severities are reported as warnings. Any intervene member holds the
// operation for a human decision.
//
// Built-in policies:
//
//   - caller-clearance: denies operations above the caller's clearance
//   - destructive-apply: holds applies that remove state unless approved
//   - protected-units: denies stopping, disabling or removing protected units
//   - dynamic-apply: warns on writes to discovered IPC services
//
// Custom policies are loaded from .rego files or JSON policy and bundle files
// and can be hot-reloaded with Engine.Watch:
//
//	eng, err := policy.NewEngine(logger, policy.Options{ProtectedUnits: []string{"sshd.service"}})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/hostkeeper/policies"}); err != nil {
//	    return err
//	}
//	decision, err := eng.Evaluate(ctx, &policy.Input{Plugin: "network", Operation: "apply"})
package policy
