package policy

import "time"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		callerClearancePolicy(),
		destructiveApplyPolicy(),
		protectedUnitsPolicy(),
		dynamicApplyPolicy(),
	}
}

func builtin(p Policy) Policy {
	p.Builtin = true
	p.Enabled = true
	p.LoadedAt = time.Now()
	return p
}

// callerClearancePolicy denies operations above the caller's clearance.
func callerClearancePolicy() Policy {
	return builtin(Policy{
		Name:        "caller-clearance",
		Description: "Denies operations whose security level exceeds the caller's clearance",
		Severity:    SeverityError,
		Tags:        []string{"authorization"},
		Rego: `package hostkeeper.policies.clearance

import rego.v1

rank := {"low": 0, "medium": 1, "high": 2, "critical": 3}

clearance := object.get(rank, input.caller.clearance, 0)

deny contains violation if {
	required := object.get(rank, input.security_level, 3)
	required > clearance
	violation := {
		"message": sprintf("%s on %s requires %s clearance, caller %s has %s", [input.operation, input.plugin, input.security_level, input.caller.id, input.caller.clearance]),
		"severity": "error",
		"resource": input.plugin,
	}
}
`,
	})
}

// destructiveApplyPolicy holds applies that remove state until approved.
func destructiveApplyPolicy() Policy {
	return builtin(Policy{
		Name:        "destructive-apply",
		Description: "Holds applies that remove state for a human decision unless approved",
		Severity:    SeverityWarning,
		Tags:        []string{"safety"},
		Rego: `package hostkeeper.policies.destructive

import rego.v1

intervene contains reason if {
	input.operation == "apply"
	not input.approved
	some field in object.keys(input.diff.removed)
	reason := sprintf("apply on %s removes %s", [input.plugin, field])
}
`,
	})
}

// protectedUnitsPolicy denies stopping or disabling units listed in
// data.hostkeeper.protected_units.
func protectedUnitsPolicy() Policy {
	return builtin(Policy{
		Name:        "protected-units",
		Description: "Denies stopping or disabling protected service units",
		Severity:    SeverityCritical,
		Tags:        []string{"safety", "systemd"},
		Rego: `package hostkeeper.policies.protected_units

import rego.v1

protected contains unit if {
	some unit in data.hostkeeper.protected_units
}

deny contains violation if {
	input.operation == "apply"
	some name, unit in input.desired_state.units
	name in protected
	unit.active_state == "inactive"
	violation := {
		"message": sprintf("unit %s is protected and cannot be stopped", [name]),
		"severity": "critical",
		"resource": name,
	}
}

deny contains violation if {
	input.operation == "apply"
	some name, unit in input.desired_state.units
	name in protected
	unit.enabled == false
	violation := {
		"message": sprintf("unit %s is protected and cannot be disabled", [name]),
		"severity": "critical",
		"resource": name,
	}
}

deny contains violation if {
	input.operation == "apply"
	some name, unit in input.desired_state.units
	name in protected
	unit == null
	violation := {
		"message": sprintf("unit %s is protected and cannot be removed", [name]),
		"severity": "critical",
		"resource": name,
	}
}
`,
	})
}

// dynamicApplyPolicy warns about applies against discovered IPC services.
func dynamicApplyPolicy() Policy {
	return builtin(Policy{
		Name:        "dynamic-apply",
		Description: "Warns when an apply writes properties of a discovered IPC service",
		Severity:    SeverityWarning,
		Tags:        []string{"audit"},
		Rego: `package hostkeeper.policies.dynamic

import rego.v1

deny contains violation if {
	input.operation == "apply"
	input.plugin_kind == "dynamic"
	violation := {
		"message": sprintf("apply writes properties of discovered service %s", [input.plugin]),
		"severity": "warning",
		"resource": input.plugin,
	}
}
`,
	})
}
