package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/hostkeeper/pkg/telemetry"
)

// Config is the hostkeeper configuration file.
type Config struct {
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
	Plugins   PluginsConfig    `yaml:"plugins" toml:"plugins"`
	Discovery DiscoveryConfig  `yaml:"discovery" toml:"discovery"`
	Workflows WorkflowsConfig  `yaml:"workflows" toml:"workflows"`
	Policy    PolicyConfig     `yaml:"policy" toml:"policy"`
	Catalogue CatalogueConfig  `yaml:"catalogue" toml:"catalogue"`
}

// PluginsConfig configures the static plugins.
type PluginsConfig struct {
	// CallTimeout bounds every query, diff and apply call.
	CallTimeout time.Duration `yaml:"call_timeout" toml:"call_timeout" validate:"min=1s,max=5m"`

	// Disabled lists static plugins that are not registered.
	Disabled []string `yaml:"disabled" toml:"disabled" validate:"dive,oneof=network systemd container meshvpn traffic"`

	// ManagedLinks limits the network plugin to these links. Empty manages
	// every link but loopback.
	ManagedLinks []string `yaml:"managed_links" toml:"managed_links" validate:"dive,required"`

	// ManagedUnits are the units the systemd plugin reports and applies.
	ManagedUnits []string `yaml:"managed_units" toml:"managed_units" validate:"dive,required"`

	// LXCPath is the lxc binary.
	LXCPath string `yaml:"lxc_path" toml:"lxc_path" validate:"required"`

	// IPPath is the iproute2 binary used by the traffic plugin.
	IPPath string `yaml:"ip_path" toml:"ip_path" validate:"required"`

	// TailscaleSocket is the tailscaled local API socket. Empty uses the
	// platform default.
	TailscaleSocket string `yaml:"tailscale_socket" toml:"tailscale_socket"`

	// RulePriorityMin and RulePriorityMax bound the policy-routing rules the
	// traffic plugin manages.
	RulePriorityMin int `yaml:"rule_priority_min" toml:"rule_priority_min" validate:"min=1"`
	RulePriorityMax int `yaml:"rule_priority_max" toml:"rule_priority_max" validate:"gtfield=RulePriorityMin,max=32765"`
}

// DiscoveryConfig configures IPC service discovery.
type DiscoveryConfig struct {
	// Enabled runs discovery at startup.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Services lists bus names to introspect. Empty lists every name
	// matching Prefix.
	Services []string `yaml:"services" toml:"services" validate:"dive,required"`

	Prefix      string `yaml:"prefix" toml:"prefix"`
	Concurrency int    `yaml:"concurrency" toml:"concurrency" validate:"min=1,max=64"`

	// CachePath is the SQLite introspection cache. Empty disables caching.
	CachePath string        `yaml:"cache_path" toml:"cache_path"`
	CacheTTL  time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// WorkflowsConfig configures workflow templates and execution.
type WorkflowsConfig struct {
	// TemplateDir holds extra .yaml, .json and .cue templates. The built-in
	// templates are always loaded.
	TemplateDir string `yaml:"template_dir" toml:"template_dir"`

	// Watch reloads TemplateDir on change.
	Watch bool `yaml:"watch" toml:"watch"`

	MaxParallel      int           `yaml:"max_parallel" toml:"max_parallel" validate:"min=1,max=64"`
	TransformTimeout time.Duration `yaml:"transform_timeout" toml:"transform_timeout"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Paths are extra .rego or .json policy files and directories.
	Paths []string `yaml:"paths" toml:"paths" validate:"dive,required"`
	Watch bool     `yaml:"watch" toml:"watch"`

	// Clearance is the security level granted to local callers.
	Clearance string `yaml:"clearance" toml:"clearance" validate:"oneof=low medium high critical"`

	// ProtectedUnits may never be stopped or disabled.
	ProtectedUnits []string `yaml:"protected_units" toml:"protected_units" validate:"dive,required"`

	// Disabled names policies, built-in or loaded, that are never evaluated.
	Disabled []string `yaml:"disabled" toml:"disabled" validate:"dive,required"`
}

// CatalogueConfig configures the unified catalogue.
type CatalogueConfig struct {
	// CacheTTL is how long a built catalogue is served. Zero rebuilds on
	// every request.
	CacheTTL time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error, e.g. "plugins.call_timeout".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (ve ValidationError) String() string {
	switch {
	case ve.File != "" && ve.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
	case ve.Path != "":
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	default:
		return ve.Message
	}
}
