package tools

import (
	"strings"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/policy"
)

// ToolType distinguishes generated plugin tools from native ones.
type ToolType string

const (
	TypePluginTool ToolType = "plugin_tool"
	TypeNativeTool ToolType = "native_tool"
)

const pluginPrefix = "plugin_"

// Descriptor describes one callable tool.
type Descriptor struct {
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Type          ToolType             `json:"type"`
	PluginName    string               `json:"plugin_name,omitempty"`
	Operation     engine.Operation     `json:"operation,omitempty"`
	SecurityLevel policy.SecurityLevel `json:"security_level"`
	InputSchema   engine.Document      `json:"input_schema"`
}

// ToolName derives the tool name for a plugin operation.
func ToolName(plugin string, op engine.Operation) string {
	return pluginPrefix + plugin + "_" + string(op)
}

// ParseToolName splits a plugin tool name into plugin and operation. Plugin
// names may contain underscores; the operation is always the last segment.
func ParseToolName(name string) (string, engine.Operation, bool) {
	rest, ok := strings.CutPrefix(name, pluginPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", "", false
	}
	op, err := engine.ParseOperation(rest[i+1:])
	if err != nil {
		return "", "", false
	}
	return rest[:i], op, true
}

// Describe builds the descriptor for one plugin operation.
func Describe(md engine.PluginMetadata, op engine.Operation) Descriptor {
	return Descriptor{
		Name:          ToolName(md.Name, op),
		Description:   operationTitle(op) + " " + md.Name + " plugin",
		Type:          TypePluginTool,
		PluginName:    md.Name,
		Operation:     op,
		SecurityLevel: policy.OperationLevel(md.Kind, op),
		InputSchema:   inputSchema(md, op),
	}
}

func operationTitle(op engine.Operation) string {
	s := string(op)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func inputSchema(md engine.PluginMetadata, op engine.Operation) engine.Document {
	if op == engine.OperationQuery {
		return engine.Document{"type": "object", "properties": engine.Document{}}
	}
	desired := md.DesiredStateSchema
	if desired == nil {
		desired = engine.Document{"type": "object"}
	}
	props := engine.Document{"desired_state": desired}
	if op == engine.OperationApply {
		props["approved"] = engine.Document{
			"type":        "boolean",
			"description": "confirm an apply that removes state",
		}
	}
	return engine.Document{
		"type":       "object",
		"properties": props,
		"required":   []string{"desired_state"},
	}
}
