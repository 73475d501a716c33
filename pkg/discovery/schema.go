package discovery

import (
	"fmt"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

// SchemaType maps a D-Bus type signature onto a JSON-schema type. Unknown
// signatures map to "string".
func SchemaType(sig string) string {
	if sig == "" {
		return "string"
	}
	switch sig[0] {
	case 'y', 'n', 'q', 'i', 'u', 'x', 't', 'h':
		return "integer"
	case 'b':
		return "boolean"
	case 'd':
		return "number"
	case 's', 'o', 'g':
		return "string"
	case 'v':
		return "any"
	case '(':
		return "array"
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			return "object"
		}
		return "array"
	default:
		return "string"
	}
}

// SignatureSchema builds the JSON-schema node for a signature.
func SignatureSchema(sig string) engine.Document {
	typ := SchemaType(sig)
	s := engine.Document{"x-dbus-signature": sig}
	if typ != "any" {
		s["type"] = typ
	}
	if typ == "array" && len(sig) > 1 && sig[0] == 'a' {
		s["items"] = SignatureSchema(sig[1:])
	}
	return s
}

// PropertiesSchema describes the desired-state document of a service.
// Read-only properties, and writable ones whose signature cannot be built
// from a document, are flagged readOnly.
func PropertiesSchema(desc *ServiceDescriptor) engine.Document {
	props := engine.Document{}
	for _, p := range desc.Properties {
		s := SignatureSchema(p.Signature)
		if !p.Writable() || !settable(p.Signature) {
			s["readOnly"] = true
		}
		props[p.Name] = s
	}
	return engine.Document{"type": "object", "properties": props}
}

// CheckValue verifies a document value fits a signature's schema type.
func CheckValue(sig string, v any) error {
	typ := SchemaType(sig)
	ok := true
	switch typ {
	case "integer":
		_, ok = engine.AsInt(v)
	case "number":
		switch v.(type) {
		case float64, float32:
		default:
			_, ok = engine.AsInt(v)
		}
	case "boolean":
		_, ok = v.(bool)
	case "string":
		_, ok = v.(string)
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = engine.AsDocument(v)
	}
	if !ok {
		return fmt.Errorf("expected %s for signature %s, got %T", typ, sig, v)
	}
	return nil
}
