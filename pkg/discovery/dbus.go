package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/openfroyo/hostkeeper/pkg/engine"
)

const (
	introspectMethod = "org.freedesktop.DBus.Introspectable.Introspect"
	getAllMethod     = "org.freedesktop.DBus.Properties.GetAll"
	setMethod        = "org.freedesktop.DBus.Properties.Set"
	listNamesMethod  = "org.freedesktop.DBus.ListNames"
)

// DBusSource reads service descriptors and properties over a D-Bus connection.
type DBusSource struct {
	conn *dbus.Conn
}

var _ Source = (*DBusSource)(nil)

// NewSystemBusSource connects to the system bus.
func NewSystemBusSource() (*DBusSource, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBusSource{conn: conn}, nil
}

// NewDBusSource wraps an existing connection.
func NewDBusSource(conn *dbus.Conn) *DBusSource {
	return &DBusSource{conn: conn}
}

// Close closes the bus connection.
func (s *DBusSource) Close() error {
	return s.conn.Close()
}

// Describe introspects t and returns the descriptor of its interface.
func (s *DBusSource) Describe(ctx context.Context, t Target) (*ServiceDescriptor, error) {
	obj := s.conn.Object(t.Service, dbus.ObjectPath(t.Path))

	var data string
	if err := obj.CallWithContext(ctx, introspectMethod, 0).Store(&data); err != nil {
		return nil, fmt.Errorf("introspect %s %s: %w", t.Service, t.Path, err)
	}
	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("parse introspection data of %s: %w", t.Service, err)
	}

	for _, iface := range node.Interfaces {
		if iface.Name != t.Interface {
			continue
		}
		desc := &ServiceDescriptor{Target: t, FetchedAt: time.Now().UTC()}
		for _, p := range iface.Properties {
			desc.Properties = append(desc.Properties, PropertyDescriptor{
				Name:      p.Name,
				Signature: p.Type,
				Access:    Access(p.Access),
			})
		}
		for _, m := range iface.Methods {
			md := MethodDescriptor{Name: m.Name}
			for _, a := range m.Args {
				md.Args = append(md.Args, ArgDescriptor{Name: a.Name, Signature: a.Type, Direction: a.Direction})
			}
			desc.Methods = append(desc.Methods, md)
		}
		sort.Slice(desc.Properties, func(i, j int) bool { return desc.Properties[i].Name < desc.Properties[j].Name })
		return desc, nil
	}
	return nil, fmt.Errorf("%s at %s does not implement %s", t.Service, t.Path, t.Interface)
}

// Properties calls GetAll on the target interface.
func (s *DBusSource) Properties(ctx context.Context, t Target) (map[string]any, error) {
	obj := s.conn.Object(t.Service, dbus.ObjectPath(t.Path))

	var props map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, getAllMethod, 0, t.Interface).Store(&props); err != nil {
		return nil, fmt.Errorf("get properties of %s: %w", t.Service, err)
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = plain(v)
	}
	return out, nil
}

// SetProperty converts value to the property's signature and sets it.
func (s *DBusSource) SetProperty(ctx context.Context, t Target, prop PropertyDescriptor, value any) error {
	typed, err := coerce(prop.Signature, value)
	if err != nil {
		return fmt.Errorf("property %s: %w", prop.Name, err)
	}
	obj := s.conn.Object(t.Service, dbus.ObjectPath(t.Path))
	arg, ok := typed.(dbus.Variant)
	if !ok {
		arg = dbus.MakeVariant(typed)
	}
	call := obj.CallWithContext(ctx, setMethod, 0, t.Interface, prop.Name, arg)
	if call.Err != nil {
		return fmt.Errorf("set %s.%s: %w", t.Interface, prop.Name, call.Err)
	}
	return nil
}

// ListServices lists well-known names on the bus with the given prefix.
func (s *DBusSource) ListServices(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	if err := s.conn.BusObject().CallWithContext(ctx, listNamesMethod, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, ":") || !strings.HasPrefix(n, prefix) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// plain unwraps variants and D-Bus specific types into document values.
func plain(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return plain(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case dbus.Signature:
		return x.String()
	case string, bool, float64:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = plain(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = plain(iter.Value().Interface())
		}
		return out
	}
	return v
}

// coerce converts a document value into the Go type D-Bus expects for sig.
// Structs and unix fds cannot be set from a document.
func coerce(sig string, v any) (any, error) {
	switch {
	case sig == "v":
		return variantOf(v)
	case strings.HasPrefix(sig, "a{"):
		return coerceDict(sig, v)
	case strings.HasPrefix(sig, "a"):
		return coerceArray(sig, v)
	}

	switch sig {
	case "b":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case "s":
		if s, ok := v.(string); ok {
			return s, nil
		}
	case "o":
		if s, ok := v.(string); ok && dbus.ObjectPath(s).IsValid() {
			return dbus.ObjectPath(s), nil
		}
	case "g":
		if s, ok := v.(string); ok {
			parsed, err := dbus.ParseSignature(s)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a type signature: %w", s, err)
			}
			return parsed, nil
		}
	case "d":
		if f, ok := v.(float64); ok {
			return f, nil
		}
		if n, ok := engine.AsInt(v); ok {
			return float64(n), nil
		}
	case "y":
		if n, ok := intIn(v, 0, math.MaxUint8); ok {
			return byte(n), nil
		}
	case "n":
		if n, ok := intIn(v, math.MinInt16, math.MaxInt16); ok {
			return int16(n), nil
		}
	case "q":
		if n, ok := intIn(v, 0, math.MaxUint16); ok {
			return uint16(n), nil
		}
	case "i":
		if n, ok := intIn(v, math.MinInt32, math.MaxInt32); ok {
			return int32(n), nil
		}
	case "u":
		if n, ok := intIn(v, 0, math.MaxUint32); ok {
			return uint32(n), nil
		}
	case "x":
		if n, ok := engine.AsInt(v); ok {
			return n, nil
		}
	case "t":
		if n, ok := intIn(v, 0, math.MaxInt64); ok {
			return uint64(n), nil
		}
	default:
		return nil, fmt.Errorf("setting signature %s is not supported", sig)
	}
	return nil, fmt.Errorf("value %v does not fit signature %s", v, sig)
}

// settable reports whether values of sig can be written from a document.
func settable(sig string) bool {
	_, err := goType(sig)
	return err == nil
}

// goType returns the Go type godbus marshals as sig.
func goType(sig string) (reflect.Type, error) {
	switch sig {
	case "y":
		return reflect.TypeFor[byte](), nil
	case "b":
		return reflect.TypeFor[bool](), nil
	case "n":
		return reflect.TypeFor[int16](), nil
	case "q":
		return reflect.TypeFor[uint16](), nil
	case "i":
		return reflect.TypeFor[int32](), nil
	case "u":
		return reflect.TypeFor[uint32](), nil
	case "x":
		return reflect.TypeFor[int64](), nil
	case "t":
		return reflect.TypeFor[uint64](), nil
	case "d":
		return reflect.TypeFor[float64](), nil
	case "s":
		return reflect.TypeFor[string](), nil
	case "o":
		return reflect.TypeFor[dbus.ObjectPath](), nil
	case "g":
		return reflect.TypeFor[dbus.Signature](), nil
	case "v":
		return reflect.TypeFor[dbus.Variant](), nil
	}
	if key, val, ok := dictParts(sig); ok {
		kt, err := goType(key)
		if err != nil {
			return nil, err
		}
		vt, err := goType(val)
		if err != nil {
			return nil, err
		}
		return reflect.MapOf(kt, vt), nil
	}
	if len(sig) > 1 && sig[0] == 'a' {
		et, err := goType(sig[1:])
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	}
	return nil, fmt.Errorf("setting signature %s is not supported", sig)
}

// dictParts splits a{KV} into its key and value signatures. Dict keys are
// always a single basic type code.
func dictParts(sig string) (key, val string, ok bool) {
	if len(sig) < 5 || !strings.HasPrefix(sig, "a{") || sig[len(sig)-1] != '}' {
		return "", "", false
	}
	return sig[2:3], sig[3 : len(sig)-1], true
}

func coerceArray(sig string, v any) (any, error) {
	typ, err := goType(sig)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("value %v does not fit signature %s", v, sig)
	}
	elem := sig[1:]
	out := reflect.MakeSlice(typ, 0, len(list))
	for i, item := range list {
		c, err := coerce(elem, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = reflect.Append(out, reflect.ValueOf(c))
	}
	return out.Interface(), nil
}

func coerceDict(sig string, v any) (any, error) {
	typ, err := goType(sig)
	if err != nil {
		return nil, err
	}
	doc, ok := engine.AsDocument(v)
	if !ok {
		return nil, fmt.Errorf("value %v does not fit signature %s", v, sig)
	}
	keySig, valSig, _ := dictParts(sig)
	out := reflect.MakeMapWithSize(typ, len(doc))
	for _, k := range doc.Keys() {
		key, err := coerceKey(keySig, k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		val, err := coerce(valSig, doc[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out.SetMapIndex(reflect.ValueOf(key), reflect.ValueOf(val))
	}
	return out.Interface(), nil
}

// coerceKey parses a document key, always a string, as a basic D-Bus type.
func coerceKey(sig, k string) (any, error) {
	switch sig {
	case "s", "o", "g":
		return coerce(sig, k)
	case "b":
		b, err := strconv.ParseBool(k)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "d":
		f, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return nil, err
	}
	return coerce(sig, n)
}

// variantOf wraps a document value in a variant, choosing the narrowest
// natural D-Bus type: integral numbers become x, objects a{sv}, lists av.
func variantOf(v any) (dbus.Variant, error) {
	if n, ok := engine.AsInt(v); ok {
		return dbus.MakeVariant(n), nil
	}
	switch x := v.(type) {
	case bool, string, float64:
		return dbus.MakeVariant(x), nil
	case []any:
		items := make([]dbus.Variant, len(x))
		for i, item := range x {
			vv, err := variantOf(item)
			if err != nil {
				return dbus.Variant{}, fmt.Errorf("element %d: %w", i, err)
			}
			items[i] = vv
		}
		return dbus.MakeVariant(items), nil
	}
	if doc, ok := engine.AsDocument(v); ok {
		m := make(map[string]dbus.Variant, len(doc))
		for k, item := range doc {
			vv, err := variantOf(item)
			if err != nil {
				return dbus.Variant{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = vv
		}
		return dbus.MakeVariant(m), nil
	}
	return dbus.Variant{}, fmt.Errorf("value %v (%T) cannot be sent as a variant", v, v)
}

func intIn(v any, lo, hi int64) (int64, bool) {
	n, ok := engine.AsInt(v)
	if !ok || n < lo || n > hi {
		return 0, false
	}
	return n, true
}
