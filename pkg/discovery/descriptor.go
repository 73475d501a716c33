package discovery

import (
	"strings"
	"time"
)

// Access is the direction of a property.
type Access string

const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "readwrite"
)

// PropertyDescriptor describes one property of a service interface.
type PropertyDescriptor struct {
	Name      string `json:"name" cbor:"1,keyasint"`
	Signature string `json:"signature" cbor:"2,keyasint"`
	Access    Access `json:"access" cbor:"3,keyasint"`
}

// Readable reports whether the property can be read.
func (p PropertyDescriptor) Readable() bool {
	return p.Access == AccessRead || p.Access == AccessReadWrite
}

// Writable reports whether the property can be set.
func (p PropertyDescriptor) Writable() bool {
	return p.Access == AccessWrite || p.Access == AccessReadWrite
}

// ArgDescriptor describes one method argument.
type ArgDescriptor struct {
	Name      string `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Signature string `json:"signature" cbor:"2,keyasint"`
	Direction string `json:"direction" cbor:"3,keyasint"`
}

// MethodDescriptor describes one method of a service interface.
type MethodDescriptor struct {
	Name string          `json:"name" cbor:"1,keyasint"`
	Args []ArgDescriptor `json:"args,omitempty" cbor:"2,keyasint,omitempty"`
}

// Target addresses one interface of one service.
type Target struct {
	Service   string `json:"service"`
	Path      string `json:"path"`
	Interface string `json:"interface"`
}

// TargetFor returns the conventional target for a service: the object path
// mirrors the service name and the interface is the service name itself.
func TargetFor(service string) Target {
	return Target{Service: service, Path: DefaultPath(service), Interface: service}
}

// Key identifies the target in caches.
func (t Target) Key() string {
	return t.Service + "|" + t.Path + "|" + t.Interface
}

// ServiceDescriptor is the introspected shape of one service interface.
type ServiceDescriptor struct {
	Target     Target               `json:"target" cbor:"1,keyasint"`
	Properties []PropertyDescriptor `json:"properties" cbor:"2,keyasint"`
	Methods    []MethodDescriptor   `json:"methods,omitempty" cbor:"3,keyasint,omitempty"`
	FetchedAt  time.Time            `json:"fetched_at" cbor:"4,keyasint"`
}

// Property looks up a property by name.
func (d *ServiceDescriptor) Property(name string) (PropertyDescriptor, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

// PluginName derives a plugin name from a bus name:
// org.freedesktop.hostname1 becomes hostname1, org.example.Foo becomes example_foo.
func PluginName(service string) string {
	name := strings.TrimPrefix(service, "org.freedesktop.")
	name = strings.TrimPrefix(name, "org.")
	return strings.ToLower(strings.ReplaceAll(name, ".", "_"))
}

// DefaultPath maps a bus name to its conventional object path.
func DefaultPath(service string) string {
	return "/" + strings.ReplaceAll(service, ".", "/")
}
