// Package discoverytest provides an in-memory discovery.Source for tests.
package discoverytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/hostkeeper/pkg/discovery"
)

// ErrUnreachable is returned for services marked Unreachable.
var ErrUnreachable = errors.New("org.freedesktop.DBus.Error.ServiceUnknown")

// Service is one fake bus service.
type Service struct {
	Properties []discovery.PropertyDescriptor
	Values     map[string]any

	// Unreachable makes every call to the service fail.
	Unreachable bool

	// RejectSet maps property names to the error SetProperty returns.
	RejectSet map[string]error
}

// Source is a fake bus keyed by service name.
type Source struct {
	mu       sync.Mutex
	services map[string]*Service

	// Describes counts Describe calls.
	Describes atomic.Int32
}

// New returns an empty Source.
func New() *Source {
	return &Source{services: make(map[string]*Service)}
}

// Add registers a service.
func (s *Source) Add(name string, svc *Service) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.Values == nil {
		svc.Values = map[string]any{}
	}
	s.services[name] = svc
	return s
}

// Value returns the current value of a property.
func (s *Source) Value(service, prop string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[service].Values[prop]
}

func (s *Source) lookup(name string) (*Service, error) {
	svc, ok := s.services[name]
	if !ok || svc.Unreachable {
		return nil, fmt.Errorf("%s: %w", name, ErrUnreachable)
	}
	return svc, nil
}

func (s *Source) Describe(ctx context.Context, t discovery.Target) (*discovery.ServiceDescriptor, error) {
	s.Describes.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.lookup(t.Service)
	if err != nil {
		return nil, err
	}
	props := append([]discovery.PropertyDescriptor(nil), svc.Properties...)
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	return &discovery.ServiceDescriptor{Target: t, Properties: props}, nil
}

func (s *Source) Properties(ctx context.Context, t discovery.Target) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.lookup(t.Service)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(svc.Values))
	for k, v := range svc.Values {
		out[k] = v
	}
	return out, nil
}

func (s *Source) SetProperty(ctx context.Context, t discovery.Target, prop discovery.PropertyDescriptor, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, err := s.lookup(t.Service)
	if err != nil {
		return err
	}
	if err := svc.RejectSet[prop.Name]; err != nil {
		return err
	}
	svc.Values[prop.Name] = value
	return nil
}

func (s *Source) ListServices(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.services {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
