package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/openfroyo/converge/pkg/engine"

// Registry holds every known resource keyed by its unique name. It is built
// once at startup and read-only afterwards, so concurrent host passes may
// share it without locking.
type Registry struct {
	resources map[string]Resource
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]Resource),
		order:     make([]string, 0),
	}
}

// Register adds a resource. A name collision fails with a duplicate name
// error and leaves the first registration in place. The registry is returned
// so that registrations can be chained when the error is checked by the caller.
func (r *Registry) Register(res Resource) (*Registry, error) {
	name := res.Name()
	if name == "" {
		return r, NewConfigurationError(fmt.Sprintf("%s resource has empty name", res.Kind()), nil)
	}
	if _, exists := r.resources[name]; exists {
		return r, NewDuplicateNameError(name)
	}
	r.resources[name] = res
	r.order = append(r.order, name)
	return r, nil
}

// MustRegister registers every resource and panics on the first error.
// Intended for statically defined catalogs.
func (r *Registry) MustRegister(resources ...Resource) *Registry {
	for _, res := range resources {
		if _, err := r.Register(res); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the resource registered under name.
func (r *Registry) Lookup(name string) (Resource, bool) {
	res, ok := r.resources[name]
	return res, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	return len(r.order)
}

// Install resolves name and applies it against the session's host. Unknown
// names fail before any remote action. The resource itself installs its
// dependencies through the session, so resolution is lazy and resource-local.
func (r *Registry) Install(ctx context.Context, s *Session, name string) (bool, error) {
	res, ok := r.resources[name]
	if !ok {
		return false, NewUnknownResourceError(name).WithHost(s.Host.Hostname)
	}

	if idx := s.stackIndex(name); idx >= 0 {
		path := append(append([]string{}, s.stack[idx:]...), name)
		return false, NewCyclicDependencyError(path).WithHost(s.Host.Hostname).WithResource(name)
	}

	if s.converged[name] {
		s.Log.Debug().Str("resource", name).Msg("already converged in this pass")
		return false, nil
	}

	s.push(name)
	defer s.pop()

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "resource.install",
		trace.WithAttributes(
			attribute.String("resource.name", name),
			attribute.String("resource.kind", res.Kind()),
			attribute.String("target.host", s.Host.Hostname),
		))
	defer span.End()

	log := s.Log.With().Str("resource", name).Str("kind", res.Kind()).Logger()
	log.Debug().Msg("installing")

	start := time.Now()
	changed, err := res.Apply(ctx, s)
	duration := time.Since(start)

	if err != nil {
		err = annotate(err, name, s.Host.Hostname)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Bool("resource.changed", changed))
		span.SetStatus(codes.Ok, "")
		s.converged[name] = true
		s.report.add(Outcome{Name: name, Kind: res.Kind(), Changed: changed, Duration: duration})
		if changed {
			log.Info().Dur("duration", duration).Msg("converged with changes")
		} else {
			log.Debug().Dur("duration", duration).Msg("unchanged")
		}
	}

	if s.observer != nil {
		s.observer.ResourceInstalled(s.Host.Hostname, name, res.Kind(), changed, duration, err)
	}

	return changed, err
}

// annotate attaches resource and host context to err, classifying bare
// errors as apply failures.
func annotate(err error, name, hostname string) error {
	var e *Error
	if errors.As(err, &e) {
		e.WithResource(name).WithHost(hostname)
		return err
	}
	return (&Error{Kind: KindApply, Message: "install failed", Err: err}).
		WithResource(name).
		WithHost(hostname)
}
