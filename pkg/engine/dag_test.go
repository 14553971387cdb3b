package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type graphResource struct {
	name string
	deps []string
}

func (r graphResource) Name() string           { return r.name }
func (r graphResource) Kind() string           { return "test" }
func (r graphResource) Dependencies() []string { return r.deps }
func (r graphResource) Apply(context.Context, *Session) (bool, error) {
	return false, nil
}

func buildRegistry(t *testing.T, resources ...graphResource) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, r := range resources {
		if _, err := reg.Register(r); err != nil {
			t.Fatalf("Failed to register %s: %v", r.name, err)
		}
	}
	return reg
}

func TestRegistry_Validate_Empty(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Validate(); err != nil {
		t.Fatalf("Expected no error for empty registry, got: %v", err)
	}
}

func TestRegistry_Validate_LinearDependencies(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "libX"},
		graphResource{name: "pkgA", deps: []string{"libX"}},
		graphResource{name: "configFileB", deps: []string{"pkgA"}},
	)

	if err := reg.Validate(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestRegistry_Validate_UnknownDependency(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "pkgA", deps: []string{"missing"}},
	)

	err := reg.Validate()
	if err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
	if !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Expected unknown resource error, got: %v", err)
	}
}

func TestRegistry_Validate_Cycle(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "a", deps: []string{"b"}},
		graphResource{name: "b", deps: []string{"c"}},
		graphResource{name: "c", deps: []string{"a"}},
	)

	err := reg.Validate()
	if err == nil {
		t.Fatal("Expected error for cyclic dependencies")
	}

	var e *Error
	if !errors.As(err, &e) || e.Kind != KindCyclicDependency {
		t.Fatalf("Expected cyclic dependency error, got: %v", err)
	}
	want := []string{"a", "b", "c", "a"}
	if !reflect.DeepEqual(e.Cycle, want) {
		t.Errorf("Expected cycle %v, got %v", want, e.Cycle)
	}
}

func TestRegistry_Validate_SelfCycle(t *testing.T) {
	reg := buildRegistry(t, graphResource{name: "a", deps: []string{"a"}})

	if err := reg.Validate(); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("Expected cyclic dependency error, got: %v", err)
	}
}

func TestRegistry_InstallOrder(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "libX"},
		graphResource{name: "libY"},
		graphResource{name: "pkgA", deps: []string{"libX", "libY"}},
		graphResource{name: "pkgB", deps: []string{"libY"}},
		graphResource{name: "configFileB"},
	)

	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{
			name:  "dependencies first",
			input: []string{"pkgA", "configFileB"},
			want:  []string{"libX", "libY", "pkgA", "configFileB"},
		},
		{
			name:  "shared dependency once",
			input: []string{"pkgA", "pkgB"},
			want:  []string{"libX", "libY", "pkgA", "pkgB"},
		},
		{
			name:  "repeated request once",
			input: []string{"libX", "libX"},
			want:  []string{"libX"},
		},
		{
			name:  "empty",
			input: nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.InstallOrder(tt.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRegistry_InstallOrder_Errors(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "a", deps: []string{"b"}},
		graphResource{name: "b", deps: []string{"a"}},
	)

	if _, err := reg.InstallOrder([]string{"nope"}); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("Expected unknown resource error, got: %v", err)
	}
	if _, err := reg.InstallOrder([]string{"a"}); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("Expected cyclic dependency error, got: %v", err)
	}
}

func TestGraph_Dependents(t *testing.T) {
	reg := buildRegistry(t,
		graphResource{name: "libX"},
		graphResource{name: "pkgB", deps: []string{"libX"}},
		graphResource{name: "pkgA", deps: []string{"libX"}},
	)

	got := reg.BuildGraph().Dependents()
	want := []string{"pkgA", "pkgB"}
	if !reflect.DeepEqual(got["libX"], want) {
		t.Errorf("Expected dependents %v, got %v", want, got["libX"])
	}
	if len(got["pkgA"]) != 0 {
		t.Errorf("Expected no dependents of pkgA, got %v", got["pkgA"])
	}
}
