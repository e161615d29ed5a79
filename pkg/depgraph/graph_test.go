package depgraph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertDependencyOrder(t *testing.T, order []string, deps map[string][]string) {
	t.Helper()
	position := make(map[string]int, len(order))
	for i, name := range order {
		_, dup := position[name]
		require.False(t, dup, "service %s listed twice", name)
		position[name] = i
	}
	require.Len(t, position, len(deps))
	for name, ds := range deps {
		for _, dep := range ds {
			assert.Less(t, position[dep], position[name], "%s must start before %s", dep, name)
		}
	}
}

func TestStartupOrder(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		deps  map[string][]string
		want  []string
	}{
		{
			name:  "media stack",
			names: []string{"flask", "celery", "redis"},
			deps:  map[string][]string{"flask": {"redis", "celery"}, "celery": {"redis"}, "redis": {}},
			want:  []string{"redis", "celery", "flask"},
		},
		{
			name:  "independent services keep declaration order",
			names: []string{"b", "a", "c"},
			deps:  map[string][]string{},
			want:  []string{"b", "a", "c"},
		},
		{
			name:  "diamond",
			names: []string{"app", "cache", "db", "base"},
			deps:  map[string][]string{"app": {"cache", "db"}, "cache": {"base"}, "db": {"base"}},
			want:  []string{"base", "cache", "db", "app"},
		},
		{
			name:  "empty",
			names: nil,
			deps:  nil,
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Plan(tt.names, tt.deps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order)
		})
	}
}

func TestStartupOrderIsDeterministic(t *testing.T) {
	names := []string{"flask", "celery", "redis", "nginx", "worker"}
	deps := map[string][]string{
		"flask":  {"redis", "celery"},
		"celery": {"redis"},
		"nginx":  {"flask"},
		"worker": {"redis"},
	}
	first, err := Plan(names, deps)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Plan(names, deps)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStartupOrderRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(12)
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("svc%d", i)
		}
		// Edges only point to lower indices, so the graph is acyclic.
		deps := make(map[string][]string, n)
		for i := range names {
			deps[names[i]] = nil
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps[names[i]] = append(deps[names[i]], names[j])
				}
			}
		}
		rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

		order, err := Plan(names, deps)
		require.NoError(t, err)
		assertDependencyOrder(t, order, deps)
	}
}

func TestCycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		deps  map[string][]string
	}{
		{"two node", []string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}}},
		{"three node", []string{"a", "b", "c"}, map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}},
		{"cycle behind a root", []string{"root", "x", "y"}, map[string][]string{"root": {"x"}, "x": {"y"}, "y": {"x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Plan(tt.names, tt.deps)
			require.Error(t, err)
			assert.Nil(t, order, "no partial order on cycle")
			assert.True(t, errors.IsCycleError(err))

			var domainErr *errors.DomainError
			require.ErrorAs(t, err, &domainErr)
			assert.Contains(t, tt.names, domainErr.ContextString(errors.ContextService))
		})
	}
}

func TestUnknownDependency(t *testing.T) {
	_, err := New([]string{"a"}, map[string][]string{"a": {"ghost"}})
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestDependents(t *testing.T) {
	g, err := New(
		[]string{"redis", "celery", "flask", "nginx", "metrics"},
		map[string][]string{"celery": {"redis"}, "flask": {"redis", "celery"}, "nginx": {"flask"}},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"celery", "flask", "nginx"}, g.Dependents("redis"))
	assert.Equal(t, []string{"flask", "nginx"}, g.Dependents("celery"))
	assert.Empty(t, g.Dependents("nginx"))
	assert.Empty(t, g.Dependents("metrics"))
	assert.Equal(t, []string{"redis", "celery"}, g.Dependencies("flask"))
	assert.Equal(t, []string{"metrics", "nginx", "flask", "celery", "redis"}, g.ShutdownOrder())
}
