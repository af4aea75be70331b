package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func globalVar(name string, parents ...string) *Variable {
	v := &Variable{Name: name, Scope: GlobalScope(), Stream: "app_logs", Field: name + "_field"}
	for _, p := range parents {
		v.Parents = append(v.Parents, Parent{Name: p, Field: p + "_field"})
	}
	return v
}

func TestGraph_AddOrUpdate(t *testing.T) {
	g := NewGraph()

	require.NoError(t, g.AddOrUpdate(globalVar("a")))
	require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
	require.NoError(t, g.AddOrUpdate(globalVar("c", "a", "b")))

	t.Run("edges derived from parents", func(t *testing.T) {
		assert.Equal(t, []Key{gkey("b"), gkey("c")}, g.Dependents(gkey("a")))
		assert.Equal(t, []Key{gkey("a"), gkey("b")}, g.Parents(gkey("c")))
	})

	t.Run("multi-parent node has in-degree above one", func(t *testing.T) {
		assert.Len(t, g.Parents(gkey("c")), 2)
	})

	t.Run("update replaces edges", func(t *testing.T) {
		require.NoError(t, g.AddOrUpdate(globalVar("c", "b")))
		assert.Equal(t, []Key{gkey("b")}, g.Parents(gkey("c")))
		assert.Equal(t, []Key{gkey("b")}, g.Dependents(gkey("a")))
	})

	t.Run("unresolved parent rejected", func(t *testing.T) {
		err := g.AddOrUpdate(globalVar("d", "nope"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnresolvedVariable)
		assert.Nil(t, g.Get(gkey("d")), "failed edit must not install the node")
	})
}

func TestGraph_CycleRejection(t *testing.T) {
	t.Run("self dependency", func(t *testing.T) {
		g := NewGraph()
		err := g.AddOrUpdate(globalVar("a", "a"))
		var cerr *CircularDependencyError
		require.ErrorAs(t, err, &cerr)
	})

	t.Run("direct cycle a->b->a", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))

		err := g.AddOrUpdate(globalVar("a", "b"))
		var cerr *CircularDependencyError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, cerr.Error(), "circular dependency")

		// graph retains pre-edit state: a still has no parents
		assert.Empty(t, g.Parents(gkey("a")))
		assert.Equal(t, []Key{gkey("b")}, g.Dependents(gkey("a")))
	})

	t.Run("transitive cycle a->b->c->a", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
		require.NoError(t, g.AddOrUpdate(globalVar("c", "b")))

		err := g.AddOrUpdate(globalVar("a", "c"))
		var cerr *CircularDependencyError
		require.ErrorAs(t, err, &cerr)
		assert.GreaterOrEqual(t, len(cerr.Cycle), 3, "cycle path should name the chain")
		assert.Empty(t, g.Parents(gkey("a")))
	})

	t.Run("rejected edit keeps previous parents", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("b")))
		require.NoError(t, g.AddOrUpdate(globalVar("c", "a")))
		require.NoError(t, g.AddOrUpdate(globalVar("d", "c")))

		// c: a -> {b, d} would close d->c cycle, nothing may change
		err := g.AddOrUpdate(globalVar("c", "b", "d"))
		var cerr *CircularDependencyError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, []Key{gkey("a")}, g.Parents(gkey("c")))
		assert.Empty(t, g.Dependents(gkey("b")))
	})
}

func TestGraph_DeepChain(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOrUpdate(globalVar("v0")))
	for i := 1; i <= 8; i++ {
		require.NoError(t, g.AddOrUpdate(globalVar(fmt.Sprintf("v%d", i), fmt.Sprintf("v%d", i-1))))
	}

	t.Run("levels follow chain depth", func(t *testing.T) {
		levels := g.Levels(gkey("v0"))
		require.Len(t, levels, 8)
		for i, level := range levels {
			assert.Equal(t, []Key{gkey(fmt.Sprintf("v%d", i+1))}, level)
		}
	})

	t.Run("closing the loop is rejected", func(t *testing.T) {
		err := g.AddOrUpdate(globalVar("v0", "v8"))
		var cerr *CircularDependencyError
		require.ErrorAs(t, err, &cerr)
	})
}

func TestGraph_Levels(t *testing.T) {
	t.Run("diamond serializes join after both branches", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
		require.NoError(t, g.AddOrUpdate(globalVar("c", "a")))
		require.NoError(t, g.AddOrUpdate(globalVar("d", "b", "c")))

		levels := g.Levels(gkey("a"))
		require.Len(t, levels, 2)
		assert.Equal(t, []Key{gkey("b"), gkey("c")}, levels[0])
		assert.Equal(t, []Key{gkey("d")}, levels[1])
	})

	t.Run("uneven branch depth places join at deepest parent plus one", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
		require.NoError(t, g.AddOrUpdate(globalVar("c", "b")))
		require.NoError(t, g.AddOrUpdate(globalVar("d", "a", "c")))

		levels := g.Levels(gkey("a"))
		require.Len(t, levels, 3)
		assert.Equal(t, []Key{gkey("b")}, levels[0])
		assert.Equal(t, []Key{gkey("c")}, levels[1])
		assert.Equal(t, []Key{gkey("d")}, levels[2])
	})

	t.Run("no dependents yields no levels", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		assert.Nil(t, g.Levels(gkey("a")))
	})

	t.Run("all levels start with roots", func(t *testing.T) {
		g := NewGraph()
		require.NoError(t, g.AddOrUpdate(globalVar("a")))
		require.NoError(t, g.AddOrUpdate(globalVar("x")))
		require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))

		levels := g.AllLevels()
		require.Len(t, levels, 2)
		assert.Equal(t, []Key{gkey("a"), gkey("x")}, levels[0])
		assert.Equal(t, []Key{gkey("b")}, levels[1])
	})
}

func TestGraph_Remove(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOrUpdate(globalVar("a")))
	require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
	require.NoError(t, g.AddOrUpdate(globalVar("c", "b")))

	g.Remove(gkey("b"))

	assert.Nil(t, g.Get(gkey("b")))
	assert.Empty(t, g.Dependents(gkey("a")))
	assert.Empty(t, g.Parents(gkey("c")))

	// removing b frees the name for a fresh instance without old edges
	require.NoError(t, g.AddOrUpdate(globalVar("b")))
	assert.Empty(t, g.Parents(gkey("b")))
}

func TestGraph_Descendants(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddOrUpdate(globalVar("a")))
	require.NoError(t, g.AddOrUpdate(globalVar("b", "a")))
	require.NoError(t, g.AddOrUpdate(globalVar("c", "b")))
	require.NoError(t, g.AddOrUpdate(globalVar("d", "b")))
	require.NoError(t, g.AddOrUpdate(globalVar("e")))

	assert.Equal(t, []Key{gkey("b"), gkey("c"), gkey("d")}, g.Descendants(gkey("a")))
	assert.Empty(t, g.Descendants(gkey("e")))
}

func TestCircularDependencyError_Message(t *testing.T) {
	err := &CircularDependencyError{Cycle: []string{"a", "b", "a"}}
	assert.Equal(t, "circular dependency: a -> b -> a", err.Error())

	var target *CircularDependencyError
	assert.True(t, errors.As(error(err), &target))
}

func gkey(name string) Key { return Key{Name: name, Scope: GlobalScope()} }
