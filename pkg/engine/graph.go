package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CircularDependencyError reports a rejected edit that would introduce a
// dependency cycle. Cycle holds the instance keys along the cycle, starting
// and ending with the same variable.
type CircularDependencyError struct {
	Cycle []string
}

// Error returns the cycle as "a -> b -> a".
func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// ErrUnresolvedVariable indicates a reference to a variable name with no
// instance visible in the referencing scope.
var ErrUnresolvedVariable = errors.New("unresolved variable")

// ErrUnknownVariable indicates an operation on an instance key that is not
// part of the graph.
var ErrUnknownVariable = errors.New("unknown variable")

// Graph is the directed dependency graph over variable instances. An edge
// parent->child means the child's value set depends on the parent's current
// value. Edges are derived from each variable's Parents configuration; the
// graph is kept acyclic by rejecting edits that would close a cycle.
//
// Graph is not safe for concurrent use; the owning Session serializes access.
type Graph struct {
	nodes    map[Key]*Variable
	children map[Key]map[Key]struct{} // parent -> children
	parents  map[Key]map[Key]struct{} // child -> parents
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[Key]*Variable),
		children: make(map[Key]map[Key]struct{}),
		parents:  make(map[Key]map[Key]struct{}),
	}
}

// AddOrUpdate inserts a variable or replaces its definition, rebuilding its
// parent edges. The edit is atomic: parent references are resolved and the
// prospective edge set is validated for cycles first, and on any failure the
// graph is left exactly as it was. Runs on every create or edit, not only at
// save time.
func (g *Graph) AddOrUpdate(v *Variable) error {
	key := v.Key()

	// resolve parent names to instance keys in the variable's own context
	parentKeys := make([]Key, 0, len(v.Parents))
	for _, p := range v.Parents {
		pk, err := g.resolveParent(p.Name, v.Scope, key)
		if err != nil {
			return err
		}
		parentKeys = append(parentKeys, pk)
	}

	// validate before touching anything: the edit introduces edges pk->key,
	// so a cycle appears exactly when some prospective parent is reachable
	// from key through existing child edges (or is key itself)
	for _, pk := range parentKeys {
		if path, found := g.pathTo(key, pk); found {
			cycle := make([]string, 0, len(path)+1)
			for _, k := range path {
				cycle = append(cycle, k.String())
			}
			cycle = append(cycle, key.String())
			return &CircularDependencyError{Cycle: cycle}
		}
	}

	// commit: drop old parent edges, install the node and new edges
	g.dropParentEdges(key)
	g.nodes[key] = v
	for _, pk := range parentKeys {
		if g.children[pk] == nil {
			g.children[pk] = make(map[Key]struct{})
		}
		g.children[pk][key] = struct{}{}
		if g.parents[key] == nil {
			g.parents[key] = make(map[Key]struct{})
		}
		g.parents[key][pk] = struct{}{}
	}
	return nil
}

// Remove deletes a variable instance and all edges touching it.
func (g *Graph) Remove(key Key) {
	g.dropParentEdges(key)
	for child := range g.children[key] {
		delete(g.parents[child], key)
	}
	delete(g.children, key)
	delete(g.nodes, key)
}

// Get returns the variable for the key, or nil if absent.
func (g *Graph) Get(key Key) *Variable { return g.nodes[key] }

// Keys returns all instance keys in deterministic order.
func (g *Graph) Keys() []Key {
	keys := make([]Key, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Parents returns the direct parents of a variable in deterministic order.
func (g *Graph) Parents(key Key) []Key { return sortedSet(g.parents[key]) }

// Dependents returns the direct children of a variable in deterministic order.
func (g *Graph) Dependents(key Key) []Key { return sortedSet(g.children[key]) }

// Roots returns all variables with no parents, in deterministic order.
// these are the independent variables dispatched first on initial load.
func (g *Graph) Roots() []Key {
	var roots []Key
	for k := range g.nodes {
		if len(g.parents[k]) == 0 {
			roots = append(roots, k)
		}
	}
	sortKeys(roots)
	return roots
}

// Descendants returns every variable reachable from key through child edges,
// not including key itself.
func (g *Graph) Descendants(key Key) []Key {
	seen := map[Key]struct{}{key: {}}
	queue := []Key{key}
	var out []Key
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for child := range g.children[cur] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sortKeys(out)
	return out
}

// Levels partitions the descendants of the given roots into dependency
// levels: a variable lands on the level one past its deepest parent within
// the affected set, so an 8-deep chain yields 8 levels while independent
// siblings share one. Parents outside the affected set contribute no depth.
// The roots themselves are not included.
func (g *Graph) Levels(roots ...Key) [][]Key {
	affected := make(map[Key]int) // key -> level, roots at 0
	for _, r := range roots {
		affected[r] = 0
	}
	for _, r := range roots {
		for _, d := range g.Descendants(r) {
			affected[d] = 0
		}
	}

	// relax levels until fixed point; the graph is acyclic so this settles
	// in at most len(affected) passes
	for changed := true; changed; {
		changed = false
		for k := range affected {
			if isRoot(roots, k) {
				continue
			}
			level := 1
			for p := range g.parents[k] {
				if pl, ok := affected[p]; ok && pl+1 > level {
					level = pl + 1
				}
			}
			if affected[k] != level {
				affected[k] = level
				changed = true
			}
		}
	}

	maxLevel := 0
	for k, l := range affected {
		if !isRoot(roots, k) && l > maxLevel {
			maxLevel = l
		}
	}
	if maxLevel == 0 {
		return nil
	}

	levels := make([][]Key, maxLevel)
	for k, l := range affected {
		if isRoot(roots, k) {
			continue
		}
		levels[l-1] = append(levels[l-1], k)
	}
	for _, level := range levels {
		sortKeys(level)
	}
	return levels
}

// AllLevels partitions the whole graph into dependency levels, roots first.
// used for initial load where every variable is fetched.
func (g *Graph) AllLevels() [][]Key {
	roots := g.Roots()
	if len(roots) == 0 {
		return nil
	}
	return append([][]Key{roots}, g.Levels(roots...)...)
}

// resolveParent finds the instance a parent name refers to from the child's
// context, following the scope shadowing order. selfKey breaks the trivial
// self-cycle early with a proper cycle error instead of an unresolved one.
func (g *Graph) resolveParent(name string, childScope Scope, selfKey Key) (Key, error) {
	candidate, err := g.lookup(name, childScope)
	if err != nil {
		// a parent may legitimately be the variable being edited (self
		// reference); report it as a cycle, not as unresolved
		if name == selfKey.Name {
			return Key{}, &CircularDependencyError{Cycle: []string{selfKey.String(), selfKey.String()}}
		}
		return Key{}, fmt.Errorf("parent %q of %s: %w", name, selfKey, err)
	}
	if candidate == selfKey {
		return Key{}, &CircularDependencyError{Cycle: []string{selfKey.String(), selfKey.String()}}
	}
	return candidate, nil
}

// lookup resolves a name from a given scope context: panel instance first,
// then the enclosing tab, then global.
func (g *Graph) lookup(name string, from Scope) (Key, error) {
	if from.Kind == ScopePanel {
		if k := (Key{Name: name, Scope: from}); g.nodes[k] != nil {
			return k, nil
		}
	}
	if from.Kind == ScopeTab {
		if k := (Key{Name: name, Scope: from}); g.nodes[k] != nil {
			return k, nil
		}
	}
	if k := (Key{Name: name, Scope: GlobalScope()}); g.nodes[k] != nil {
		return k, nil
	}
	return Key{}, fmt.Errorf("%w: %q", ErrUnresolvedVariable, name)
}

// pathTo returns the path from one key to another through child edges, DFS
// with an explicit path accumulator. found is false when target is not
// reachable.
func (g *Graph) pathTo(from, to Key) ([]Key, bool) {
	if from == to {
		return []Key{from}, true
	}
	visited := make(map[Key]struct{})
	var dfs func(cur Key, path []Key) ([]Key, bool)
	dfs = func(cur Key, path []Key) ([]Key, bool) {
		visited[cur] = struct{}{}
		path = append(path, cur)
		for child := range g.children[cur] {
			if child == to {
				return append(path, to), true
			}
			if _, ok := visited[child]; ok {
				continue
			}
			if full, found := dfs(child, path); found {
				return full, true
			}
		}
		return nil, false
	}
	return dfs(from, nil)
}

// dropParentEdges removes all edges into key from its current parents.
func (g *Graph) dropParentEdges(key Key) {
	for p := range g.parents[key] {
		delete(g.children[p], key)
		if len(g.children[p]) == 0 {
			delete(g.children, p)
		}
	}
	delete(g.parents, key)
}

func isRoot(roots []Key, k Key) bool {
	for _, r := range roots {
		if r == k {
			return true
		}
	}
	return false
}

func sortedSet(set map[Key]struct{}) []Key {
	if len(set) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
