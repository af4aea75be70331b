package engine

import "fmt"

// Resolve finds the variable instance visible for a `$name` reference made
// from the given context. Resolution follows lexical shadowing: a
// panel-scoped instance for that panel wins over a tab-scoped instance for
// that tab, which wins over a global instance. Pure lookup, no side effects.
// Returns ErrUnresolvedVariable (wrapped) when no instance matches.
func (g *Graph) Resolve(name, tabID, panelID string) (*Variable, error) {
	if panelID != "" {
		if v := g.nodes[Key{Name: name, Scope: PanelScope(panelID)}]; v != nil {
			return v, nil
		}
	}
	if tabID != "" {
		if v := g.nodes[Key{Name: name, Scope: TabScope(tabID)}]; v != nil {
			return v, nil
		}
	}
	if v := g.nodes[Key{Name: name, Scope: GlobalScope()}]; v != nil {
		return v, nil
	}
	return nil, fmt.Errorf("%w: %q in tab=%q panel=%q", ErrUnresolvedVariable, name, tabID, panelID)
}
