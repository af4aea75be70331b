// Package engine implements the variable dependency and refresh propagation
// core for dashboard sessions. It owns the dependency graph between
// variables, validates edits against circular dependencies, cascades value
// changes through dependent variables, and tracks per-panel refresh-dirty
// state. Candidate values are fetched through the ValueFetcher collaborator;
// state changes are pushed to the render layer through an EventSink.
package engine

import (
	"fmt"
)

// ScopeKind identifies the visibility level of a variable instance.
type ScopeKind string

// scope kind constants.
const (
	ScopeGlobal ScopeKind = "global" // visible everywhere on the dashboard
	ScopeTab    ScopeKind = "tab"    // visible on one tab
	ScopePanel  ScopeKind = "panel"  // visible on one panel
)

// Scope is a tagged variant: Global, Tab(tabID) or Panel(panelID).
// the zero value is not a valid scope; use the constructors.
type Scope struct {
	Kind    ScopeKind
	TabID   string // set when Kind == ScopeTab
	PanelID string // set when Kind == ScopePanel
}

// GlobalScope returns the dashboard-wide scope.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// TabScope returns a scope limited to the given tab.
func TabScope(tabID string) Scope { return Scope{Kind: ScopeTab, TabID: tabID} }

// PanelScope returns a scope limited to the given panel.
func PanelScope(panelID string) Scope { return Scope{Kind: ScopePanel, PanelID: panelID} }

// String returns a short human-readable form, e.g. "global", "tab:t1", "panel:p2".
func (s Scope) String() string {
	switch s.Kind {
	case ScopeTab:
		return "tab:" + s.TabID
	case ScopePanel:
		return "panel:" + s.PanelID
	default:
		return string(ScopeGlobal)
	}
}

// Key uniquely identifies a variable instance within a session.
// same-named variables in different scopes are distinct instances.
type Key struct {
	Name  string
	Scope Scope
}

// String returns the canonical instance key, matching the URL parameter
// suffix convention: "name", "name.t.tab1", "name.p.panel2".
func (k Key) String() string {
	switch k.Scope.Kind {
	case ScopeTab:
		return fmt.Sprintf("%s.t.%s", k.Name, k.Scope.TabID)
	case ScopePanel:
		return fmt.Sprintf("%s.p.%s", k.Name, k.Scope.PanelID)
	default:
		return k.Name
	}
}

// Filter is a single field/operator/value condition applied to a values lookup.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // "=", "!=", "=~", "!~"
	Value    string `json:"value"`
}

// Parent names a variable this variable depends on, plus the field the
// parent's current value is matched against when building the lookup filter.
type Parent struct {
	Name  string `json:"name"`
	Field string `json:"field"`
}

// Variable is a single variable instance: identity, source configuration and
// dependency configuration. Runtime state (current value, candidates) lives
// in State, not here.
type Variable struct {
	Name         string
	Scope        Scope
	Stream       string   // source stream the values are looked up in
	Field        string   // source field the values come from
	Filters      []Filter // static filters, applied to every lookup
	Parents      []Parent // variables this one depends on
	DefaultValue string
	Multi        bool // allows multi-select values
}

// Key returns the instance key for this variable.
func (v *Variable) Key() Key { return Key{Name: v.Name, Scope: v.Scope} }

// State holds the runtime state of one variable instance.
type State struct {
	Variable   *Variable
	Current    []string // selected value(s), nil when unset
	Candidates []string // last fetched candidate values
	FetchErr   string   // last fetch error, empty after a successful fetch

	pinned     bool   // URL-restored value kept even when absent from candidates
	generation uint64 // incremented on every dispatch; stale fetch results are discarded
}

// Set reports whether the variable currently has a defined value.
func (st *State) Set() bool { return len(st.Current) > 0 }

// TimeRange is the active time window for value lookups. The engine treats
// it as opaque input; the fetcher owns its interpretation.
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}
