package engine

import (
	"fmt"
	"sync"
	"time"
)

// Panel describes one dashboard panel: its placement and the variable names
// its query references. References drive dirty tracking, they are resolved
// against the graph in the panel's own tab/panel context.
type Panel struct {
	ID    string
	TabID string
	Title string
	Refs  []string // variable names referenced by the panel query, e.g. "ns" for $ns
}

// SessionConfig holds everything needed to open a dashboard session.
type SessionConfig struct {
	ID        string
	Dashboard string // dashboard id the session was opened from
	Fetcher   ValueFetcher
	Sink      EventSink // optional, NopSink when nil
	TimeRange TimeRange

	// PinURLValues keeps a URL-restored value selected even when a refetch
	// no longer lists it among the candidates. when false the value is
	// normalized away like any other stale selection.
	PinURLValues bool

	// MaxConcurrentFetches caps sibling fetches dispatched in parallel
	// within one cascade level. 0 means no cap.
	MaxConcurrentFetches int

	// OnFetchFailure is an optional hook invoked on every failed variable
	// fetch, after the error state is recorded. used for alerting.
	OnFetchFailure func(key Key, err error)

	// OnFetchSuccess is an optional hook invoked on every successful fetch,
	// letting alerting reset failure streaks.
	OnFetchSuccess func(key Key)
}

// Session owns the variable state of one open dashboard: the dependency
// graph, current and candidate values, dirty flags and the cascade
// scheduler. Sessions are created at dashboard open and closed at
// navigate-away; concurrent sessions are fully independent.
//
// Structural edits and value application are serialized under one mutex;
// fetches run outside it. The sink is called without the session lock held.
type Session struct {
	id        string
	dashboard string
	fetcher   ValueFetcher
	sink      EventSink
	pin       bool
	maxFetch  int
	onFailure func(key Key, err error)
	onSuccess func(key Key)

	mu        sync.Mutex
	graph     *Graph
	states    map[Key]*State
	dirty     *DirtyTracker
	panels    []Panel
	panelRefs map[string][]Key // panel id -> referenced instances
	timeRange TimeRange
	closed    bool
	lastUsed  time.Time

	created time.Time
	wg      sync.WaitGroup // in-flight cascades
}

// NewSession creates an empty session; variables and panels are added from
// the dashboard definition afterwards, then InitialLoad kicks off fetching.
func NewSession(cfg SessionConfig) *Session {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	now := time.Now()
	return &Session{
		id:        cfg.ID,
		dashboard: cfg.Dashboard,
		fetcher:   cfg.Fetcher,
		sink:      sink,
		pin:       cfg.PinURLValues,
		maxFetch:  cfg.MaxConcurrentFetches,
		onFailure: cfg.OnFetchFailure,
		onSuccess: cfg.OnFetchSuccess,
		graph:     NewGraph(),
		states:    make(map[Key]*State),
		dirty:     NewDirtyTracker(),
		panelRefs: make(map[string][]Key),
		timeRange: cfg.TimeRange,
		created:   now,
		lastUsed:  now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DashboardID returns the id of the dashboard this session was opened from.
func (s *Session) DashboardID() string { return s.dashboard }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// LastUsed returns the time of the last operation on the session.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// AddVariable adds a variable instance or updates its definition. The edit
// is validated against circular dependencies and rejected atomically with
// *CircularDependencyError; on update, existing runtime state is preserved.
func (s *Session) AddVariable(v *Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if err := s.graph.AddOrUpdate(v); err != nil {
		return err
	}
	key := v.Key()
	if st, ok := s.states[key]; ok {
		st.Variable = v
		return nil
	}
	s.states[key] = &State{Variable: v}
	return nil
}

// RemoveVariable deletes a variable instance and its edges and state.
func (s *Session) RemoveVariable(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.graph.Remove(key)
	delete(s.states, key)
}

// AddPanel registers a panel and resolves its variable references. a
// reference no instance satisfies is a configuration error; the panel is
// still registered with the references that did resolve, so rendering
// degrades instead of crashing.
func (s *Session) AddPanel(p Panel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	var refs []Key
	var firstErr error
	for _, name := range p.Refs {
		v, err := s.graph.Resolve(name, p.TabID, p.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("panel %s: %w", p.ID, err)
			}
			continue
		}
		refs = append(refs, v.Key())
	}
	s.panels = append(s.panels, p)
	s.panelRefs[p.ID] = refs
	return firstErr
}

// Resolve finds the variable instance visible for a reference from the
// given context, per the scope shadowing order.
func (s *Session) Resolve(name, tabID, panelID string) (*Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Resolve(name, tabID, panelID)
}

// State returns a snapshot of one variable's runtime state.
func (s *Session) State(key Key) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return State{}, false
	}
	return snapshotState(st), true
}

// VariableStatus is the external view of one variable instance, as exposed
// to the render layer.
type VariableStatus struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Scope      string   `json:"scope"` // "global", "tab" or "panel"
	TabID      string   `json:"tab_id,omitempty"`
	PanelID    string   `json:"panel_id,omitempty"`
	Current    []string `json:"current,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Error      string   `json:"error,omitempty"`
	Multi      bool     `json:"multi,omitempty"`
	Default    string   `json:"default,omitempty"`
	Parents    []string `json:"parents,omitempty"`
}

// Variables returns the state of every variable instance in deterministic
// order.
func (s *Session) Variables() []VariableStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.graph.Keys()
	out := make([]VariableStatus, 0, len(keys))
	for _, k := range keys {
		st := s.states[k]
		vs := VariableStatus{
			Key:        k.String(),
			Name:       k.Name,
			Scope:      string(k.Scope.Kind),
			TabID:      k.Scope.TabID,
			PanelID:    k.Scope.PanelID,
			Current:    append([]string(nil), st.Current...),
			Candidates: append([]string(nil), st.Candidates...),
			Error:      st.FetchErr,
			Multi:      st.Variable.Multi,
			Default:    st.Variable.DefaultValue,
		}
		for _, p := range s.graph.Parents(k) {
			vs.Parents = append(vs.Parents, p.String())
		}
		out = append(out, vs)
	}
	return out
}

// Panels returns the registered panels.
func (s *Session) Panels() []Panel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Panel(nil), s.panels...)
}

// Dirty exposes the current dirty flags: global plus flagged panel ids.
func (s *Session) Dirty() (global bool, panels []string) {
	return s.dirty.IsGlobalDirty(), s.dirty.DirtyPanels()
}

// TimeRange returns the active time range.
func (s *Session) TimeRange() TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeRange
}

// Wait blocks until all in-flight cascades have settled. used by callers
// that need a quiescent session, primarily tests.
func (s *Session) Wait() { s.wg.Wait() }

// Close stops accepting new work and waits for in-flight cascades.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// touch updates the last-used time, must be called with the lock held.
func (s *Session) touch() { s.lastUsed = time.Now() }

func snapshotState(st *State) State {
	return State{
		Variable:   st.Variable,
		Current:    append([]string(nil), st.Current...),
		Candidates: append([]string(nil), st.Candidates...),
		FetchErr:   st.FetchErr,
	}
}

// isClosed reports whether the session stopped accepting work; cascades
// check it before dispatching another level.
func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
