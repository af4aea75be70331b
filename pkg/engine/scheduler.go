package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SetValue applies a new value to a variable and kicks off the dependent
// cascade. The value is applied synchronously; the cascade runs in the
// background (use Wait to block on it). Affected panels are marked dirty
// immediately, before any refetch completes.
func (s *Session) SetValue(ctx context.Context, key Key, values []string) error {
	s.mu.Lock()
	st, ok := s.states[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownVariable, key)
	}
	s.touch()
	st.Current = append([]string(nil), values...)
	st.pinned = false
	st.generation++ // supersede any fetch still in flight for this variable
	events := []Event{{Type: EventValue, Key: key.String(), Values: st.Current}}
	events = append(events, s.markDirtyLocked(key)...)
	s.mu.Unlock()

	s.publish(events)
	s.spawnCascade(ctx, key)
	return nil
}

// InitialLoad fetches candidates for every variable: independent variables
// concurrently with no ordering guarantee among themselves, dependents level
// by level once their parents have values. Runs in the background.
func (s *Session) InitialLoad(ctx context.Context) {
	s.mu.Lock()
	s.touch()
	levels := s.graph.AllLevels()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLevels(ctx, levels)
	}()
}

// SetTimeRange replaces the active time range. every variable's candidate
// set may shift with the window, so all panels and the global affordance go
// dirty and the whole variable set reloads.
func (s *Session) SetTimeRange(ctx context.Context, tr TimeRange) {
	s.mu.Lock()
	s.touch()
	s.timeRange = tr
	levels := s.graph.AllLevels()
	var events []Event
	if s.dirty.MarkGlobal() {
		events = append(events, Event{Type: EventDirty, DirtyScope: DirtyScopeGlobal, Dirty: true})
	}
	for _, p := range s.panels {
		if s.dirty.MarkPanel(p.ID) {
			events = append(events, Event{Type: EventDirty, DirtyScope: p.ID, Dirty: true})
		}
	}
	s.mu.Unlock()

	s.publish(events)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLevels(ctx, levels)
	}()
}

// RefreshPanel records completion of one panel's own data fetch: that
// panel's flag clears, every other flag stays exactly as it was.
func (s *Session) RefreshPanel(panelID string) {
	s.mu.Lock()
	s.touch()
	var events []Event
	if s.dirty.ClearPanel(panelID) {
		events = append(events, Event{Type: EventDirty, DirtyScope: panelID, Dirty: false})
	}
	events = append(events, Event{Type: EventRefresh, DirtyScope: panelID})
	s.mu.Unlock()
	s.publish(events)
}

// RefreshGlobal records completion of a dashboard-wide refresh, which
// re-fetches every panel's query: all panel flags and the global flag clear.
func (s *Session) RefreshGlobal() {
	s.mu.Lock()
	s.touch()
	var events []Event
	if s.dirty.ClearGlobal() {
		events = append(events, Event{Type: EventDirty, DirtyScope: DirtyScopeGlobal, Dirty: false})
	}
	for _, id := range s.dirty.DirtyPanels() {
		if s.dirty.ClearPanel(id) {
			events = append(events, Event{Type: EventDirty, DirtyScope: id, Dirty: false})
		}
	}
	events = append(events, Event{Type: EventRefresh, DirtyScope: DirtyScopeGlobal})
	s.mu.Unlock()
	s.publish(events)
}

// ApplyURLValues restores decoded URL state before the initial load. values
// for unknown instances are dropped silently per the URL contract. restored
// values are applied without fetching, so a dashboard opened from a URL
// renders with the value pre-selected instead of flashing through a default.
func (s *Session) ApplyURLValues(values map[Key][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	for key, vals := range values {
		st, ok := s.states[key]
		if !ok {
			continue
		}
		st.Current = append([]string(nil), vals...)
		st.pinned = s.pin
	}
}

// ValuesByKey returns the currently set values keyed by instance, the input
// to URL encoding for the share link.
func (s *Session) ValuesByKey() map[Key][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key][]string)
	for key, st := range s.states {
		if st.Set() {
			out[key] = append([]string(nil), st.Current...)
		}
	}
	return out
}

// spawnCascade runs the dependent cascade for one changed variable in the
// background.
func (s *Session) spawnCascade(ctx context.Context, root Key) {
	s.mu.Lock()
	levels := s.graph.Levels(root)
	s.mu.Unlock()
	if len(levels) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLevels(ctx, levels)
	}()
}

// runLevels walks the cascade: siblings within a level fetch concurrently,
// level N+1 is not dispatched before every fetch of level N has been applied.
// a failed fetch surfaces on its variable and never blocks the rest of the
// level or unrelated branches.
func (s *Session) runLevels(ctx context.Context, levels [][]Key) {
	for _, level := range levels {
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		g := &errgroup.Group{}
		if s.maxFetch > 0 {
			g.SetLimit(s.maxFetch)
		}
		for _, key := range level {
			g.Go(func() error {
				s.refetch(ctx, key)
				return nil
			})
		}
		_ = g.Wait() // fetch errors are recorded per variable, not returned
	}
}

// refetch fetches candidates for one variable using the latest parent
// values. a variable whose parents are not all set cannot fetch; its stale
// state clears instead. results are applied only when no newer dispatch
// superseded this one (last-write-wins by dispatch order).
func (s *Session) refetch(ctx context.Context, key Key) {
	s.mu.Lock()
	st, ok := s.states[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	if !s.parentsReadyLocked(key) {
		// multi-parent gating: wait for all parents, clear stale state
		events := s.clearStateLocked(key, st)
		s.mu.Unlock()
		s.publish(events)
		return
	}

	req := s.buildRequestLocked(key)
	st.generation++
	gen := st.generation
	s.mu.Unlock()

	vals, err := s.fetcher.Fetch(ctx, req)

	s.mu.Lock()
	if st.generation != gen { // superseded while in flight, discard silently
		s.mu.Unlock()
		return
	}
	var events []Event
	if err != nil {
		st.FetchErr = err.Error()
		events = append(events, Event{Type: EventFetchError, Key: key.String(), Error: st.FetchErr})
		s.mu.Unlock()
		s.publish(events)
		if s.onFailure != nil {
			s.onFailure(key, err)
		}
		return
	}

	st.FetchErr = ""
	if s.onSuccess != nil {
		defer s.onSuccess(key)
	}
	st.Candidates = append([]string(nil), vals...)
	events = append(events, Event{Type: EventCandidates, Key: key.String(), Candidates: st.Candidates})

	switch {
	case st.Set():
		// drop selected values no longer offered, unless pinned by URL policy
		if kept := intersect(st.Current, vals); !st.pinned && len(kept) != len(st.Current) {
			st.Current = kept
			events = append(events, Event{Type: EventValue, Key: key.String(), Values: st.Current})
		}
	case st.Variable.DefaultValue != "" && contains(vals, st.Variable.DefaultValue):
		st.Current = []string{st.Variable.DefaultValue}
		events = append(events, Event{Type: EventValue, Key: key.String(), Values: st.Current})
	}
	s.mu.Unlock()
	s.publish(events)
}

// parentsReadyLocked reports whether every parent has a defined value.
func (s *Session) parentsReadyLocked(key Key) bool {
	for _, p := range s.graph.Parents(key) {
		if st, ok := s.states[p]; !ok || !st.Set() {
			return false
		}
	}
	return true
}

// buildRequestLocked assembles the lookup request: static filters plus one
// filter per parent carrying the parent's current value(s).
func (s *Session) buildRequestLocked(key Key) Request {
	v := s.states[key].Variable
	req := Request{
		Stream:    v.Stream,
		Field:     v.Field,
		Filters:   append([]Filter(nil), v.Filters...),
		TimeRange: s.timeRange,
	}
	for _, p := range v.Parents {
		pk, err := s.graph.resolveParent(p.Name, v.Scope, key)
		if err != nil {
			continue // validated at edit time; a racing removal just drops the filter
		}
		pst := s.states[pk]
		for _, val := range pst.Current {
			req.Filters = append(req.Filters, Filter{Field: p.Field, Operator: "=", Value: val})
		}
	}
	return req
}

// clearStateLocked wipes a variable's runtime state when it can no longer
// fetch (a parent became unset). pinned URL values survive.
func (s *Session) clearStateLocked(key Key, st *State) []Event {
	st.generation++ // invalidate anything in flight
	var events []Event
	if len(st.Candidates) > 0 {
		st.Candidates = nil
		events = append(events, Event{Type: EventCandidates, Key: key.String()})
	}
	if st.Set() && !st.pinned {
		st.Current = nil
		events = append(events, Event{Type: EventValue, Key: key.String()})
	}
	return events
}

// markDirtyLocked flags every panel whose query depends on the changed
// variable, directly or through the dependency chain. a global-scope change
// also flags the dashboard-wide refresh affordance.
func (s *Session) markDirtyLocked(key Key) []Event {
	affected := map[Key]struct{}{key: {}}
	for _, d := range s.graph.Descendants(key) {
		affected[d] = struct{}{}
	}

	var events []Event
	for _, p := range s.panels {
		for _, ref := range s.panelRefs[p.ID] {
			if _, ok := affected[ref]; !ok {
				continue
			}
			if s.dirty.MarkPanel(p.ID) {
				events = append(events, Event{Type: EventDirty, DirtyScope: p.ID, Dirty: true})
			}
			break
		}
	}
	if key.Scope.Kind == ScopeGlobal && s.dirty.MarkGlobal() {
		events = append(events, Event{Type: EventDirty, DirtyScope: DirtyScopeGlobal, Dirty: true})
	}
	return events
}

func (s *Session) publish(events []Event) {
	for _, ev := range events {
		s.sink.Publish(ev)
	}
}

func intersect(selected, candidates []string) []string {
	var kept []string
	for _, v := range selected {
		if contains(candidates, v) {
			kept = append(kept, v)
		}
	}
	return kept
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
