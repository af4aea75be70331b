package engine

import (
	"sort"
	"sync"
)

// DirtyTracker records which refresh affordances show stale data: one flag
// per panel plus the dashboard-wide global flag. A flag is set when any
// variable or time range affecting that scope changes, and cleared only when
// that scope's own data fetch completes. Clearing one panel never touches
// another.
//
// Trackers are per-session; concurrent open dashboards stay independent.
type DirtyTracker struct {
	mu     sync.Mutex
	global bool
	panels map[string]bool
}

// NewDirtyTracker creates a tracker with all flags clear.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{panels: make(map[string]bool)}
}

// MarkPanel flags a panel as stale. reports whether the flag actually changed.
func (d *DirtyTracker) MarkPanel(panelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panels[panelID] {
		return false
	}
	d.panels[panelID] = true
	return true
}

// MarkGlobal flags the dashboard-wide refresh affordance as stale.
// reports whether the flag actually changed.
func (d *DirtyTracker) MarkGlobal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.global {
		return false
	}
	d.global = true
	return true
}

// ClearPanel clears one panel's flag on its fetch completion. other panels
// and the global flag are untouched. reports whether the flag changed.
func (d *DirtyTracker) ClearPanel(panelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.panels[panelID] {
		return false
	}
	delete(d.panels, panelID)
	return true
}

// ClearGlobal clears the global flag, on completion of all panels' fetches
// triggered by the global refresh action. reports whether the flag changed.
func (d *DirtyTracker) ClearGlobal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.global {
		return false
	}
	d.global = false
	return true
}

// IsPanelDirty reports whether the panel shows stale data.
func (d *DirtyTracker) IsPanelDirty(panelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.panels[panelID]
}

// IsGlobalDirty reports whether the dashboard-wide affordance is stale.
func (d *DirtyTracker) IsGlobalDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.global
}

// DirtyPanels returns the flagged panel ids in deterministic order.
func (d *DirtyTracker) DirtyPanels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.panels))
	for id := range d.panels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
