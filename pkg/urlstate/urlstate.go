// Package urlstate implements the shareable-URL encoding of dashboard
// variable state. Every variable value maps to one query parameter:
// "var-{name}" for global scope, "var-{name}.t.{tabId}" for tab scope and
// "var-{name}.p.{panelId}" for panel scope. The encoding is the one
// bit-exact external contract of the engine: encoding a state and decoding
// it back reproduces the same (name, scope, value) set.
package urlstate

import (
	"net/url"
	"sort"
	"strings"

	"github.com/umputun/varflow/pkg/engine"
)

// prefix marks variable parameters; anything else in the query belongs to
// other collaborators and is left alone.
const prefix = "var-"

// scope marker separators inside a parameter name.
const (
	tabMarker   = ".t."
	panelMarker = ".p."
)

// Encode serializes variable values into a URL query string. Parameters are
// ordered by canonical instance key so the output is deterministic; each
// value is percent-encoded, multi-select values join with a comma.
func Encode(values map[engine.Key][]string) string {
	keys := make([]engine.Key, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vals := values[k]
		if len(vals) == 0 {
			continue
		}
		escaped := make([]string, len(vals))
		for i, v := range vals {
			escaped[i] = url.QueryEscape(v)
		}
		parts = append(parts, prefix+k.String()+"="+strings.Join(escaped, ","))
	}
	return strings.Join(parts, "&")
}

// Decode parses a raw query string back into variable values. Parameters
// without the var- prefix are ignored; malformed variable parameters (empty
// name, empty scope id, broken percent-encoding) are skipped rather than
// treated as fatal, so a dashboard renders with the remaining valid state.
// A leading "?" is tolerated.
func Decode(query string) map[engine.Key][]string {
	query = strings.TrimPrefix(query, "?")
	out := make(map[engine.Key][]string)

	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		name, rawVal, found := strings.Cut(pair, "=")
		if !found || !strings.HasPrefix(name, prefix) {
			continue
		}
		key, ok := parseKey(strings.TrimPrefix(name, prefix))
		if !ok {
			continue
		}
		vals, ok := parseValues(rawVal)
		if !ok {
			continue
		}
		out[key] = vals
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parseKey turns "name", "name.t.tabId" or "name.p.panelId" into an
// instance key.
func parseKey(s string) (engine.Key, bool) {
	if name, tabID, found := strings.Cut(s, tabMarker); found {
		if name == "" || tabID == "" {
			return engine.Key{}, false
		}
		return engine.Key{Name: name, Scope: engine.TabScope(tabID)}, true
	}
	if name, panelID, found := strings.Cut(s, panelMarker); found {
		if name == "" || panelID == "" {
			return engine.Key{}, false
		}
		return engine.Key{Name: name, Scope: engine.PanelScope(panelID)}, true
	}
	if s == "" {
		return engine.Key{}, false
	}
	return engine.Key{Name: s, Scope: engine.GlobalScope()}, true
}

// parseValues splits a comma-joined value list and percent-decodes each
// element. the whole parameter is rejected when any element fails to decode.
// an empty raw value is a single empty selection, mirroring its encoding.
func parseValues(raw string) ([]string, bool) {
	segments := strings.Split(raw, ",")
	vals := make([]string, len(segments))
	for i, seg := range segments {
		v, err := url.QueryUnescape(seg)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}
	return vals, true
}
